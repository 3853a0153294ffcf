package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	engine  *gin.Engine
	limiter *ratelimit.TokenBucket
	breaker *circuitbreaker.CircuitBreaker
}

func newFixture(t *testing.T, checks map[string]HealthCheck) *fixture {
	t.Helper()
	now := func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	store := ratelimit.NewMemoryStore(ratelimit.WithStoreClock(now), ratelimit.WithCleanupEvery(0))
	limiter := ratelimit.NewTokenBucket(store, 100, 10, 5*time.Minute, ratelimit.WithClock(now))
	breaker := circuitbreaker.New(circuitbreaker.Config{})

	h := NewSystemHandler(limiter, breaker, checks, nil)
	engine := gin.New()
	gw := engine.Group("/gateway")
	gw.GET("/health", h.Health)
	gw.GET("/rate-limit/status", h.RateLimitStatus)
	gw.DELETE("/rate-limit", h.ResetRateLimit)
	gw.GET("/circuit-breaker", h.ListCircuitBreakers)
	gw.GET("/circuit-breaker/status", h.CircuitBreakerStatus)
	gw.POST("/circuit-breaker/reset", h.ResetCircuitBreaker)

	return &fixture{engine: engine, limiter: limiter, breaker: breaker}
}

func (f *fixture) do(t *testing.T, method, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestRateLimitStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var st RateLimitStatus
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/gateway/rate-limit/status?key=10.0.0.1", &st))
	assert.Equal(t, RateLimitStatus{Key: "10.0.0.1", RemainingTokens: 100, Capacity: 100, RefillRatePerSecond: 10}, st)

	for i := 0; i < 3; i++ {
		_, err := f.limiter.TryConsume(ctx, "10.0.0.1")
		require.NoError(t, err)
	}

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/gateway/rate-limit/status?key=10.0.0.1", &st))
	assert.Equal(t, int64(97), st.RemainingTokens)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/gateway/rate-limit/status?key=10.0.0.1", &st))
	assert.Equal(t, int64(97), st.RemainingTokens, "status reads never debit")
}

func TestResetRateLimit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := f.limiter.TryConsume(ctx, "k")
		require.NoError(t, err)
	}

	require.Equal(t, http.StatusOK, f.do(t, http.MethodDelete, "/gateway/rate-limit?key=k", nil))

	remaining, err := f.limiter.Remaining(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, int64(100), remaining)
}

func TestCircuitBreakerStatus(t *testing.T) {
	f := newFixture(t, nil)

	var st CircuitStatus
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/gateway/circuit-breaker/status?service=users-service", &st))
	assert.Equal(t, "users-service", st.Service)
	assert.Equal(t, "CLOSED", st.State)
	assert.Equal(t, -1.0, st.FailureRatePercent)
	assert.Zero(t, st.CallsObserved)
	assert.Nil(t, st.OpenedAt)

	for i := 0; i < 5; i++ {
		require.True(t, f.breaker.AllowRequest("users-service"))
		f.breaker.RecordOutcome("users-service", false)
	}

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/gateway/circuit-breaker/status?service=users-service", &st))
	assert.Equal(t, "OPEN", st.State)
	assert.Equal(t, 100.0, st.FailureRatePercent)
	assert.Equal(t, 5, st.CallsObserved)
	assert.Equal(t, 5, st.FailedCalls)
	assert.NotNil(t, st.OpenedAt)

	var list struct {
		Circuits []CircuitStatus `json:"circuits"`
	}
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/gateway/circuit-breaker", &list))
	require.Len(t, list.Circuits, 1)
	assert.Equal(t, "OPEN", list.Circuits[0].State)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/gateway/circuit-breaker/reset?service=users-service", nil))
	assert.Equal(t, circuitbreaker.StateClosed, f.breaker.Status("users-service").State)
}

func TestMissingQueryParameter(t *testing.T) {
	f := newFixture(t, nil)

	for _, tt := range []struct{ method, target string }{
		{http.MethodGet, "/gateway/rate-limit/status"},
		{http.MethodDelete, "/gateway/rate-limit"},
		{http.MethodGet, "/gateway/circuit-breaker/status"},
		{http.MethodPost, "/gateway/circuit-breaker/reset"},
	} {
		var body map[string]string
		assert.Equal(t, http.StatusBadRequest, f.do(t, tt.method, tt.target, &body), tt.target)
		assert.Contains(t, body["error"], "Missing required query parameter")
	}
}

func TestHealth(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: connection refused") }

	f := newFixture(t, map[string]HealthCheck{"redis": ok})
	var body map[string]any
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/gateway/health", &body))
	assert.Equal(t, "healthy", body["status"])

	f = newFixture(t, map[string]HealthCheck{"redis": ok, "database": down})
	require.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/gateway/health", &body))
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"redis": true, "database": false}, body["checks"])
}

type stubDecisionStore struct {
	from, to time.Time
}

func (s *stubDecisionStore) CountByDecision(_ context.Context, from, to time.Time) ([]models.DecisionCount, error) {
	s.from, s.to = from, to
	return []models.DecisionCount{{Decision: "admitted", Count: 3}, {Decision: "rate-limited", Count: 1}}, nil
}

func (s *stubDecisionStore) CountByService(context.Context, time.Time, time.Time, string) ([]models.ServiceCount, error) {
	return nil, nil
}

func (s *stubDecisionStore) GetAverageResponseTime(context.Context, time.Time, time.Time) (float64, error) {
	return 4, nil
}

func TestDecisionSummary(t *testing.T) {
	store := &stubDecisionStore{}
	h := NewAnalyticsHandler(service.NewAnalyticsService(store))
	engine := gin.New()
	engine.GET("/gateway/decisions/summary", h.GetSummary)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/decisions/summary?from=2024-01-01T00:00:00Z&to=1704153600", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var summary service.DecisionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, int64(4), summary.TotalRequests)
	assert.Equal(t, 75.0, summary.AdmittedRate)
	assert.Equal(t, 25.0, summary.RateLimitedRate)
	assert.True(t, store.from.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, store.to.Equal(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/gateway/decisions/summary?from=yesterday", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
