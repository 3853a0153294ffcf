package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/pipeline"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/aman-churiwal/admission-gateway/internal/requestlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type unavailableStore struct{}

func (unavailableStore) Apply(context.Context, string, ratelimit.Policy, int64, bool, time.Duration) (ratelimit.Bucket, bool, error) {
	return ratelimit.Bucket{}, false, ratelimit.ErrStoreUnavailable
}

func (unavailableStore) Delete(context.Context, string) error {
	return ratelimit.ErrStoreUnavailable
}

func newPipeline(store ratelimit.Store, capacity int64, policy string) *pipeline.Pipeline {
	now := func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	limiter := ratelimit.NewTokenBucket(store, capacity, 10, 5*time.Minute, ratelimit.WithClock(now))
	breaker := circuitbreaker.New(circuitbreaker.Config{}, circuitbreaker.WithClock(now))
	return pipeline.New(limiter, breaker, pipeline.Options{FailurePolicy: policy}, zap.NewNop(), nil)
}

func newEngine(p *pipeline.Pipeline, handler gin.HandlerFunc) *gin.Engine {
	engine := gin.New()
	engine.Use(Recovery(zap.NewNop()), RequestID())
	resolver := pipeline.NewServiceResolver("-service", "default-service", nil)
	engine.NoRoute(RateLimit(p, true), CircuitBreaker(p, resolver), handler)
	return engine
}

func get(engine *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5000"
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func ok(c *gin.Context) { c.Status(http.StatusOK) }

func TestRateLimit_Headers(t *testing.T) {
	p := newPipeline(ratelimit.NewMemoryStore(), 2, config.FailOpen)
	engine := newEngine(p, ok)

	rec := get(engine, "/api/users")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	get(engine, "/api/users")
	rec = get(engine, "/api/users")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Retry-After"))
	assert.JSONEq(t, `{"error":"Rate limit exceeded","limit":2,"retry_after_seconds":1}`, rec.Body.String())
}

func TestRateLimit_StoreDownFailOpen(t *testing.T) {
	p := newPipeline(unavailableStore{}, 10, config.FailOpen)
	rec := get(newEngine(p, ok), "/api/users")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimit_StoreDownFailClosed(t *testing.T) {
	p := newPipeline(unavailableStore{}, 10, config.FailClosed)
	called := false
	rec := get(newEngine(p, func(c *gin.Context) { called = true }), "/api/users")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Empty(t, rec.Header().Get("X-Circuit-Breaker"))
	assert.False(t, called)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(100*time.Millisecond))
	assert.Equal(t, 2, retryAfterSeconds(1001*time.Millisecond))
	assert.Equal(t, 60, retryAfterSeconds(time.Minute))
}

func TestCircuitBreaker_PanicCountsAsFailure(t *testing.T) {
	p := newPipeline(ratelimit.NewMemoryStore(), 100, config.FailOpen)
	engine := newEngine(p, func(c *gin.Context) { panic("boom") })

	for i := 0; i < 5; i++ {
		rec := get(engine, "/api/users")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	}

	st := p.Breaker().Status("users-service")
	assert.Equal(t, circuitbreaker.StateOpen, st.State)
	assert.Equal(t, 5, st.FailedCalls)

	rec := get(engine, "/api/users")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "OPEN", rec.Header().Get("X-Circuit-Breaker"))
}

func TestCircuitBreaker_ClientErrorsAreSuccesses(t *testing.T) {
	p := newPipeline(ratelimit.NewMemoryStore(), 100, config.FailOpen)
	engine := newEngine(p, func(c *gin.Context) { c.Status(http.StatusNotFound) })

	for i := 0; i < 10; i++ {
		get(engine, "/api/users")
	}

	st := p.Breaker().Status("users-service")
	assert.Equal(t, circuitbreaker.StateClosed, st.State)
	assert.Equal(t, 10, st.CallsObserved)
	assert.Zero(t, st.FailedCalls)
}

func TestRequestID(t *testing.T) {
	engine := gin.New()
	engine.Use(RequestID())
	var seen string
	engine.GET("/", func(c *gin.Context) { seen = c.GetString(ContextRequestID) })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "upstream-id")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, "upstream-id", seen)
}

func TestLogger_IncludesDecision(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := newPipeline(ratelimit.NewMemoryStore(), 100, config.FailOpen)

	engine := gin.New()
	engine.Use(Logger(zap.New(core)))
	resolver := pipeline.NewServiceResolver("-service", "default-service", nil)
	engine.NoRoute(RateLimit(p, true), CircuitBreaker(p, resolver), ok)

	get(engine, "/api/orders")

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "admitted", fields["decision"])
	assert.Equal(t, "orders-service", fields["service"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
}

type captureSink struct {
	mu   sync.Mutex
	logs []models.AdmissionLog
}

func (s *captureSink) CreateBatch(_ context.Context, logs []models.AdmissionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, logs...)
	return nil
}

func TestRequestLogger(t *testing.T) {
	sink := &captureSink{}
	writer := requestlog.NewWriter(sink, requestlog.Config{FlushInterval: time.Hour}, nil)
	p := newPipeline(ratelimit.NewMemoryStore(), 1, config.FailOpen)

	engine := gin.New()
	engine.Use(RequestID(), RequestLogger(writer))
	engine.GET("/gateway/health", ok)
	resolver := pipeline.NewServiceResolver("-service", "default-service", nil)
	engine.NoRoute(RateLimit(p, true), CircuitBreaker(p, resolver), ok)

	get(engine, "/api/orders")
	get(engine, "/api/orders")
	get(engine, "/gateway/health")

	require.NoError(t, writer.Close(context.Background()))
	require.Len(t, sink.logs, 2, "only requests that went through admission are logged")

	assert.Equal(t, "admitted", sink.logs[0].Decision)
	assert.Equal(t, "orders-service", sink.logs[0].ServiceKey)
	assert.Equal(t, "CLOSED", sink.logs[0].CircuitState)
	assert.Equal(t, "10.0.0.1", sink.logs[0].RateLimitKey)
	assert.Equal(t, http.StatusOK, sink.logs[0].StatusCode)
	assert.Len(t, sink.logs[0].RequestID, 36)

	assert.Equal(t, "rate-limited", sink.logs[1].Decision)
	assert.Equal(t, http.StatusTooManyRequests, sink.logs[1].StatusCode)
	assert.Empty(t, sink.logs[1].ServiceKey)
}
