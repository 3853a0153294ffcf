package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck pings one dependency.
type HealthCheck func(ctx context.Context) error

// Handles the gateway's own inspection endpoints
type SystemHandler struct {
	limiter ratelimit.Limiter
	breaker *circuitbreaker.CircuitBreaker
	checks  map[string]HealthCheck
	logger  *zap.Logger
	started time.Time
}

func NewSystemHandler(limiter ratelimit.Limiter, breaker *circuitbreaker.CircuitBreaker, checks map[string]HealthCheck, logger *zap.Logger) *SystemHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemHandler{
		limiter: limiter,
		breaker: breaker,
		checks:  checks,
		logger:  logger,
		started: time.Now(),
	}
}

type RateLimitStatus struct {
	Key                 string `json:"key"`
	RemainingTokens     int64  `json:"remainingTokens"`
	Capacity            int64  `json:"capacity"`
	RefillRatePerSecond int64  `json:"refillRatePerSecond"`
}

type CircuitStatus struct {
	Service            string     `json:"service"`
	State              string     `json:"state"`
	FailureRatePercent float64    `json:"failureRatePercent"`
	CallsObserved      int        `json:"callsObserved"`
	FailedCalls        int        `json:"failedCalls"`
	OpenedAt           *time.Time `json:"openedAt,omitempty"`
}

func toCircuitStatus(st circuitbreaker.Status) CircuitStatus {
	out := CircuitStatus{
		Service:            st.Service,
		State:              st.State.String(),
		FailureRatePercent: st.FailureRatePercent,
		CallsObserved:      st.CallsObserved,
		FailedCalls:        st.FailedCalls,
	}
	if !st.OpenedAt.IsZero() {
		openedAt := st.OpenedAt
		out.OpenedAt = &openedAt
	}
	return out
}

// Handles GET /gateway/health
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := gin.H{}
	healthy := true
	for _, name := range names {
		err := h.checks[name](ctx)
		checks[name] = err == nil
		if err != nil {
			healthy = false
			h.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
		}
	}

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, gin.H{
		"status":    status,
		"service":   "admission-gateway",
		"uptime":    time.Since(h.started).Seconds(),
		"timestamp": time.Now().Unix(),
		"checks":    checks,
	})
}

// Handles GET /gateway/rate-limit/status?key=
func (h *SystemHandler) RateLimitStatus(c *gin.Context) {
	key, ok := requiredQuery(c, "key")
	if !ok {
		return
	}

	remaining, err := h.limiter.Remaining(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("rate limit status unavailable", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Rate limit store unavailable"})
		return
	}

	c.JSON(http.StatusOK, RateLimitStatus{
		Key:                 key,
		RemainingTokens:     remaining,
		Capacity:            h.limiter.Capacity(),
		RefillRatePerSecond: h.limiter.RefillRate(),
	})
}

// Handles DELETE /gateway/rate-limit?key=
func (h *SystemHandler) ResetRateLimit(c *gin.Context) {
	key, ok := requiredQuery(c, "key")
	if !ok {
		return
	}

	if err := h.limiter.Reset(c.Request.Context(), key); err != nil {
		h.logger.Warn("rate limit reset failed", zap.String("key", key), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Rate limit store unavailable"})
		return
	}

	h.logger.Info("rate limit bucket reset", zap.String("key", key))
	c.JSON(http.StatusOK, gin.H{
		"message": "Rate limit reset successfully",
		"key":     key,
	})
}

// Handles GET /gateway/circuit-breaker/status?service=
func (h *SystemHandler) CircuitBreakerStatus(c *gin.Context) {
	service, ok := requiredQuery(c, "service")
	if !ok {
		return
	}

	c.JSON(http.StatusOK, toCircuitStatus(h.breaker.Status(service)))
}

// Handles GET /gateway/circuit-breaker
func (h *SystemHandler) ListCircuitBreakers(c *gin.Context) {
	statuses := h.breaker.Statuses()
	out := make([]CircuitStatus, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, toCircuitStatus(st))
	}

	c.JSON(http.StatusOK, gin.H{"circuits": out})
}

// Handles POST /gateway/circuit-breaker/reset?service=
func (h *SystemHandler) ResetCircuitBreaker(c *gin.Context) {
	service, ok := requiredQuery(c, "service")
	if !ok {
		return
	}

	h.breaker.Reset(service)
	h.logger.Info("circuit breaker reset", zap.String("service", service))

	c.JSON(http.StatusOK, gin.H{
		"message": "Circuit breaker reset successfully",
		"service": service,
	})
}

func requiredQuery(c *gin.Context, name string) (string, bool) {
	value := c.Query(name)
	if value == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Missing required query parameter: " + name,
		})
		return "", false
	}
	return value, true
}
