package middleware

import (
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/requestlog"
	"github.com/gin-gonic/gin"
)

// RequestLogger queues one audit entry for every request that reached an admission decision.
func RequestLogger(w *requestlog.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		decision := c.GetString(ContextDecision)
		if decision == "" {
			return
		}

		w.Enqueue(models.AdmissionLog{
			RequestID:      c.GetString(ContextRequestID),
			Timestamp:      start.UTC(),
			Decision:       decision,
			RateLimitKey:   c.GetString(ContextRateLimitKey),
			ServiceKey:     c.GetString(ContextServiceKey),
			CircuitState:   c.GetString(ContextCircuitState),
			Method:         c.Request.Method,
			Path:           c.Request.URL.Path,
			StatusCode:     c.Writer.Status(),
			ResponseTimeMs: int(time.Since(start).Milliseconds()),
			BackendServer:  c.Writer.Header().Get("X-Backend-Server"),
		})
	}
}
