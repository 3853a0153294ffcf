package middleware

import (
	"errors"
	"net/http"

	"github.com/aman-churiwal/admission-gateway/internal/pipeline"
	"github.com/aman-churiwal/admission-gateway/internal/proxy"
	"github.com/gin-gonic/gin"
)

// CircuitBreaker short-circuits requests to services whose circuit is open and feeds
// the outcome of every admitted request back into the breaker.
func CircuitBreaker(p *pipeline.Pipeline, services *pipeline.ServiceResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		service := services.Resolve(c.Request.URL.Path)
		c.Set(ContextServiceKey, service)

		permit, ok := p.CheckCircuit(service)
		if !ok {
			c.Set(ContextDecision, pipeline.DecisionCircuitOpen.String())
			c.Set(ContextCircuitState, p.Breaker().Status(service).State.String())
			c.Header("X-Circuit-Breaker", "OPEN")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "Service temporarily unavailable",
				"service": service,
			})
			return
		}

		// stays false if a handler panics
		success := false
		defer func() {
			decision := p.RecordOutcome(permit, success)
			c.Set(ContextDecision, decision.String())
			c.Set(ContextCircuitState, p.Breaker().Status(service).State.String())
		}()

		c.Next()

		success = c.Writer.Status() < http.StatusInternalServerError && !downstreamFailed(c)
	}
}

func downstreamFailed(c *gin.Context) bool {
	for _, e := range c.Errors {
		if errors.Is(e.Err, proxy.ErrDownstream) {
			return true
		}
	}
	return false
}
