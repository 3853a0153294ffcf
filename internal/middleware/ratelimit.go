package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/pipeline"
	"github.com/gin-gonic/gin"
)

// RateLimit debits one token per request from the caller's bucket and rejects the
// request with 429 once the bucket is empty.
func RateLimit(p *pipeline.Pipeline, trustForwardedFor bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := pipeline.ClientKey(c.Request, trustForwardedFor)
		c.Set(ContextRateLimitKey, key)

		res := p.CheckRateLimit(c.Request.Context(), key)
		if res.StoreErr != nil {
			_ = c.Error(res.StoreErr)
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		if res.Remaining >= 0 {
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		}

		if !res.Admitted {
			retryAfter := retryAfterSeconds(res.RetryAfter)
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.Header("X-RateLimit-Retry-After", strconv.Itoa(retryAfter))
			c.Set(ContextDecision, pipeline.DecisionRateLimited.String())

			// fail_closed with an unreachable store is not the caller's quota
			if res.StoreErr != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error": "Rate limiter unavailable",
				})
				return
			}

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "Rate limit exceeded",
				"limit":               res.Limit,
				"retry_after_seconds": retryAfter,
			})
			return
		}

		c.Next()
	}
}

// Whole seconds, rounded up, never below 1
func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
