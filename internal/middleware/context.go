package middleware

// Keys set on the gin context by the admission middlewares
const (
	ContextRequestID    = "request_id"
	ContextRateLimitKey = "rate_limit_key"
	ContextServiceKey   = "service_key"
	ContextDecision     = "admission_decision"
	ContextCircuitState = "circuit_state"
)
