package pipeline

import (
	"context"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/circuitbreaker"
	"github.com/aman-churiwal/admission-gateway/internal/config"
	"github.com/aman-churiwal/admission-gateway/internal/metrics"
	"github.com/aman-churiwal/admission-gateway/internal/ratelimit"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Pipeline composes the limiter and the breaker. It never returns errors to the
// routing layer: every check resolves to an admission decision.
type Pipeline struct {
	limiter ratelimit.Limiter
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	logger  *zap.Logger

	failurePolicy string
	storeTimeout  time.Duration
	retryAfter    time.Duration

	storeWarn rate.Sometimes
}

type Options struct {
	// FailurePolicy is config.FailOpen or config.FailClosed. Default: fail open.
	FailurePolicy string

	// StoreTimeout bounds one limiter check. Zero leaves only the caller's deadline.
	StoreTimeout time.Duration

	// RetryAfter overrides the hint sent with denials. Zero derives it from the refill rate.
	RetryAfter time.Duration
}

func New(limiter ratelimit.Limiter, breaker *circuitbreaker.CircuitBreaker, opts Options, logger *zap.Logger, m *metrics.Metrics) *Pipeline {
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = config.FailOpen
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = limiter.RetryAfter()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Pipeline{
		limiter:       limiter,
		breaker:       breaker,
		metrics:       m,
		logger:        logger,
		failurePolicy: opts.FailurePolicy,
		storeTimeout:  opts.StoreTimeout,
		retryAfter:    opts.RetryAfter,
		storeWarn:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

type RateLimitResult struct {
	Admitted   bool
	Limit      int64
	Remaining  int64 // -1 when the store could not be consulted
	RetryAfter time.Duration
	StoreErr   error
}

// CheckRateLimit debits one token for key. A store failure is resolved by the
// configured failure policy and reported in StoreErr.
func (p *Pipeline) CheckRateLimit(ctx context.Context, key string) RateLimitResult {
	if p.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.storeTimeout)
		defer cancel()
	}

	result := RateLimitResult{
		Limit:      p.limiter.Capacity(),
		Remaining:  -1,
		RetryAfter: p.retryAfter,
	}

	res, err := p.limiter.Take(ctx, key)
	if err != nil {
		result.StoreErr = err
		result.Admitted = p.failurePolicy == config.FailOpen

		p.metrics.StoreError(p.failurePolicy)
		p.storeWarn.Do(func() {
			p.logger.Warn("rate limit store unavailable",
				zap.String("policy", p.failurePolicy),
				zap.String("key", key),
				zap.Error(err),
			)
		})
	} else {
		result.Admitted = res.Admitted
		result.Remaining = res.Remaining
		p.metrics.ObserveRemaining(res.Remaining)
	}

	if !result.Admitted {
		p.metrics.ObserveDecision(DecisionRateLimited.String())
	}
	return result
}

// CheckCircuit reports whether the service's circuit lets the call through. A rejected
// call must not be followed by RecordOutcome.
func (p *Pipeline) CheckCircuit(service string) (circuitbreaker.Permit, bool) {
	permit, ok := p.breaker.Acquire(service)
	if !ok {
		p.metrics.ObserveDecision(DecisionCircuitOpen.String())
	}
	return permit, ok
}

// RecordOutcome feeds a finished downstream call back into the breaker and returns
// the final decision for the request.
func (p *Pipeline) RecordOutcome(permit circuitbreaker.Permit, success bool) Decision {
	p.breaker.Report(permit, success)

	decision := DecisionAdmitted
	if !success {
		decision = DecisionDownstreamError
	}
	p.metrics.ObserveDecision(decision.String())
	return decision
}

func (p *Pipeline) Limiter() ratelimit.Limiter {
	return p.limiter
}

func (p *Pipeline) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}
