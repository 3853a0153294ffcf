package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreaker holds one circuit per service name, created on first reference.
type CircuitBreaker struct {
	mu       sync.RWMutex
	circuits map[string]*circuit
	epoch    atomic.Uint64

	cfg           Config
	idleTTL       time.Duration
	now           func() time.Time
	onStateChange func(service string, from, to State)
	onObserve     func(service string, state State)
	onEvict       func(service string)
}

// Permit is handed out for an admitted call. Its outcome only counts toward the circuit
// phase that admitted it: a call that outlives a transition reports into nothing.
type Permit struct {
	Service    string
	generation uint64
}

type Config struct {
	FailureRateThreshold   float64       // percent, Default: 50
	MinimumCalls           int           // Default: 5
	SlidingWindowSize      int           // Default: 10
	WaitDuration           time.Duration // Default: 30 seconds
	PermittedHalfOpenCalls int           // Default: 3
}

// Read-only snapshot of one circuit
type Status struct {
	Service            string
	State              State
	FailureRatePercent float64 // -1 until MinimumCalls outcomes are windowed
	CallsObserved      int
	FailedCalls        int
	OpenedAt           time.Time
	HalfOpenAdmitted   int
}

type Option func(*CircuitBreaker)

func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithIdleTTL lets Cleanup drop circuits nobody has touched for d. Zero keeps them forever.
func WithIdleTTL(d time.Duration) Option {
	return func(cb *CircuitBreaker) { cb.idleTTL = d }
}

// WithStateChange registers a hook called on every transition, inside the circuit's
// critical section, so it must not call back into the breaker.
func WithStateChange(fn func(service string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// WithStateObserver registers a hook called with the current state after every
// admission, outcome and reset, under the same lock as WithStateChange.
func WithStateObserver(fn func(service string, state State)) Option {
	return func(cb *CircuitBreaker) { cb.onObserve = fn }
}

// WithEvict registers a hook called for every circuit Cleanup drops.
func WithEvict(fn func(service string)) Option {
	return func(cb *CircuitBreaker) { cb.onEvict = fn }
}

func New(cfg Config, opts ...Option) *CircuitBreaker {
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 100 {
		cfg.FailureRateThreshold = 50
	}
	if cfg.MinimumCalls <= 0 {
		cfg.MinimumCalls = 5
	}
	if cfg.SlidingWindowSize < cfg.MinimumCalls {
		cfg.SlidingWindowSize = max(10, cfg.MinimumCalls)
	}
	if cfg.WaitDuration <= 0 {
		cfg.WaitDuration = 30 * time.Second
	}
	if cfg.PermittedHalfOpenCalls <= 0 {
		cfg.PermittedHalfOpenCalls = 3
	}

	cb := &CircuitBreaker{
		circuits: make(map[string]*circuit),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

func (cb *CircuitBreaker) Config() Config {
	return cb.cfg
}

// AllowRequest reports whether a call to service may proceed now. A false result
// means the caller must not invoke the downstream and must not record an outcome.
func (cb *CircuitBreaker) AllowRequest(service string) bool {
	_, ok := cb.Acquire(service)
	return ok
}

// Acquire is AllowRequest returning a Permit to report the outcome through.
func (cb *CircuitBreaker) Acquire(service string) (Permit, bool) {
	c := cb.circuit(service)
	now := cb.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastUsed = now
	allowed, changes := c.allow(cb.cfg, now)
	cb.settle(service, c, changes)
	cb.observe(service, c)
	return Permit{Service: service, generation: c.generation}, allowed
}

// RecordOutcome feeds back the result of a call that AllowRequest admitted. The
// outcome is attributed to the circuit's current phase; Report is exact.
func (cb *CircuitBreaker) RecordOutcome(service string, success bool) {
	c := cb.circuit(service)

	c.mu.Lock()
	defer c.mu.Unlock()
	cb.recordLocked(service, c, success)
}

// Report feeds back the outcome of a call admitted by Acquire. Outcomes from an earlier
// phase of the circuit are dropped.
func (cb *CircuitBreaker) Report(p Permit, success bool) {
	c := cb.circuit(p.Service)

	c.mu.Lock()
	defer c.mu.Unlock()

	if p.generation != c.generation {
		c.lastUsed = cb.now()
		cb.observe(p.Service, c)
		return
	}
	cb.recordLocked(p.Service, c, success)
}

func (cb *CircuitBreaker) recordLocked(service string, c *circuit, success bool) {
	now := cb.now()
	c.lastUsed = now
	cb.settle(service, c, c.record(cb.cfg, now, success))
	cb.observe(service, c)
}

func (cb *CircuitBreaker) Status(service string) Status {
	c := cb.circuit(service)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status(cb.cfg)
}

// Statuses returns a snapshot of every known circuit ordered by service name.
func (cb *CircuitBreaker) Statuses() []Status {
	cb.mu.RLock()
	circuits := make([]*circuit, 0, len(cb.circuits))
	for _, c := range cb.circuits {
		circuits = append(circuits, c)
	}
	cb.mu.RUnlock()

	statuses := make([]Status, 0, len(circuits))
	for _, c := range circuits {
		c.mu.Lock()
		statuses = append(statuses, c.status(cb.cfg))
		c.mu.Unlock()
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Service < statuses[j].Service })
	return statuses
}

// Manually forces the circuit closed with an empty window
func (cb *CircuitBreaker) Reset(service string) {
	c := cb.circuit(service)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		c.window.reset()
		c.generation = cb.epoch.Add(1)
	} else {
		cb.settle(service, c, []transition{c.toClosed()})
	}
	cb.observe(service, c)
}

// Cleanup drops circuits idle for longer than the idle TTL.
func (cb *CircuitBreaker) Cleanup() {
	if cb.idleTTL <= 0 {
		return
	}
	cutoff := cb.now().Add(-cb.idleTTL)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	for service, c := range cb.circuits {
		c.mu.Lock()
		idle := c.lastUsed.Before(cutoff)
		c.mu.Unlock()
		if idle {
			delete(cb.circuits, service)
			if cb.onEvict != nil {
				cb.onEvict(service)
			}
		}
	}
}

// StartJanitor runs Cleanup every interval until ctx is done.
func (cb *CircuitBreaker) StartJanitor(ctx context.Context, interval time.Duration) {
	if cb.idleTTL <= 0 || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cb.Cleanup()
			}
		}
	}()
}

func (cb *CircuitBreaker) circuit(service string) *circuit {
	cb.mu.RLock()
	c, ok := cb.circuits[service]
	cb.mu.RUnlock()
	if ok {
		return c
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if c, ok := cb.circuits[service]; ok {
		return c
	}
	c = newCircuit(service, cb.cfg, cb.now())
	c.generation = cb.epoch.Add(1)
	cb.circuits[service] = c
	return c
}

// settle starts a new generation after any transition and runs the change hook.
func (cb *CircuitBreaker) settle(service string, c *circuit, changes []transition) {
	if len(changes) == 0 {
		return
	}
	c.generation = cb.epoch.Add(1)

	if cb.onStateChange == nil {
		return
	}
	for _, t := range changes {
		cb.onStateChange(service, t.from, t.to)
	}
}

func (cb *CircuitBreaker) observe(service string, c *circuit) {
	if cb.onObserve != nil {
		cb.onObserve(service, c.state)
	}
}
