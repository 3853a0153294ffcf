package circuitbreaker

import (
	"sync"
	"time"
)

// circuit is the state machine for one service. Every method expects c.mu held;
// the registry takes it so a transition and its hook run in one critical section.
type circuit struct {
	mu       sync.Mutex
	service  string
	state    State
	window   *slidingWindow
	openedAt time.Time
	lastUsed time.Time

	// bumped on every transition; permits from an older generation are stale
	generation uint64

	halfOpenAdmitted  int
	halfOpenSuccesses int
	halfOpenFailures  int
}

type transition struct {
	from, to State
}

func newCircuit(service string, cfg Config, now time.Time) *circuit {
	return &circuit{
		service:  service,
		state:    StateClosed,
		window:   newSlidingWindow(cfg.SlidingWindowSize),
		lastUsed: now,
	}
}

// allow reports whether a call may proceed. An OPEN circuit past its wait moves to
// HALF_OPEN and the caller becomes the first trial call.
func (c *circuit) allow(cfg Config, now time.Time) (bool, []transition) {
	var changes []transition

	if c.state == StateOpen {
		if now.Sub(c.openedAt) < cfg.WaitDuration {
			return false, nil
		}
		changes = append(changes, c.toHalfOpen())
	}

	switch c.state {
	case StateClosed:
		return true, changes
	case StateHalfOpen:
		if c.halfOpenAdmitted < cfg.PermittedHalfOpenCalls {
			c.halfOpenAdmitted++
			return true, changes
		}
		return false, changes
	default:
		return false, changes
	}
}

func (c *circuit) record(cfg Config, now time.Time, success bool) []transition {
	switch c.state {
	case StateClosed:
		c.window.record(success)
		if c.window.count >= cfg.MinimumCalls && c.window.failureRate() >= cfg.FailureRateThreshold {
			return []transition{c.toOpen(now)}
		}

	case StateHalfOpen:
		if success {
			c.halfOpenSuccesses++
		} else {
			c.halfOpenFailures++
		}
		if c.halfOpenAdmitted < cfg.PermittedHalfOpenCalls {
			return nil
		}
		if c.halfOpenSuccesses+c.halfOpenFailures < c.halfOpenAdmitted {
			// trial calls still in flight
			return nil
		}
		if c.halfOpenFailures == 0 {
			return []transition{c.toClosed()}
		}
		return []transition{c.toOpen(now)}

	case StateOpen:
		// late outcome of a call admitted before the circuit opened
	}
	return nil
}

func (c *circuit) toOpen(now time.Time) transition {
	t := transition{from: c.state, to: StateOpen}
	c.state = StateOpen
	c.openedAt = now
	return t
}

func (c *circuit) toHalfOpen() transition {
	t := transition{from: c.state, to: StateHalfOpen}
	c.state = StateHalfOpen
	c.halfOpenAdmitted = 0
	c.halfOpenSuccesses = 0
	c.halfOpenFailures = 0
	return t
}

func (c *circuit) toClosed() transition {
	t := transition{from: c.state, to: StateClosed}
	c.state = StateClosed
	c.window.reset()
	c.openedAt = time.Time{}
	c.halfOpenAdmitted = 0
	c.halfOpenSuccesses = 0
	c.halfOpenFailures = 0
	return t
}

func (c *circuit) status(cfg Config) Status {
	rate := -1.0
	if c.window.count >= cfg.MinimumCalls {
		rate = c.window.failureRate()
	}
	return Status{
		Service:            c.service,
		State:              c.state,
		FailureRatePercent: rate,
		CallsObserved:      c.window.count,
		FailedCalls:        c.window.failures,
		OpenedAt:           c.openedAt,
		HalfOpenAdmitted:   c.halfOpenAdmitted,
	}
}
