package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps any failure to reach the shared counter store.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Store is the shared counter store behind the limiter.
type Store interface {
	// Apply refills the bucket for key up to nowMs under p, takes one token when debit
	// is set, and writes the result back with the given ttl. Read, refill, debit and
	// write are one atomic step with respect to every other call on the same key.
	// An absent or unreadable bucket starts full.
	Apply(ctx context.Context, key string, p Policy, nowMs int64, debit bool, ttl time.Duration) (Bucket, bool, error)

	Delete(ctx context.Context, key string) error
}
