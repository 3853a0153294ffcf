package ratelimit

import (
	"context"
	"fmt"
	"time"
)

type TokenBucket struct {
	store  Store
	policy Policy
	ttl    time.Duration // idle window after which a key is treated as new
	now    func() time.Time
}

type Option func(*TokenBucket)

func WithClock(now func() time.Time) Option {
	return func(t *TokenBucket) { t.now = now }
}

func NewTokenBucket(store Store, capacity, refillRate int64, idleTTL time.Duration, opts ...Option) *TokenBucket {
	t := &TokenBucket{
		store:  store,
		policy: Policy{Capacity: capacity, RefillRate: refillRate},
		ttl:    idleTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *TokenBucket) TryConsume(ctx context.Context, key string) (bool, error) {
	res, err := t.Take(ctx, key)
	return res.Admitted, err
}

func (t *TokenBucket) Take(ctx context.Context, key string) (Result, error) {
	b, admitted, err := t.apply(ctx, key, true)
	if err != nil {
		return Result{}, err
	}
	return Result{Admitted: admitted, Remaining: b.Tokens}, nil
}

// Remaining runs the admission refill without debiting and persists the refreshed
// count, so inspection and enforcement never disagree.
func (t *TokenBucket) Remaining(ctx context.Context, key string) (int64, error) {
	b, _, err := t.apply(ctx, key, false)
	if err != nil {
		return 0, err
	}
	return b.Tokens, nil
}

func (t *TokenBucket) Reset(ctx context.Context, key string) error {
	return t.store.Delete(ctx, key)
}

func (t *TokenBucket) Capacity() int64 {
	return t.policy.Capacity
}

func (t *TokenBucket) RefillRate() int64 {
	return t.policy.RefillRate
}

// Returns the time for one token to refill, rounded up to whole milliseconds
func (t *TokenBucket) RetryAfter() time.Duration {
	ms := (1000 + t.policy.RefillRate - 1) / t.policy.RefillRate
	return time.Duration(ms) * time.Millisecond
}

func (t *TokenBucket) apply(ctx context.Context, key string, debit bool) (Bucket, bool, error) {
	if err := ctx.Err(); err != nil {
		return Bucket{}, false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return t.store.Apply(ctx, key, t.policy, t.now().UnixMilli(), debit, t.ttl)
}
