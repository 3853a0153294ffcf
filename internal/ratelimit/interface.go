package ratelimit

import (
	"context"
	"time"
)

type Limiter interface {
	// TryConsume debits one token for key if one is available.
	TryConsume(ctx context.Context, key string) (bool, error)

	// Take is TryConsume plus the token count left after the decision.
	Take(ctx context.Context, key string) (Result, error)

	// Remaining refreshes the bucket without debiting it.
	Remaining(ctx context.Context, key string) (int64, error)

	Reset(ctx context.Context, key string) error

	Capacity() int64

	RefillRate() int64

	// RetryAfter is how long a denied caller should wait for the next token.
	RetryAfter() time.Duration
}

type Result struct {
	Admitted  bool
	Remaining int64
}
