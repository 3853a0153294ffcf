package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := storage.NewRedis(storage.RedisOptions{Addr: mr.Addr(), PoolSize: 64})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return NewRedisStore(client), mr
}

func TestRedisStore_WritesTokenAndTimestampKeys(t *testing.T) {
	store, mr := newRedisStore(t)
	clock := newFakeClock()
	tb := NewTokenBucket(store, 100, 10, 5*time.Minute, WithClock(clock.Now))

	ok, err := tb.TryConsume(context.Background(), "203.0.113.7")
	require.NoError(t, err)
	require.True(t, ok)

	tokens, err := mr.Get("ratelimit:bucket:203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "99", tokens)

	meta, err := mr.Get("ratelimit:meta:203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, "1704110400000", meta)

	assert.Equal(t, 5*time.Minute, mr.TTL("ratelimit:bucket:203.0.113.7"))
	assert.Equal(t, 5*time.Minute, mr.TTL("ratelimit:meta:203.0.113.7"))
}

func TestRedisStore_MatchesPolicyAdvance(t *testing.T) {
	store, mr := newRedisStore(t)

	for _, tt := range advanceCases {
		t.Run(tt.name, func(t *testing.T) {
			mr.FlushAll()
			require.NoError(t, mr.Set("ratelimit:bucket:k", strconv.FormatInt(tt.in.Tokens, 10)))
			require.NoError(t, mr.Set("ratelimit:meta:k", strconv.FormatInt(tt.in.LastRefill, 10)))

			got, taken, err := store.Apply(context.Background(), "k", testPolicy, advanceNow, tt.debit, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantTaken, taken)

			tokens, err := mr.Get("ratelimit:bucket:k")
			require.NoError(t, err)
			assert.Equal(t, strconv.FormatInt(tt.want.Tokens, 10), tokens)

			meta, err := mr.Get("ratelimit:meta:k")
			require.NoError(t, err)
			assert.Equal(t, strconv.FormatInt(tt.want.LastRefill, 10), meta)
		})
	}
}

func TestRedisStore_SubIntervalCallsStillRefill(t *testing.T) {
	store, _ := newRedisStore(t)
	p := Policy{Capacity: 10, RefillRate: 10}
	ctx := context.Background()

	// drain at t=0, then poll every 40ms for a second
	for i := 0; i < 10; i++ {
		_, _, err := store.Apply(ctx, "k", p, 0, true, time.Minute)
		require.NoError(t, err)
	}

	var taken int
	for now := int64(40); now <= 1000; now += 40 {
		_, ok, err := store.Apply(ctx, "k", p, now, true, time.Minute)
		require.NoError(t, err)
		if ok {
			taken++
		}
	}
	assert.Equal(t, 10, taken)
}

func TestRedisStore_PartialRecordIsReinitialised(t *testing.T) {
	store, mr := newRedisStore(t)
	require.NoError(t, mr.Set("ratelimit:bucket:k", "12"))

	tb := NewTokenBucket(store, 50, 10, time.Minute)
	remaining, err := tb.Remaining(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, int64(50), remaining)
}

func TestRedisStore_ExpiredKeyIsNew(t *testing.T) {
	store, mr := newRedisStore(t)
	clock := newFakeClock()
	tb := NewTokenBucket(store, 2, 1, 5*time.Minute, WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := tb.TryConsume(ctx, "k")
		require.NoError(t, err)
	}
	ok, err := tb.TryConsume(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	mr.FastForward(5 * time.Minute)

	ok, err = tb.TryConsume(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisStore_ConcurrentCallsNeverOverAdmit(t *testing.T) {
	const n = 200
	store, _ := newRedisStore(t)
	clock := newFakeClock()
	tb := NewTokenBucket(store, n-1, 1, time.Minute, WithClock(clock.Now))

	var admitted atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := tb.TryConsume(context.Background(), "shared")
			assert.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(n-1), admitted.Load())
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	tb := NewTokenBucket(store, 10, 1, time.Minute)
	_, err := tb.TryConsume(ctx, "k")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStore_Delete(t *testing.T) {
	store, mr := newRedisStore(t)
	tb := NewTokenBucket(store, 10, 1, time.Minute)
	ctx := context.Background()

	_, err := tb.TryConsume(ctx, "k")
	require.NoError(t, err)
	require.True(t, mr.Exists("ratelimit:bucket:k"))

	require.NoError(t, tb.Reset(ctx, "k"))
	assert.False(t, mr.Exists("ratelimit:bucket:k"))
	assert.False(t, mr.Exists("ratelimit:meta:k"))
}
