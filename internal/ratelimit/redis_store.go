package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aman-churiwal/admission-gateway/internal/storage"
	"github.com/redis/go-redis/v9"
)

// applyScript is Policy.Advance run server-side, so read, refill, debit and write of
// one key happen in a single round trip. The two must stay in step.
//
// KEYS: bucket, meta. ARGV: capacity, refill rate, now ms, debit (1/0), ttl ms.
// Returns {admitted, tokens, last refill ms}.
var applyScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local debit = ARGV[4] == '1'
local ttl = tonumber(ARGV[5])

local tokens = tonumber(redis.call('GET', KEYS[1]))
local stored = tonumber(redis.call('GET', KEYS[2]))
if tokens == nil or stored == nil then
	tokens = capacity
	stored = now
end

tokens = math.min(math.max(tokens, 0), capacity)
local last = stored

local elapsed = now - last
if elapsed < 0 then
	elapsed = 0
end

if tokens < capacity and elapsed > 0 then
	local fullAfter = math.floor((capacity - tokens) * 1000 / rate)
	if elapsed > fullAfter then
		tokens = capacity
	else
		local refill = math.floor(elapsed * rate / 1000)
		tokens = tokens + refill
		last = last + math.floor(refill * 1000 / rate)
	end
end
if tokens >= capacity then
	tokens = capacity
	last = math.max(now, stored)
end

local admitted = 0
if debit and tokens >= 1 then
	tokens = tokens - 1
	admitted = 1
end

redis.call('SET', KEYS[1], tostring(tokens), 'PX', ttl)
redis.call('SET', KEYS[2], tostring(last), 'PX', ttl)
return {admitted, tokens, last}
`)

// RedisStore keeps each bucket as two string keys, ratelimit:bucket:<key> holding the
// token count and ratelimit:meta:<key> holding the last refill time in unix ms.
type RedisStore struct {
	redis *storage.RedisClient
}

func NewRedisStore(redis *storage.RedisClient) *RedisStore {
	return &RedisStore{redis: redis}
}

func bucketKey(key string) string { return "ratelimit:bucket:" + key }
func metaKey(key string) string   { return "ratelimit:meta:" + key }

func (s *RedisStore) Apply(ctx context.Context, key string, p Policy, nowMs int64, debit bool, ttl time.Duration) (Bucket, bool, error) {
	debitArg := "0"
	if debit {
		debitArg = "1"
	}

	vals, err := s.redis.RunScript(ctx, applyScript,
		[]string{bucketKey(key), metaKey(key)},
		strconv.FormatInt(p.Capacity, 10),
		strconv.FormatInt(p.RefillRate, 10),
		strconv.FormatInt(nowMs, 10),
		debitArg,
		strconv.FormatInt(ttl.Milliseconds(), 10),
	).Int64Slice()
	if err != nil {
		return Bucket{}, false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	if len(vals) != 3 {
		return Bucket{}, false, fmt.Errorf("%w: unexpected script reply %v", ErrStoreUnavailable, vals)
	}

	return Bucket{Tokens: vals[1], LastRefill: vals[2]}, vals[0] == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, bucketKey(key), metaKey(key)); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
