package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills and optionally consumes from a bucket stored as
// a hash {tokens, ts}. Runs atomically on the Redis server.
//
// KEYS[1] bucket key
// ARGV[1] capacity, ARGV[2] tokens per millisecond, ARGV[3] now (ms),
// ARGV[4] 1 to consume, 0 to peek, ARGV[5] key TTL (ms)
//
// Returns {allowed, whole tokens remaining}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local consume = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = capacity
  ts = now
end

local elapsed = now - ts
if elapsed > 0 then
  tokens = math.min(capacity, tokens + elapsed * rate)
end

local allowed = 0
if consume == 1 then
  if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
  end
  redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end

return {allowed, math.floor(tokens)}
`)

// RedisLimiter implements Limiter with buckets stored in Redis so every
// control-plane instance shares the same quota.
type RedisLimiter struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
	rate     float64 // tokens per millisecond
	ttl      time.Duration
	retry    time.Duration
	now      func() time.Time
}

// NewRedisLimiter creates a limiter admitting capacity requests per period
// for each key. Bucket keys are namespaced under prefix.
func NewRedisLimiter(client redis.UniversalClient, prefix string, capacity int, period time.Duration) *RedisLimiter {
	l := &RedisLimiter{
		client:   client,
		prefix:   prefix,
		capacity: max(capacity, 0),
		ttl:      max(period, time.Second),
		retry:    refillInterval(capacity, period),
		now:      time.Now,
	}
	if capacity > 0 && period > 0 {
		l.rate = float64(capacity) / (float64(period) / float64(time.Millisecond))
	}
	return l
}

// Allow consumes one token from the bucket for key.
func (l *RedisLimiter) Allow(ctx context.Context, key Key) (bool, error) {
	if l.capacity == 0 {
		return false, nil
	}
	allowed, _, err := l.run(ctx, key, true)
	return allowed, err
}

// Remaining reports the whole tokens available for key without consuming.
func (l *RedisLimiter) Remaining(ctx context.Context, key Key) (int, error) {
	if l.capacity == 0 {
		return 0, nil
	}
	_, remaining, err := l.run(ctx, key, false)
	return remaining, err
}

// RetryAfter is the time to earn one token.
func (l *RedisLimiter) RetryAfter() time.Duration { return l.retry }

// Close is a no-op; the client is owned by the caller.
func (l *RedisLimiter) Close() error { return nil }

func (l *RedisLimiter) run(ctx context.Context, key Key, consume bool) (bool, int, error) {
	c := 0
	if consume {
		c = 1
	}
	res, err := tokenBucketScript.Run(ctx, l.client,
		[]string{l.prefix + key.String()},
		l.capacity, l.rate, l.now().UnixMilli(), c, l.ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("ratelimit: redis bucket %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: redis bucket %s: unexpected reply length %d", key, len(res))
	}
	return res[0] == 1, int(res[1]), nil
}
