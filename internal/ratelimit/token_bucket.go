// Package ratelimit throttles orchestration requests per tenant with a Redis token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ClientSource hands out the shared Redis client. queue.Pool satisfies it, so the limiter trips together with the
// queue when Redis is unreachable.
type ClientSource interface {
	Client(ctx context.Context) (*redis.Client, error)
}

// Limits sizes one bucket. Idle buckets expire after Idle.
type Limits struct {
	Capacity  int
	PerSecond float64
	Idle      time.Duration
}

// TokenBucket keeps one bucket per key in a Redis hash. Tokens are stored in thousandths so the script never
// deals in fractions.
type TokenBucket struct {
	source ClientSource
	limits Limits
	now    func() time.Time
}

func NewTokenBucket(source ClientSource, limits Limits) *TokenBucket {
	if limits.Capacity <= 0 {
		limits.Capacity = 1
	}
	if limits.PerSecond < 0 {
		limits.PerSecond = 0
	}
	return &TokenBucket{source: source, limits: limits, now: time.Now}
}

// Allow takes one token from key's bucket. It reports whether the call may proceed and how many whole or partial
// tokens remain.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	client, err := b.source.Client(ctx)
	if err != nil {
		return false, 0, err
	}
	reply, err := takeScript.Run(ctx, client, []string{key},
		b.limits.Capacity*1000,
		b.limits.PerSecond, // thousandths per millisecond
		b.now().UnixMilli(),
		b.limits.Idle.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("take token %s: %w", key, err)
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("take token %s: reply has %d values", key, len(reply))
	}
	return reply[0] == 1, float64(reply[1]) / 1000, nil
}

var takeScript = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'milli', 'at')
local milli = tonumber(state[1]) or cap
local at = tonumber(state[2]) or now

if now > at then
  milli = math.min(cap, milli + math.floor((now - at) * rate))
end

local ok = 0
if milli >= 1000 then
  ok = 1
  milli = milli - 1000
end

redis.call('HSET', KEYS[1], 'milli', milli, 'at', now)
if idle > 0 then
  redis.call('PEXPIRE', KEYS[1], idle)
end
return {ok, milli}
`)
