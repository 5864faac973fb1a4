// Package ratelimit throttles job creation per client with a token bucket kept in Redis, so every
// API replica shares the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"podcast-pipeline/internal/config"
	"podcast-pipeline/internal/telemetry"
)

const keyPrefix = "podcast:ratelimit:"

// Result is the outcome of one Allow call.
type Result struct {
	Allowed bool
	// Remaining is the token count left after this call.
	Remaining float64
	// RetryAfter estimates when the next token is available. Zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket is a distributed token bucket. Capacity bounds bursts, refill is tokens per second.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
	now      func() time.Time
}

func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// FromConfig sizes the bucket from RATE_LIMIT_CAPACITY and RATE_LIMIT_REFILL_PER_SEC. Idle buckets
// expire once they would be full again.
func FromConfig(client *redis.Client, cfg config.Config) *TokenBucket {
	ttl := time.Hour
	if cfg.RateLimitRefill > 0 {
		ttl = time.Duration(float64(cfg.RateLimitCapacity)/cfg.RateLimitRefill*float64(time.Second)) + time.Minute
	}
	return NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, ttl)
}

// Allow consumes one token from the bucket of clientID.
func (b *TokenBucket) Allow(ctx context.Context, clientID string) (Result, error) {
	nowMs := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{keyPrefix + clientID}, b.capacity, b.refill, nowMs, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit %s: %w", clientID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Result{}, fmt.Errorf("rate limit %s: unexpected script reply %v", clientID, res)
	}
	allowed, _ := arr[0].(int64)
	out := Result{Allowed: allowed == 1}
	// Lua numbers come back as integers, so the script returns tokens scaled by 1000.
	if milli, ok := arr[1].(int64); ok {
		out.Remaining = float64(milli) / 1000
	}
	if !out.Allowed {
		telemetry.RateLimitRejects.Inc()
		if b.refill > 0 {
			out.RetryAfter = time.Duration((1 - out.Remaining) / b.refill * float64(time.Second))
		}
	}
	return out, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', tostring(now))
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens * 1000)}
`)
