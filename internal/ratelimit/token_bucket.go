// Package ratelimit guards the write endpoints (enqueue, approval decisions)
// with a per-project token bucket shared across API replicas via Redis.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Buckets are keyed by project so one noisy tenant cannot starve the rest.
const projectKeyPrefix = "rl:project:"

// TokenBucket is a distributed token bucket. State lives in Redis so every
// API replica draws from the same per-project budget.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill. The
// TTL bounds how long an idle project's bucket state lingers in Redis.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Allow consumes cost tokens from the project's bucket if available. The
// check and decrement happen inside one Lua script, so concurrent replicas
// cannot overspend the budget. Cost lets heavier writes draw more than plain
// ones from the same bucket. Returns the allowed flag and remaining tokens.
func (b *TokenBucket) Allow(ctx context.Context, projectID string, cost float64) (bool, float64, error) {
	if cost < 1 {
		cost = 1
	}
	key := projectKeyPrefix + projectID
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, now, b.ttl.Milliseconds(), cost).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local cost = tonumber(ARGV[5])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= cost then
  allowed = 1
  tokens = tokens - cost
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
