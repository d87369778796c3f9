package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket is a token bucket shared by every API replica through Redis.
// Buckets are keyed per client so one noisy caller cannot starve intake.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	prefix   string
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		prefix:   "rl:intake:",
		now:      time.Now,
	}
}

// Decision is the result of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
}

// Allow consumes a single token from the bucket of clientID if one is left.
func (b *TokenBucket) Allow(ctx context.Context, clientID string) (Decision, error) {
	if clientID == "" {
		clientID = "anonymous"
	}
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + clientID}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", clientID, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", clientID, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return Decision{Allowed: allowed == 1, Remaining: tokens}, nil
}

// Tokens are returned floored because Lua numbers reply as integers.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)
