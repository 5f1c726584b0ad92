// Package ratelimit throttles per-client request rates. The primary
// implementation is a Redis token bucket shared by every API replica;
// a local in-process bucket covers deployments without Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// Limiter hands out permission for one request under a per-minute rate.
type Limiter interface {
	Allow(ctx context.Context, key string, perMinute int) (Decision, error)
}

// TokenBucket implements a distributed token bucket rate limiter using
// Redis. The bucket capacity equals the per-minute rate, so a client
// can burst a full minute's budget and then refills continuously.
type TokenBucket struct {
	client *redis.Client
	ttl    time.Duration
}

// NewTokenBucket constructs a Redis-backed limiter. Bucket keys expire
// after ttl of inactivity.
func NewTokenBucket(client *redis.Client, ttl time.Duration) *TokenBucket {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &TokenBucket{client: client, ttl: ttl}
}

// Allow consumes a single token for the given key if available. When
// denied, RetryAfter estimates how long until one token refills.
func (b *TokenBucket) Allow(ctx context.Context, key string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	capacity := perMinute
	refill := float64(perMinute) / 60.0
	now := time.Now().UnixMilli()

	res, err := bucketScript.Run(ctx, b.client, []string{key}, capacity, refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	d := Decision{Allowed: allowed == 1}
	switch v := arr[1].(type) {
	case int64:
		d.Remaining = float64(v)
	case float64:
		d.Remaining = v
	}
	if ms, ok := arr[2].(int64); ok && ms > 0 {
		d.RetryAfter = time.Duration(ms) * time.Millisecond
	}
	return d, nil
}

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
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
local retry_ms = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
elseif refill > 0 then
  retry_ms = math.ceil((1 - tokens) / refill * 1000)
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens, retry_ms}
`)
