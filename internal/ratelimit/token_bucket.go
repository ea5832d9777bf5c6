package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	Tokens  float64
	// RetryAfter is how long until a token is available when not allowed.
	RetryAfter time.Duration
}

// TokenBucket is a Redis backed token bucket shared by every API node.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity and refill rate.
// Keys are namespaced under prefix.
func NewTokenBucket(client *redis.Client, prefix string, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   prefix,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithClock swaps the clock used to compute refills.
func (b *TokenBucket) WithClock(now func() time.Time) *TokenBucket {
	b.now = now
	return b
}

// Allow consumes a single token of the bucket named key if one is available.
func (b *TokenBucket) Allow(ctx context.Context, key string) (Decision, error) {
	if b.capacity <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + key}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}
	if len(res) < 2 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	d := Decision{Allowed: toFloat(res[0]) == 1, Tokens: toFloat(res[1])}
	if !d.Allowed && b.refill > 0 {
		wait := (1 - d.Tokens) / b.refill
		d.RetryAfter = time.Duration(math.Ceil(wait*1000)) * time.Millisecond
	}
	return d, nil
}

// AllowDispatch consumes a dispatch token of a sink.
func (b *TokenBucket) AllowDispatch(ctx context.Context, sinkID string) (Decision, error) {
	return b.Allow(ctx, "dispatch:"+sinkID)
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case float64:
		return n
	case string:
		var f float64
		_, _ = fmt.Sscanf(n, "%g", &f)
		return f
	}
	return 0
}

// Fractional token counts are returned as strings: Lua numbers are truncated
// to integers in replies.
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

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
