package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// takeScript refills the bucket from the Redis clock and takes one token.
// Token counts are returned as strings; integer replies would truncate the
// fractional balance needed for Retry-After.
const takeScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local t = redis.call("TIME")
local now = (t[1] * 1000) + math.floor(t[2] / 1000)

local state = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + (elapsed / 1000) * rate)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HSET", KEYS[1], "tokens", tokens, "ts", now)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// Limit is a refill rate in tokens per second and a bucket capacity.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) validate() error {
	if l.Rate <= 0 {
		return errors.New("rate limit rate must be positive")
	}
	if l.Burst <= 0 {
		return errors.New("rate limit burst must be positive")
	}
	return nil
}

// Decision is the outcome of one Take.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket is a Redis-backed bucket shared by every replica.
type TokenBucket struct {
	client *redis.Client
	take   *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		take:   redis.NewScript(takeScript),
	}
}

// Take spends one token from key's bucket.
func (t *TokenBucket) Take(ctx context.Context, key string, limit Limit) (Decision, error) {
	if t == nil || t.client == nil {
		return Decision{}, errors.New("rate limiter not configured")
	}
	if key == "" {
		return Decision{}, errors.New("rate limit key is empty")
	}
	if err := limit.validate(); err != nil {
		return Decision{}, err
	}

	ttl := bucketTTL(limit)
	res, err := t.take.Run(ctx, t.client, []string{key}, limit.Rate, limit.Burst, ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values", len(res))
	}

	allowed, _ := res[0].(int64)
	remaining, err := parseTokens(res[1])
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Allowed: allowed == 1, Remaining: remaining}
	if !d.Allowed {
		d.RetryAfter = time.Duration((1 - remaining) / limit.Rate * float64(time.Second))
	}
	return d, nil
}

// bucketTTL keeps idle buckets around for twice the time a full refill takes.
func bucketTTL(limit Limit) time.Duration {
	if limit.Rate <= 0 || limit.Burst <= 0 {
		return time.Second
	}
	seconds := math.Max(1, math.Ceil(float64(limit.Burst)/limit.Rate*2))
	return time.Duration(seconds) * time.Second
}

func parseTokens(v any) (float64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseFloat(val, 64)
	case int64:
		return float64(val), nil
	default:
		return 0, fmt.Errorf("unexpected token count %T", v)
	}
}
