// Package ratelimit throttles agent submissions with a token bucket shared
// through Redis, falling back to per-process buckets when Redis is down.
// Package ratelimit 使用 Redis 共享的令牌桶限制代理提交速率，Redis 不可用时回退到进程内令牌桶。
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Limit      int64
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

var tokenBucket = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1]) or capacity
local last_refill = tonumber(bucket[2]) or now

tokens = math.min(tokens + (now - last_refill) * rate / 1000, capacity)

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

local reset_ms = 0
if tokens < capacity then
    reset_ms = math.ceil((capacity - tokens) / rate * 1000)
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now)
redis.call('PEXPIRE', key, reset_ms + 60000)

return {allowed, math.floor(tokens), reset_ms}
`)

// RedisLimiter allows cfg.Requests per cfg.Window for every key.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int64
	rate   float64
	prefix string
	local  *bucketPool
	log    logger.Logger
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter creates a limiter. client may be nil, in which case only the
// local buckets are used.
func NewRedisLimiter(client redis.UniversalClient, cfg *config.RateLimitConfig, log logger.Logger) (*RedisLimiter, error) {
	if cfg.Requests <= 0 || cfg.Window <= 0 {
		return nil, errors.ErrInvalidProperty("ratelimit", fmt.Sprintf("%d per %s", cfg.Requests, cfg.Window))
	}
	rl := &RedisLimiter{
		client: client,
		limit:  cfg.Requests,
		rate:   float64(cfg.Requests) / cfg.Window.Seconds(),
		prefix: cfg.KeyPrefix,
		log:    log.WithComponent("RateLimiter"),
	}
	if cfg.LocalFallback || client == nil {
		rl.local = newBucketPool(float64(rl.limit), rl.rate)
	}
	return rl, nil
}

func (rl *RedisLimiter) key(k string) string { return rl.prefix + ":" + k }

func (rl *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	if rl.client != nil {
		res, err := rl.eval(ctx, rl.key(key), now)
		if err == nil {
			return res, nil
		}
		if rl.local == nil {
			return nil, errors.ErrStore("rate limit", err)
		}
		rl.log.Warn(ctx, "rate limiter falling back to local buckets", logger.Err(err))
	}

	allowed, remaining, reset := rl.local.get(key).Take(now)
	return rl.result(allowed, remaining, reset, now), nil
}

func (rl *RedisLimiter) eval(ctx context.Context, key string, now time.Time) (*Result, error) {
	raw, err := tokenBucket.Run(ctx, rl.client, []string{key}, rl.limit, rl.rate, now.UnixMilli()).Int64Slice()
	if err != nil {
		return nil, err
	}
	if len(raw) != 3 {
		return nil, fmt.Errorf("unexpected rate limit script result %v", raw)
	}
	return rl.result(raw[0] == 1, raw[1], time.Duration(raw[2])*time.Millisecond, now), nil
}

func (rl *RedisLimiter) result(allowed bool, remaining int64, reset time.Duration, now time.Time) *Result {
	r := &Result{Allowed: allowed, Limit: rl.limit, Remaining: remaining, ResetAt: now.Add(reset)}
	if !allowed {
		r.RetryAfter = time.Duration(float64(time.Second) / rl.rate)
	}
	return r
}

// Reset forgets the bucket for key.
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	if rl.local != nil {
		rl.local.remove(key)
	}
	if rl.client == nil {
		return nil
	}
	if err := rl.client.Del(ctx, rl.key(key)).Err(); err != nil {
		return errors.ErrStore("rate limit reset", err)
	}
	return nil
}

// CleanupLocal drops local buckets idle for longer than maxIdle.
func (rl *RedisLimiter) CleanupLocal(maxIdle time.Duration) int {
	if rl.local == nil {
		return 0
	}
	return rl.local.cleanup(maxIdle)
}
