package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/pkg/logger"
)

func newLimiter(t *testing.T, client redis.UniversalClient, fallback bool) *RedisLimiter {
	rl, err := NewRedisLimiter(client, &config.RateLimitConfig{
		Requests: 3, Window: time.Hour, KeyPrefix: "test", LocalFallback: fallback,
	}, logger.NewNoopLogger())
	require.NoError(t, err)
	return rl
}

func TestRedisLimiterAllowsUpToLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl := newLimiter(t, client, false)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := rl.Allow(ctx, "agent1")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(2-i), res.Remaining)
	}
	res, err := rl.Allow(ctx, "agent1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.True(t, mr.Exists("test:agent1"))

	res, err = rl.Allow(ctx, "agent2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NoError(t, rl.Reset(ctx, "agent1"))
	res, err = rl.Allow(ctx, "agent1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisLimiterFallsBackWhenRedisIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	rl := newLimiter(t, client, true)
	for i := 0; i < 3; i++ {
		res, err := rl.Allow(context.Background(), "agent1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := rl.Allow(context.Background(), "agent1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	strict := newLimiter(t, client, false)
	_, err = strict.Allow(context.Background(), "agent1")
	assert.Error(t, err)
}

func TestLocalOnlyLimiterAndCleanup(t *testing.T) {
	rl := newLimiter(t, nil, false)
	res, err := rl.Allow(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(3), res.Limit)

	assert.Equal(t, 0, rl.CleanupLocal(time.Hour))
	assert.Equal(t, 1, rl.CleanupLocal(-time.Second))
}

func TestTokenBucketRefills(t *testing.T) {
	b := NewTokenBucket(1, 10)
	now := time.Now()
	ok, _, _ := b.Take(now)
	assert.True(t, ok)
	ok, _, _ = b.Take(now)
	assert.False(t, ok)
	ok, _, _ = b.Take(now.Add(200 * time.Millisecond))
	assert.True(t, ok)
}

func TestNewRedisLimiterRejectsBadConfig(t *testing.T) {
	_, err := NewRedisLimiter(nil, &config.RateLimitConfig{Requests: 0, Window: time.Minute}, logger.NewNoopLogger())
	assert.Error(t, err)
}
