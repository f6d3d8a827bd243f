// Package redisstore implements the repositories on Redis. Every read-modify-write
// runs under WATCH/MULTI so concurrent writers never interleave.
// Package redisstore 基于 Redis 实现各仓储，所有读改写都在 WATCH/MULTI 下执行。
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/pkg/logger"
)

// NewClient builds a client for cfg. Several addresses select cluster mode.
func NewClient(ctx context.Context, cfg *config.RedisConfig, log logger.Logger) (redis.UniversalClient, error) {
	addrs := cfg.Addresses
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	log.Info(ctx, "Redis connection established", logger.Any("addresses", addrs), logger.Int("db", cfg.DB))
	return client, nil
}

// HealthCheck pings the server and reports pool statistics.
func HealthCheck(ctx context.Context, client redis.UniversalClient) (map[string]interface{}, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	stats := client.PoolStats()
	return map[string]interface{}{
		"status":      "healthy",
		"total_conns": stats.TotalConns,
		"idle_conns":  stats.IdleConns,
		"timeouts":    stats.Timeouts,
	}, nil
}
