// Package postgres manages the pgx connection pool behind the postgres store.
// The pool is shared with gorm through database/sql.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

const connectTimeout = 10 * time.Second

// DBConnection manages the PostgreSQL connection pool lifecycle.
// DBConnection 管理 PostgreSQL 连接池的生命周期。
type DBConnection struct {
	pool   *pgxpool.Pool
	config *config.DatabaseConfig
	logger logger.Logger
}

// NewDBConnection creates the pool and performs an initial health check.
func NewDBConnection(ctx context.Context, cfg *config.DatabaseConfig, log logger.Logger) (*DBConnection, error) {
	log = log.WithComponent("PostgresPool")
	connString := cfg.DSN
	if connString == "" {
		connString = cfg.GetDSN()
	}

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, errors.ErrStore("parse database config", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, errors.ErrStore("connect database", err)
	}

	db := &DBConnection{pool: pool, config: cfg, logger: log}
	if err := db.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info(ctx, "PostgreSQL connection pool initialized",
		logger.String("host", poolConfig.ConnConfig.Host),
		logger.String("database", poolConfig.ConnConfig.Database),
		logger.Int("max_conns", int(poolConfig.MaxConns)),
	)
	return db, nil
}

// Pool returns the underlying pgx pool.
func (db *DBConnection) Pool() *pgxpool.Pool {
	return db.pool
}

// SQLDB exposes the pool through database/sql for the gorm postgres dialector.
func (db *DBConnection) SQLDB() *sql.DB {
	return stdlib.OpenDBFromPool(db.pool)
}

// Ping verifies database connectivity.
func (db *DBConnection) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := db.pool.Ping(pingCtx); err != nil {
		db.logger.Error(ctx, "Database ping failed", err)
		return errors.ErrStore("ping database", err)
	}
	if latency := time.Since(start); latency > 100*time.Millisecond {
		db.logger.Warn(ctx, "High database latency detected", logger.Duration("latency", latency))
	}
	return nil
}

// HealthCheck pings and reports pool statistics.
func (db *DBConnection) HealthCheck(ctx context.Context) (map[string]interface{}, error) {
	if err := db.Ping(ctx); err != nil {
		return nil, err
	}
	stats := db.pool.Stat()
	info := map[string]interface{}{
		"status":               "healthy",
		"total_connections":    stats.TotalConns(),
		"idle_connections":     stats.IdleConns(),
		"acquired_connections": stats.AcquiredConns(),
		"max_connections":      stats.MaxConns(),
	}
	if stats.IdleConns() == 0 && stats.TotalConns() >= stats.MaxConns() {
		info["warning"] = fmt.Sprintf("connection pool at limit (%d)", stats.MaxConns())
	}
	return info, nil
}

// Close shuts the pool down.
func (db *DBConnection) Close() {
	db.pool.Close()
	db.logger.Info(context.Background(), "PostgreSQL connection pool closed")
}
