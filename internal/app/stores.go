package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/boltstore"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/gormstore"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/memory"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/postgres"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/redisstore"
	"github.com/eldorplus/pki/pkg/logger"
)

// Stores holds the repositories of the configured driver.
type Stores struct {
	Requests     repository.RequestRepository
	Keys         repository.KeyRepository
	Certificates repository.CertificateRepository
	// DB is set for the sql drivers and shared with the gorm audit backend.
	DB *gorm.DB
	// Ping is nil when the driver has nothing to probe.
	Ping func(context.Context) error

	closers []func() error
}

func newStores(s repository.Store) *Stores {
	return &Stores{
		Requests:     s.Requests(),
		Keys:         s.Keys(),
		Certificates: s.Certificates(),
		closers:      []func() error{s.Close},
	}
}

// Close releases the driver.
func (s *Stores) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenStores opens the store.driver backend and migrates sql schemas.
// redisClient is required only by the redis driver.
func OpenStores(ctx context.Context, cfg *config.Config, redisClient redis.UniversalClient, log logger.Logger) (*Stores, error) {
	switch driver := cfg.Store.Driver; driver {
	case "", "memory":
		log.Warn(ctx, "using the in-memory store, requests and keys are lost on restart")
		return newStores(memory.NewStore()), nil

	case "postgres":
		conn, err := postgres.NewDBConnection(ctx, &cfg.Database, log)
		if err != nil {
			return nil, err
		}
		dialector, err := gormstore.Dialector(driver, &cfg.Database, conn.SQLDB())
		if err != nil {
			conn.Close()
			return nil, err
		}
		stores, err := openGorm(ctx, dialector, &cfg.Database)
		if err != nil {
			conn.Close()
			return nil, err
		}
		stores.Ping = conn.Ping
		stores.closers = append(stores.closers, func() error { conn.Close(); return nil })
		return stores, nil

	case "sqlite", "mysql":
		dialector, err := gormstore.Dialector(driver, &cfg.Database, nil)
		if err != nil {
			return nil, err
		}
		stores, err := openGorm(ctx, dialector, &cfg.Database)
		if err != nil {
			return nil, err
		}
		sqlDB, err := stores.DB.DB()
		if err != nil {
			_ = stores.Close()
			return nil, err
		}
		stores.Ping = sqlDB.PingContext
		return stores, nil

	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("store driver redis needs a redis connection")
		}
		return newStores(redisstore.NewStore(redisClient, cfg.Redis.KeyPrefix)), nil

	case "bbolt":
		store, err := boltstore.Open(cfg.Bolt.Path)
		if err != nil {
			return nil, err
		}
		return newStores(store), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}

func openGorm(ctx context.Context, dialector gorm.Dialector, cfg *config.DatabaseConfig) (*Stores, error) {
	db, err := gormstore.Open(dialector, cfg)
	if err != nil {
		return nil, err
	}
	store := gormstore.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	stores := newStores(store)
	stores.DB = db
	return stores, nil
}
