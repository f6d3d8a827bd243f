// Package gormstore implements the repositories on gorm, for postgres, mysql and sqlite.
package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/repository"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"
)

var _ repository.Store = (*Store)(nil)

const (
	seqRequests = "requests"
	seqKeys     = "key_records"
	seqCerts    = "certificates"
)

// Store is a gorm-backed repository.Store.
type Store struct {
	db       *gorm.DB
	requests *requestRepo
	keys     *keyRepo
	certs    *certRepo
}

// Dialector picks the gorm driver for driver. A non-nil conn (for example a pgx
// pool exposed through database/sql) is reused instead of opening a new one.
func Dialector(driver string, cfg *config.DatabaseConfig, conn *sql.DB) (gorm.Dialector, error) {
	switch driver {
	case "postgres":
		if conn != nil {
			return postgres.New(postgres.Config{Conn: conn}), nil
		}
		return postgres.Open(cfg.GetDSN()), nil
	case "mysql":
		return mysql.Open(cfg.DSN), nil
	case "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "file::memory:?cache=shared"
		}
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported gorm driver %q", driver)
}

// Open connects, installs the tracing plugin when enabled and applies pool settings.
func Open(dialector gorm.Dialector, cfg *config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, fmt.Errorf("install gorm tracing: %w", err)
		}
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.MaxConnLifetime)
	}
	return db, nil
}

// DB exposes the shared handle, for the audit table.
func (s *Store) DB() *gorm.DB { return s.db }

// NewStore wraps db. Call Migrate before first use.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:       db,
		requests: &requestRepo{db: db},
		keys:     &keyRepo{db: db},
		certs:    &certRepo{db: db},
	}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&requestRow{}, &keyRow{}, &certRow{}, &sequenceRow{})
}

func (s *Store) Requests() repository.RequestRepository         { return s.requests }
func (s *Store) Keys() repository.KeyRepository                 { return s.keys }
func (s *Store) Certificates() repository.CertificateRepository { return s.certs }

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// nextValue increments the named sequence inside its own transaction.
func nextValue(ctx context.Context, db *gorm.DB, name string) (uint64, error) {
	var value uint64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sequenceRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "name = ?", name).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = sequenceRow{Name: name, Value: 1}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			row.Value++
			if err := tx.Model(&sequenceRow{}).Where("name = ?", name).Update("value", row.Value).Error; err != nil {
				return err
			}
		}
		value = row.Value
		return nil
	})
	if err != nil {
		return 0, pkierrors.ErrStore("sequence "+name, err)
	}
	return value, nil
}
