//go:build integration

package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/gormstore"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/storetest"
	"github.com/eldorplus/pki/pkg/logger"
)

func TestPostgresStore(t *testing.T) {
	if os.Getenv("SKIP_DOCKER_TESTS") == "true" {
		t.Skip("Skipping Docker-dependent tests")
	}
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("pki"),
		tcpostgres.WithUsername("pki"),
		tcpostgres.WithPassword("pki"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	cfg := &config.DatabaseConfig{DSN: dsn, MaxConns: 8}

	conn, err := NewDBConnection(ctx, cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	health, err := conn.HealthCheck(ctx)
	require.NoError(t, err)
	require.Equal(t, "healthy", health["status"])

	st := &storetest.Suite{}
	st.NewStore = func() repository.Store {
		dialector, err := gormstore.Dialector("postgres", cfg, conn.SQLDB())
		require.NoError(st.T(), err)
		db, err := gormstore.Open(dialector, cfg)
		require.NoError(st.T(), err)
		s := gormstore.NewStore(db)
		require.NoError(st.T(), s.Migrate(ctx))
		require.NoError(st.T(), db.Exec("TRUNCATE requests, key_records, certificates, sequences").Error)
		return s
	}
	suite.Run(t, st)
}
