package gormstore

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/storetest"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var dbSeq atomic.Int64

func newSQLiteStore(t *testing.T) repository.Store {
	// A named shared-cache database per test keeps pooled connections on one schema.
	cfg := &config.DatabaseConfig{DSN: fmt.Sprintf("file:pki%d?mode=memory&cache=shared&_busy_timeout=5000", dbSeq.Add(1)), MaxConns: 1}
	dialector, err := Dialector("sqlite", cfg, nil)
	require.NoError(t, err)
	db, err := Open(dialector, cfg)
	require.NoError(t, err)
	s := NewStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestGormStoreOnSQLite(t *testing.T) {
	st := &storetest.Suite{}
	st.NewStore = func() repository.Store { return newSQLiteStore(st.T()) }
	suite.Run(t, st)
}

func TestDialectorRejectsUnknownDriver(t *testing.T) {
	_, err := Dialector("oracle", &config.DatabaseConfig{}, nil)
	require.Error(t, err)
}
