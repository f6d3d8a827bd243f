package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/storetest"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

func TestRedisStore(t *testing.T) {
	st := &storetest.Suite{}
	st.NewStore = func() repository.Store {
		mr := miniredis.RunT(st.T())
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return NewStore(client, "pki:").OwnClient()
	}
	suite.Run(t, st)
}

func TestUpdateReportsConcurrentWriterAsConflict(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewStore(client, "t:")
	ctx := context.Background()

	id, err := s.Requests().NextRequestID(ctx)
	require.NoError(t, err)
	req := models.NewRequest(constants.RequestTypeEnrollment, "")
	req.ID = id
	require.NoError(t, s.Requests().Create(ctx, req))

	first, err := s.Requests().Get(ctx, id)
	require.NoError(t, err)
	second, err := s.Requests().Get(ctx, id)
	require.NoError(t, err)

	first.Owner = "alice"
	require.NoError(t, s.Requests().Update(ctx, first))
	second.Owner = "bob"
	err = s.Requests().Update(ctx, second)
	assert.True(t, errors.IsConflict(err))
}

func TestKeysArePrefixed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewStore(client, "tenant-a:")

	_, err := s.Requests().NextRequestID(context.Background())
	require.NoError(t, err)
	assert.True(t, mr.Exists("tenant-a:seq:requests"))
}

func TestNewClientPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), &config.RedisConfig{Addresses: []string{mr.Addr()}}, logger.NewNoopLogger())
	require.NoError(t, err)
	defer client.Close()

	health, err := HealthCheck(context.Background(), client)
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])

	mr.Close()
	_, err = NewClient(context.Background(), &config.RedisConfig{Addresses: []string{mr.Addr()}}, logger.NewNoopLogger())
	assert.Error(t, err)
}

func TestTokenDenylist(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	d := NewTokenDenylist(client, "t:")
	ctx := context.Background()

	require.NoError(t, d.Deny(ctx, "a", time.Now().Add(time.Minute)))
	require.NoError(t, d.Deny(ctx, "old", time.Now().Add(-time.Minute)))

	denied, err := d.IsDenied(ctx, "a")
	require.NoError(t, err)
	assert.True(t, denied)
	denied, err = d.IsDenied(ctx, "old")
	require.NoError(t, err)
	assert.False(t, denied)

	mr.FastForward(2 * time.Minute)
	denied, err = d.IsDenied(ctx, "a")
	require.NoError(t, err)
	assert.False(t, denied)
}
