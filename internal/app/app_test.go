package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/infrastructure/authn"
	"github.com/eldorplus/pki/pkg/logger"
)

func loadConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	return cfg
}

func TestNewWiresMemoryEngine(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := loadConfig(t, "auth:\n  jwt_secret: app-test-secret\n")
	a, err := New(context.Background(), cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	claims := authn.AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "agent1",
			Issuer:    cfg.Auth.JWTIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Groups: []string{"agents"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("app-test-secret"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/kra/requests/asymkey",
		strings.NewReader(`{"client_key_id":"k1","algorithm":"RSA","size":1024}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	a.Router.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"key_id"`)

	w = httptest.NewRecorder()
	a.Router.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNewRejectsUnknownStorageUnit(t *testing.T) {
	cfg := loadConfig(t, "crypto:\n  storage_unit: hsm\n")
	_, err := New(context.Background(), cfg, logger.NewNoopLogger())
	assert.ErrorContains(t, err, "unknown storage unit")
}

func TestNewRejectsGormAuditWithoutSQLStore(t *testing.T) {
	cfg := loadConfig(t, "audit:\n  backends: [gorm]\n")
	_, err := New(context.Background(), cfg, logger.NewNoopLogger())
	assert.ErrorContains(t, err, "needs a sql store driver")
}

func TestOpenStoresBolt(t *testing.T) {
	cfg := loadConfig(t, "store:\n  driver: bbolt\nbolt:\n  path: "+filepath.Join(t.TempDir(), "pki.db")+"\n")
	stores, err := OpenStores(context.Background(), cfg, nil, logger.NewNoopLogger())
	require.NoError(t, err)
	defer stores.Close()

	id, err := stores.Requests.NextRequestID(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Nil(t, stores.DB)
}

func TestOpenStoresRedisNeedsClient(t *testing.T) {
	cfg := loadConfig(t, "store:\n  driver: redis\n")
	_, err := OpenStores(context.Background(), cfg, nil, logger.NewNoopLogger())
	assert.Error(t, err)
}

func TestTokenDenylistRejectsRevokedToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	cfg := loadConfig(t, "auth:\n  jwt_secret: app-test-secret\n  token_denylist: true\nredis:\n  addresses: [\""+mr.Addr()+"\"]\n  key_prefix: \"t:\"\n")
	a, err := New(context.Background(), cfg, logger.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })

	sign := func(jti string) string {
		claims := authn.AgentClaims{
			RegisteredClaims: jwt.RegisteredClaims{
				ID:        jti,
				Subject:   "agent1",
				Issuer:    cfg.Auth.JWTIssuer,
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
			Groups: []string{"agents"},
		}
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("app-test-secret"))
		require.NoError(t, err)
		return s
	}
	list := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/kra/requests", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		a.Router.Engine().ServeHTTP(w, req)
		return w.Code
	}

	require.NoError(t, mr.Set("t:denied:revoked", "1"))
	assert.Equal(t, http.StatusOK, list(sign("live")))
	assert.Equal(t, http.StatusUnauthorized, list(sign("revoked")))
}
