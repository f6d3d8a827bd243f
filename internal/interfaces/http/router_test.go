package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldorplus/pki/internal/application/authz"
	"github.com/eldorplus/pki/internal/application/dto"
	"github.com/eldorplus/pki/internal/application/kra"
	"github.com/eldorplus/pki/internal/application/queue"
	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/service/mocks"
	"github.com/eldorplus/pki/internal/infrastructure/authn"
	"github.com/eldorplus/pki/internal/infrastructure/crypto"
	"github.com/eldorplus/pki/internal/infrastructure/monitoring"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/memory"
	"github.com/eldorplus/pki/internal/infrastructure/policy"
	"github.com/eldorplus/pki/internal/infrastructure/ratelimit"
	"github.com/eldorplus/pki/internal/infrastructure/volatile"
	"github.com/eldorplus/pki/internal/interfaces/http/handlers"
	"github.com/eldorplus/pki/internal/interfaces/http/middleware"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/logger"
	"github.com/eldorplus/pki/sdk/go/pkiclient"
)

const testACL = `
acl:
  certServer.kra.requests:
    execute: ["group:agents"]
  certServer.kra.request:
    read: [owner, "group:agents"]
`

var testSecret = []byte("router-test-secret")

type testServer struct {
	router  *Router
	health  *handlers.HealthHandler
	metrics *monitoring.Metrics
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewNoopLogger()
	store := memory.NewStore()
	audit := &mocks.RecordingAuditSink{}

	acl, err := policy.ParseStaticACL([]byte(testACL))
	require.NoError(t, err)
	gate := authz.NewGate(acl, audit, nil, log, authn.NewJWTAuthenticator(log, authn.WithSecret(testSecret)))

	transport, err := crypto.GenerateTransportUnit(2048, false)
	require.NoError(t, err)
	storage, err := crypto.GenerateStorageUnit("http-test")
	require.NoError(t, err)
	provider := crypto.NewSoftwareProvider(transport, storage)
	table := volatile.NewRecoveryTable(time.Minute)

	q := queue.New(store.Requests(), audit, log)
	q.RegisterService(constants.RequestTypeSymKeyGeneration, kra.NewSymKeyGenService(provider, store.Keys(), audit, log))
	keys := kra.NewKeyRequests(gate, q, store.Keys(), table, audit, kra.DefaultLimits(), nil, log)

	ts := &testServer{
		health:  handlers.NewHealthHandler(time.Second, log),
		metrics: monitoring.NewMetrics(),
	}
	cfg := &config.Config{}
	ts.router = NewRouter(cfg, Deps{
		Gate:    gate,
		KRA:     handlers.NewKRAHandler(keys, log),
		Health:  ts.health,
		Metrics: ts.metrics,
		Limiter: limiter,
	}, log)
	return ts
}

func agentToken(t *testing.T, subject string) string {
	t.Helper()
	claims := authn.AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Groups: []string{"agents"},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return s
}

func (ts *testServer) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.router.Engine().ServeHTTP(w, req)
	return w
}

const symKeyBody = `{"client_key_id":"vol-1","algorithm":"AES","size":128}`

func TestSymKeyGenerationRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	token := agentToken(t, "agent1")

	w := ts.do(http.MethodPost, "/kra/requests/symkey", token, symKeyBody)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created dto.RequestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, string(constants.RequestTypeSymKeyGeneration), created.RequestType)
	assert.Equal(t, string(constants.RequestStatusComplete), created.Status)
	assert.NotEmpty(t, created.KeyID)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))

	w = ts.do(http.MethodGet, "/kra/requests/"+created.RequestID, token, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var fetched dto.RequestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.Equal(t, created.RequestID, fetched.RequestID)
	assert.Equal(t, created.KeyID, fetched.KeyID)

	w = ts.do(http.MethodGet, "/kra/requests?type="+string(constants.RequestTypeSymKeyGeneration), token, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), created.RequestID)
}

func TestKRARequiresAuthentication(t *testing.T) {
	ts := newTestServer(t, nil)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(http.MethodPost, "/kra/requests/symkey", tt.token, symKeyBody)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestKRARejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)
	token := agentToken(t, "agent1")

	w := ts.do(http.MethodPost, "/kra/requests/symkey", token, `{"client_key_id":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodPost, "/kra/requests/symkey", token, `{"algorithm":"AES"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(http.MethodGet, "/kra/requests?size=-1", token, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownRequestIsNotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodGet, "/kra/requests/424242", agentToken(t, "agent1"), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.health.Add("store", func(context.Context) error { return nil })

	w := ts.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"store"`)

	ts.health.Add("directory", func(context.Context) error { return errors.New("connection refused") })
	w = ts.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodGet, "/health", "", "")

	w := ts.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestNoRoute(t *testing.T) {
	ts := newTestServer(t, nil)
	w := ts.do(http.MethodGet, "/nowhere", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestRateLimitedBySubject(t *testing.T) {
	limiter, err := ratelimit.NewRedisLimiter(nil, &config.RateLimitConfig{
		Enabled: true, Requests: 1, Window: time.Hour, LocalFallback: true,
	}, logger.NewNoopLogger())
	require.NoError(t, err)
	ts := newTestServer(t, limiter)

	w := ts.do(http.MethodGet, "/kra/requests", agentToken(t, "agent1"), "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))

	w = ts.do(http.MethodGet, "/kra/requests", agentToken(t, "agent1"), "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "rate_limited")

	// Buckets are per subject.
	w = ts.do(http.MethodGet, "/kra/requests", agentToken(t, "agent2"), "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	ts := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.HeaderRequestID, "req-123")
	w := httptest.NewRecorder()
	ts.router.Engine().ServeHTTP(w, req)
	assert.Equal(t, "req-123", w.Header().Get(middleware.HeaderRequestID))
}

func TestClientSDKAgainstRouter(t *testing.T) {
	ts := newTestServer(t, nil)
	srv := httptest.NewServer(ts.router.Handler())
	t.Cleanup(srv.Close)

	client, err := pkiclient.New(srv.URL, pkiclient.WithToken(agentToken(t, "agent1")), pkiclient.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	ctx := context.Background()

	req, err := client.GenerateSymKey(ctx, &pkiclient.KeyGen{ClientKeyID: "sdk-1", Algorithm: "AES", Size: 256})
	require.NoError(t, err)
	assert.Equal(t, "complete", req.Status)
	assert.NotEmpty(t, req.KeyID)

	got, err := client.GetRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, req.RequestID, got.RequestID)

	listed, err := client.ListRequests(ctx, pkiclient.Filter{ClientKeyID: "sdk-1"})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = client.Cancel(ctx, "kra", req.RequestID, "too late")
	assert.Error(t, err)

	_, err = client.GetRequest(ctx, "424242")
	assert.True(t, pkiclient.IsNotFound(err))
}
