package kra

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldorplus/pki/internal/application/authz"
	"github.com/eldorplus/pki/internal/application/queue"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/internal/domain/service/mocks"
	"github.com/eldorplus/pki/internal/infrastructure/crypto"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/memory"
	"github.com/eldorplus/pki/internal/infrastructure/policy"
	"github.com/eldorplus/pki/internal/infrastructure/volatile"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

const testACL = `
acl:
  certServer.kra.requests:
    execute: ["group:agents"]
  certServer.kra.request:
    read: [owner, "group:agents"]
  certServer.kra.key:
    recover: ["group:agents"]
realms:
  r1:
    certServer.kra.requests:
      submit: ["group:agents"]
    certServer.kra.request:
      read: ["group:r1"]
    certServer.kra.key:
      recover: ["group:r1"]
  r2:
    certServer.kra.requests:
      submit: ["group:agents"]
    certServer.kra.key:
      recover: ["group:r2"]
  fast:
    certServer.kra.requests:
      submit: ["group:agents"]
`

type fixture struct {
	kra       *KeyRequests
	queue     *queue.Queue
	store     *memory.Store
	volatile  *volatile.RecoveryTable
	transport *crypto.RSATransportUnit
	provider  *crypto.SoftwareProvider
	audit     *mocks.RecordingAuditSink
	agent     *models.AuthToken
}

var sharedTransport *crypto.RSATransportUnit

func transportUnit(t *testing.T) *crypto.RSATransportUnit {
	t.Helper()
	if sharedTransport == nil {
		u, err := crypto.GenerateTransportUnit(2048, true)
		require.NoError(t, err)
		sharedTransport = u
	}
	return sharedTransport
}

func newFixture(t *testing.T, recoveryAgents int) *fixture {
	t.Helper()
	store := memory.NewStore()
	audit := &mocks.RecordingAuditSink{}
	log := logger.NewNoopLogger()

	acl, err := policy.ParseStaticACL([]byte(testACL))
	require.NoError(t, err)
	gate := authz.NewGate(acl, audit, nil, log)

	transport := transportUnit(t)
	storage, err := crypto.GenerateStorageUnit("test-storage")
	require.NoError(t, err)
	provider := crypto.NewSoftwareProvider(transport, storage)
	table := volatile.NewRecoveryTable(time.Minute)

	q := queue.New(store.Requests(), audit, log, queue.WithPolicy(queue.NewAgentApprovalPolicy(map[constants.RequestType]int{
		constants.RequestTypeSecurityDataRecovery: recoveryAgents,
	})))
	q.RegisterService(constants.RequestTypeSecurityDataEnrollment, NewArchivalService(provider, store.Keys(), nil, false, audit, log))
	q.RegisterService(constants.RequestTypeSecurityDataRecovery, NewRecoveryService(provider, store.Keys(), table, audit, log))
	q.RegisterService(constants.RequestTypeSymKeyGeneration, NewSymKeyGenService(provider, store.Keys(), audit, log))
	q.RegisterService(constants.RequestTypeAsymKeyGeneration, NewAsymKeyGenService(provider, store.Keys(), audit, log))
	q.RegisterService(constants.RequestTypeNetkeyKeygen, NewNetkeyService(provider, store.Keys(), q, crypto.InternalToken, audit, log))

	return &fixture{
		kra:       NewKeyRequests(gate, q, store.Keys(), table, audit, DefaultLimits(), []string{"fast"}, log),
		queue:     q,
		store:     store,
		volatile:  table,
		transport: transport,
		provider:  provider,
		audit:     audit,
		agent:     &models.AuthToken{Subject: "agent1", Groups: []string{"agents", "r1"}},
	}
}

func (f *fixture) requestCount(t *testing.T) int {
	t.Helper()
	reqs, err := f.store.Requests().Search(context.Background(), models.RequestFilter{}, 1000)
	require.NoError(t, err)
	return len(reqs)
}

func (f *fixture) keyRecord(t *testing.T, req *models.Request) *models.KeyRecord {
	t.Helper()
	id, ok := req.Ext.GetString(constants.ExtKeyRecord)
	require.True(t, ok, "keyRecord not set")
	serial, err := models.ParseKeyID(id)
	require.NoError(t, err)
	rec, err := f.store.Keys().Get(context.Background(), serial)
	require.NoError(t, err)
	return rec
}

func (f *fixture) unwrap(t *testing.T, rec *models.KeyRecord) []byte {
	t.Helper()
	out, err := f.provider.Storage().Unwrap(context.Background(), &service.WrappedKey{
		Algorithm: rec.WrapAlgorithm, Ciphertext: rec.WrappedKey, Params: rec.WrapParams,
	}, []byte(rec.KeyID()))
	require.NoError(t, err)
	return out
}

// clientArchival wraps secret the way a client would: a fresh AES session
// key under the transport key, the secret under the session key.
func (f *fixture) clientArchival(t *testing.T, clientKeyID, realm string, secret []byte) *ArchivalRequest {
	t.Helper()
	session := randomBytes(t, 32)
	iv := randomBytes(t, 12)
	wrappedSession, err := f.transport.WrapSessionKey(session)
	require.NoError(t, err)
	data, err := f.provider.EncryptWithSessionKey(context.Background(), session, secret, iv)
	require.NoError(t, err)
	return &ArchivalRequest{
		ClientKeyID:         clientKeyID,
		DataType:            constants.DataTypeSymmetricKey,
		Algorithm:           "AES",
		Size:                len(secret) * 8,
		Realm:               realm,
		WrappedSessionKey:   wrappedSession,
		WrappedSecurityData: data,
		AlgorithmParams:     iv,
	}
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

// ================================================================================
// Key generation
// ================================================================================

func TestSymKeyGenDefaultsToAES128(t *testing.T) {
	f := newFixture(t, 1)
	req, err := f.kra.SubmitSymKeyGen(context.Background(), f.agent, &KeyGenRequest{ClientKeyID: "vol-1"})
	require.NoError(t, err)

	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.True(t, req.Succeeded())

	rec := f.keyRecord(t, req)
	assert.Equal(t, "AES", rec.Algorithm)
	assert.Equal(t, 128, rec.Size)
	assert.Equal(t, constants.DataTypeSymmetricKey, rec.DataType)
	assert.Equal(t, constants.KeyStatusActive, rec.Status)
	assert.Equal(t, "agent1", rec.Owner)
	assert.Len(t, f.unwrap(t, rec), 16)
	assert.NotEmpty(t, f.audit.Find(constants.AuditSymKeyGenerationDone, constants.OutcomeSuccess))
}

func TestSymKeyGenValidationCreatesNoRequest(t *testing.T) {
	f := newFixture(t, 1)
	cases := []struct {
		name string
		in   KeyGenRequest
		msg  string
	}{
		{"missing client id", KeyGenRequest{Algorithm: "AES", Size: 128}, "Invalid key generation request. Missing client ID"},
		{"size without algorithm", KeyGenRequest{ClientKeyID: "k", Size: 128}, "Invalid request.  Must specify key algorithm if size is specified"},
		{"unknown algorithm", KeyGenRequest{ClientKeyID: "k", Algorithm: "Blowfish", Size: 128}, "Invalid Algorithm"},
		{"bad DES size", KeyGenRequest{ClientKeyID: "k", Algorithm: "DES", Size: 64}, "Invalid key size for this algorithm"},
		{"bad RC2 step", KeyGenRequest{ClientKeyID: "k", Algorithm: "RC2", Size: 44}, "Invalid key size for this algorithm"},
		{"bad AES size", KeyGenRequest{ClientKeyID: "k", Algorithm: "AES", Size: 100}, "Invalid key size for this algorithm"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := tc.in
			_, err := f.kra.SubmitSymKeyGen(context.Background(), f.agent, &in)
			require.Error(t, err)
			assert.True(t, errors.IsBadRequest(err))
			assert.Equal(t, tc.msg, errors.MessageOf(err))
		})
	}
	assert.Zero(t, f.requestCount(t))
}

func TestAsymmetricSizeLimits(t *testing.T) {
	l := DefaultLimits()
	assert.NoError(t, l.validateAsymmetric("RSA", 2048))
	assert.NoError(t, l.validateAsymmetric("RSA", 256))
	assert.NoError(t, l.validateAsymmetric("DSA", 1024))

	for _, tc := range []struct {
		alg  string
		size int
		msg  string
	}{
		{"RSA", 2050, "Invalid key size specified."},
		{"RSA", 128, "Key size out of supported range - min - 256 max - 8192"},
		{"RSA", 16384, "Key size out of supported range - min - 256 max - 8192"},
		{"RSA", 0, "Key size must be specified."},
		{"DSA", 2048, "Invalid key size specified."},
		{"EC", 256, "Unsupported algorithm specified."},
	} {
		err := l.validateAsymmetric(tc.alg, tc.size)
		require.Error(t, err, "%s/%d", tc.alg, tc.size)
		assert.Equal(t, tc.msg, errors.MessageOf(err))
	}
}

func TestAsymKeyGenRSA(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.kra.SubmitAsymKeyGen(context.Background(), f.agent, &KeyGenRequest{ClientKeyID: "rsa-1", Algorithm: "RSA", Size: 2050})
	require.Error(t, err)
	assert.Zero(t, f.requestCount(t))

	req, err := f.kra.SubmitAsymKeyGen(context.Background(), f.agent, &KeyGenRequest{
		ClientKeyID: "rsa-1", Algorithm: "RSA", Size: 1024, Usages: []string{"sign", "verify"},
	})
	require.NoError(t, err)
	require.True(t, req.Succeeded(), req.ErrorReason())

	rec := f.keyRecord(t, req)
	assert.Equal(t, constants.DataTypeAsymmetricKey, rec.DataType)
	pub, err := x509.ParsePKIXPublicKey(rec.PublicKey)
	require.NoError(t, err)
	priv, err := x509.ParsePKCS8PrivateKey(f.unwrap(t, rec))
	require.NoError(t, err)
	assert.NotNil(t, pub)
	assert.NotNil(t, priv)
}

func TestSymKeyGenRecordsAlgorithmAndStrength(t *testing.T) {
	f := newFixture(t, 1)
	req, err := f.kra.SubmitSymKeyGen(context.Background(), f.agent, &KeyGenRequest{ClientKeyID: "vol-2", Algorithm: "AES", Size: 128})
	require.NoError(t, err)

	stored, err := f.store.Requests().Get(context.Background(), req.ID)
	require.NoError(t, err)
	alg, ok := stored.Ext.GetString(constants.ExtSecurityDataAlgorithm)
	require.True(t, ok)
	assert.Equal(t, "AES", alg)
	strength, ok := stored.Ext.GetInt(constants.ExtSecurityDataStrength)
	require.True(t, ok)
	assert.Equal(t, int64(128), strength)
}

func TestSymKeyGenRejectsActiveClientKeyID(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	_, err := f.kra.SubmitSymKeyGen(ctx, f.agent, &KeyGenRequest{ClientKeyID: "dup", Algorithm: "AES", Size: 128})
	require.NoError(t, err)

	before := f.requestCount(t)
	_, err = f.kra.SubmitSymKeyGen(ctx, f.agent, &KeyGenRequest{ClientKeyID: "dup", Algorithm: "AES", Size: 128})
	require.Error(t, err)
	assert.True(t, errors.IsBadRequest(err))
	assert.Equal(t, "Can not archive already active existing key!", errors.MessageOf(err))
	assert.Equal(t, before, f.requestCount(t))

	active, err := f.store.Keys().Find(ctx, models.KeyFilter{ClientKeyID: "dup"}, 0)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestAsymKeyGenRejectsActiveClientKeyID(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	in := &KeyGenRequest{ClientKeyID: "rsa-dup", Algorithm: "RSA", Size: 1024}
	req, err := f.kra.SubmitAsymKeyGen(ctx, f.agent, in)
	require.NoError(t, err)
	require.True(t, req.Succeeded(), req.ErrorReason())

	before := f.requestCount(t)
	_, err = f.kra.SubmitAsymKeyGen(ctx, f.agent, &KeyGenRequest{ClientKeyID: "rsa-dup", Algorithm: "RSA", Size: 1024})
	require.Error(t, err)
	assert.True(t, errors.IsBadRequest(err))
	assert.Equal(t, "Cannot archive already active existing key!", errors.MessageOf(err))
	assert.Equal(t, before, f.requestCount(t))
}

// cancelingKeys cancels the service context once a serial is allocated, as
// happens when the queue gives up on a slow service.
type cancelingKeys struct {
	repository.KeyRepository
	cancel context.CancelFunc
}

func (c *cancelingKeys) NextSerial(ctx context.Context) (uint64, error) {
	c.cancel()
	return c.KeyRepository.NextSerial(ctx)
}

func TestKeyGenAfterDeadlineStoresNoKey(t *testing.T) {
	f := newFixture(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc := NewSymKeyGenService(f.provider, &cancelingKeys{KeyRepository: f.store.Keys(), cancel: cancel}, f.audit, logger.NewNoopLogger())
	req := models.NewRequest(constants.RequestTypeSymKeyGeneration, "")
	req.ID = "late-1"
	req.Ext.SetString(constants.ExtKeyGenAlgorithm, "AES")
	req.Ext.SetInt(constants.ExtKeyGenSize, 128)
	req.Ext.SetString(constants.ExtSecurityDataClientKeyID, "late")

	err := svc.ServiceRequest(ctx, req)
	require.Error(t, err)
	assert.False(t, req.Ext.Has(constants.ExtKeyRecord))

	keys, err := f.store.Keys().Find(context.Background(), models.KeyFilter{ClientKeyID: "late"}, 0)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestEphemeralRealmIsNotPersisted(t *testing.T) {
	f := newFixture(t, 1)
	req, err := f.kra.SubmitSymKeyGen(context.Background(), f.agent, &KeyGenRequest{ClientKeyID: "eph", Realm: "fast"})
	require.NoError(t, err)

	assert.True(t, req.Ephemeral)
	assert.True(t, req.ID.IsEphemeral())
	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.Zero(t, f.requestCount(t))

	_, err = f.kra.GetRequest(context.Background(), f.agent, req.ID)
	assert.True(t, errors.IsNotFound(err))

	// The key itself is still archived.
	assert.Equal(t, "fast", f.keyRecord(t, req).Realm)
}

// ================================================================================
// Archival and recovery
// ================================================================================

func TestArchivalRejectsActiveClientKeyID(t *testing.T) {
	f := newFixture(t, 1)
	secret := randomBytes(t, 32)

	req, err := f.kra.SubmitArchival(context.Background(), f.agent, f.clientArchival(t, "vault-key", "", secret))
	require.NoError(t, err)
	require.True(t, req.Succeeded(), req.ErrorReason())
	rec := f.keyRecord(t, req)
	assert.Equal(t, secret, f.unwrap(t, rec))
	assert.Equal(t, 256, rec.Size)
	assert.False(t, req.Ext.Has(constants.ExtSessionKey))
	assert.False(t, req.Ext.Has(constants.ExtSecurityData))

	before := f.requestCount(t)
	_, err = f.kra.SubmitArchival(context.Background(), f.agent, f.clientArchival(t, "vault-key", "", secret))
	require.Error(t, err)
	assert.True(t, errors.IsBadRequest(err))
	assert.Equal(t, "Can not archive already active existing key!", errors.MessageOf(err))
	assert.Equal(t, before, f.requestCount(t))
	assert.NotEmpty(t, f.audit.Find(constants.AuditSecurityDataArchival, constants.OutcomeFailure))
}

func TestArchivalInputsAreExclusive(t *testing.T) {
	f := newFixture(t, 1)
	in := f.clientArchival(t, "k1", "", randomBytes(t, 16))
	in.ArchiveOptions = []byte{0x30, 0x00}
	_, err := f.kra.SubmitArchival(context.Background(), f.agent, in)
	assert.True(t, errors.IsBadRequest(err))

	_, err = f.kra.SubmitArchival(context.Background(), f.agent, &ArchivalRequest{ClientKeyID: "k2"})
	assert.True(t, errors.IsBadRequest(err))

	_, err = f.kra.SubmitArchival(context.Background(), f.agent, &ArchivalRequest{})
	assert.Equal(t, "Missing client ID", errors.MessageOf(err))
	assert.Zero(t, f.requestCount(t))
}

func TestArchiveOptionsWithoutDecoderFailsInService(t *testing.T) {
	f := newFixture(t, 1)
	req, err := f.kra.SubmitArchival(context.Background(), f.agent, &ArchivalRequest{ClientKeyID: "opts", ArchiveOptions: []byte{0x30, 0x00}})
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.False(t, req.Succeeded())
	assert.Contains(t, req.ErrorReason(), "archive options")
}

func (f *fixture) recoveryRequest(t *testing.T, keyID string) (*RecoveryRequest, []byte) {
	t.Helper()
	session := randomBytes(t, 32)
	wrapped, err := f.transport.WrapSessionKey(session)
	require.NoError(t, err)
	return &RecoveryRequest{KeyID: keyID, WrappedSessionKey: wrapped, Nonce: randomBytes(t, 12)}, session
}

func TestRecoverySingleAgentCompletesInline(t *testing.T) {
	f := newFixture(t, 1)
	secret := randomBytes(t, 32)
	arch, err := f.kra.SubmitArchival(context.Background(), f.agent, f.clientArchival(t, "rk", "", secret))
	require.NoError(t, err)
	keyID, _ := arch.Ext.GetString(constants.ExtKeyRecord)

	in, session := f.recoveryRequest(t, keyID)
	out, err := f.kra.SubmitRecovery(context.Background(), f.agent, in)
	require.NoError(t, err)
	require.Equal(t, constants.RequestStatusComplete, out.Request.Status)
	require.True(t, out.Request.Succeeded(), out.Request.ErrorReason())
	assert.Equal(t, []string{"agent1"}, out.Request.ApproveAgents())

	plain, err := f.provider.DecryptWithSessionKey(context.Background(), session, out.Data, out.IV)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)

	// Nothing from the volatile table reaches the durable store.
	stored, err := f.store.Requests().Get(context.Background(), out.Request.ID)
	require.NoError(t, err)
	assert.False(t, stored.Ext.Has(constants.ExtSessionKey))
	assert.Zero(t, f.volatile.Len())
	assert.NotEmpty(t, f.audit.Find(constants.AuditSecurityDataExport, constants.OutcomeSuccess))
}

func TestRecoveryWaitsForQuorum(t *testing.T) {
	f := newFixture(t, 2)
	secret := randomBytes(t, 16)
	arch, err := f.kra.SubmitArchival(context.Background(), f.agent, f.clientArchival(t, "quorum", "", secret))
	require.NoError(t, err)
	keyID, _ := arch.Ext.GetString(constants.ExtKeyRecord)

	in, session := f.recoveryRequest(t, keyID)
	out, err := f.kra.SubmitRecovery(context.Background(), f.agent, in)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusPending, out.Request.Status)
	assert.Nil(t, out.Data)

	_, err = f.kra.RetrieveRecovered(context.Background(), f.agent, out.Request.ID)
	assert.True(t, errors.IsInvalidState(err))

	second := &models.AuthToken{Subject: "agent2", Groups: []string{"agents"}}
	req, err := f.kra.Approve(context.Background(), second, out.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusComplete, req.Status)
	assert.ElementsMatch(t, []string{"agent1", "agent2"}, req.ApproveAgents())

	got, err := f.kra.RetrieveRecovered(context.Background(), f.agent, out.Request.ID)
	require.NoError(t, err)
	plain, err := f.provider.DecryptWithSessionKey(context.Background(), session, got.Data, got.IV)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)

	_, err = f.kra.RetrieveRecovered(context.Background(), f.agent, out.Request.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestRecoveryRealmIsolation(t *testing.T) {
	f := newFixture(t, 1)
	arch, err := f.kra.SubmitArchival(context.Background(), f.agent, f.clientArchival(t, "r1-key", "r1", randomBytes(t, 16)))
	require.NoError(t, err)
	require.True(t, arch.Succeeded(), arch.ErrorReason())
	keyID, _ := arch.Ext.GetString(constants.ExtKeyRecord)

	outsider := &models.AuthToken{Subject: "agent9", Groups: []string{"agents", "r2"}}
	in, _ := f.recoveryRequest(t, keyID)
	before := f.requestCount(t)
	_, err = f.kra.SubmitRecovery(context.Background(), outsider, in)
	require.Error(t, err)
	assert.True(t, errors.IsUnauthorized(err))
	assert.Equal(t, authz.MsgNotAuthorizedRealm, errors.MessageOf(err))
	assert.Equal(t, before, f.requestCount(t))

	out, err := f.kra.SubmitRecovery(context.Background(), f.agent, in)
	require.NoError(t, err)
	assert.True(t, out.Request.Succeeded())
	assert.Equal(t, "r1", out.Request.Realm)
}

func TestRecoveryPreconditions(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.kra.SubmitRecovery(context.Background(), nil, &RecoveryRequest{KeyID: "1"})
	assert.True(t, errors.IsUnauthorized(err))
	assert.Equal(t, "Recovery must be initiated by an agent", errors.MessageOf(err))

	_, err = f.kra.SubmitRecovery(context.Background(), f.agent, &RecoveryRequest{KeyID: "999"})
	assert.Equal(t, errors.CodeKeyNotFound, errors.CodeOf(err))

	_, err = f.kra.SubmitRecovery(context.Background(), f.agent, &RecoveryRequest{KeyID: "abc"})
	assert.True(t, errors.IsBadRequest(err))
}

func TestRejectDropsVolatileParams(t *testing.T) {
	f := newFixture(t, 2)
	arch, err := f.kra.SubmitArchival(context.Background(), f.agent, f.clientArchival(t, "rej", "", randomBytes(t, 16)))
	require.NoError(t, err)
	keyID, _ := arch.Ext.GetString(constants.ExtKeyRecord)

	in, _ := f.recoveryRequest(t, keyID)
	out, err := f.kra.SubmitRecovery(context.Background(), f.agent, in)
	require.NoError(t, err)
	assert.Equal(t, 1, f.volatile.Len())

	req, err := f.kra.Reject(context.Background(), f.agent, out.Request.ID, "not today")
	require.NoError(t, err)
	assert.Equal(t, constants.RequestStatusRejected, req.Status)
	assert.Zero(t, f.volatile.Len())

	_, err = f.kra.Cancel(context.Background(), f.agent, out.Request.ID, "")
	assert.True(t, errors.IsInvalidState(err))
}

func TestListRequestsFiltersByRealm(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.kra.SubmitSymKeyGen(context.Background(), f.agent, &KeyGenRequest{ClientKeyID: "a"})
	require.NoError(t, err)
	_, err = f.kra.SubmitSymKeyGen(context.Background(), f.agent, &KeyGenRequest{ClientKeyID: "b", Realm: "r1"})
	require.NoError(t, err)

	all, err := f.kra.ListRequests(context.Background(), f.agent, models.RequestFilter{}, 10, time.Second)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	outsider := &models.AuthToken{Subject: "agent9", Groups: []string{"agents", "r2"}}
	visible, err := f.kra.ListRequests(context.Background(), outsider, models.RequestFilter{}, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, visible, 1)
	assert.Empty(t, visible[0].Realm)

	exists, err := f.kra.KeyExists(context.Background(), "b", constants.KeyStatusActive)
	require.NoError(t, err)
	assert.True(t, exists)
}

// ================================================================================
// Netkey
// ================================================================================

func (f *fixture) netkeyRequest(t *testing.T, ext map[constants.ExtKey]string, desKey []byte) *models.Request {
	t.Helper()
	req, err := f.queue.NewRequest(context.Background(), constants.RequestTypeNetkeyKeygen, "", false)
	require.NoError(t, err)
	req.SetOwner("tps-agent")
	req.Ext.SetString(constants.ExtNetkeyCUID, "40906145C76224192D2B")
	req.Ext.SetString(constants.ExtNetkeyUserID, "jdoe")
	for k, v := range ext {
		req.Ext.SetString(k, v)
	}
	if desKey != nil {
		wrapped, err := f.transport.WrapSessionKey(desKey)
		require.NoError(t, err)
		req.Ext.SetBytes(constants.ExtNetkeyTransDESKey, wrapped)
	}
	require.NoError(t, f.queue.UpdateRequest(context.Background(), req))
	require.NoError(t, f.queue.ProcessRequest(context.Background(), req))
	return req
}

func TestNetkeyWithoutTransportKeyIsNoop(t *testing.T) {
	f := newFixture(t, 1)
	req := f.netkeyRequest(t, nil, nil)

	code, ok := req.Result()
	require.True(t, ok)
	assert.Equal(t, constants.NetkeyResultNoTransport, code)
	assert.False(t, req.Ext.Has(constants.ExtNetkeyPublicKey))
	assert.Empty(t, f.audit.Find(constants.AuditServerSideKeygenDone, constants.OutcomeSuccess))
}

func TestNetkeyGeneratesAndArchives(t *testing.T) {
	f := newFixture(t, 1)
	desKey := randomBytes(t, 24)
	req := f.netkeyRequest(t, map[constants.ExtKey]string{
		constants.ExtNetkeyKeySize: "1024",
		constants.ExtNetkeyArchive: "true",
	}, desKey)

	code, _ := req.Result()
	require.Equal(t, constants.NetkeyResultSuccess, code, req.ErrorReason())
	assert.False(t, req.Ext.Has(constants.ExtNetkeyTransDESKey))
	assert.False(t, req.Ext.GetBool(constants.ExtDelayCommit))

	wrapped, ok := req.Ext.GetBytes(constants.ExtNetkeyWrappedPriv)
	require.True(t, ok)
	iv, ok := req.Ext.GetBytes(constants.ExtNetkeyIV)
	require.True(t, ok)
	der, err := f.provider.DecryptWithSessionKey(context.Background(), desKey, wrapped, iv)
	require.NoError(t, err)
	_, err = x509.ParsePKCS8PrivateKey(der)
	require.NoError(t, err)

	rec := f.keyRecord(t, req)
	assert.Equal(t, "40906145C76224192D2B:jdoe", rec.Owner)
	assert.Equal(t, der, f.unwrap(t, rec))

	for _, ev := range []constants.AuditEventType{
		constants.AuditServerSideKeygen,
		constants.AuditServerSideKeygenDone,
		constants.AuditSecurityDataExport,
		constants.AuditSecurityDataArchival,
		constants.AuditSecurityDataArchivalDone,
	} {
		assert.NotEmpty(t, f.audit.Find(ev, constants.OutcomeSuccess), ev)
	}

	stored, err := f.store.Requests().Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.False(t, stored.Ext.Has(constants.ExtNetkeyTransDESKey))
}

func TestNetkeyECRecordCarriesCurve(t *testing.T) {
	f := newFixture(t, 1)
	req := f.netkeyRequest(t, map[constants.ExtKey]string{
		constants.ExtNetkeyKeyType: "EC",
		constants.ExtNetkeyArchive: "true",
	}, randomBytes(t, 16))

	code, _ := req.Result()
	require.Equal(t, constants.NetkeyResultSuccess, code)
	rec := f.keyRecord(t, req)
	assert.Equal(t, -1, rec.Size)
	assert.Equal(t, "nistp256", rec.Metadata["curve"])
}

func TestNetkeyWithoutArchiveStoresNoKey(t *testing.T) {
	f := newFixture(t, 1)
	req := f.netkeyRequest(t, map[constants.ExtKey]string{constants.ExtNetkeyKeySize: "1024"}, randomBytes(t, 24))

	code, _ := req.Result()
	assert.Equal(t, constants.NetkeyResultSuccess, code)
	assert.False(t, req.Ext.Has(constants.ExtKeyRecord))
	assert.Empty(t, f.audit.Find(constants.AuditSecurityDataArchival, ""))
}

func TestNetkeyMissingTokenReportsCode(t *testing.T) {
	f := newFixture(t, 1)
	svc := NewNetkeyService(f.provider, f.store.Keys(), f.queue, "hsm-slot-2", f.audit, logger.NewNoopLogger())
	req := models.NewRequest(constants.RequestTypeNetkeyKeygen, "")
	req.Ephemeral = true

	require.NoError(t, svc.ServiceRequest(context.Background(), req))
	code, _ := req.Result()
	assert.Equal(t, constants.NetkeyResultNoToken, code)
}
