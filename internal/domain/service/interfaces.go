// Package service defines the collaborator interfaces consumed by the request engine.
// Every component receives these handles at construction time.
package service

import (
	"context"
	"crypto"
	"crypto/x509"
	"math/big"
	"strings"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
)

// ================================================================================
// Crypto provider
// ================================================================================

// WrappedKey is key material encrypted by a storage unit.
// WrappedKey 是由存储单元加密的密钥材料。
type WrappedKey struct {
	Algorithm  string
	Ciphertext []byte
	Params     []byte
}

// KeyPair is a freshly generated asymmetric key pair.
type KeyPair struct {
	Public    crypto.PublicKey
	Private   crypto.PrivateKey
	Algorithm string
	Size      int
	Curve     string
}

//go:generate mockery --name TransportUnit --output mocks --outpkg mocks
// TransportUnit unwraps key material that clients wrapped for transit.
// TransportUnit 解封客户端为传输而封装的密钥材料。
type TransportUnit interface {
	// UnwrapSessionKey recovers a symmetric session key wrapped under the transport key.
	UnwrapSessionKey(ctx context.Context, wrapped []byte) ([]byte, error)

	// PublicKey is the transport public key clients wrap to.
	PublicKey() crypto.PublicKey
}

//go:generate mockery --name StorageUnit --output mocks --outpkg mocks
// StorageUnit wraps key material for long-term archival.
// StorageUnit 封装用于长期归档的密钥材料。
type StorageUnit interface {
	// Name identifies the unit in key records.
	Name() string

	// Wrap encrypts plaintext. aad binds the ciphertext to its record.
	Wrap(ctx context.Context, plaintext, aad []byte) (*WrappedKey, error)

	// Unwrap reverses Wrap.
	Unwrap(ctx context.Context, wrapped *WrappedKey, aad []byte) ([]byte, error)
}

//go:generate mockery --name CryptoProvider --output mocks --outpkg mocks
// CryptoProvider is the opaque cryptographic capability of the engine.
// Every failure surfaces as errors.ErrCrypto.
// CryptoProvider 是引擎的不透明加密能力，所有失败都表现为 errors.ErrCrypto。
type CryptoProvider interface {
	Transport() TransportUnit
	Storage() StorageUnit

	// GenerateKeyPair creates an RSA/DSA key of size bits or an EC key on curve.
	GenerateKeyPair(ctx context.Context, algorithm string, size int, curve string) (*KeyPair, error)

	// GenerateSymmetricKey creates a random symmetric key.
	GenerateSymmetricKey(ctx context.Context, algorithm string, size int) ([]byte, error)

	// EncryptWithSessionKey encrypts data for a caller holding sessionKey.
	EncryptWithSessionKey(ctx context.Context, sessionKey, plaintext, iv []byte) ([]byte, error)

	// DecryptWithSessionKey reverses EncryptWithSessionKey.
	DecryptWithSessionKey(ctx context.Context, sessionKey, ciphertext, iv []byte) ([]byte, error)

	// HasKeygenToken reports whether the named key generation token is available.
	HasKeygenToken(name string) bool

	// DefaultSigningAlgorithm is the algorithm used when a profile leaves it unset.
	DefaultSigningAlgorithm() string
}

//go:generate mockery --name CertIssuer --output mocks --outpkg mocks
// CertIssuer signs certificate templates.
type CertIssuer interface {
	Issue(ctx context.Context, tmpl *models.CertTemplate, serial *big.Int) (*x509.Certificate, error)

	// DefaultSigningAlgorithm is the CA's computed default.
	DefaultSigningAlgorithm() string

	// SupportsSigningAlgorithm reports whether name maps to a known algorithm.
	SupportsSigningAlgorithm(name string) bool
}

// ================================================================================
// Directory
// ================================================================================

// SearchScope mirrors the LDAP search scopes.
type SearchScope int

const (
	ScopeBase SearchScope = iota
	ScopeOneLevel
	ScopeSubtree
)

// ModOp is a directory attribute modification kind.
type ModOp int

const (
	ModAdd ModOp = iota
	ModReplace
	ModDelete
)

// Modification is one attribute change.
type Modification struct {
	Op     ModOp
	Attr   string
	Values [][]byte
}

// Entry is a directory entry with binary attribute values.
type Entry struct {
	DN         string
	Attributes map[string][][]byte
}

// Values returns the values of attr, matching the name case-insensitively.
func (e *Entry) Values(attr string) [][]byte {
	if e == nil {
		return nil
	}
	if v, ok := e.Attributes[attr]; ok {
		return v
	}
	for k, v := range e.Attributes {
		if strings.EqualFold(k, attr) {
			return v
		}
	}
	return nil
}

//go:generate mockery --name DirectoryConn --output mocks --outpkg mocks
// DirectoryConn is a checked-out directory connection.
// DirectoryConn 是一个已签出的目录连接。
type DirectoryConn interface {
	Search(ctx context.Context, baseDN string, scope SearchScope, filter string, attrs []string) ([]*Entry, error)
	Modify(ctx context.Context, dn string, mods []Modification) error
}

//go:generate mockery --name ConnFactory --output mocks --outpkg mocks
// ConnFactory hands out pooled directory connections. Every Get must be paired
// with a Return on all exit paths.
type ConnFactory interface {
	Get(ctx context.Context) (DirectoryConn, error)
	Return(conn DirectoryConn)
}

// Mapper resolves the directory entry a certificate is published to.
type Mapper interface {
	Map(ctx context.Context, conn DirectoryConn, cert *x509.Certificate, req *models.Request) (string, error)
}

// Publisher performs idempotent attribute mutations for a certificate.
type Publisher interface {
	Publish(ctx context.Context, conn DirectoryConn, dn string, cert *x509.Certificate) error
	Unpublish(ctx context.Context, conn DirectoryConn, dn string, cert *x509.Certificate) error
}

// ================================================================================
// Audit, authentication and authorization
// ================================================================================

//go:generate mockery --name AuditSink --output mocks --outpkg mocks
// AuditSink receives audit events. Log never blocks and never fails the caller.
// AuditSink 接收审计事件，Log 永不阻塞，也不会使调用方失败。
type AuditSink interface {
	Log(ctx context.Context, event *models.AuditEvent)
}

//go:generate mockery --name Authenticator --output mocks --outpkg mocks
// Authenticator is a named authentication manager.
type Authenticator interface {
	Name() string
	Authenticate(ctx context.Context, creds *models.Credentials) (*models.AuthToken, error)
}

//go:generate mockery --name AccessControl --output mocks --outpkg mocks
// AccessControl evaluates resource ACLs, globally and per realm.
type AccessControl interface {
	// Allowed reports whether token may perform operation on resource.
	// The ACL entry "owner" matches when the token subject equals owner.
	Allowed(ctx context.Context, token *models.AuthToken, owner, resource, operation string) bool

	// RealmAllowed is Allowed restricted to realm's ACL. Unknown realms fail with UnknownRealm.
	RealmAllowed(ctx context.Context, realm string, token *models.AuthToken, owner, resource, operation string) (bool, error)
}

// ================================================================================
// Submission decoders
// ================================================================================

// TemplateDecoder decodes a CMC or CRMF submission into certificate templates.
type TemplateDecoder interface {
	Decode(ctx context.Context, payload []byte) ([]*models.CertTemplate, error)
}

// ArchiveOptions is the decoded form of a PKIArchiveOptions blob.
type ArchiveOptions struct {
	WrappedSessionKey   []byte
	WrappedSecurityData []byte
	AlgorithmOID        string
	AlgorithmParams     []byte
}

// ArchiveOptionsDecoder decodes PKIArchiveOptions.
type ArchiveOptionsDecoder interface {
	Decode(blob []byte) (*ArchiveOptions, error)
}

// ================================================================================
// Volatile recovery parameters
// ================================================================================

//go:generate mockery --name RecoveryParamStore --output mocks --outpkg mocks
// RecoveryParamStore keeps the short-lived recovery inputs of a request outside
// the durable store. Entries expire on their own.
// RecoveryParamStore 在持久存储之外保存恢复请求的短期参数，条目会自动过期。
type RecoveryParamStore interface {
	Put(ctx context.Context, id models.RequestID, params *models.RecoveryParams) error

	// Get fails with NotFound when the entry is absent or expired.
	Get(ctx context.Context, id models.RequestID) (*models.RecoveryParams, error)

	Delete(ctx context.Context, id models.RequestID)
}

// ================================================================================
// Events and metrics
// ================================================================================

// RequestEventPublisher emits completed requests to external consumers.
type RequestEventPublisher interface {
	PublishRequestEvent(ctx context.Context, req *models.Request) error
}

// PublishRetryQueue records failed directory publishes for later retry.
type PublishRetryQueue interface {
	EnqueuePublishRetry(ctx context.Context, id models.RequestID, reqType string) error
}

// Metrics defines the interface for collecting engine metrics.
// Metrics 定义了收集引擎指标的接口。
type Metrics interface {
	RecordRequest(reqType, status string)
	RecordServiceLatency(reqType string, duration time.Duration, success bool)
	RecordPublish(operation string, success bool)
	RecordCryptoOperation(operation string, duration time.Duration, err error)
	RecordAuditDropped()
	RecordAuthz(resource string, allowed bool)
}

// NoopMetrics discards every observation.
type NoopMetrics struct{}

func (NoopMetrics) RecordRequest(string, string)                       {}
func (NoopMetrics) RecordServiceLatency(string, time.Duration, bool)   {}
func (NoopMetrics) RecordPublish(string, bool)                         {}
func (NoopMetrics) RecordCryptoOperation(string, time.Duration, error) {}
func (NoopMetrics) RecordAuditDropped()                                {}
func (NoopMetrics) RecordAuthz(string, bool)                           {}
