package crypto

import (
	"context"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"strings"
	"time"

	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

// InternalToken is the software key generation token, always present.
const InternalToken = "internal"

// SoftwareProvider implements service.CryptoProvider with the Go standard
// crypto packages and pluggable transport/storage units.
// SoftwareProvider 基于 Go 标准加密库实现 CryptoProvider，传输与存储单元可插拔。
type SoftwareProvider struct {
	transport  service.TransportUnit
	storage    service.StorageUnit
	tokens     map[string]struct{}
	defaultAlg string
	metrics    service.Metrics
}

// ProviderOption customizes a SoftwareProvider.
type ProviderOption func(*SoftwareProvider)

// WithKeygenTokens adds named key generation tokens.
func WithKeygenTokens(names ...string) ProviderOption {
	return func(p *SoftwareProvider) {
		for _, n := range names {
			p.tokens[n] = struct{}{}
		}
	}
}

// WithDefaultSigningAlgorithm overrides SHA256withRSA.
func WithDefaultSigningAlgorithm(alg string) ProviderOption {
	return func(p *SoftwareProvider) { p.defaultAlg = alg }
}

// WithProviderMetrics records crypto operation latency.
func WithProviderMetrics(m service.Metrics) ProviderOption {
	return func(p *SoftwareProvider) { p.metrics = m }
}

// NewSoftwareProvider creates a provider over the given units.
func NewSoftwareProvider(transport service.TransportUnit, storage service.StorageUnit, opts ...ProviderOption) *SoftwareProvider {
	p := &SoftwareProvider{
		transport:  transport,
		storage:    storage,
		tokens:     map[string]struct{}{InternalToken: {}},
		defaultAlg: "SHA256withRSA",
		metrics:    service.NoopMetrics{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *SoftwareProvider) Transport() service.TransportUnit { return p.transport }
func (p *SoftwareProvider) Storage() service.StorageUnit     { return p.storage }

func (p *SoftwareProvider) HasKeygenToken(name string) bool {
	if name == "" {
		name = InternalToken
	}
	_, ok := p.tokens[name]
	return ok
}

func (p *SoftwareProvider) DefaultSigningAlgorithm() string { return p.defaultAlg }

func (p *SoftwareProvider) observe(op string, start time.Time, err *error) {
	p.metrics.RecordCryptoOperation(op, time.Since(start), *err)
}

// ecCurve maps the curve names used in requests to Go curves.
func ecCurve(name string) (elliptic.Curve, string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "nistp256", "p-256", "p256", "secp256r1", "prime256v1":
		return elliptic.P256(), "nistp256", nil
	case "nistp384", "p-384", "p384", "secp384r1":
		return elliptic.P384(), "nistp384", nil
	case "nistp521", "p-521", "p521", "secp521r1":
		return elliptic.P521(), "nistp521", nil
	}
	return nil, "", fmt.Errorf("unsupported EC curve %q", name)
}

func dsaSizes(bits int) (dsa.ParameterSizes, error) {
	switch bits {
	case 1024:
		return dsa.L1024N160, nil
	case 2048:
		return dsa.L2048N256, nil
	case 3072:
		return dsa.L3072N256, nil
	}
	return 0, fmt.Errorf("DSA key size %d is not supported by this provider", bits)
}

func (p *SoftwareProvider) GenerateKeyPair(ctx context.Context, algorithm string, size int, curve string) (kp *service.KeyPair, err error) {
	defer p.observe("generate_keypair", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCrypto("generate key pair", err)
	}
	switch strings.ToUpper(algorithm) {
	case "RSA":
		key, err := rsa.GenerateKey(rand.Reader, size)
		if err != nil {
			return nil, errors.ErrCrypto("generate key pair", err)
		}
		return &service.KeyPair{Public: &key.PublicKey, Private: key, Algorithm: "RSA", Size: size}, nil
	case "EC", "ECDSA", "ECC":
		c, name, err := ecCurve(curve)
		if err != nil {
			return nil, errors.ErrCrypto("generate key pair", err)
		}
		key, err := ecdsa.GenerateKey(c, rand.Reader)
		if err != nil {
			return nil, errors.ErrCrypto("generate key pair", err)
		}
		return &service.KeyPair{Public: &key.PublicKey, Private: key, Algorithm: "EC", Size: -1, Curve: name}, nil
	case "DSA":
		sizes, err := dsaSizes(size)
		if err != nil {
			return nil, errors.ErrCrypto("generate key pair", err)
		}
		key := new(dsa.PrivateKey)
		if err := dsa.GenerateParameters(&key.Parameters, rand.Reader, sizes); err != nil {
			return nil, errors.ErrCrypto("generate key pair", err)
		}
		if err := dsa.GenerateKey(key, rand.Reader); err != nil {
			return nil, errors.ErrCrypto("generate key pair", err)
		}
		return &service.KeyPair{Public: &key.PublicKey, Private: key, Algorithm: "DSA", Size: size}, nil
	}
	return nil, errors.ErrCrypto("generate key pair", fmt.Errorf("unsupported algorithm %q", algorithm))
}

// symmetricKeyLen returns the key length in bytes for a validated algorithm/size.
func symmetricKeyLen(algorithm string, size int) (int, error) {
	switch strings.ToUpper(algorithm) {
	case "DES":
		return 8, nil
	case "DESEDE", "DES3":
		return 24, nil
	case "RC2", "RC4", "AES":
		if size <= 0 || size%8 != 0 {
			return 0, fmt.Errorf("invalid %s key size %d", algorithm, size)
		}
		return size / 8, nil
	}
	return 0, fmt.Errorf("unsupported symmetric algorithm %q", algorithm)
}

func (p *SoftwareProvider) GenerateSymmetricKey(ctx context.Context, algorithm string, size int) (key []byte, err error) {
	defer p.observe("generate_symkey", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCrypto("generate symmetric key", err)
	}
	n, err := symmetricKeyLen(algorithm, size)
	if err != nil {
		return nil, errors.ErrCrypto("generate symmetric key", err)
	}
	key, err = randomBytes(n)
	if err != nil {
		return nil, errors.ErrCrypto("generate symmetric key", err)
	}
	return key, nil
}

func (p *SoftwareProvider) EncryptWithSessionKey(ctx context.Context, sessionKey, plaintext, iv []byte) (out []byte, err error) {
	defer p.observe("session_encrypt", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCrypto("session encrypt", err)
	}
	out, err = sessionEncrypt(sessionKey, plaintext, iv)
	if err != nil {
		return nil, errors.ErrCrypto("session encrypt", err)
	}
	return out, nil
}

func (p *SoftwareProvider) DecryptWithSessionKey(ctx context.Context, sessionKey, ciphertext, iv []byte) (out []byte, err error) {
	defer p.observe("session_decrypt", time.Now(), &err)
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCrypto("session decrypt", err)
	}
	out, err = sessionDecrypt(sessionKey, ciphertext, iv)
	if err != nil {
		return nil, errors.ErrCrypto("session decrypt", err)
	}
	return out, nil
}
