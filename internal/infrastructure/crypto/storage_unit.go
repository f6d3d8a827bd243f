package crypto

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

// SoftwareStorageAlgorithm names the wrapping scheme in key records.
const SoftwareStorageAlgorithm = "AES-256-GCM+HKDF-SHA256"

var storageInfo = []byte("pki storage unit v1")

// SoftwareStorageUnit wraps archived keys under a KEK held in a memguard enclave.
// Each record gets its own HKDF-derived key; Params carries salt||nonce.
// SoftwareStorageUnit 使用保存在 memguard enclave 中的 KEK 封装归档密钥，每条记录使用独立的 HKDF 派生密钥。
type SoftwareStorageUnit struct {
	name string
	kek  *memguard.Enclave
}

// NewSoftwareStorageUnit seals a copy of kek. The caller's slice is wiped.
func NewSoftwareStorageUnit(name string, kek []byte) (*SoftwareStorageUnit, error) {
	if len(kek) != kekSize {
		return nil, errors.ErrCrypto("storage unit init", fmt.Errorf("KEK must be %d bytes, got %d", kekSize, len(kek)))
	}
	return &SoftwareStorageUnit{name: name, kek: memguard.NewEnclave(kek)}, nil
}

// GenerateStorageUnit creates a unit with a random KEK.
func GenerateStorageUnit(name string) (*SoftwareStorageUnit, error) {
	kek, err := randomBytes(kekSize)
	if err != nil {
		return nil, errors.ErrCrypto("storage unit init", err)
	}
	return NewSoftwareStorageUnit(name, kek)
}

func (u *SoftwareStorageUnit) Name() string { return u.name }

func (u *SoftwareStorageUnit) recordKey(salt []byte) ([]byte, error) {
	buf, err := u.kek.Open()
	if err != nil {
		return nil, fmt.Errorf("opening KEK enclave: %w", err)
	}
	defer buf.Destroy()
	return deriveKey(buf.Bytes(), salt, storageInfo)
}

func (u *SoftwareStorageUnit) Wrap(ctx context.Context, plaintext, aad []byte) (*service.WrappedKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCrypto("storage wrap", err)
	}
	salt, err := randomBytes(saltSize)
	if err != nil {
		return nil, errors.ErrCrypto("storage wrap", err)
	}
	key, err := u.recordKey(salt)
	if err != nil {
		return nil, errors.ErrCrypto("storage wrap", err)
	}
	defer memguard.WipeBytes(key)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errors.ErrCrypto("storage wrap", err)
	}
	nonce, err := randomBytes(gcm.NonceSize())
	if err != nil {
		return nil, errors.ErrCrypto("storage wrap", err)
	}
	return &service.WrappedKey{
		Algorithm:  SoftwareStorageAlgorithm,
		Ciphertext: gcm.Seal(nil, nonce, plaintext, aad),
		Params:     append(salt, nonce...),
	}, nil
}

func (u *SoftwareStorageUnit) Unwrap(ctx context.Context, wrapped *service.WrappedKey, aad []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCrypto("storage unwrap", err)
	}
	if wrapped == nil || wrapped.Algorithm != SoftwareStorageAlgorithm {
		return nil, errors.ErrCrypto("storage unwrap", stderrors.New("unsupported wrapping algorithm"))
	}
	if len(wrapped.Params) <= saltSize {
		return nil, errors.ErrCrypto("storage unwrap", stderrors.New("wrapping parameters too short"))
	}
	salt, nonce := wrapped.Params[:saltSize], wrapped.Params[saltSize:]
	key, err := u.recordKey(salt)
	if err != nil {
		return nil, errors.ErrCrypto("storage unwrap", err)
	}
	defer memguard.WipeBytes(key)
	gcm, err := newGCM(key)
	if err != nil {
		return nil, errors.ErrCrypto("storage unwrap", err)
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.ErrCrypto("storage unwrap", stderrors.New("bad nonce length"))
	}
	pt, err := gcm.Open(nil, nonce, wrapped.Ciphertext, aad)
	if err != nil {
		return nil, errors.ErrCrypto("storage unwrap", err)
	}
	return pt, nil
}
