package models

import (
	"strconv"
	"time"

	"github.com/eldorplus/pki/pkg/constants"
)

// KeyRecord is an archived (storage-wrapped) private or symmetric key.
// Records are never deleted; they are superseded through status changes.
// KeyRecord 是已归档（存储单元封装）的私钥或对称密钥。记录永不删除，只通过状态变更被取代。
type KeyRecord struct {
	// Serial is allocated from the key sequence and is unique.
	// Serial 从密钥序列分配，全局唯一。
	Serial uint64
	// ClientKeyID is the caller-chosen identifier used for existence checks.
	// ClientKeyID 是调用方选择的标识符，用于存在性检查。
	ClientKeyID string
	// Owner is the identity the key was archived for.
	// Owner 是密钥归档所属的身份。
	Owner string
	// Realm is the optional authorization domain of the key.
	Realm string
	// Status is the lifecycle status (active, inactive, revoked).
	Status constants.KeyStatus
	// DataType is symmetricKey, passPhrase or asymmetricKey.
	DataType string
	// Algorithm is the key algorithm (AES, RSA, EC, ...).
	Algorithm string
	// Size is the key size in bits; -1 for EC keys, whose curve is kept in Metadata.
	Size int
	// WrappedKey is the storage-unit ciphertext.
	// WrappedKey 是存储单元的密文。
	WrappedKey []byte
	// WrapAlgorithm names the storage wrapping scheme.
	WrapAlgorithm string
	// WrapParams holds the nonce/IV and other wrapping parameters.
	WrapParams []byte
	// PublicKey is the DER SubjectPublicKeyInfo for asymmetric keys.
	PublicKey []byte
	// Metadata holds unindexed attributes (curve name, usages, request id).
	Metadata map[string]string
	// RequestID is the request that created the record.
	RequestID RequestID

	CreatedAt  time.Time
	ModifiedAt time.Time
}

// KeyID returns the serial in its external decimal form.
func (k *KeyRecord) KeyID() string {
	return strconv.FormatUint(k.Serial, 10)
}

// ParseKeyID converts an external key id to a serial.
func ParseKeyID(id string) (uint64, error) {
	return strconv.ParseUint(id, 10, 64)
}

// IsActive reports whether the record is active.
func (k *KeyRecord) IsActive() bool { return k.Status == constants.KeyStatusActive }

// Clone returns a deep copy.
func (k *KeyRecord) Clone() *KeyRecord {
	if k == nil {
		return nil
	}
	out := *k
	out.WrappedKey = cloneBytes(k.WrappedKey)
	out.WrapParams = cloneBytes(k.WrapParams)
	out.PublicKey = cloneBytes(k.PublicKey)
	out.Metadata = make(map[string]string, len(k.Metadata))
	for key, v := range k.Metadata {
		out.Metadata[key] = v
	}
	return &out
}

// KeyFilter selects key records.
type KeyFilter struct {
	ClientKeyID string
	Owner       string
	Realm       string
	Status      constants.KeyStatus
}

// Matches reports whether k satisfies f.
func (f KeyFilter) Matches(k *KeyRecord) bool {
	if f.ClientKeyID != "" && k.ClientKeyID != f.ClientKeyID {
		return false
	}
	if f.Owner != "" && k.Owner != f.Owner {
		return false
	}
	if f.Realm != "" && k.Realm != f.Realm {
		return false
	}
	if f.Status != "" && k.Status != f.Status {
		return false
	}
	return true
}
