// Package kms provides storage units backed by external key management services.
// Package kms 提供由外部密钥管理服务支持的存储单元。
package kms

import (
	"context"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"path"

	vault "github.com/hashicorp/vault/api"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// VaultTransitAlgorithm prefixes the algorithm recorded for transit-wrapped keys.
const VaultTransitAlgorithm = "vault-transit"

// Logical is the subset of *vault.Logical used for transit calls.
type Logical interface {
	WriteWithContext(ctx context.Context, path string, data map[string]interface{}) (*vault.Secret, error)
}

// VaultTransitUnit is a storage unit that never sees its KEK: archived keys are
// encrypted and decrypted by a Vault transit key. The record's aad is passed as
// associated data, so the transit key must be an AEAD type such as aes256-gcm96.
// VaultTransitUnit 通过 Vault transit 密钥加解密归档密钥，本地不持有 KEK。
type VaultTransitUnit struct {
	name    string
	logical Logical
	mount   string
	key     string
	log     logger.Logger
}

var _ service.StorageUnit = (*VaultTransitUnit)(nil)

// NewVaultClient builds an authenticated Vault API client.
func NewVaultClient(cfg *config.VaultConfig) (*vault.Client, error) {
	vc := vault.DefaultConfig()
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, err
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return client, nil
}

// NewVaultTransitUnit creates a unit using transit key key under mount.
func NewVaultTransitUnit(name string, logical Logical, mount, key string, log logger.Logger) *VaultTransitUnit {
	if mount == "" {
		mount = "transit"
	}
	return &VaultTransitUnit{
		name:    name,
		logical: logical,
		mount:   mount,
		key:     key,
		log:     log.WithComponent("VaultTransitUnit"),
	}
}

func (u *VaultTransitUnit) Name() string { return u.name }

func (u *VaultTransitUnit) algorithm() string { return VaultTransitAlgorithm + ":" + u.key }

func (u *VaultTransitUnit) Wrap(ctx context.Context, plaintext, aad []byte) (*service.WrappedKey, error) {
	data := map[string]interface{}{"plaintext": base64.StdEncoding.EncodeToString(plaintext)}
	if len(aad) > 0 {
		data["associated_data"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := u.logical.WriteWithContext(ctx, path.Join(u.mount, "encrypt", u.key), data)
	if err != nil {
		u.log.Warn(ctx, "transit encrypt failed", logger.String("key", u.key), logger.Err(err))
		return nil, errors.ErrCrypto("storage wrap", err)
	}
	ct, err := field(secret, "ciphertext")
	if err != nil {
		return nil, errors.ErrCrypto("storage wrap", err)
	}
	return &service.WrappedKey{Algorithm: u.algorithm(), Ciphertext: []byte(ct)}, nil
}

func (u *VaultTransitUnit) Unwrap(ctx context.Context, wrapped *service.WrappedKey, aad []byte) ([]byte, error) {
	if wrapped == nil || wrapped.Algorithm != u.algorithm() {
		return nil, errors.ErrCrypto("storage unwrap", stderrors.New("unsupported wrapping algorithm"))
	}
	data := map[string]interface{}{"ciphertext": string(wrapped.Ciphertext)}
	if len(aad) > 0 {
		data["associated_data"] = base64.StdEncoding.EncodeToString(aad)
	}
	secret, err := u.logical.WriteWithContext(ctx, path.Join(u.mount, "decrypt", u.key), data)
	if err != nil {
		return nil, errors.ErrCrypto("storage unwrap", err)
	}
	pt, err := field(secret, "plaintext")
	if err != nil {
		return nil, errors.ErrCrypto("storage unwrap", err)
	}
	out, err := base64.StdEncoding.DecodeString(pt)
	if err != nil {
		return nil, errors.ErrCrypto("storage unwrap", err)
	}
	return out, nil
}

func field(secret *vault.Secret, name string) (string, error) {
	if secret == nil || secret.Data == nil {
		return "", stderrors.New("empty transit response")
	}
	v, ok := secret.Data[name].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("transit response has no %s", name)
	}
	return v, nil
}
