package authn

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	vault "github.com/hashicorp/vault/api"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// KeySource resolves RS256 verification keys by key id.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// KVReader reads a KV v2 secret. *vault.KVv2 satisfies it.
type KVReader interface {
	Get(ctx context.Context, secretPath string) (*vault.KVSecret, error)
}

// VaultKeySource loads agent token verification keys from a Vault KV v2 secret
// whose "keys" field maps key ids to PEM public keys. Resolved keys are held in
// an in-memory cache and concurrent misses for the same kid share one fetch.
// VaultKeySource 从 Vault KV v2 读取代理令牌验证公钥，并在内存中缓存。
type VaultKeySource struct {
	kv   KVReader
	path string
	log  logger.Logger

	l1 *cache.Cache
	sf singleflight.Group
}

// NewVaultKeySource creates a key source reading path through kv.
func NewVaultKeySource(kv KVReader, path string, ttl time.Duration, log logger.Logger) *VaultKeySource {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &VaultKeySource{
		kv:   kv,
		path: path,
		log:  log.WithComponent("VaultKeySource"),
		l1:   cache.New(ttl, 2*ttl),
	}
}

func (s *VaultKeySource) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := s.l1.Get(kid); ok {
		return key.(*rsa.PublicKey), nil
	}

	v, err, _ := s.sf.Do(kid, func() (interface{}, error) {
		if key, ok := s.l1.Get(kid); ok {
			return key, nil
		}
		keys, err := s.load(ctx)
		if err != nil {
			return nil, err
		}
		pemData, ok := keys[kid]
		if !ok {
			return nil, errors.ErrKeyNotFound(kid)
		}
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemData))
		if err != nil {
			return nil, errors.ErrCrypto("parse verification key "+kid, err)
		}
		s.l1.Set(kid, key, cache.DefaultExpiration)
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

func (s *VaultKeySource) load(ctx context.Context) (map[string]string, error) {
	secret, err := s.kv.Get(ctx, s.path)
	if err != nil {
		if stderrors.Is(err, vault.ErrSecretNotFound) {
			return nil, errors.ErrNotFound("verification keys", s.path)
		}
		s.log.Warn(ctx, "cannot read verification keys", logger.String("path", s.path), logger.Err(err))
		return nil, errors.ErrCrypto("read verification keys", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, errors.ErrNotFound("verification keys", s.path)
	}

	out := map[string]string{}
	switch raw := secret.Data["keys"].(type) {
	case string:
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, errors.ErrCrypto("decode verification keys", err)
		}
	case map[string]interface{}:
		for kid, v := range raw {
			if pemData, ok := v.(string); ok {
				out[kid] = pemData
			}
		}
	default:
		return nil, errors.ErrCrypto("decode verification keys", fmt.Errorf("unexpected keys field %T", raw))
	}
	return out, nil
}
