package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	pkierrors "github.com/eldorplus/pki/pkg/errors"
)

// TokenDenylist records revoked agent token ids until the token would have
// expired anyway.
type TokenDenylist struct {
	client redis.UniversalClient
	k      keys
}

func NewTokenDenylist(client redis.UniversalClient, prefix string) *TokenDenylist {
	return &TokenDenylist{client: client, k: keys{prefix: prefix}}
}

func (k keys) deniedToken(jti string) string { return k.prefix + "denied:" + jti }

// Deny revokes jti until exp. An already expired token needs no entry.
func (d *TokenDenylist) Deny(ctx context.Context, jti string, exp time.Time) error {
	ttl := time.Until(exp)
	if ttl <= 0 {
		return nil
	}
	if err := d.client.Set(ctx, d.k.deniedToken(jti), "1", ttl).Err(); err != nil {
		return pkierrors.ErrStore("deny token "+jti, err)
	}
	return nil
}

func (d *TokenDenylist) IsDenied(ctx context.Context, jti string) (bool, error) {
	n, err := d.client.Exists(ctx, d.k.deniedToken(jti)).Result()
	if err != nil {
		return false, pkierrors.ErrStore("check token "+jti, err)
	}
	return n == 1, nil
}
