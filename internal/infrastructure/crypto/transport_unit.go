package crypto

import (
	"context"
	stdcrypto "crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	stderrors "errors"
	"fmt"

	"github.com/eldorplus/pki/pkg/errors"
)

// RSATransportUnit unwraps session keys clients encrypted to the transport key.
// OAEP (SHA-256) is used unless the unit is configured for PKCS#1 v1.5.
type RSATransportUnit struct {
	key     *rsa.PrivateKey
	useOAEP bool
}

// NewRSATransportUnit wraps an existing key.
func NewRSATransportUnit(key *rsa.PrivateKey, useOAEP bool) *RSATransportUnit {
	return &RSATransportUnit{key: key, useOAEP: useOAEP}
}

// GenerateTransportUnit creates a unit with a fresh RSA key.
func GenerateTransportUnit(bits int, useOAEP bool) (*RSATransportUnit, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, errors.ErrCrypto("transport unit init", err)
	}
	return NewRSATransportUnit(key, useOAEP), nil
}

// LoadTransportUnit reads a PEM PKCS#1 or PKCS#8 RSA key.
func LoadTransportUnit(keyPEM []byte, useOAEP bool) (*RSATransportUnit, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.ErrCrypto("transport unit init", stderrors.New("no PEM block found"))
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewRSATransportUnit(key, useOAEP), nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.ErrCrypto("transport unit init", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.ErrCrypto("transport unit init", fmt.Errorf("transport key is %T, want RSA", parsed))
	}
	return NewRSATransportUnit(key, useOAEP), nil
}

func (u *RSATransportUnit) UnwrapSessionKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCrypto("transport unwrap", err)
	}
	if len(wrapped) == 0 {
		return nil, errors.ErrCrypto("transport unwrap", stderrors.New("empty wrapped session key"))
	}
	var (
		key []byte
		err error
	)
	if u.useOAEP {
		key, err = rsa.DecryptOAEP(sha256.New(), rand.Reader, u.key, wrapped, nil)
	} else {
		key, err = rsa.DecryptPKCS1v15(rand.Reader, u.key, wrapped)
	}
	if err != nil {
		return nil, errors.ErrCrypto("transport unwrap", err)
	}
	return key, nil
}

// WrapSessionKey is the client side of UnwrapSessionKey.
func (u *RSATransportUnit) WrapSessionKey(sessionKey []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	if u.useOAEP {
		out, err = rsa.EncryptOAEP(sha256.New(), rand.Reader, &u.key.PublicKey, sessionKey, nil)
	} else {
		out, err = rsa.EncryptPKCS1v15(rand.Reader, &u.key.PublicKey, sessionKey)
	}
	if err != nil {
		return nil, errors.ErrCrypto("transport wrap", err)
	}
	return out, nil
}

func (u *RSATransportUnit) PublicKey() stdcrypto.PublicKey { return &u.key.PublicKey }
