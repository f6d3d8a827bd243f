package kra

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // legacy DSA keys are still issued to tokens
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
)

// dsaPrivateKey is the OpenSSL DSA private key layout; x509 has no PKCS#8 form for DSA.
type dsaPrivateKey struct {
	Version       int
	P, Q, G, Y, X *big.Int
}

type dsaPublicKey struct {
	P, Q, G, Y *big.Int
}

// encodePrivateKey serializes a generated private key for wrapping.
func encodePrivateKey(priv crypto.PrivateKey) ([]byte, error) {
	switch k := priv.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey:
		return x509.MarshalPKCS8PrivateKey(k)
	case *dsa.PrivateKey:
		return asn1.Marshal(dsaPrivateKey{P: k.P, Q: k.Q, G: k.G, Y: k.Y, X: k.X})
	}
	return nil, fmt.Errorf("unsupported private key type %T", priv)
}

// encodePublicKey returns a SubjectPublicKeyInfo, or the bare DSA parameters and Y.
func encodePublicKey(pub crypto.PublicKey) ([]byte, error) {
	if k, ok := pub.(*dsa.PublicKey); ok {
		return asn1.Marshal(dsaPublicKey{P: k.P, Q: k.Q, G: k.G, Y: k.Y})
	}
	return x509.MarshalPKIXPublicKey(pub)
}
