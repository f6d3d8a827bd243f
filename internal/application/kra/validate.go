package kra

import (
	"fmt"

	"github.com/eldorplus/pki/pkg/errors"
)

// Limits bounds the key sizes the KRA accepts for generation requests.
type Limits struct {
	RSAMinSize int
	RSAMaxSize int
	DSASizes   []int
}

// DefaultLimits returns the stock RSA range and DSA sizes.
func DefaultLimits() Limits {
	return Limits{RSAMinSize: 256, RSAMaxSize: 8192, DSASizes: []int{512, 768, 1024}}
}

// ================================================================================
// Symmetric
// ================================================================================

var symmetricAlgorithms = []string{"DES", "DESede", "DES3", "RC2", "RC4", "AES"}

// normalizeSymmetric applies the AES/128 default and validates the pair.
func normalizeSymmetric(algorithm string, size int) (string, int, error) {
	if algorithm == "" {
		if size != 0 {
			return "", 0, errors.ErrBadRequest("Invalid request.  Must specify key algorithm if size is specified")
		}
		return "AES", 128, nil
	}
	if !contains(symmetricAlgorithms, algorithm) {
		return "", 0, errors.ErrBadRequest("Invalid Algorithm")
	}
	if !validSymmetricSize(algorithm, size) {
		return "", 0, errors.ErrBadRequest("Invalid key size for this algorithm")
	}
	return algorithm, size, nil
}

func validSymmetricSize(algorithm string, size int) bool {
	switch algorithm {
	case "DES":
		return size == 56
	case "DESede", "DES3":
		return size == 168
	case "RC2", "RC4":
		return size >= 40 && size <= 1024 && size%8 == 0
	case "AES":
		return size == 128 || size == 192 || size == 256
	}
	return false
}

// ================================================================================
// Asymmetric
// ================================================================================

var asymmetricAlgorithms = []string{"RSA", "DSA"}

func (l Limits) validateAsymmetric(algorithm string, size int) error {
	if !contains(asymmetricAlgorithms, algorithm) {
		return errors.ErrBadRequest("Unsupported algorithm specified.")
	}
	if size == 0 {
		return errors.ErrBadRequest("Key size must be specified.")
	}
	switch algorithm {
	case "RSA":
		if size < l.RSAMinSize || size > l.RSAMaxSize {
			return errors.ErrBadRequest(fmt.Sprintf("Key size out of supported range - min - %d max - %d", l.RSAMinSize, l.RSAMaxSize))
		}
		if (size-256)%16 != 0 {
			return errors.ErrBadRequest("Invalid key size specified.")
		}
	case "DSA":
		for _, s := range l.DSASizes {
			if s == size {
				return nil
			}
		}
		return errors.ErrBadRequest("Invalid key size specified.")
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
