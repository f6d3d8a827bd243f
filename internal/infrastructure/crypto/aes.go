package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	kekSize  = 32
	saltSize = 16
)

// deriveKey expands the KEK into a per-record key.
func deriveKey(kek, salt, info []byte) ([]byte, error) {
	h := hkdf.New(sha256.New, kek, salt, info)
	k := make([]byte, kekSize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// sessionEncrypt picks the session cipher from the IV length: 12 bytes is
// AES-GCM, 16 bytes AES-CBC and 8 bytes triple-DES-CBC.
func sessionEncrypt(key, plaintext, iv []byte) ([]byte, error) {
	switch len(iv) {
	case 12:
		gcm, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		return gcm.Seal(nil, iv, plaintext, nil), nil
	case aes.BlockSize, des.BlockSize:
		block, err := cbcBlock(key, len(iv))
		if err != nil {
			return nil, err
		}
		padded := pkcs7Pad(plaintext, block.BlockSize())
		out := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
		return out, nil
	}
	return nil, fmt.Errorf("unsupported IV length %d", len(iv))
}

func sessionDecrypt(key, ciphertext, iv []byte) ([]byte, error) {
	switch len(iv) {
	case 12:
		gcm, err := newGCM(key)
		if err != nil {
			return nil, err
		}
		pt, err := gcm.Open(nil, iv, ciphertext, nil)
		if err != nil {
			return nil, fmt.Errorf("decrypting ciphertext: %w", err)
		}
		return pt, nil
	case aes.BlockSize, des.BlockSize:
		block, err := cbcBlock(key, len(iv))
		if err != nil {
			return nil, err
		}
		if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
			return nil, fmt.Errorf("ciphertext is not a multiple of the block size")
		}
		out := make([]byte, len(ciphertext))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
		return pkcs7Unpad(out, block.BlockSize())
	}
	return nil, fmt.Errorf("unsupported IV length %d", len(iv))
}

func cbcBlock(key []byte, ivLen int) (cipher.Block, error) {
	if ivLen == des.BlockSize {
		if len(key) != 24 {
			return nil, fmt.Errorf("triple-DES session key must be 24 bytes, got %d", len(key))
		}
		return des.NewTripleDESCipher(key)
	}
	return aes.NewCipher(key)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	for i := 0; i < n; i++ {
		out = append(out, byte(n))
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return b[:len(b)-n], nil
}
