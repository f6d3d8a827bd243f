package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/eldorplus/pki/internal/domain/models"
)

// Signer computes the HMAC-SHA256 signature of the signed audit log.
type Signer struct {
	key []byte
}

// NewSigner returns nil for an empty key, which disables signing.
func NewSigner(key string) *Signer {
	if key == "" {
		return nil
	}
	return &Signer{key: []byte(key)}
}

func (s *Signer) mac(event *models.AuditEvent) ([]byte, error) {
	unsigned := *event
	unsigned.Signature = ""
	body, err := json.Marshal(unsigned)
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, s.key)
	h.Write(body)
	return h.Sum(nil), nil
}

// Sign sets event.Signature over every other field.
func (s *Signer) Sign(event *models.AuditEvent) error {
	sum, err := s.mac(event)
	if err != nil {
		return err
	}
	event.Signature = base64.StdEncoding.EncodeToString(sum)
	return nil
}

// Verify checks event.Signature.
func (s *Signer) Verify(event *models.AuditEvent) error {
	want, err := base64.StdEncoding.DecodeString(event.Signature)
	if err != nil {
		return err
	}
	got, err := s.mac(event)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, got) {
		return errors.New("audit signature mismatch")
	}
	return nil
}
