package models

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/eldorplus/pki/pkg/constants"
)

// CertStatus is the status of an issued certificate.
type CertStatus string

const (
	CertStatusValid   CertStatus = "valid"
	CertStatusRevoked CertStatus = "revoked"
)

// CertRecord is an issued certificate as tracked by the certificate repository.
// Published is owned by the publish module; no other component writes it.
type CertRecord struct {
	Serial           string // hex
	DER              []byte
	SubjectDN        string
	IssuerDN         string
	Status           CertStatus
	Published        bool
	RequestID        RequestID
	RevocationReason int
	RevokedAt        *time.Time
	NotBefore        time.Time
	NotAfter         time.Time
	CreatedAt        time.Time
	ModifiedAt       time.Time
}

// NewCertRecord builds a valid record from a parsed certificate.
func NewCertRecord(cert *x509.Certificate, reqID RequestID) *CertRecord {
	now := time.Now().UTC()
	return &CertRecord{
		Serial:     SerialHex(cert.SerialNumber),
		DER:        cloneBytes(cert.Raw),
		SubjectDN:  cert.Subject.String(),
		IssuerDN:   cert.Issuer.String(),
		Status:     CertStatusValid,
		RequestID:  reqID,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		CreatedAt:  now,
		ModifiedAt: now,
	}
}

// SerialHex renders a certificate serial number the way records are keyed.
func SerialHex(n *big.Int) string {
	if n == nil {
		return ""
	}
	return "0x" + n.Text(16)
}

// ================================================================================
// Certificate templates
// ================================================================================

// GeneralNameType tags a subject alternative name form.
type GeneralNameType string

const (
	GNRFC822Name    GeneralNameType = "RFC822Name"
	GNDNSName       GeneralNameType = "DNSName"
	GNDirectoryName GeneralNameType = "DirectoryName"
	GNEDIPartyName  GeneralNameType = "EDIPartyName"
	GNURIName       GeneralNameType = "URIName"
	GNIPAddress     GeneralNameType = "IPAddress"
	GNOIDName       GeneralNameType = "OIDName"
	GNOtherName     GeneralNameType = "OtherName"
)

// ParseGeneralNameType accepts the canonical tags case-insensitively.
func ParseGeneralNameType(s string) (GeneralNameType, bool) {
	for _, t := range []GeneralNameType{GNRFC822Name, GNDNSName, GNDirectoryName, GNEDIPartyName,
		GNURIName, GNIPAddress, GNOIDName, GNOtherName} {
		if strings.EqualFold(string(t), strings.TrimSpace(s)) {
			return t, true
		}
	}
	return "", false
}

// GeneralName is one subject alternative name entry.
type GeneralName struct {
	Type  GeneralNameType `json:"type"`
	Value string          `json:"value"`
}

// String renders the "Type: value" text form used by value descriptors.
func (g GeneralName) String() string {
	return fmt.Sprintf("%s: %s", g.Type, g.Value)
}

// ParseGeneralName parses the "Type: value" text form and checks the value.
func ParseGeneralName(s string) (GeneralName, error) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return GeneralName{}, fmt.Errorf("general name %q: missing type separator", s)
	}
	t, ok := ParseGeneralNameType(s[:idx])
	if !ok {
		return GeneralName{}, fmt.Errorf("general name %q: unknown type", s)
	}
	g := GeneralName{Type: t, Value: strings.TrimSpace(s[idx+1:])}
	return g, g.Validate()
}

// Validate performs the single-value legality check for the name form.
func (g GeneralName) Validate() error {
	v := g.Value
	if v == "" {
		return fmt.Errorf("%s: empty value", g.Type)
	}
	switch g.Type {
	case GNRFC822Name:
		if _, err := mail.ParseAddress(v); err != nil {
			return fmt.Errorf("%s %q: %w", g.Type, v, err)
		}
	case GNDNSName:
		if strings.ContainsAny(v, " /@") || strings.HasPrefix(v, ".") || strings.HasSuffix(v, ".") {
			return fmt.Errorf("%s %q: invalid host name", g.Type, v)
		}
	case GNURIName:
		u, err := url.Parse(v)
		if err != nil || u.Scheme == "" {
			return fmt.Errorf("%s %q: invalid URI", g.Type, v)
		}
	case GNIPAddress:
		if net.ParseIP(v) == nil {
			if _, _, err := net.ParseCIDR(v); err != nil {
				return fmt.Errorf("%s %q: invalid IP address", g.Type, v)
			}
		}
	case GNOIDName:
		if !isOID(v) {
			return fmt.Errorf("%s %q: invalid OID", g.Type, v)
		}
	case GNDirectoryName:
		if !strings.Contains(v, "=") {
			return fmt.Errorf("%s %q: invalid DN", g.Type, v)
		}
	case GNOtherName, GNEDIPartyName:
	default:
		return fmt.Errorf("unknown general name type %q", g.Type)
	}
	return nil
}

func isOID(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// CertTemplate is the to-be-issued certificate content a processor produces and
// profile defaults finalize.
type CertTemplate struct {
	SubjectDN    string        `json:"subject_dn"`
	PublicKey    []byte        `json:"public_key"` // DER SubjectPublicKeyInfo
	KeyAlgorithm string        `json:"key_algorithm,omitempty"`
	SigningAlg   string        `json:"signing_alg,omitempty"`
	SANs         []GeneralName `json:"sans,omitempty"`
	SANCritical  bool          `json:"san_critical,omitempty"`
	NotBefore    time.Time     `json:"not_before,omitempty"`
	NotAfter     time.Time     `json:"not_after,omitempty"`
	CertType     string        `json:"cert_type,omitempty"`
}

// SetTemplates stores templates under certTemplates.
func (r *Request) SetTemplates(templates []*CertTemplate) error {
	b, err := json.Marshal(templates)
	if err != nil {
		return err
	}
	r.Ext.SetBytes(constants.ExtCertTemplates, b)
	return nil
}

// Templates decodes certTemplates.
func (r *Request) Templates() ([]*CertTemplate, error) {
	b, ok := r.Ext.GetBytes(constants.ExtCertTemplates)
	if !ok {
		return nil, nil
	}
	var out []*CertTemplate
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
