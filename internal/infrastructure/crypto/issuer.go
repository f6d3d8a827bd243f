package crypto

import (
	"context"
	stdcrypto "crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	stderrors "errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

var signingAlgorithms = map[string]x509.SignatureAlgorithm{
	"SHA1withRSA":   x509.SHA1WithRSA,
	"SHA256withRSA": x509.SHA256WithRSA,
	"SHA384withRSA": x509.SHA384WithRSA,
	"SHA512withRSA": x509.SHA512WithRSA,
	"SHA256withEC":  x509.ECDSAWithSHA256,
	"SHA384withEC":  x509.ECDSAWithSHA384,
	"SHA512withEC":  x509.ECDSAWithSHA512,
}

var (
	oidUID   = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}
	oidEmail = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
	oidDC    = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 25}
)

// X509Issuer signs templates with a CA key held in process.
// X509Issuer 使用进程内持有的 CA 密钥签发证书模板。
type X509Issuer struct {
	signer     stdcrypto.Signer
	ca         *x509.Certificate
	defaultAlg string
	validity   time.Duration
}

// NewX509Issuer creates an issuer for ca signed by signer.
func NewX509Issuer(ca *x509.Certificate, signer stdcrypto.Signer) *X509Issuer {
	alg := "SHA256withRSA"
	if _, ok := signer.Public().(*ecdsa.PublicKey); ok {
		alg = "SHA256withEC"
	}
	return &X509Issuer{signer: signer, ca: ca, defaultAlg: alg, validity: 180 * 24 * time.Hour}
}

// LoadX509Issuer reads a PEM CA certificate and its PEM private key.
func LoadX509Issuer(certPEM, keyPEM []byte) (*X509Issuer, error) {
	cb, _ := pem.Decode(certPEM)
	if cb == nil {
		return nil, errors.ErrCrypto("load CA", stderrors.New("no certificate PEM block"))
	}
	ca, err := x509.ParseCertificate(cb.Bytes)
	if err != nil {
		return nil, errors.ErrCrypto("load CA", err)
	}
	kb, _ := pem.Decode(keyPEM)
	if kb == nil {
		return nil, errors.ErrCrypto("load CA", stderrors.New("no key PEM block"))
	}
	var key interface{}
	switch kb.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(kb.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(kb.Bytes)
	default:
		key, err = x509.ParsePKCS8PrivateKey(kb.Bytes)
	}
	if err != nil {
		return nil, errors.ErrCrypto("load CA", err)
	}
	signer, ok := key.(stdcrypto.Signer)
	if !ok {
		return nil, errors.ErrCrypto("load CA", fmt.Errorf("CA key %T cannot sign", key))
	}
	return NewX509Issuer(ca, signer), nil
}

// NewSelfSignedIssuer creates a throwaway EC CA for development setups.
func NewSelfSignedIssuer(subject string, validity time.Duration) (*X509Issuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.ErrCrypto("self-signed CA", err)
	}
	name, err := ParseDN(subject)
	if err != nil {
		return nil, errors.ErrCrypto("self-signed CA", err)
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               name,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, errors.ErrCrypto("self-signed CA", err)
	}
	ca, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.ErrCrypto("self-signed CA", err)
	}
	return NewX509Issuer(ca, key), nil
}

// CACertificate returns the signing certificate.
func (i *X509Issuer) CACertificate() *x509.Certificate { return i.ca }

func (i *X509Issuer) DefaultSigningAlgorithm() string { return i.defaultAlg }

func (i *X509Issuer) SupportsSigningAlgorithm(name string) bool {
	_, ok := signingAlgorithms[name]
	return ok
}

func (i *X509Issuer) Issue(ctx context.Context, tmpl *models.CertTemplate, serial *big.Int) (*x509.Certificate, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrCrypto("issue", err)
	}
	pub, err := x509.ParsePKIXPublicKey(tmpl.PublicKey)
	if err != nil {
		return nil, errors.ErrCrypto("issue", fmt.Errorf("template public key: %w", err))
	}
	subject, err := ParseDN(tmpl.SubjectDN)
	if err != nil {
		return nil, errors.ErrCrypto("issue", err)
	}

	algName := tmpl.SigningAlg
	if algName == "" || algName == "-" {
		algName = i.defaultAlg
	}
	alg, ok := signingAlgorithms[algName]
	if !ok {
		return nil, errors.ErrCrypto("issue", fmt.Errorf("unknown signing algorithm %q", algName))
	}
	if !algMatchesKey(alg, i.signer.Public()) {
		return nil, errors.ErrCrypto("issue", fmt.Errorf("signing algorithm %s does not match the CA key", algName))
	}

	notBefore, notAfter := tmpl.NotBefore, tmpl.NotAfter
	if notBefore.IsZero() {
		notBefore = time.Now().UTC()
	}
	if notAfter.IsZero() {
		notAfter = notBefore.Add(i.validity)
	}

	cert := &x509.Certificate{
		SerialNumber:       serial,
		Subject:            subject,
		NotBefore:          notBefore,
		NotAfter:           notAfter,
		SignatureAlgorithm: alg,
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:        extKeyUsage(tmpl.CertType),
	}
	applySANs(cert, tmpl.SANs)

	der, err := x509.CreateCertificate(rand.Reader, cert, i.ca, pub, i.signer)
	if err != nil {
		return nil, errors.ErrCrypto("issue", err)
	}
	out, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.ErrCrypto("issue", err)
	}
	return out, nil
}

func algMatchesKey(alg x509.SignatureAlgorithm, pub stdcrypto.PublicKey) bool {
	switch pub.(type) {
	case *rsa.PublicKey:
		return alg == x509.SHA1WithRSA || alg == x509.SHA256WithRSA || alg == x509.SHA384WithRSA || alg == x509.SHA512WithRSA
	case *ecdsa.PublicKey:
		return alg == x509.ECDSAWithSHA256 || alg == x509.ECDSAWithSHA384 || alg == x509.ECDSAWithSHA512
	}
	return false
}

func extKeyUsage(certType string) []x509.ExtKeyUsage {
	switch certType {
	case "server":
		return []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	case "", "client":
		return []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageEmailProtection}
	}
	return nil
}

// applySANs maps the name forms x509 can express. Directory, EDI, OID and
// other names are left out.
func applySANs(cert *x509.Certificate, sans []models.GeneralName) {
	for _, g := range sans {
		switch g.Type {
		case models.GNDNSName:
			cert.DNSNames = append(cert.DNSNames, g.Value)
		case models.GNRFC822Name:
			cert.EmailAddresses = append(cert.EmailAddresses, g.Value)
		case models.GNIPAddress:
			if ip := net.ParseIP(g.Value); ip != nil {
				cert.IPAddresses = append(cert.IPAddresses, ip)
			}
		case models.GNURIName:
			if u, err := url.Parse(g.Value); err == nil {
				cert.URIs = append(cert.URIs, u)
			}
		}
	}
}

// ParseDN converts an RFC 4514 string into a pkix.Name.
func ParseDN(dn string) (pkix.Name, error) {
	var name pkix.Name
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return name, fmt.Errorf("parse DN %q: %w", dn, err)
	}
	// RDNs are listed most specific first; pkix wants them the other way round.
	for i := len(parsed.RDNs) - 1; i >= 0; i-- {
		for _, atv := range parsed.RDNs[i].Attributes {
			v := atv.Value
			switch strings.ToUpper(atv.Type) {
			case "CN":
				name.CommonName = v
			case "O":
				name.Organization = append(name.Organization, v)
			case "OU":
				name.OrganizationalUnit = append(name.OrganizationalUnit, v)
			case "C":
				name.Country = append(name.Country, v)
			case "L":
				name.Locality = append(name.Locality, v)
			case "ST":
				name.Province = append(name.Province, v)
			case "STREET":
				name.StreetAddress = append(name.StreetAddress, v)
			case "POSTALCODE":
				name.PostalCode = append(name.PostalCode, v)
			case "SERIALNUMBER":
				name.SerialNumber = v
			case "UID":
				name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidUID, Value: v})
			case "E", "EMAIL", "EMAILADDRESS":
				name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidEmail, Value: v})
			case "DC":
				name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{Type: oidDC, Value: v})
			default:
				return name, fmt.Errorf("unsupported DN attribute %q", atv.Type)
			}
		}
	}
	return name, nil
}

var _ service.CertIssuer = (*X509Issuer)(nil)
