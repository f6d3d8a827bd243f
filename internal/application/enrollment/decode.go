package enrollment

import (
	"context"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

// inputKind names the submission format that produced the templates.
type inputKind string

const (
	inputKeygen inputKind = "keygen"
	inputPKCS10 inputKind = "pkcs10"
	inputCMC    inputKind = "cmc"
	inputCRMF   inputKind = "crmf"
)

// decodeSubmission picks the first non-empty input in the order keygen,
// PKCS#10, CMC, CRMF and turns it into templates.
func (p *Processor) decodeSubmission(ctx context.Context, sub *Submission) ([]*models.CertTemplate, inputKind, error) {
	switch {
	case strings.TrimSpace(sub.KeygenInfo) != "":
		t, err := decodeKeygenInfo(sub.KeygenInfo, sub.SubjectDN)
		return wrapOne(t), inputKeygen, err
	case len(sub.PKCS10) > 0:
		t, err := decodePKCS10(sub.PKCS10)
		return wrapOne(t), inputPKCS10, err
	case len(sub.CMC) > 0:
		ts, err := decodeWith(ctx, p.cmc, "CMC", sub.CMC)
		return ts, inputCMC, err
	case len(sub.CRMF) > 0:
		ts, err := decodeWith(ctx, p.crmf, "CRMF", sub.CRMF)
		return ts, inputCRMF, err
	}
	return nil, "", errors.ErrMissingKeygenInfo()
}

func wrapOne(t *models.CertTemplate) []*models.CertTemplate {
	if t == nil {
		return nil
	}
	return []*models.CertTemplate{t}
}

// decodeKeygenInfo accepts a base64 SubjectPublicKeyInfo.
func decodeKeygenInfo(b64, subject string) (*models.CertTemplate, error) {
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(b64), ""))
	if err != nil {
		return nil, errors.ErrBadRequest("keygen info is not valid base64").WithCause(err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, errors.ErrBadRequest("keygen info is not a public key").WithCause(err)
	}
	if strings.TrimSpace(subject) == "" {
		return nil, errors.ErrBadRequest("subject DN is required with keygen info")
	}
	return &models.CertTemplate{
		SubjectDN:    subject,
		PublicKey:    der,
		KeyAlgorithm: keyAlgorithm(pub),
	}, nil
}

// decodePKCS10 accepts a PEM or DER certificate request and checks its signature.
func decodePKCS10(data []byte) (*models.CertTemplate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, errors.ErrBadRequest("invalid PKCS#10 request").WithCause(err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, errors.ErrBadRequest("PKCS#10 signature verification failed").WithCause(err)
	}
	spki, err := x509.MarshalPKIXPublicKey(csr.PublicKey)
	if err != nil {
		return nil, errors.ErrBadRequest("unsupported PKCS#10 public key").WithCause(err)
	}
	tmpl := &models.CertTemplate{
		SubjectDN:    csr.Subject.String(),
		PublicKey:    spki,
		KeyAlgorithm: keyAlgorithm(csr.PublicKey),
	}
	for _, d := range csr.DNSNames {
		tmpl.SANs = append(tmpl.SANs, models.GeneralName{Type: models.GNDNSName, Value: d})
	}
	for _, e := range csr.EmailAddresses {
		tmpl.SANs = append(tmpl.SANs, models.GeneralName{Type: models.GNRFC822Name, Value: e})
	}
	for _, ip := range csr.IPAddresses {
		tmpl.SANs = append(tmpl.SANs, models.GeneralName{Type: models.GNIPAddress, Value: ip.String()})
	}
	for _, u := range csr.URIs {
		tmpl.SANs = append(tmpl.SANs, models.GeneralName{Type: models.GNURIName, Value: u.String()})
	}
	return tmpl, nil
}

func decodeWith(ctx context.Context, dec service.TemplateDecoder, name string, payload []byte) ([]*models.CertTemplate, error) {
	if dec == nil {
		return nil, errors.ErrBadRequest(fmt.Sprintf("%s submissions are not supported", name))
	}
	ts, err := dec.Decode(ctx, payload)
	if err != nil {
		if _, ok := errors.AsPKIError(err); ok {
			return nil, err
		}
		return nil, errors.ErrBadRequest(fmt.Sprintf("invalid %s request", name)).WithCause(err)
	}
	if len(ts) == 0 {
		return nil, errors.ErrBadRequest(fmt.Sprintf("%s request carries no certificate templates", name))
	}
	return ts, nil
}

func keyAlgorithm(pub interface{}) string {
	switch pub.(type) {
	case *rsa.PublicKey:
		return "RSA"
	case *ecdsa.PublicKey:
		return "EC"
	case ed25519.PublicKey:
		return "Ed25519"
	case *dsa.PublicKey:
		return "DSA"
	default:
		return "unknown"
	}
}
