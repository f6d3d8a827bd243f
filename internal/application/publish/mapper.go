package publish

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"regexp"
	"strings"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

var attrNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "SERIALNUMBER",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "STREET",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"0.9.2342.19200300.100.1.1":  "UID",
	"0.9.2342.19200300.100.1.25": "DC",
	"1.2.840.113549.1.9.1":       "E",
}

func attrName(oid asn1.ObjectIdentifier) string {
	if n, ok := attrNames[oid.String()]; ok {
		return n
	}
	return oid.String()
}

// subjectDN renders the raw subject most specific RDN first, naming UID, DC
// and E instead of printing their OIDs.
func subjectDN(cert *x509.Certificate) string {
	var rdns pkix.RDNSequence
	if _, err := asn1.Unmarshal(cert.RawSubject, &rdns); err != nil {
		return cert.Subject.String()
	}
	parts := make([]string, 0, len(rdns))
	for i := len(rdns) - 1; i >= 0; i-- {
		avas := make([]string, 0, len(rdns[i]))
		for _, ava := range rdns[i] {
			avas = append(avas, attrName(ava.Type)+"="+escapeDN(fmt.Sprint(ava.Value)))
		}
		parts = append(parts, strings.Join(avas, "+"))
	}
	return strings.Join(parts, ",")
}

func escapeDN(v string) string {
	r := strings.NewReplacer(`\`, `\\`, `,`, `\,`, `+`, `\+`, `"`, `\"`, `<`, `\<`, `>`, `\>`, `;`, `\;`, `=`, `\=`)
	return r.Replace(v)
}

// subjectAttr returns the first value of attr (case-insensitive short name) in
// the certificate subject. Names is read because String() hides UID behind an OID.
func subjectAttr(cert *x509.Certificate, attr string) (string, bool) {
	for _, atv := range cert.Subject.Names {
		if strings.EqualFold(attrName(atv.Type), attr) {
			return fmt.Sprint(atv.Value), true
		}
	}
	return "", false
}

// ================================================================================
// Mappers
// ================================================================================

// SubjectMapper publishes to the entry named by the certificate subject.
type SubjectMapper struct{}

func (SubjectMapper) Map(_ context.Context, _ service.DirectoryConn, cert *x509.Certificate, _ *models.Request) (string, error) {
	dn := subjectDN(cert)
	if dn == "" {
		return "", errors.ErrPublish("certificate has an empty subject")
	}
	return dn, nil
}

var patternToken = regexp.MustCompile(`\$(subj|req)\.([A-Za-z0-9_]+)`)

// DNPatternMapper builds the entry DN from a pattern such as
// "uid=$subj.uid,ou=people,dc=example,dc=com". $subj.X resolves from the
// certificate subject and $req.X from the request inputs.
// DNPatternMapper 根据模式构造条目 DN。
type DNPatternMapper struct {
	pattern string
}

// NewDNPatternMapper validates pattern and returns a mapper.
func NewDNPatternMapper(pattern string) (*DNPatternMapper, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.ErrInvalidProperty("dnPattern", pattern)
	}
	return &DNPatternMapper{pattern: pattern}, nil
}

func (m *DNPatternMapper) Map(_ context.Context, _ service.DirectoryConn, cert *x509.Certificate, req *models.Request) (string, error) {
	var missing string
	dn := patternToken.ReplaceAllStringFunc(m.pattern, func(tok string) string {
		parts := patternToken.FindStringSubmatch(tok)
		var (
			v  string
			ok bool
		)
		switch parts[1] {
		case "subj":
			v, ok = subjectAttr(cert, parts[2])
		case "req":
			if req != nil {
				v, ok = req.Inputs[parts[2]]
			}
		}
		if !ok || v == "" {
			if missing == "" {
				missing = tok
			}
			return ""
		}
		return escapeDN(v)
	})
	if missing != "" {
		return "", errors.ErrPublish(fmt.Sprintf("cannot resolve %s in DN pattern %q for %s", missing, m.pattern, subjectDN(cert)))
	}
	return dn, nil
}
