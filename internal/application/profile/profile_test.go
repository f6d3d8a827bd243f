package profile

import (
	"context"
	"crypto/x509"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
)

type fakeIssuer struct {
	def       string
	supported map[string]bool
}

func (f *fakeIssuer) Issue(context.Context, *models.CertTemplate, *big.Int) (*x509.Certificate, error) {
	return nil, nil
}
func (f *fakeIssuer) DefaultSigningAlgorithm() string { return f.def }
func (f *fakeIssuer) SupportsSigningAlgorithm(name string) bool {
	return f.supported[name]
}

func testEnv() *Env {
	return &Env{
		Issuer: &fakeIssuer{def: "SHA256withRSA", supported: map[string]bool{
			"SHA256withRSA": true, "SHA384withRSA": true, "SHA256withEC": true,
		}},
		NewUUID: func() string { return "0f8fad5b-d9cb-469f-a165-70867728950e" },
	}
}

func testRequest(inputs map[string]string) *models.Request {
	req := models.NewRequest(constants.RequestTypeEnrollment, "")
	req.ID = "1"
	for k, v := range inputs {
		req.Inputs[k] = v
	}
	return req
}

func newSAN(t *testing.T, params map[string]string) *subjectAltNameDefault {
	t.Helper()
	d, err := NewDefault(SubjectAltNameClass, testEnv(), params)
	require.NoError(t, err)
	return d.(*subjectAltNameDefault)
}

func TestSubjectAltName_NumGNsCap(t *testing.T) {
	for _, n := range []string{"100", "101", "150", "1000"} {
		d := newSAN(t, map[string]string{configNumGNs: n})
		assert.Equal(t, DefaultNumGNs, d.numGNs(), n)
	}
	assert.Equal(t, 5, newSAN(t, map[string]string{configNumGNs: "5"}).numGNs())
	assert.Equal(t, DefaultNumGNs, newSAN(t, map[string]string{configNumGNs: "abc"}).numGNs())

	d := newSAN(t, nil)
	assert.True(t, errors.IsInvalidProperty(d.SetConfig(configNumGNs, "100")))
	assert.True(t, errors.IsInvalidProperty(d.SetConfig(configNumGNs, "-1")))
	assert.NoError(t, d.SetConfig(configNumGNs, "99"))
	assert.True(t, errors.IsInvalidProperty(d.SetConfig("subjAltExtType_0", "Bogus")))
	assert.True(t, errors.IsInvalidProperty(d.SetConfig("nope", "x")))
}

func TestSubjectAltName_Populate(t *testing.T) {
	d := newSAN(t, map[string]string{
		configNumGNs:   "7",
		configCritical: "true",
		// request attribute substitution
		"subjAltExtGNEnable_0": "true",
		"subjAltExtType_0":     "RFC822Name",
		"subjAltExtPattern_0":  "$request.requestor_email$",
		// disabled entry
		"subjAltExtGNEnable_1": "false",
		"subjAltExtType_1":     "DNSName",
		"subjAltExtPattern_1":  "ignored.example.com",
		// empty pattern is skipped
		"subjAltExtGNEnable_2": "true",
		"subjAltExtType_2":     "DNSName",
		// unresolved reserved pattern is skipped
		"subjAltExtGNEnable_3": "true",
		"subjAltExtType_3":     "DNSName",
		"subjAltExtPattern_3":  "$request.req_san_pattern_0$",
		// server generated UUID
		"subjAltExtGNEnable_4": "true",
		"subjAltExtType_4":     "OtherName",
		"subjAltExtPattern_4":  "(IA5String)1.2.3.4,$server.source$",
		"subjAltExtSource_4":   SourceUUID4,
		// server source on a non-OtherName type is skipped
		"subjAltExtGNEnable_5": "true",
		"subjAltExtType_5":     "DNSName",
		"subjAltExtPattern_5":  "$server.source$",
		"subjAltExtSource_5":   SourceUUID4,
		// literal DNS name
		"subjAltExtGNEnable_6": "true",
		"subjAltExtType_6":     "DNSName",
		"subjAltExtPattern_6":  "www.example.com",
	})

	tmpl := &models.CertTemplate{}
	req := testRequest(map[string]string{"requestor_email": "alice@example.com"})
	require.NoError(t, d.Populate(context.Background(), req, tmpl))

	require.Len(t, tmpl.SANs, 3)
	assert.Equal(t, models.GeneralName{Type: models.GNRFC822Name, Value: "alice@example.com"}, tmpl.SANs[0])
	assert.Equal(t, models.GNOtherName, tmpl.SANs[1].Type)
	assert.Equal(t, "(IA5String)1.2.3.4,0f8fad5b-d9cb-469f-a165-70867728950e", tmpl.SANs[1].Value)
	assert.Equal(t, models.GeneralName{Type: models.GNDNSName, Value: "www.example.com"}, tmpl.SANs[2])
	assert.True(t, tmpl.SANCritical)
}

func TestSubjectAltName_PopulateNothingOmitsExtension(t *testing.T) {
	d := newSAN(t, map[string]string{
		configNumGNs:           "1",
		"subjAltExtGNEnable_0": "true",
		"subjAltExtType_0":     "RFC822Name",
		"subjAltExtPattern_0":  "$request.req_san_pattern_0$",
	})
	tmpl := &models.CertTemplate{SANs: []models.GeneralName{{Type: models.GNDNSName, Value: "old.example.com"}}}
	require.NoError(t, d.Populate(context.Background(), testRequest(nil), tmpl))
	assert.Nil(t, tmpl.SANs)
}

func TestSubjectAltName_PopulateInvalidName(t *testing.T) {
	d := newSAN(t, map[string]string{
		configNumGNs:           "1",
		"subjAltExtGNEnable_0": "true",
		"subjAltExtType_0":     "IPAddress",
		"subjAltExtPattern_0":  "$request.ip$",
	})
	err := d.Populate(context.Background(), testRequest(map[string]string{"ip": "not-an-ip"}), &models.CertTemplate{})
	require.Error(t, err)
	assert.True(t, errors.IsBadRequest(err))
}

func TestSubjectAltName_Values(t *testing.T) {
	d := newSAN(t, nil)
	tmpl := &models.CertTemplate{}

	require.NoError(t, d.SetValue(valueSANs, tmpl, "DNSName: a.example.com\r\nRFC822Name: a@example.com"))
	require.Len(t, tmpl.SANs, 2)
	v, err := d.GetValue(valueSANs, tmpl)
	require.NoError(t, err)
	assert.Equal(t, "DNSName: a.example.com\r\nRFC822Name: a@example.com", v)

	err = d.SetValue(valueSANs, tmpl, "DNSName: ok.example.com\r\nIPAddress: 999.1.1.1")
	assert.True(t, errors.IsInvalidProperty(err))
	assert.Len(t, tmpl.SANs, 2, "a failed set leaves the template unchanged")

	require.NoError(t, d.SetValue(valueSANs, tmpl, ""))
	assert.Nil(t, tmpl.SANs)

	require.NoError(t, d.SetValue(valueCritical, tmpl, "true"))
	assert.True(t, tmpl.SANCritical)
	assert.True(t, errors.IsInvalidProperty(d.SetValue(valueCritical, tmpl, "maybe")))

	desc, ok := d.ValueDescriptor(valueSANs)
	assert.True(t, ok)
	assert.Equal(t, valueSANs, desc.Name)
	assert.Len(t, newSAN(t, map[string]string{configNumGNs: "2"}).ConfigDescriptors(), 2+2*4)
}

func TestSigningAlgDefault(t *testing.T) {
	ctx := context.Background()

	d, err := NewDefault(SigningAlgDefaultClass, testEnv(), map[string]string{"signingAlg": "-"})
	require.NoError(t, err)
	tmpl := &models.CertTemplate{}
	require.NoError(t, d.Populate(ctx, testRequest(nil), tmpl))
	assert.Equal(t, "SHA256withRSA", tmpl.SigningAlg)

	d, err = NewDefault(SigningAlgDefaultClass, testEnv(), map[string]string{"signingAlg": "SHA384withRSA"})
	require.NoError(t, err)
	tmpl = &models.CertTemplate{}
	require.NoError(t, d.Populate(ctx, testRequest(nil), tmpl))
	assert.Equal(t, "SHA384withRSA", tmpl.SigningAlg)

	// allowed by the profile but not by the CA: logged, not fatal
	d, err = NewDefault(SigningAlgDefaultClass, testEnv(), map[string]string{"signingAlg": "SHA512withEC"})
	require.NoError(t, err)
	tmpl = &models.CertTemplate{}
	require.NoError(t, d.Populate(ctx, testRequest(nil), tmpl))
	assert.Empty(t, tmpl.SigningAlg)

	_, err = NewDefault(SigningAlgDefaultClass, testEnv(), map[string]string{"signingAlg": "MD5withRSA"})
	assert.True(t, errors.IsInvalidProperty(err))

	assert.True(t, errors.IsInvalidProperty(d.SetValue("signingAlg", tmpl, "RSA-FOO")))
	assert.True(t, errors.IsInvalidProperty(d.SetValue("signingAlg", tmpl, "")))
	require.NoError(t, d.SetValue("signingAlg", tmpl, "SHA256withEC"))
	v, err := d.GetValue("signingAlg", tmpl)
	require.NoError(t, err)
	assert.Equal(t, "SHA256withEC", v)
}

func TestValidityDefault(t *testing.T) {
	d, err := NewDefault(ValidityDefaultClass, testEnv(), map[string]string{"range": "30", "startTime": "60"})
	require.NoError(t, err)
	vd := d.(*validityDefault)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	vd.now = func() time.Time { return fixed }

	tmpl := &models.CertTemplate{}
	require.NoError(t, d.Populate(context.Background(), testRequest(nil), tmpl))
	assert.Equal(t, fixed.Add(time.Minute), tmpl.NotBefore)
	assert.Equal(t, fixed.Add(time.Minute).AddDate(0, 0, 30), tmpl.NotAfter)

	v, err := d.GetValue("notAfter", tmpl)
	require.NoError(t, err)
	assert.Equal(t, "2026-02-01T03:05:05Z", v)

	_, err = NewDefault(ValidityDefaultClass, testEnv(), map[string]string{"range": "0"})
	assert.True(t, errors.IsInvalidProperty(err))
	assert.True(t, errors.IsInvalidProperty(d.SetValue("notBefore", tmpl, "yesterday")))
}

func TestRegistry(t *testing.T) {
	reg, err := Parse([]byte(`
profiles:
  - id: caServerCert
    name: Server
    enabled: true
    certType: server
    defaults:
      - class: validityDefaultImpl
        params: {range: "365"}
      - class: subjectAltNameExtDefaultImpl
        params:
          subjAltNameNumGNs: "1"
          subjAltExtGNEnable_0: "true"
          subjAltExtType_0: DNSName
          subjAltExtPattern_0: $request.host$
      - class: signingAlgDefaultImpl
        params: {signingAlg: "-"}
  - id: disabledProfile
    enabled: false
`), testEnv())
	require.NoError(t, err)
	assert.Equal(t, []string{"caServerCert", "disabledProfile"}, reg.IDs())

	p, ok := reg.Get("caServerCert")
	require.True(t, ok)
	assert.Len(t, p.Defaults(), 3)

	tmpl := &models.CertTemplate{}
	require.NoError(t, p.Populate(context.Background(), testRequest(map[string]string{"host": "srv.example.com"}), tmpl))
	assert.Equal(t, "server", tmpl.CertType)
	assert.Equal(t, "SHA256withRSA", tmpl.SigningAlg)
	require.Len(t, tmpl.SANs, 1)
	assert.Equal(t, "srv.example.com", tmpl.SANs[0].Value)
	assert.False(t, tmpl.NotAfter.IsZero())

	_, err = Parse([]byte(`
profiles:
  - id: bad
    defaults:
      - class: noSuchDefaultImpl
`), testEnv())
	assert.Error(t, err)

	reg = NewRegistry(testEnv())
	for _, s := range BuiltinProfiles() {
		require.NoError(t, reg.Add(s))
	}
	_, ok = reg.Get("caUserCert")
	assert.True(t, ok)
	assert.Equal(t, []string{SigningAlgDefaultClass, SubjectAltNameClass, ValidityDefaultClass}, Classes())
}

func TestSubstitute(t *testing.T) {
	attrs := map[string]string{"uid": "alice", "ou": "eng"}
	assert.Equal(t, "uid=alice,ou=eng", substitute("uid=$request.uid$,ou=$request.ou$", "request", attrs))
	assert.Equal(t, "$request.missing$", substitute("$request.missing$", "request", attrs))
	assert.Equal(t, "$server.source$", substitute("$server.source$", "request", attrs))
	assert.Equal(t, "tail $request.", substitute("tail $request.", "request", attrs))
}
