package publish

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eldorplus/pki/internal/application/queue"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/internal/domain/service/mocks"
	"github.com/eldorplus/pki/internal/infrastructure/persistence/memory"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// fakeDirectory is an in-memory directory keyed by lower-cased DN.
type fakeDirectory struct {
	mu       sync.Mutex
	entries  map[string]map[string][][]byte
	down     bool
	out      int
	modifies int
}

func newFakeDirectory(dns ...string) *fakeDirectory {
	d := &fakeDirectory{entries: map[string]map[string][][]byte{}}
	for _, dn := range dns {
		d.entries[strings.ToLower(dn)] = map[string][][]byte{}
	}
	return d
}

func (d *fakeDirectory) Get(context.Context) (service.DirectoryConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return nil, errors.ErrDirectoryUnavailable(nil)
	}
	d.out++
	return d, nil
}

func (d *fakeDirectory) Return(service.DirectoryConn) {
	d.mu.Lock()
	d.out--
	d.mu.Unlock()
}

func (d *fakeDirectory) Search(_ context.Context, baseDN string, _ service.SearchScope, _ string, attrs []string) ([]*service.Entry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[strings.ToLower(baseDN)]
	if !ok {
		return nil, nil
	}
	out := &service.Entry{DN: baseDN, Attributes: map[string][][]byte{}}
	for _, a := range attrs {
		out.Attributes[a] = append([][]byte(nil), e[a]...)
	}
	return []*service.Entry{out}, nil
}

func (d *fakeDirectory) Modify(_ context.Context, dn string, mods []service.Modification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[strings.ToLower(dn)]
	if !ok {
		return errors.ErrPublish("no such object")
	}
	d.modifies++
	for _, m := range mods {
		switch m.Op {
		case service.ModAdd:
			e[m.Attr] = append(e[m.Attr], m.Values...)
		case service.ModReplace:
			e[m.Attr] = m.Values
		case service.ModDelete:
			var kept [][]byte
			for _, v := range e[m.Attr] {
				if !hasValue(m.Values, v) {
					kept = append(kept, v)
				}
			}
			e[m.Attr] = kept
		}
	}
	return nil
}

func (d *fakeDirectory) values(dn string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries[strings.ToLower(dn)][UserCertAttr]
}

var oidUID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

func newCert(t *testing.T, serial int64, uid string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			CommonName:         "User " + uid,
			Organization:       []string{"Example"},
			ExtraNames:         []pkix.AttributeTypeAndValue{{Type: oidUID, Value: uid}},
			OrganizationalUnit: []string{"people"},
		},
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

const peopleDN = "uid=%s,ou=people,dc=example,dc=com"

func userDN(uid string) string { return strings.Replace(peopleDN, "%s", uid, 1) }

type fixture struct {
	dir    *fakeDirectory
	store  *memory.Store
	module *Module
	audit  *mocks.RecordingAuditSink
	retry  *mocks.MockPublishRetryQueue
}

func newFixture(t *testing.T, pub *UserCertPublisher, dns ...string) *fixture {
	t.Helper()
	dir := newFakeDirectory(dns...)
	store := memory.NewStore()
	audit := &mocks.RecordingAuditSink{}
	retry := &mocks.MockPublishRetryQueue{}
	mapper, err := NewDNPatternMapper("uid=$subj.uid,ou=people,dc=example,dc=com")
	require.NoError(t, err)

	m := NewModule(dir, store.Certificates(), audit, logger.NewNoopLogger(), WithRetryQueue(retry), WithTimeout(time.Second))
	m.SetPair(CertTypeClient, Pair{Mapper: mapper, Publisher: pub})
	return &fixture{dir: dir, store: store, module: m, audit: audit, retry: retry}
}

func (f *fixture) storeCert(t *testing.T, cert *x509.Certificate) {
	t.Helper()
	require.NoError(t, f.store.Certificates().Create(context.Background(), models.NewCertRecord(cert, "1")))
}

func (f *fixture) published(t *testing.T, cert *x509.Certificate) bool {
	t.Helper()
	rec, err := f.store.Certificates().Get(context.Background(), models.SerialHex(cert.SerialNumber))
	require.NoError(t, err)
	return rec.Published
}

func completed(t constants.RequestType, key constants.ExtKey, result int, certs ...*x509.Certificate) *models.Request {
	req := models.NewRequest(t, "")
	req.ID = "7"
	req.Status = constants.RequestStatusComplete
	req.SetResult(result)
	ders := make([][]byte, len(certs))
	for i, c := range certs {
		ders[i] = c.Raw
	}
	req.Ext.SetCerts(key, ders)
	return req
}

// ================================================================================
// Mappers
// ================================================================================

func TestDNPatternMapperResolvesUID(t *testing.T) {
	cert := newCert(t, 1, "jdoe")
	m, err := NewDNPatternMapper("uid=$subj.uid,ou=$req.unit,dc=example,dc=com")
	require.NoError(t, err)

	req := models.NewRequest(constants.RequestTypeEnrollment, "")
	req.Inputs["unit"] = "people"
	dn, err := m.Map(context.Background(), nil, cert, req)
	require.NoError(t, err)
	assert.Equal(t, "uid=jdoe,ou=people,dc=example,dc=com", dn)

	_, err = m.Map(context.Background(), nil, cert, models.NewRequest(constants.RequestTypeEnrollment, ""))
	require.Error(t, err)
	assert.Equal(t, errors.CodePublish, errors.CodeOf(err))

	_, err = NewDNPatternMapper(" ")
	assert.True(t, errors.IsInvalidProperty(err))
}

func TestSubjectMapperNamesUID(t *testing.T) {
	cert := newCert(t, 1, "jdoe")
	dn, err := SubjectMapper{}.Map(context.Background(), nil, cert, nil)
	require.NoError(t, err)
	assert.Contains(t, dn, "UID=jdoe")
	assert.Contains(t, dn, "CN=User jdoe")
}

// ================================================================================
// Publisher
// ================================================================================

func TestPublishIsIdempotent(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, false), userDN("jdoe"))
	cert := newCert(t, 10, "jdoe")

	require.NoError(t, f.module.Publish(context.Background(), CertTypeClient, cert, nil))
	require.NoError(t, f.module.Publish(context.Background(), CertTypeClient, cert, nil))
	assert.Len(t, f.dir.values(userDN("jdoe")), 1)
	assert.Equal(t, 1, f.dir.modifies)
	assert.Zero(t, f.dir.out)

	other := newCert(t, 11, "jdoe")
	require.NoError(t, f.module.Publish(context.Background(), CertTypeClient, other, nil))
	assert.Len(t, f.dir.values(userDN("jdoe")), 2)

	require.NoError(t, f.module.Unpublish(context.Background(), CertTypeClient, cert, nil))
	require.NoError(t, f.module.Unpublish(context.Background(), CertTypeClient, cert, nil))
	assert.Equal(t, [][]byte{other.Raw}, f.dir.values(userDN("jdoe")))
}

func TestDeleteCertReplacesValues(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", true, false), userDN("jdoe"))
	first, second := newCert(t, 1, "jdoe"), newCert(t, 2, "jdoe")
	require.NoError(t, f.module.Publish(context.Background(), CertTypeClient, first, nil))
	require.NoError(t, f.module.Publish(context.Background(), CertTypeClient, second, nil))
	assert.Equal(t, [][]byte{second.Raw}, f.dir.values(userDN("jdoe")))
}

func TestDisableUnpublishKeepsCert(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, true), userDN("jdoe"))
	cert := newCert(t, 1, "jdoe")
	require.NoError(t, f.module.Publish(context.Background(), CertTypeClient, cert, nil))
	require.NoError(t, f.module.Unpublish(context.Background(), CertTypeClient, cert, nil))
	assert.Len(t, f.dir.values(userDN("jdoe")), 1)
}

func TestDirectoryDownIsUnavailable(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, false), userDN("jdoe"))
	f.dir.down = true
	err := f.module.Publish(context.Background(), CertTypeClient, newCert(t, 1, "jdoe"), nil)
	assert.True(t, errors.IsDirectoryUnavailable(err))
	assert.NotEmpty(t, f.audit.Find(constants.AuditPublish, constants.OutcomeFailure))
}

func TestMissingEntryIsPublishError(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, false))
	err := f.module.Publish(context.Background(), CertTypeClient, newCert(t, 1, "ghost"), nil)
	assert.Equal(t, errors.CodePublish, errors.CodeOf(err))
}

// ================================================================================
// Listeners
// ================================================================================

func TestEnrollmentListenerSetsStatusAndFlag(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, false), userDN("alice"))
	ok, missing := newCert(t, 1, "alice"), newCert(t, 2, "bob")
	f.storeCert(t, ok)
	f.storeCert(t, missing)
	f.retry.On("EnqueuePublishRetry", mock.Anything, models.RequestID("7"), string(constants.RequestTypeEnrollment)).Return(nil).Once()

	req := completed(constants.RequestTypeEnrollment, constants.ExtIssuedCerts, constants.ResultSuccess, ok, missing)
	res, err := f.module.Listener(constants.RequestTypeEnrollment).Accept(context.Background(), req)
	require.Error(t, err)
	require.NotNil(t, res)

	assert.Equal(t, []string{"1", "2"}, res.ExtUpdates.GetList(constants.ExtPublishStatus, ","))
	overall, has := res.ExtUpdates.GetInt(constants.ExtPublishOverallStatus)
	require.True(t, has)
	assert.Equal(t, int64(constants.ResultError), overall)
	assert.True(t, f.published(t, ok))
	assert.False(t, f.published(t, missing))
	f.retry.AssertExpectations(t)
}

func TestEnrollmentListenerSkipsFailedRequests(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, false), userDN("alice"))
	cert := newCert(t, 1, "alice")

	req := completed(constants.RequestTypeEnrollment, constants.ExtIssuedCerts, constants.ResultError, cert)
	res, err := f.module.Listener(constants.RequestTypeEnrollment).Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, res)

	req.Ext.Delete(constants.ExtResult)
	res, err = f.module.Listener(constants.RequestTypeEnrollment).Accept(context.Background(), req)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, f.dir.values(userDN("alice")))
}

func TestRevocationAndUnrevocationListeners(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, false), userDN("alice"))
	cert := newCert(t, 1, "alice")
	f.storeCert(t, cert)
	require.NoError(t, f.module.Publish(context.Background(), CertTypeClient, cert, nil))

	rev := completed(constants.RequestTypeRevocation, constants.ExtOldCerts, constants.ResultSuccess, cert)
	res, err := f.module.Listener(constants.RequestTypeRevocation).Accept(context.Background(), rev)
	require.NoError(t, err)
	overall, _ := res.ExtUpdates.GetInt(constants.ExtPublishOverallStatus)
	assert.EqualValues(t, constants.ResultSuccess, overall)
	assert.Empty(t, f.dir.values(userDN("alice")))
	assert.False(t, f.published(t, cert))

	unrev := completed(constants.RequestTypeUnrevocation, constants.ExtOldCerts, constants.ResultSuccess, cert)
	res, err = f.module.Listener(constants.RequestTypeUnrevocation).Accept(context.Background(), unrev)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, res.ExtUpdates.GetList(constants.ExtPublishStatus, ","))
	assert.Len(t, f.dir.values(userDN("alice")), 1)
	assert.True(t, f.published(t, cert))
}

func TestQueueMergesPublishStatus(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, false), userDN("alice"))
	cert := newCert(t, 1, "alice")
	f.storeCert(t, cert)

	bus := queue.NewEventBus()
	f.module.Subscribe(bus)
	q := queue.New(f.store.Requests(), f.audit, logger.NewNoopLogger(), queue.WithEventBus(bus))
	q.RegisterService(constants.RequestTypeEnrollment, issueFixed{cert})

	req, err := q.NewRequest(context.Background(), constants.RequestTypeEnrollment, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(context.Background(), req))

	stored, err := q.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, stored.Ext.GetList(constants.ExtPublishStatus, ","))
	assert.True(t, f.published(t, cert))
}

func TestRepublishStoresStatusWithoutRequeue(t *testing.T) {
	f := newFixture(t, NewUserCertPublisher("", false, false))
	cert := newCert(t, 1, "alice")
	f.storeCert(t, cert)

	bus := queue.NewEventBus()
	q := queue.New(f.store.Requests(), f.audit, logger.NewNoopLogger(), queue.WithEventBus(bus))
	q.RegisterService(constants.RequestTypeEnrollment, issueFixed{cert})
	req, err := q.NewRequest(context.Background(), constants.RequestTypeEnrollment, "", false)
	require.NoError(t, err)
	require.NoError(t, q.ProcessRequest(context.Background(), req))

	r := NewRepublisher(f.module, q, logger.NewNoopLogger())
	// Entry still missing: the retry fails and is not queued again.
	require.Error(t, r.Republish(context.Background(), req.ID))
	f.retry.AssertNotCalled(t, "EnqueuePublishRetry", mock.Anything, mock.Anything, mock.Anything)

	f.dir.entries[strings.ToLower(userDN("alice"))] = map[string][][]byte{}
	require.NoError(t, r.Republish(context.Background(), req.ID))
	stored, err := q.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, stored.Ext.GetList(constants.ExtPublishStatus, ","))
}

// issueFixed is a service that "issues" a prepared certificate.
type issueFixed struct{ cert *x509.Certificate }

func (s issueFixed) ServiceRequest(_ context.Context, req *models.Request) error {
	req.Ext.SetCerts(constants.ExtIssuedCerts, [][]byte{s.cert.Raw})
	return nil
}
