// Package storetest is the shared contract suite every repository backend runs.
package storetest

import (
	"context"
	"sync"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/stretchr/testify/suite"
)

// Suite exercises a repository.Store. NewStore is called before every test.
type Suite struct {
	suite.Suite
	NewStore func() repository.Store

	// SkipCerts is set by backends that do not hold certificates.
	SkipCerts bool

	store repository.Store
	ctx   context.Context
}

func (s *Suite) SetupTest() {
	s.ctx = context.Background()
	s.store = s.NewStore()
}

func (s *Suite) TearDownTest() {
	if s.store != nil {
		s.NoError(s.store.Close())
	}
}

func (s *Suite) newRequest(t constants.RequestType) *models.Request {
	id, err := s.store.Requests().NextRequestID(s.ctx)
	s.Require().NoError(err)
	r := models.NewRequest(t, "")
	r.ID = id
	return r
}

func (s *Suite) TestRequestIDsAreUniqueAndIncreasing() {
	a, err := s.store.Requests().NextRequestID(s.ctx)
	s.Require().NoError(err)
	b, err := s.store.Requests().NextRequestID(s.ctx)
	s.Require().NoError(err)
	s.NotEqual(a, b)
	ia, _ := models.ParseKeyID(string(a))
	ib, _ := models.ParseKeyID(string(b))
	s.Less(ia, ib)
}

func (s *Suite) TestCreateGetUpdate() {
	repo := s.store.Requests()
	r := s.newRequest(constants.RequestTypeSymKeyGeneration)
	r.Ext.SetString(constants.ExtSecurityDataClientKeyID, "abc")
	r.Inputs["cn"] = "alice"
	s.Require().NoError(repo.Create(s.ctx, r))

	got, err := repo.Get(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(r.ID, got.ID)
	s.Equal(constants.RequestStatusBegin, got.Status)
	s.Equal("alice", got.Inputs["cn"])
	id, _ := got.Ext.GetString(constants.ExtSecurityDataClientKeyID)
	s.Equal("abc", id)

	got.Status = constants.RequestStatusComplete
	got.SetResult(constants.ResultSuccess)
	s.Require().NoError(repo.Update(s.ctx, got))

	again, err := repo.Get(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(constants.RequestStatusComplete, again.Status)
	s.True(again.Succeeded())
	s.False(again.ModifiedAt.Before(r.ModifiedAt))
}

func (s *Suite) TestGetUnknownIsNotFound() {
	_, err := s.store.Requests().Get(s.ctx, "999999")
	s.True(errors.IsNotFound(err))
}

func (s *Suite) TestStaleUpdateConflicts() {
	repo := s.store.Requests()
	r := s.newRequest(constants.RequestTypeEnrollment)
	s.Require().NoError(repo.Create(s.ctx, r))

	first, _ := repo.Get(s.ctx, r.ID)
	second, _ := repo.Get(s.ctx, r.ID)

	first.Status = constants.RequestStatusPending
	s.Require().NoError(repo.Update(s.ctx, first))

	second.Status = constants.RequestStatusApproved
	err := repo.Update(s.ctx, second)
	s.True(errors.IsConflict(err), "got %v", err)
}

func (s *Suite) TestUpdateRejectsResultOnOpenRequest() {
	repo := s.store.Requests()
	r := s.newRequest(constants.RequestTypeEnrollment)
	s.Require().NoError(repo.Create(s.ctx, r))
	r.SetResult(constants.ResultSuccess)
	s.Error(repo.Update(s.ctx, r))
}

func (s *Suite) TestEphemeralRequestsAreNeverPersisted() {
	r := models.NewRequest(constants.RequestTypeSymKeyGeneration, "eph")
	r.ID = "eph-eph-1"
	r.Ephemeral = true
	s.Error(s.store.Requests().Create(s.ctx, r))
}

func (s *Suite) TestConcurrentModifyIsAtomic() {
	repo := s.store.Requests()
	r := s.newRequest(constants.RequestTypeSecurityDataRecovery)
	s.Require().NoError(repo.Create(s.ctx, r))

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := repo.Modify(s.ctx, r.ID, func(req *models.Request) error {
				req.AddApproveAgent(string(rune('a' + n)))
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.NoError(err)
	}

	got, err := repo.Get(s.ctx, r.ID)
	s.Require().NoError(err)
	s.Len(got.ApproveAgents(), workers)
}

func (s *Suite) TestModifyErrorAbortsWrite() {
	repo := s.store.Requests()
	r := s.newRequest(constants.RequestTypeEnrollment)
	s.Require().NoError(repo.Create(s.ctx, r))

	_, err := repo.Modify(s.ctx, r.ID, func(req *models.Request) error {
		req.Status = constants.RequestStatusPending
		return errors.ErrBadRequest("nope")
	})
	s.True(errors.IsBadRequest(err))

	got, _ := repo.Get(s.ctx, r.ID)
	s.Equal(constants.RequestStatusBegin, got.Status)
}

func (s *Suite) TestSearchFiltersAndLimits() {
	repo := s.store.Requests()
	for i := 0; i < 3; i++ {
		r := s.newRequest(constants.RequestTypeSecurityDataEnrollment)
		r.Ext.SetString(constants.ExtSecurityDataClientKeyID, "k1")
		s.Require().NoError(repo.Create(s.ctx, r))
	}
	other := s.newRequest(constants.RequestTypeEnrollment)
	s.Require().NoError(repo.Create(s.ctx, other))

	found, err := repo.Search(s.ctx, models.RequestFilter{Type: constants.RequestTypeSecurityDataEnrollment}, 0)
	s.Require().NoError(err)
	s.Len(found, 3)

	found, err = repo.Search(s.ctx, models.RequestFilter{ClientKeyID: "k1"}, 2)
	s.Require().NoError(err)
	s.Len(found, 2)
}

func (s *Suite) TestKeyRecords() {
	keys := s.store.Keys()
	a, err := keys.NextSerial(s.ctx)
	s.Require().NoError(err)
	b, err := keys.NextSerial(s.ctx)
	s.Require().NoError(err)
	s.Less(a, b)

	rec := &models.KeyRecord{
		Serial:      a,
		ClientKeyID: "abc",
		Owner:       "agent1",
		Status:      constants.KeyStatusActive,
		Algorithm:   "AES",
		Size:        128,
		WrappedKey:  []byte{1, 2, 3},
		Metadata:    map[string]string{"curve": ""},
	}
	s.Require().NoError(keys.Create(s.ctx, rec))

	got, err := keys.Get(s.ctx, a)
	s.Require().NoError(err)
	s.Equal("abc", got.ClientKeyID)
	s.Equal([]byte{1, 2, 3}, got.WrappedKey)

	active, err := keys.Find(s.ctx, models.KeyFilter{ClientKeyID: "abc", Status: constants.KeyStatusActive}, 0)
	s.Require().NoError(err)
	s.Len(active, 1)

	s.Require().NoError(keys.UpdateStatus(s.ctx, a, constants.KeyStatusInactive))
	active, err = keys.Find(s.ctx, models.KeyFilter{ClientKeyID: "abc", Status: constants.KeyStatusActive}, 0)
	s.Require().NoError(err)
	s.Empty(active)

	_, err = keys.Get(s.ctx, 424242)
	s.True(errors.IsNotFound(err))
}

func (s *Suite) TestCertificateRecords() {
	if s.SkipCerts {
		s.T().Skip("backend does not store certificates")
	}
	certs := s.store.Certificates()
	n1, err := certs.NextSerialNumber(s.ctx)
	s.Require().NoError(err)
	n2, err := certs.NextSerialNumber(s.ctx)
	s.Require().NoError(err)
	s.Equal(-1, n1.Cmp(n2))

	rec := &models.CertRecord{Serial: models.SerialHex(n1), DER: []byte{0x30}, SubjectDN: "CN=alice", Status: models.CertStatusValid}
	s.Require().NoError(certs.Create(s.ctx, rec))
	s.Require().NoError(certs.SetPublished(s.ctx, rec.Serial, true))
	s.Require().NoError(certs.SetStatus(s.ctx, rec.Serial, models.CertStatusRevoked, 1))

	got, err := certs.Get(s.ctx, rec.Serial)
	s.Require().NoError(err)
	s.True(got.Published)
	s.Equal(models.CertStatusRevoked, got.Status)
	s.Equal(1, got.RevocationReason)

	_, err = certs.Get(s.ctx, "0xdead")
	s.True(errors.IsNotFound(err))
}
