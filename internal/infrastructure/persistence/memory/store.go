// Package memory provides an in-process implementation of the repositories,
// used for tests and single-node deployments.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/infrastructure/persistence"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
)

var (
	_ repository.Store                 = (*Store)(nil)
	_ repository.RequestRepository     = (*requestRepo)(nil)
	_ repository.KeyRepository         = (*keyRepo)(nil)
	_ repository.CertificateRepository = (*certRepo)(nil)
)

// Store keeps every record in maps guarded by one mutex per repository.
type Store struct {
	requests *requestRepo
	keys     *keyRepo
	certs    *certRepo
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		requests: &requestRepo{items: map[models.RequestID]*models.Request{}},
		keys:     &keyRepo{items: map[uint64]*models.KeyRecord{}},
		certs:    &certRepo{items: map[string]*models.CertRecord{}},
	}
}

func (s *Store) Requests() repository.RequestRepository         { return s.requests }
func (s *Store) Keys() repository.KeyRepository                 { return s.keys }
func (s *Store) Certificates() repository.CertificateRepository { return s.certs }
func (s *Store) Close() error                                   { return nil }

// ================================================================================
// Requests
// ================================================================================

type requestRepo struct {
	mu    sync.Mutex
	seq   uint64
	items map[models.RequestID]*models.Request
}

func (r *requestRepo) NextRequestID(ctx context.Context) (models.RequestID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return persistence.FormatID(r.seq), nil
}

func (r *requestRepo) Create(ctx context.Context, req *models.Request) error {
	if req.Ephemeral || req.ID.IsEphemeral() {
		return errors.ErrStore("create", fmt.Errorf("ephemeral request %s cannot be persisted", req.ID))
	}
	if err := req.Validate(); err != nil {
		return errors.ErrStore("create", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[req.ID]; exists {
		return errors.ErrConflict(fmt.Sprintf("request %s already exists", req.ID))
	}
	persistence.PrepareWrite(req)
	r.items[req.ID] = req.Clone()
	return nil
}

func (r *requestRepo) Get(ctx context.Context, id models.RequestID) (*models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.items[id]
	if !ok {
		return nil, errors.ErrNotFound("request", string(id))
	}
	return req.Clone(), nil
}

func (r *requestRepo) Update(ctx context.Context, req *models.Request) error {
	if err := req.Validate(); err != nil {
		return errors.ErrStore("update", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[req.ID]
	if !ok {
		return errors.ErrNotFound("request", string(req.ID))
	}
	if err := persistence.CheckVersion(stored, req); err != nil {
		return err
	}
	persistence.PrepareWrite(req)
	r.items[req.ID] = req.Clone()
	return nil
}

func (r *requestRepo) Modify(ctx context.Context, id models.RequestID, fn repository.ModifyFunc) (*models.Request, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.items[id]
	if !ok {
		return nil, errors.ErrNotFound("request", string(id))
	}
	working := stored.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	if err := persistence.CheckVersion(stored, working); err != nil {
		return nil, err
	}
	if err := working.Validate(); err != nil {
		return nil, errors.ErrStore("modify", err)
	}
	persistence.PrepareWrite(working)
	r.items[id] = working.Clone()
	return working, nil
}

func (r *requestRepo) Search(ctx context.Context, filter models.RequestFilter, maxResults int) ([]*models.Request, error) {
	r.mu.Lock()
	var out []*models.Request
	for _, req := range r.items {
		if filter.Matches(req) {
			out = append(out, req.Clone())
		}
	}
	r.mu.Unlock()
	persistence.SortByID(out)
	return persistence.Limit(out, maxResults), nil
}

// ================================================================================
// Keys
// ================================================================================

type keyRepo struct {
	mu    sync.Mutex
	seq   uint64
	items map[uint64]*models.KeyRecord
}

func (r *keyRepo) NextSerial(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r *keyRepo) Create(ctx context.Context, rec *models.KeyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[rec.Serial]; exists {
		return errors.ErrConflict(fmt.Sprintf("key %d already exists", rec.Serial))
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ModifiedAt = now
	r.items[rec.Serial] = rec.Clone()
	return nil
}

func (r *keyRepo) Get(ctx context.Context, serial uint64) (*models.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[serial]
	if !ok {
		return nil, errors.ErrKeyNotFound(fmt.Sprint(serial))
	}
	return rec.Clone(), nil
}

func (r *keyRepo) UpdateStatus(ctx context.Context, serial uint64, status constants.KeyStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[serial]
	if !ok {
		return errors.ErrKeyNotFound(fmt.Sprint(serial))
	}
	rec.Status = status
	rec.ModifiedAt = time.Now().UTC()
	return nil
}

func (r *keyRepo) Find(ctx context.Context, filter models.KeyFilter, maxResults int) ([]*models.KeyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.KeyRecord
	for _, rec := range r.items {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return out, nil
}

// ================================================================================
// Certificates
// ================================================================================

type certRepo struct {
	mu    sync.Mutex
	seq   int64
	items map[string]*models.CertRecord
}

func (r *certRepo) NextSerialNumber(ctx context.Context) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return big.NewInt(r.seq), nil
}

func (r *certRepo) Create(ctx context.Context, rec *models.CertRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[rec.Serial]; exists {
		return errors.ErrConflict(fmt.Sprintf("certificate %s already exists", rec.Serial))
	}
	cp := *rec
	r.items[rec.Serial] = &cp
	return nil
}

func (r *certRepo) Get(ctx context.Context, serial string) (*models.CertRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[serial]
	if !ok {
		return nil, errors.ErrNotFound("certificate", serial)
	}
	cp := *rec
	return &cp, nil
}

func (r *certRepo) SetPublished(ctx context.Context, serial string, published bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[serial]
	if !ok {
		return errors.ErrNotFound("certificate", serial)
	}
	rec.Published = published
	rec.ModifiedAt = time.Now().UTC()
	return nil
}

func (r *certRepo) SetStatus(ctx context.Context, serial string, status models.CertStatus, reason int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.items[serial]
	if !ok {
		return errors.ErrNotFound("certificate", serial)
	}
	now := time.Now().UTC()
	rec.Status = status
	rec.RevocationReason = reason
	if status == models.CertStatusRevoked {
		rec.RevokedAt = &now
	} else {
		rec.RevokedAt = nil
	}
	rec.ModifiedAt = now
	return nil
}
