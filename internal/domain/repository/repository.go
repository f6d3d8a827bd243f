// Package repository defines the persistence contracts of the request engine.
// Implementations report missing records with errors.ErrNotFound / errors.ErrKeyNotFound
// and persistence failures with errors.ErrStore.
package repository

import (
	"context"
	"math/big"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
)

// ModifyFunc mutates a request inside an atomic read-modify-write. Returning an
// error aborts the write and is passed through to the caller.
type ModifyFunc func(req *models.Request) error

// RequestRepository persists Request entities and owns request id allocation.
// RequestRepository 持久化 Request 实体并负责请求 ID 的分配。
type RequestRepository interface {
	// NextRequestID allocates a fresh durable id.
	NextRequestID(ctx context.Context) (models.RequestID, error)

	// Create stores a new request; the id must not exist yet.
	Create(ctx context.Context, req *models.Request) error

	// Get reads a request or fails with NotFound.
	Get(ctx context.Context, id models.RequestID) (*models.Request, error)

	// Update writes req if its Version matches the stored one and bumps Version.
	// A mismatch fails with Conflict.
	Update(ctx context.Context, req *models.Request) error

	// Modify runs fn against the latest stored version and writes the result atomically.
	Modify(ctx context.Context, id models.RequestID, fn ModifyFunc) (*models.Request, error)

	// Search returns at most maxResults requests matching filter, ordered by id.
	Search(ctx context.Context, filter models.RequestFilter, maxResults int) ([]*models.Request, error)
}

// KeyRepository persists archived key records.
// KeyRepository 持久化归档的密钥记录。
type KeyRepository interface {
	// NextSerial returns the next key serial; serials are monotonic and may have gaps.
	NextSerial(ctx context.Context) (uint64, error)

	Create(ctx context.Context, rec *models.KeyRecord) error

	// Get fails with KeyNotFound for an unknown serial.
	Get(ctx context.Context, serial uint64) (*models.KeyRecord, error)

	UpdateStatus(ctx context.Context, serial uint64, status constants.KeyStatus) error

	Find(ctx context.Context, filter models.KeyFilter, maxResults int) ([]*models.KeyRecord, error)
}

// CertificateRepository persists issued certificates.
// CertificateRepository 持久化已签发的证书。
type CertificateRepository interface {
	// NextSerialNumber returns the next certificate serial number.
	NextSerialNumber(ctx context.Context) (*big.Int, error)

	Create(ctx context.Context, rec *models.CertRecord) error

	// Get fails with NotFound for an unknown serial.
	Get(ctx context.Context, serial string) (*models.CertRecord, error)

	// SetPublished records the published flag.
	SetPublished(ctx context.Context, serial string, published bool) error

	// SetStatus records a revocation or reinstatement.
	SetStatus(ctx context.Context, serial string, status models.CertStatus, reason int) error
}

// Store bundles the three repositories of one backend.
type Store interface {
	Requests() RequestRepository
	Keys() KeyRepository
	Certificates() CertificateRepository
	Close() error
}
