// Package boltstore implements the repositories on an embedded bbolt file for
// single-node deployments. Every write runs in one bbolt write transaction.
package boltstore

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/infrastructure/persistence"
	"github.com/eldorplus/pki/pkg/constants"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
)

var (
	_ repository.Store                 = (*Store)(nil)
	_ repository.RequestRepository     = (*requestRepo)(nil)
	_ repository.KeyRepository         = (*keyRepo)(nil)
	_ repository.CertificateRepository = (*certRepo)(nil)
)

var (
	bucketRequests = []byte("requests")
	bucketKeys     = []byte("keys")
	bucketCerts    = []byte("certificates")
)

// Store is a bbolt-backed repository.Store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, pkierrors.ErrStore("open "+path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketRequests, bucketKeys, bucketCerts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, pkierrors.ErrStore("create buckets", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Requests() repository.RequestRepository         { return &requestRepo{db: s.db} }
func (s *Store) Keys() repository.KeyRepository                 { return &keyRepo{db: s.db} }
func (s *Store) Certificates() repository.CertificateRepository { return &certRepo{db: s.db} }
func (s *Store) Close() error                                   { return s.db.Close() }

func u64(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := pkierrors.AsPKIError(err); ok {
		return err
	}
	return pkierrors.ErrStore(op, err)
}

func nextSeq(db *bolt.DB, bucket []byte) (uint64, error) {
	var n uint64
	err := db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = tx.Bucket(bucket).NextSequence()
		return err
	})
	return n, storeErr("sequence "+string(bucket), err)
}

// ================================================================================
// Requests
// ================================================================================

type requestRepo struct {
	db *bolt.DB
}

func requestKey(id models.RequestID) ([]byte, error) {
	n, err := models.ParseKeyID(string(id))
	if err != nil {
		return nil, pkierrors.ErrStore("encode", fmt.Errorf("request id %q is not numeric", id))
	}
	return u64(n), nil
}

func (r *requestRepo) NextRequestID(ctx context.Context) (models.RequestID, error) {
	n, err := nextSeq(r.db, bucketRequests)
	if err != nil {
		return "", err
	}
	return persistence.FormatID(n), nil
}

func (r *requestRepo) Create(ctx context.Context, req *models.Request) error {
	next := req.Clone()
	persistence.PrepareWrite(next)
	doc, err := persistence.EncodeRequest(next)
	if err != nil {
		return err
	}
	key, err := requestKey(req.ID)
	if err != nil {
		return err
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		if b.Get(key) != nil {
			return pkierrors.ErrConflict(fmt.Sprintf("request %s already exists", req.ID))
		}
		return b.Put(key, doc)
	})
	if err != nil {
		return storeErr("create request", err)
	}
	req.Version, req.ModifiedAt = next.Version, next.ModifiedAt
	return nil
}

func load(tx *bolt.Tx, id models.RequestID) (*models.Request, []byte, error) {
	key, err := requestKey(id)
	if err != nil {
		return nil, nil, pkierrors.ErrNotFound("request", string(id))
	}
	data := tx.Bucket(bucketRequests).Get(key)
	if data == nil {
		return nil, nil, pkierrors.ErrNotFound("request", string(id))
	}
	req, err := persistence.DecodeRequest(data)
	return req, key, err
}

func (r *requestRepo) Get(ctx context.Context, id models.RequestID) (*models.Request, error) {
	var req *models.Request
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		req, _, err = load(tx, id)
		return err
	})
	return req, storeErr("read request", err)
}

func write(tx *bolt.Tx, key []byte, stored, next *models.Request) error {
	if err := persistence.CheckVersion(stored, next); err != nil {
		return err
	}
	persistence.PrepareWrite(next)
	doc, err := persistence.EncodeRequest(next)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketRequests).Put(key, doc)
}

func (r *requestRepo) Update(ctx context.Context, req *models.Request) error {
	next := req.Clone()
	err := r.db.Update(func(tx *bolt.Tx) error {
		stored, key, err := load(tx, req.ID)
		if err != nil {
			return err
		}
		return write(tx, key, stored, next)
	})
	if err != nil {
		return storeErr("update request", err)
	}
	req.Version, req.ModifiedAt = next.Version, next.ModifiedAt
	return nil
}

func (r *requestRepo) Modify(ctx context.Context, id models.RequestID, fn repository.ModifyFunc) (*models.Request, error) {
	var (
		result *models.Request
		fnErr  error
	)
	err := r.db.Update(func(tx *bolt.Tx) error {
		stored, key, err := load(tx, id)
		if err != nil {
			return err
		}
		working := stored.Clone()
		if fnErr = fn(working); fnErr != nil {
			return fnErr
		}
		if err := write(tx, key, stored, working); err != nil {
			return err
		}
		result = working
		return nil
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, storeErr("modify request", err)
	}
	return result, nil
}

func (r *requestRepo) Search(ctx context.Context, filter models.RequestFilter, maxResults int) ([]*models.Request, error) {
	var out []*models.Request
	err := r.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRequests).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			req, err := persistence.DecodeRequest(v)
			if err != nil {
				return err
			}
			if !filter.Matches(req) {
				continue
			}
			out = append(out, req)
			if maxResults > 0 && len(out) >= maxResults {
				return nil
			}
		}
		return nil
	})
	return out, storeErr("search requests", err)
}

// ================================================================================
// Keys
// ================================================================================

type keyRepo struct {
	db *bolt.DB
}

func (r *keyRepo) NextSerial(ctx context.Context) (uint64, error) {
	return nextSeq(r.db, bucketKeys)
}

func (r *keyRepo) Create(ctx context.Context, rec *models.KeyRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ModifiedAt = now
	doc, err := json.Marshal(rec)
	if err != nil {
		return pkierrors.ErrStore("encode key record", err)
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if b.Get(u64(rec.Serial)) != nil {
			return pkierrors.ErrConflict(fmt.Sprintf("key %d already exists", rec.Serial))
		}
		return b.Put(u64(rec.Serial), doc)
	})
	return storeErr("create key record", err)
}

func getKey(tx *bolt.Tx, serial uint64) (*models.KeyRecord, error) {
	data := tx.Bucket(bucketKeys).Get(u64(serial))
	if data == nil {
		return nil, pkierrors.ErrKeyNotFound(fmt.Sprint(serial))
	}
	var rec models.KeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, pkierrors.ErrStore("decode key record", err)
	}
	return &rec, nil
}

func (r *keyRepo) Get(ctx context.Context, serial uint64) (*models.KeyRecord, error) {
	var rec *models.KeyRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getKey(tx, serial)
		return err
	})
	return rec, storeErr("read key record", err)
}

func (r *keyRepo) UpdateStatus(ctx context.Context, serial uint64, status constants.KeyStatus) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		rec, err := getKey(tx, serial)
		if err != nil {
			return err
		}
		rec.Status = status
		rec.ModifiedAt = time.Now().UTC()
		doc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketKeys).Put(u64(serial), doc)
	})
	return storeErr("update key status", err)
}

func (r *keyRepo) Find(ctx context.Context, filter models.KeyFilter, maxResults int) ([]*models.KeyRecord, error) {
	var out []*models.KeyRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(_, v []byte) error {
			if maxResults > 0 && len(out) >= maxResults {
				return nil
			}
			var rec models.KeyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if filter.Matches(&rec) {
				out = append(out, &rec)
			}
			return nil
		})
	})
	return out, storeErr("find key records", err)
}

// ================================================================================
// Certificates
// ================================================================================

type certRepo struct {
	db *bolt.DB
}

func (r *certRepo) NextSerialNumber(ctx context.Context) (*big.Int, error) {
	n, err := nextSeq(r.db, bucketCerts)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(n), nil
}

func (r *certRepo) Create(ctx context.Context, rec *models.CertRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ModifiedAt = now
	doc, err := json.Marshal(rec)
	if err != nil {
		return pkierrors.ErrStore("encode certificate", err)
	}
	err = r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCerts)
		if b.Get([]byte(rec.Serial)) != nil {
			return pkierrors.ErrConflict(fmt.Sprintf("certificate %s already exists", rec.Serial))
		}
		return b.Put([]byte(rec.Serial), doc)
	})
	return storeErr("create certificate", err)
}

func getCert(tx *bolt.Tx, serial string) (*models.CertRecord, error) {
	data := tx.Bucket(bucketCerts).Get([]byte(serial))
	if data == nil {
		return nil, pkierrors.ErrNotFound("certificate", serial)
	}
	var rec models.CertRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, pkierrors.ErrStore("decode certificate", err)
	}
	return &rec, nil
}

func (r *certRepo) Get(ctx context.Context, serial string) (*models.CertRecord, error) {
	var rec *models.CertRecord
	err := r.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getCert(tx, serial)
		return err
	})
	return rec, storeErr("read certificate", err)
}

func (r *certRepo) modify(serial string, fn func(*models.CertRecord)) error {
	err := r.db.Update(func(tx *bolt.Tx) error {
		rec, err := getCert(tx, serial)
		if err != nil {
			return err
		}
		fn(rec)
		rec.ModifiedAt = time.Now().UTC()
		doc, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCerts).Put([]byte(serial), doc)
	})
	return storeErr("update certificate", err)
}

func (r *certRepo) SetPublished(ctx context.Context, serial string, published bool) error {
	return r.modify(serial, func(rec *models.CertRecord) { rec.Published = published })
}

func (r *certRepo) SetStatus(ctx context.Context, serial string, status models.CertStatus, reason int) error {
	return r.modify(serial, func(rec *models.CertRecord) {
		rec.Status = status
		rec.RevocationReason = reason
		if status == models.CertStatusRevoked {
			now := time.Now().UTC()
			rec.RevokedAt = &now
		} else {
			rec.RevokedAt = nil
		}
	})
}
