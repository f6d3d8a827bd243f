package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
)

var _ repository.CertificateRepository = (*certRepo)(nil)

type certRepo struct {
	client redis.UniversalClient
	k      keys
}

func (r *certRepo) NextSerialNumber(ctx context.Context) (*big.Int, error) {
	n, err := next(ctx, r.client, r.k.seq("certificates"))
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
	ok, err := r.client.SetNX(ctx, r.k.cert(rec.Serial), doc, 0).Result()
	if err != nil {
		return pkierrors.ErrStore("create certificate", err)
	}
	if !ok {
		return pkierrors.ErrConflict(fmt.Sprintf("certificate %s already exists", rec.Serial))
	}
	return nil
}

func (r *certRepo) Get(ctx context.Context, serial string) (*models.CertRecord, error) {
	var rec models.CertRecord
	found, err := getJSON(ctx, r.client, r.k.cert(serial), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkierrors.ErrNotFound("certificate", serial)
	}
	return &rec, nil
}

func (r *certRepo) modify(ctx context.Context, serial string, fn func(*models.CertRecord)) error {
	key := r.k.cert(serial)
	return watch(ctx, r.client, key, func(tx *redis.Tx) error {
		var rec models.CertRecord
		found, err := getJSON(ctx, tx, key, &rec)
		if err != nil {
			return err
		}
		if !found {
			return pkierrors.ErrNotFound("certificate", serial)
		}
		fn(&rec)
		rec.ModifiedAt = time.Now().UTC()
		doc, err := json.Marshal(&rec)
		if err != nil {
			return pkierrors.ErrStore("encode certificate", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, doc, 0)
			return nil
		})
		return err
	})
}

func (r *certRepo) SetPublished(ctx context.Context, serial string, published bool) error {
	return r.modify(ctx, serial, func(rec *models.CertRecord) { rec.Published = published })
}

func (r *certRepo) SetStatus(ctx context.Context, serial string, status models.CertStatus, reason int) error {
	return r.modify(ctx, serial, func(rec *models.CertRecord) {
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
