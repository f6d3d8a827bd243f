package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/pkg/constants"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
)

var _ repository.KeyRepository = (*keyRepo)(nil)

type keyRepo struct {
	client redis.UniversalClient
	k      keys
}

func (r *keyRepo) NextSerial(ctx context.Context) (uint64, error) {
	return next(ctx, r.client, r.k.seq("keys"))
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
	ok, err := r.client.SetNX(ctx, r.k.key(rec.Serial), doc, 0).Result()
	if err != nil {
		return pkierrors.ErrStore("create key record", err)
	}
	if !ok {
		return pkierrors.ErrConflict(fmt.Sprintf("key %d already exists", rec.Serial))
	}
	member := strconv.FormatUint(rec.Serial, 10)
	if err := r.client.ZAdd(ctx, r.k.keyIndex(), redis.Z{Score: float64(rec.Serial), Member: member}).Err(); err != nil {
		return pkierrors.ErrStore("index key record", err)
	}
	return nil
}

func (r *keyRepo) Get(ctx context.Context, serial uint64) (*models.KeyRecord, error) {
	var rec models.KeyRecord
	found, err := getJSON(ctx, r.client, r.k.key(serial), &rec)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, pkierrors.ErrKeyNotFound(fmt.Sprint(serial))
	}
	return &rec, nil
}

func (r *keyRepo) UpdateStatus(ctx context.Context, serial uint64, status constants.KeyStatus) error {
	key := r.k.key(serial)
	return watch(ctx, r.client, key, func(tx *redis.Tx) error {
		var rec models.KeyRecord
		found, err := getJSON(ctx, tx, key, &rec)
		if err != nil {
			return err
		}
		if !found {
			return pkierrors.ErrKeyNotFound(fmt.Sprint(serial))
		}
		rec.Status = status
		rec.ModifiedAt = time.Now().UTC()
		doc, err := json.Marshal(&rec)
		if err != nil {
			return pkierrors.ErrStore("encode key record", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, doc, 0)
			return nil
		})
		return err
	})
}

func (r *keyRepo) Find(ctx context.Context, filter models.KeyFilter, maxResults int) ([]*models.KeyRecord, error) {
	serials, err := r.client.ZRange(ctx, r.k.keyIndex(), 0, -1).Result()
	if err != nil {
		return nil, pkierrors.ErrStore("find key records", err)
	}
	var out []*models.KeyRecord
	for _, s := range serials {
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			continue
		}
		rec, err := r.Get(ctx, n)
		if err != nil {
			if pkierrors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if filter.Matches(rec) {
			out = append(out, rec)
			if maxResults > 0 && len(out) >= maxResults {
				break
			}
		}
	}
	return out, nil
}
