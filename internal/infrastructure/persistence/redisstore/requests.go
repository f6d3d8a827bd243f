package redisstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/infrastructure/persistence"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
)

var _ repository.RequestRepository = (*requestRepo)(nil)

type requestRepo struct {
	client redis.UniversalClient
	k      keys
}

func (r *requestRepo) NextRequestID(ctx context.Context) (models.RequestID, error) {
	n, err := next(ctx, r.client, r.k.seq("requests"))
	if err != nil {
		return "", err
	}
	return persistence.FormatID(n), nil
}

func score(id models.RequestID) (float64, error) {
	n, err := models.ParseKeyID(string(id))
	if err != nil {
		return 0, pkierrors.ErrStore("encode", fmt.Errorf("request id %q is not numeric", id))
	}
	return float64(n), nil
}

func (r *requestRepo) Create(ctx context.Context, req *models.Request) error {
	next := req.Clone()
	persistence.PrepareWrite(next)
	doc, err := persistence.EncodeRequest(next)
	if err != nil {
		return err
	}
	sc, err := score(req.ID)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, r.k.request(string(req.ID)), doc, 0).Result()
	if err != nil {
		return pkierrors.ErrStore("create request", err)
	}
	if !ok {
		return pkierrors.ErrConflict(fmt.Sprintf("request %s already exists", req.ID))
	}
	if err := r.client.ZAdd(ctx, r.k.requestIndex(), redis.Z{Score: sc, Member: string(req.ID)}).Err(); err != nil {
		return pkierrors.ErrStore("index request", err)
	}
	req.Version, req.ModifiedAt = next.Version, next.ModifiedAt
	return nil
}

func (r *requestRepo) load(ctx context.Context, c redis.Cmdable, id models.RequestID) (*models.Request, error) {
	data, err := c.Get(ctx, r.k.request(string(id))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pkierrors.ErrNotFound("request", string(id))
	}
	if err != nil {
		return nil, pkierrors.ErrStore("read request", err)
	}
	return persistence.DecodeRequest(data)
}

func (r *requestRepo) Get(ctx context.Context, id models.RequestID) (*models.Request, error) {
	return r.load(ctx, r.client, id)
}

// commit writes next inside the WATCH transaction tx after the version check.
func (r *requestRepo) commit(ctx context.Context, tx *redis.Tx, stored, next *models.Request) error {
	if err := persistence.CheckVersion(stored, next); err != nil {
		return err
	}
	persistence.PrepareWrite(next)
	doc, err := persistence.EncodeRequest(next)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, r.k.request(string(next.ID)), doc, 0)
		return nil
	})
	return err
}

func (r *requestRepo) Update(ctx context.Context, req *models.Request) error {
	next := req.Clone()
	key := r.k.request(string(req.ID))
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := r.load(ctx, tx, req.ID)
		if err != nil {
			return err
		}
		return r.commit(ctx, tx, stored, next)
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return pkierrors.ErrConflict(fmt.Sprintf("request %s modified concurrently", req.ID))
	}
	if err != nil {
		return err
	}
	req.Version, req.ModifiedAt = next.Version, next.ModifiedAt
	return nil
}

func (r *requestRepo) Modify(ctx context.Context, id models.RequestID, fn repository.ModifyFunc) (*models.Request, error) {
	var result *models.Request
	err := watch(ctx, r.client, r.k.request(string(id)), func(tx *redis.Tx) error {
		stored, err := r.load(ctx, tx, id)
		if err != nil {
			return err
		}
		working := stored.Clone()
		if err := fn(working); err != nil {
			return err
		}
		if err := r.commit(ctx, tx, stored, working); err != nil {
			return err
		}
		result = working
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *requestRepo) Search(ctx context.Context, filter models.RequestFilter, maxResults int) ([]*models.Request, error) {
	ids, err := r.client.ZRange(ctx, r.k.requestIndex(), 0, -1).Result()
	if err != nil {
		return nil, pkierrors.ErrStore("search requests", err)
	}
	var out []*models.Request
	const batch = 100
	for start := 0; start < len(ids); start += batch {
		end := start + batch
		if end > len(ids) {
			end = len(ids)
		}
		docKeys := make([]string, 0, end-start)
		for _, id := range ids[start:end] {
			docKeys = append(docKeys, r.k.request(id))
		}
		docs, err := r.client.MGet(ctx, docKeys...).Result()
		if err != nil {
			return nil, pkierrors.ErrStore("search requests", err)
		}
		for _, d := range docs {
			s, ok := d.(string)
			if !ok {
				continue
			}
			req, err := persistence.DecodeRequest([]byte(s))
			if err != nil {
				return nil, err
			}
			if filter.Matches(req) {
				out = append(out, req)
				if maxResults > 0 && len(out) >= maxResults {
					return out, nil
				}
			}
		}
	}
	return out, nil
}
