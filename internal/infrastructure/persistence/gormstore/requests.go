package gormstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/infrastructure/persistence"
	"github.com/eldorplus/pki/pkg/constants"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var _ repository.RequestRepository = (*requestRepo)(nil)

type requestRepo struct {
	db *gorm.DB
}

func (r *requestRepo) NextRequestID(ctx context.Context) (models.RequestID, error) {
	n, err := nextValue(ctx, r.db, seqRequests)
	if err != nil {
		return "", err
	}
	return persistence.FormatID(n), nil
}

func toRequestRow(req *models.Request) (*requestRow, error) {
	doc, err := persistence.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	seq, err := models.ParseKeyID(string(req.ID))
	if err != nil {
		return nil, pkierrors.ErrStore("encode", fmt.Errorf("request id %q is not numeric", req.ID))
	}
	clientKeyID, _ := req.Ext.GetString(constants.ExtSecurityDataClientKeyID)
	return &requestRow{
		ID:          string(req.ID),
		Seq:         seq,
		Type:        string(req.Type),
		Status:      string(req.Status),
		Owner:       req.Owner,
		Realm:       req.Realm,
		ClientKeyID: clientKeyID,
		Document:    doc,
		Version:     req.Version,
		CreatedAt:   req.CreatedAt,
		ModifiedAt:  req.ModifiedAt,
	}, nil
}

func (r *requestRepo) Create(ctx context.Context, req *models.Request) error {
	next := req.Clone()
	persistence.PrepareWrite(next)
	row, err := toRequestRow(next)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return pkierrors.ErrConflict(fmt.Sprintf("request %s already exists", req.ID))
		}
		return pkierrors.ErrStore("create request", err)
	}
	req.Version, req.ModifiedAt = next.Version, next.ModifiedAt
	return nil
}

func (r *requestRepo) load(tx *gorm.DB, id models.RequestID, lock bool) (*models.Request, error) {
	var row requestRow
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.First(&row, "id = ?", string(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkierrors.ErrNotFound("request", string(id))
		}
		return nil, pkierrors.ErrStore("read request", err)
	}
	return persistence.DecodeRequest(row.Document)
}

func (r *requestRepo) Get(ctx context.Context, id models.RequestID) (*models.Request, error) {
	return r.load(r.db.WithContext(ctx), id, false)
}

// write stores next guarded by the version the caller read.
func (r *requestRepo) write(tx *gorm.DB, stored, next *models.Request) error {
	if err := persistence.CheckVersion(stored, next); err != nil {
		return err
	}
	expected := next.Version
	persistence.PrepareWrite(next)
	row, err := toRequestRow(next)
	if err != nil {
		return err
	}
	res := tx.Model(&requestRow{}).
		Where("id = ? AND version = ?", row.ID, expected).
		Updates(map[string]interface{}{
			"type":          row.Type,
			"status":        row.Status,
			"owner":         row.Owner,
			"realm":         row.Realm,
			"client_key_id": row.ClientKeyID,
			"document":      row.Document,
			"version":       row.Version,
			"modified_at":   row.ModifiedAt,
		})
	if res.Error != nil {
		return pkierrors.ErrStore("update request", res.Error)
	}
	if res.RowsAffected == 0 {
		return pkierrors.ErrConflict(fmt.Sprintf("request %s modified concurrently", next.ID))
	}
	return nil
}

func (r *requestRepo) Update(ctx context.Context, req *models.Request) error {
	next := req.Clone()
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := r.load(tx, req.ID, true)
		if err != nil {
			return err
		}
		return r.write(tx, stored, next)
	})
	if err != nil {
		return err
	}
	req.Version, req.ModifiedAt = next.Version, next.ModifiedAt
	return nil
}

func (r *requestRepo) Modify(ctx context.Context, id models.RequestID, fn repository.ModifyFunc) (*models.Request, error) {
	var result *models.Request
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := r.load(tx, id, true)
		if err != nil {
			return err
		}
		working := stored.Clone()
		if err := fn(working); err != nil {
			return err
		}
		if err := r.write(tx, stored, working); err != nil {
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
	q := r.db.WithContext(ctx).Model(&requestRow{})
	if filter.Type != "" {
		q = q.Where("type = ?", string(filter.Type))
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.Realm != "" {
		q = q.Where("realm = ?", filter.Realm)
	}
	if filter.ClientKeyID != "" {
		q = q.Where("client_key_id = ?", filter.ClientKeyID)
	}
	if maxResults > 0 {
		q = q.Limit(maxResults)
	}
	var rows []requestRow
	if err := q.Order("seq").Find(&rows).Error; err != nil {
		return nil, pkierrors.ErrStore("search requests", err)
	}
	out := make([]*models.Request, 0, len(rows))
	for _, row := range rows {
		req, err := persistence.DecodeRequest(row.Document)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}
