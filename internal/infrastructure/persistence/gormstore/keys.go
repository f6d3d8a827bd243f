package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/pkg/constants"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
	"gorm.io/gorm"
)

var _ repository.KeyRepository = (*keyRepo)(nil)

type keyRepo struct {
	db *gorm.DB
}

func toKeyRow(rec *models.KeyRecord) (*keyRow, error) {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, pkierrors.ErrStore("encode key metadata", err)
	}
	return &keyRow{
		Serial:        rec.Serial,
		ClientKeyID:   rec.ClientKeyID,
		Owner:         rec.Owner,
		Realm:         rec.Realm,
		Status:        string(rec.Status),
		DataType:      rec.DataType,
		Algorithm:     rec.Algorithm,
		Size:          rec.Size,
		WrappedKey:    rec.WrappedKey,
		WrapAlgorithm: rec.WrapAlgorithm,
		WrapParams:    rec.WrapParams,
		PublicKey:     rec.PublicKey,
		Metadata:      string(meta),
		RequestID:     string(rec.RequestID),
		CreatedAt:     rec.CreatedAt,
		ModifiedAt:    rec.ModifiedAt,
	}, nil
}

func (row *keyRow) toModel() (*models.KeyRecord, error) {
	meta := map[string]string{}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
			return nil, pkierrors.ErrStore("decode key metadata", err)
		}
	}
	return &models.KeyRecord{
		Serial:        row.Serial,
		ClientKeyID:   row.ClientKeyID,
		Owner:         row.Owner,
		Realm:         row.Realm,
		Status:        constants.KeyStatus(row.Status),
		DataType:      row.DataType,
		Algorithm:     row.Algorithm,
		Size:          row.Size,
		WrappedKey:    row.WrappedKey,
		WrapAlgorithm: row.WrapAlgorithm,
		WrapParams:    row.WrapParams,
		PublicKey:     row.PublicKey,
		Metadata:      meta,
		RequestID:     models.RequestID(row.RequestID),
		CreatedAt:     row.CreatedAt,
		ModifiedAt:    row.ModifiedAt,
	}, nil
}

func (r *keyRepo) NextSerial(ctx context.Context) (uint64, error) {
	return nextValue(ctx, r.db, seqKeys)
}

func (r *keyRepo) Create(ctx context.Context, rec *models.KeyRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ModifiedAt = now
	row, err := toKeyRow(rec)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return pkierrors.ErrConflict(fmt.Sprintf("key %d already exists", rec.Serial))
		}
		return pkierrors.ErrStore("create key record", err)
	}
	return nil
}

func (r *keyRepo) Get(ctx context.Context, serial uint64) (*models.KeyRecord, error) {
	var row keyRow
	if err := r.db.WithContext(ctx).First(&row, "serial = ?", serial).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkierrors.ErrKeyNotFound(fmt.Sprint(serial))
		}
		return nil, pkierrors.ErrStore("read key record", err)
	}
	return row.toModel()
}

func (r *keyRepo) UpdateStatus(ctx context.Context, serial uint64, status constants.KeyStatus) error {
	res := r.db.WithContext(ctx).Model(&keyRow{}).Where("serial = ?", serial).
		Updates(map[string]interface{}{"status": string(status), "modified_at": time.Now().UTC()})
	if res.Error != nil {
		return pkierrors.ErrStore("update key status", res.Error)
	}
	if res.RowsAffected == 0 {
		return pkierrors.ErrKeyNotFound(fmt.Sprint(serial))
	}
	return nil
}

func (r *keyRepo) Find(ctx context.Context, filter models.KeyFilter, maxResults int) ([]*models.KeyRecord, error) {
	q := r.db.WithContext(ctx).Model(&keyRow{})
	if filter.ClientKeyID != "" {
		q = q.Where("client_key_id = ?", filter.ClientKeyID)
	}
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.Realm != "" {
		q = q.Where("realm = ?", filter.Realm)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", string(filter.Status))
	}
	if maxResults > 0 {
		q = q.Limit(maxResults)
	}
	var rows []keyRow
	if err := q.Order("serial").Find(&rows).Error; err != nil {
		return nil, pkierrors.ErrStore("find key records", err)
	}
	out := make([]*models.KeyRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
