package gormstore

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	pkierrors "github.com/eldorplus/pki/pkg/errors"
	"gorm.io/gorm"
)

var _ repository.CertificateRepository = (*certRepo)(nil)

type certRepo struct {
	db *gorm.DB
}

func (r *certRepo) NextSerialNumber(ctx context.Context) (*big.Int, error) {
	n, err := nextValue(ctx, r.db, seqCerts)
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
	row := &certRow{
		Serial:           rec.Serial,
		DER:              rec.DER,
		SubjectDN:        rec.SubjectDN,
		IssuerDN:         rec.IssuerDN,
		Status:           string(rec.Status),
		Published:        rec.Published,
		RequestID:        string(rec.RequestID),
		RevocationReason: rec.RevocationReason,
		RevokedAt:        rec.RevokedAt,
		NotBefore:        rec.NotBefore,
		NotAfter:         rec.NotAfter,
		CreatedAt:        rec.CreatedAt,
		ModifiedAt:       rec.ModifiedAt,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return pkierrors.ErrConflict(fmt.Sprintf("certificate %s already exists", rec.Serial))
		}
		return pkierrors.ErrStore("create certificate", err)
	}
	return nil
}

func (r *certRepo) Get(ctx context.Context, serial string) (*models.CertRecord, error) {
	var row certRow
	if err := r.db.WithContext(ctx).First(&row, "serial = ?", serial).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkierrors.ErrNotFound("certificate", serial)
		}
		return nil, pkierrors.ErrStore("read certificate", err)
	}
	return &models.CertRecord{
		Serial:           row.Serial,
		DER:              row.DER,
		SubjectDN:        row.SubjectDN,
		IssuerDN:         row.IssuerDN,
		Status:           models.CertStatus(row.Status),
		Published:        row.Published,
		RequestID:        models.RequestID(row.RequestID),
		RevocationReason: row.RevocationReason,
		RevokedAt:        row.RevokedAt,
		NotBefore:        row.NotBefore,
		NotAfter:         row.NotAfter,
		CreatedAt:        row.CreatedAt,
		ModifiedAt:       row.ModifiedAt,
	}, nil
}

func (r *certRepo) update(ctx context.Context, serial string, values map[string]interface{}) error {
	values["modified_at"] = time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&certRow{}).Where("serial = ?", serial).Updates(values)
	if res.Error != nil {
		return pkierrors.ErrStore("update certificate", res.Error)
	}
	if res.RowsAffected == 0 {
		return pkierrors.ErrNotFound("certificate", serial)
	}
	return nil
}

func (r *certRepo) SetPublished(ctx context.Context, serial string, published bool) error {
	return r.update(ctx, serial, map[string]interface{}{"published": published})
}

func (r *certRepo) SetStatus(ctx context.Context, serial string, status models.CertStatus, reason int) error {
	values := map[string]interface{}{"status": string(status), "revocation_reason": reason}
	if status == models.CertStatusRevoked {
		now := time.Now().UTC()
		values["revoked_at"] = &now
	} else {
		values["revoked_at"] = nil
	}
	return r.update(ctx, serial, values)
}
