// Package persistence holds the serialization shared by the request store backends.
package persistence

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
)

// RequestDocument is the stored form of a Request. ExtData goes through its
// closed-key codec, so an unknown key can never reach a backend.
type RequestDocument struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Status     string            `json:"status"`
	Owner      string            `json:"owner,omitempty"`
	Realm      string            `json:"realm,omitempty"`
	Ext        models.ExtData    `json:"ext"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Version    int64             `json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
	ModifiedAt time.Time         `json:"modified_at"`
}

// EncodeRequest validates req and serializes it.
func EncodeRequest(req *models.Request) ([]byte, error) {
	if req.Ephemeral || req.ID.IsEphemeral() {
		return nil, errors.ErrStore("encode", fmt.Errorf("ephemeral request %s cannot be persisted", req.ID))
	}
	if err := req.Validate(); err != nil {
		return nil, errors.ErrStore("encode", err)
	}
	b, err := json.Marshal(RequestDocument{
		ID:         string(req.ID),
		Type:       string(req.Type),
		Status:     string(req.Status),
		Owner:      req.Owner,
		Realm:      req.Realm,
		Ext:        req.Ext,
		Inputs:     req.Inputs,
		Version:    req.Version,
		CreatedAt:  req.CreatedAt,
		ModifiedAt: req.ModifiedAt,
	})
	if err != nil {
		return nil, errors.ErrStore("encode", err)
	}
	return b, nil
}

// DecodeRequest reverses EncodeRequest.
func DecodeRequest(data []byte) (*models.Request, error) {
	var doc RequestDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.ErrStore("decode", err)
	}
	if doc.Ext == nil {
		doc.Ext = models.ExtData{}
	}
	if doc.Inputs == nil {
		doc.Inputs = map[string]string{}
	}
	return &models.Request{
		ID:         models.RequestID(doc.ID),
		Type:       constants.RequestType(doc.Type),
		Status:     constants.RequestStatus(doc.Status),
		Owner:      doc.Owner,
		Realm:      doc.Realm,
		Ext:        doc.Ext,
		Inputs:     doc.Inputs,
		Version:    doc.Version,
		CreatedAt:  doc.CreatedAt,
		ModifiedAt: doc.ModifiedAt,
	}, nil
}

// PrepareWrite bumps Version and ModifiedAt ahead of a durable write.
func PrepareWrite(req *models.Request) {
	req.Version++
	req.Touch()
}

// FormatID renders a sequence value as a request id.
func FormatID(n uint64) models.RequestID {
	return models.RequestID(strconv.FormatUint(n, 10))
}

// SortByID orders requests by numeric id.
func SortByID(reqs []*models.Request) {
	sort.Slice(reqs, func(i, j int) bool {
		a, errA := strconv.ParseUint(string(reqs[i].ID), 10, 64)
		b, errB := strconv.ParseUint(string(reqs[j].ID), 10, 64)
		if errA != nil || errB != nil {
			return reqs[i].ID < reqs[j].ID
		}
		return a < b
	})
}

// Limit truncates to maxResults when positive.
func Limit(reqs []*models.Request, maxResults int) []*models.Request {
	if maxResults > 0 && len(reqs) > maxResults {
		return reqs[:maxResults]
	}
	return reqs
}

// CheckVersion fails with Conflict when the caller's version is stale.
func CheckVersion(stored, incoming *models.Request) error {
	if stored.Version != incoming.Version {
		return errors.ErrConflict(fmt.Sprintf("request %s modified concurrently (have %d, stored %d)",
			incoming.ID, incoming.Version, stored.Version))
	}
	if !models.CanTransition(stored.Status, incoming.Status) && stored.Status != incoming.Status {
		return errors.ErrInvalidState(string(incoming.ID), string(stored.Status), "move to "+string(incoming.Status))
	}
	return nil
}
