// Package dto holds the JSON shapes exchanged over the HTTP surface.
// Package dto 定义 HTTP 接口交换的 JSON 结构。
package dto

import (
	"encoding/base64"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
)

// RequestResponse is the public view of a request. Wrapped key material and
// other transport-only extension data are never rendered.
// RequestResponse 是请求的公开视图，不包含封装的密钥材料。
type RequestResponse struct {
	RequestID     string    `json:"request_id"`
	RequestType   string    `json:"request_type"`
	Status        string    `json:"request_status"`
	Owner         string    `json:"owner,omitempty"`
	Realm         string    `json:"realm,omitempty"`
	Result        *int      `json:"result,omitempty"`
	ErrorReason   string    `json:"error_reason,omitempty"`
	KeyID         string    `json:"key_id,omitempty"`
	Certificates  []string  `json:"certificates,omitempty"`
	ApproveAgents []string  `json:"approve_agents,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ModifiedAt    time.Time `json:"modified_at"`
}

// FromRequest renders req.
func FromRequest(req *models.Request) *RequestResponse {
	out := &RequestResponse{
		RequestID:     req.ID.String(),
		RequestType:   string(req.Type),
		Status:        string(req.Status),
		Owner:         req.Owner,
		Realm:         req.Realm,
		ErrorReason:   req.ErrorReason(),
		ApproveAgents: req.ApproveAgents(),
		CreatedAt:     req.CreatedAt,
		ModifiedAt:    req.ModifiedAt,
	}
	if code, ok := req.Result(); ok {
		out.Result = &code
	}
	if id, ok := req.Ext.GetString(constants.ExtKeyRecord); ok {
		out.KeyID = id
	}
	if ders, ok := req.Ext.GetCertDERs(constants.ExtIssuedCerts); ok {
		for _, der := range ders {
			out.Certificates = append(out.Certificates, base64.StdEncoding.EncodeToString(der))
		}
	}
	return out
}

// FromRequests renders every request in reqs.
func FromRequests(reqs []*models.Request) []*RequestResponse {
	out := make([]*RequestResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, FromRequest(r))
	}
	return out
}

// ReasonRequest is the optional body of reject and cancel calls.
type ReasonRequest struct {
	Reason string `json:"reason"`
}
