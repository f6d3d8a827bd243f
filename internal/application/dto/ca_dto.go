package dto

import (
	"github.com/eldorplus/pki/internal/application/enrollment"
	"github.com/eldorplus/pki/internal/domain/models"
)

// EnrollRequest submits a certificate request against a profile. Exactly one
// of KeygenInfo, PKCS10, CMC or CRMF is expected.
type EnrollRequest struct {
	ProfileID  string            `json:"profile_id" binding:"required"`
	Inputs     map[string]string `json:"inputs,omitempty"`
	Realm      string            `json:"realm,omitempty"`
	KeygenInfo string            `json:"keygen_info,omitempty"`
	SubjectDN  string            `json:"subject_dn,omitempty"`
	PKCS10     []byte            `json:"pkcs10,omitempty"`
	CMC        []byte            `json:"cmc,omitempty"`
	CRMF       []byte            `json:"crmf,omitempty"`
}

func (r *EnrollRequest) ToSubmission(creds *models.Credentials) *enrollment.Submission {
	return &enrollment.Submission{
		ProfileID:   r.ProfileID,
		Inputs:      r.Inputs,
		Realm:       r.Realm,
		Credentials: creds,
		KeygenInfo:  r.KeygenInfo,
		SubjectDN:   r.SubjectDN,
		PKCS10:      r.PKCS10,
		CMC:         r.CMC,
		CRMF:        r.CRMF,
	}
}

// EnrollResponse reports the requests created by one enrollment.
type EnrollResponse struct {
	Requests    []*RequestResponse `json:"requests"`
	ErrorCode   string             `json:"error_code,omitempty"`
	ErrorReason string             `json:"error_reason,omitempty"`
}

func FromEnrollResult(r *enrollment.Result) *EnrollResponse {
	return &EnrollResponse{
		Requests:    FromRequests(r.Requests),
		ErrorCode:   r.ErrorCode,
		ErrorReason: r.ErrorReason,
	}
}

// RenewRequest renews the certificate with Serial.
type RenewRequest struct {
	Serial    string `json:"serial" binding:"required"`
	ProfileID string `json:"profile_id" binding:"required"`
}

// RevokeRequest revokes or unrevokes certificates by hex serial.
type RevokeRequest struct {
	Serials []string `json:"serials" binding:"required,min=1"`
	Reason  int      `json:"reason,omitempty"`
}
