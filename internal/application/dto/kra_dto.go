package dto

import "github.com/eldorplus/pki/internal/application/kra"

// ArchivalRequest archives a client key. Binary fields are base64 in JSON.
type ArchivalRequest struct {
	ClientKeyID         string `json:"client_key_id" binding:"required,clientkeyid"`
	DataType            string `json:"data_type" binding:"required"`
	Algorithm           string `json:"algorithm,omitempty"`
	Size                int    `json:"size,omitempty"`
	Realm               string `json:"realm,omitempty"`
	WrappedSessionKey   []byte `json:"wrapped_session_key,omitempty"`
	WrappedSecurityData []byte `json:"wrapped_security_data,omitempty"`
	AlgorithmOID        string `json:"algorithm_oid,omitempty"`
	AlgorithmParams     []byte `json:"algorithm_params,omitempty"`
	ArchiveOptions      []byte `json:"pki_archive_options,omitempty"`
}

func (r *ArchivalRequest) ToKRA() *kra.ArchivalRequest {
	return &kra.ArchivalRequest{
		ClientKeyID:         r.ClientKeyID,
		DataType:            r.DataType,
		Algorithm:           r.Algorithm,
		Size:                r.Size,
		Realm:               r.Realm,
		WrappedSessionKey:   r.WrappedSessionKey,
		WrappedSecurityData: r.WrappedSecurityData,
		AlgorithmOID:        r.AlgorithmOID,
		AlgorithmParams:     r.AlgorithmParams,
		ArchiveOptions:      r.ArchiveOptions,
	}
}

// RecoveryRequest asks for an archived key wrapped under the caller's session key.
type RecoveryRequest struct {
	KeyID                string `json:"key_id" binding:"required,keyid"`
	WrappedSessionKey    []byte `json:"wrapped_session_key,omitempty"`
	WrappedPassphrase    []byte `json:"wrapped_passphrase,omitempty"`
	Nonce                []byte `json:"nonce,omitempty"`
	PayloadEncryptionOID string `json:"payload_encryption_oid,omitempty"`
	PayloadWrappingName  string `json:"payload_wrapping_name,omitempty"`
}

func (r *RecoveryRequest) ToKRA() *kra.RecoveryRequest {
	return &kra.RecoveryRequest{
		KeyID:                r.KeyID,
		WrappedSessionKey:    r.WrappedSessionKey,
		WrappedPassphrase:    r.WrappedPassphrase,
		Nonce:                r.Nonce,
		PayloadEncryptionOID: r.PayloadEncryptionOID,
		PayloadWrappingName:  r.PayloadWrappingName,
	}
}

// KeyGenRequest asks the KRA to generate and archive a key.
type KeyGenRequest struct {
	ClientKeyID       string   `json:"client_key_id" binding:"required,clientkeyid"`
	Algorithm         string   `json:"algorithm" binding:"required"`
	Size              int      `json:"size"`
	Usages            []string `json:"usages,omitempty"`
	WrappedSessionKey []byte   `json:"wrapped_session_key,omitempty"`
	Realm             string   `json:"realm,omitempty"`
}

func (r *KeyGenRequest) ToKRA() *kra.KeyGenRequest {
	return &kra.KeyGenRequest{
		ClientKeyID:       r.ClientKeyID,
		Algorithm:         r.Algorithm,
		Size:              r.Size,
		Usages:            r.Usages,
		WrappedSessionKey: r.WrappedSessionKey,
		Realm:             r.Realm,
	}
}

// RecoveredResponse carries a recovered secret wrapped for the caller.
type RecoveredResponse struct {
	Request *RequestResponse `json:"request"`
	Data    []byte           `json:"wrapped_data,omitempty"`
	IV      []byte           `json:"iv,omitempty"`
}

func FromRecovered(r *kra.Recovered) *RecoveredResponse {
	out := &RecoveredResponse{Data: r.Data, IV: r.IV}
	if r.Request != nil {
		out.Request = FromRequest(r.Request)
	}
	return out
}
