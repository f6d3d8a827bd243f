// Package kra handles key archival, recovery and server-side key generation
// requests on the key recovery authority side.
// Package kra 处理密钥恢复机构端的密钥归档、恢复以及服务端密钥生成请求。
package kra

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/eldorplus/pki/internal/application/authz"
	"github.com/eldorplus/pki/internal/application/queue"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// ArchivalRequest carries a key to archive. Either ArchiveOptions or the
// wrapped session key and security data pair is set, never both.
type ArchivalRequest struct {
	ClientKeyID string
	DataType    string
	Algorithm   string
	Size        int
	Realm       string

	WrappedSessionKey   []byte
	WrappedSecurityData []byte
	AlgorithmOID        string
	AlgorithmParams     []byte

	ArchiveOptions []byte
}

// RecoveryRequest asks for an archived key. The wrapped inputs never reach the
// durable store.
type RecoveryRequest struct {
	KeyID                string
	WrappedSessionKey    []byte
	WrappedPassphrase    []byte
	Nonce                []byte
	PayloadEncryptionOID string
	PayloadWrappingName  string
}

// KeyGenRequest asks the KRA to generate and archive a key.
type KeyGenRequest struct {
	ClientKeyID       string
	Algorithm         string
	Size              int
	Usages            []string
	WrappedSessionKey []byte
	Realm             string
}

// Recovered is the caller-wrapped secret of a completed recovery.
type Recovered struct {
	Request *models.Request
	Data    []byte
	IV      []byte
}

// KeyRequests validates KRA submissions and drives them through the queue.
// KeyRequests 校验 KRA 提交并驱动其通过请求队列。
type KeyRequests struct {
	gate      *authz.Gate
	queue     *queue.Queue
	keys      repository.KeyRepository
	volatile  service.RecoveryParamStore
	audit     service.AuditSink
	limits    Limits
	ephemeral map[string]bool
	log       logger.Logger
}

// NewKeyRequests creates the KRA request front end. Requests in ephemeralRealms
// are processed inline and never persisted.
func NewKeyRequests(gate *authz.Gate, q *queue.Queue, keys repository.KeyRepository, volatile service.RecoveryParamStore,
	audit service.AuditSink, limits Limits, ephemeralRealms []string, log logger.Logger) *KeyRequests {
	eph := make(map[string]bool, len(ephemeralRealms))
	for _, r := range ephemeralRealms {
		eph[r] = true
	}
	return &KeyRequests{
		gate:      gate,
		queue:     q,
		keys:      keys,
		volatile:  volatile,
		audit:     audit,
		limits:    limits,
		ephemeral: eph,
		log:       log.WithComponent("KeyRequests"),
	}
}

// ================================================================================
// Archival
// ================================================================================

// SubmitArchival archives a key. A client key id that already names an active
// key is refused before any request is created.
func (k *KeyRequests) SubmitArchival(ctx context.Context, token *models.AuthToken, in *ArchivalRequest) (req *models.Request, err error) {
	owner := subject(token)
	defer func() {
		ev := models.NewAuditEvent(constants.AuditSecurityDataArchival, models.Outcome(err == nil), owner).
			WithRealm(in.Realm).
			WithAttr("client_key_id", in.ClientKeyID)
		if req != nil {
			ev.WithRequest(req.ID)
		}
		if err != nil {
			ev.WithMessage(errors.MessageOf(err))
		}
		k.audit.Log(ctx, ev)
	}()

	if err = k.authorizeSubmit(ctx, token, in.Realm); err != nil {
		return nil, err
	}
	if in.ClientKeyID == "" {
		return nil, errors.ErrBadRequest("Missing client ID")
	}
	exists, err := k.KeyExists(ctx, in.ClientKeyID, constants.KeyStatusActive)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.ErrBadRequest("Can not archive already active existing key!")
	}

	hasPair := len(in.WrappedSessionKey) > 0 && len(in.WrappedSecurityData) > 0
	hasOptions := len(in.ArchiveOptions) > 0
	switch {
	case hasPair && hasOptions:
		return nil, errors.ErrBadRequest("Only one of archive options or wrapped security data may be supplied")
	case !hasPair && !hasOptions:
		return nil, errors.ErrBadRequest("Missing wrapped session key and security data")
	}

	dataType := in.DataType
	if dataType == "" {
		dataType = constants.DataTypeSymmetricKey
	}
	strength := 0
	if dataType == constants.DataTypeSymmetricKey {
		strength = in.Size
	}

	req, err = k.queue.NewRequest(ctx, constants.RequestTypeSecurityDataEnrollment, in.Realm, k.ephemeral[in.Realm])
	if err != nil {
		return nil, err
	}
	req.SetOwner(owner)
	req.Ext.SetString(constants.ExtSecurityDataClientKeyID, in.ClientKeyID)
	req.Ext.SetString(constants.ExtSecurityDataType, dataType)
	req.Ext.SetInt(constants.ExtSecurityDataStrength, int64(strength))
	if in.Algorithm != "" {
		req.Ext.SetString(constants.ExtSecurityDataAlgorithm, in.Algorithm)
	}
	if hasPair {
		req.Ext.SetBytes(constants.ExtSessionKey, in.WrappedSessionKey)
		req.Ext.SetBytes(constants.ExtSecurityData, in.WrappedSecurityData)
		if len(in.AlgorithmParams) > 0 {
			req.Ext.SetBytes(constants.ExtAlgorithmParams, in.AlgorithmParams)
		}
		if in.AlgorithmOID != "" {
			req.Ext.SetString(constants.ExtAlgorithmOID, in.AlgorithmOID)
		}
	} else {
		req.Ext.SetBytes(constants.ExtArchiveOptions, in.ArchiveOptions)
	}

	if err = k.dispatch(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

// ================================================================================
// Recovery
// ================================================================================

// SubmitRecovery opens a recovery request for an archived key. The requestor is
// recorded as the first approving agent; the wrapped session inputs go to the
// volatile table. When the request completes inline the recovered data is
// returned with it.
func (k *KeyRequests) SubmitRecovery(ctx context.Context, token *models.AuthToken, in *RecoveryRequest) (out *Recovered, err error) {
	if token == nil || token.Subject == "" {
		return nil, errors.ErrUnauthorized("Recovery must be initiated by an agent")
	}
	requestor := token.Subject

	var req *models.Request
	defer func() {
		ev := models.NewAuditEvent(constants.AuditSecurityDataRecovery, models.Outcome(err == nil), requestor).
			WithKey(in.KeyID)
		if req != nil {
			ev.WithRequest(req.ID).WithRealm(req.Realm)
		}
		if err != nil {
			ev.WithMessage(errors.MessageOf(err))
		}
		k.audit.Log(ctx, ev)
	}()

	serial, perr := models.ParseKeyID(in.KeyID)
	if perr != nil {
		return nil, errors.ErrBadRequest("Invalid key id " + in.KeyID)
	}
	rec, err := k.keys.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	if err = k.checkAccess(ctx, token, rec.Realm, rec.Owner, constants.ResourceKRAKey, constants.OperationRecover); err != nil {
		return nil, err
	}

	req, err = k.queue.NewRequest(ctx, constants.RequestTypeSecurityDataRecovery, rec.Realm, k.ephemeral[rec.Realm])
	if err != nil {
		return nil, err
	}
	req.SetOwner(requestor)
	req.Ext.SetString(constants.ExtSerialNumber, rec.KeyID())
	req.AddApproveAgent(requestor)
	if in.PayloadEncryptionOID != "" {
		req.Ext.SetString(constants.ExtPayloadEncryptionOID, in.PayloadEncryptionOID)
	}
	if in.PayloadWrappingName != "" {
		req.Ext.SetString(constants.ExtPayloadWrappingName, in.PayloadWrappingName)
	}

	if err = k.volatile.Put(ctx, req.ID, &models.RecoveryParams{
		SessionWrappedKey:  in.WrappedSessionKey,
		SessionWrappedPass: in.WrappedPassphrase,
		Nonce:              in.Nonce,
	}); err != nil {
		return nil, err
	}
	if err = k.queue.UpdateRequest(ctx, req); err != nil {
		k.volatile.Delete(ctx, req.ID)
		return nil, err
	}
	if err = k.queue.ProcessRequest(ctx, req); err != nil {
		return nil, err
	}

	out = &Recovered{Request: req}
	if req.Status == constants.RequestStatusComplete && req.Succeeded() {
		params, gerr := k.volatile.Get(ctx, req.ID)
		if gerr == nil {
			out.Data, out.IV = params.Recovered, params.RecoveredIV
			k.volatile.Delete(ctx, req.ID)
		}
	}
	return out, nil
}

// RetrieveRecovered hands out the recovered secret of a completed recovery
// request once; the volatile entry is dropped afterwards.
func (k *KeyRequests) RetrieveRecovered(ctx context.Context, token *models.AuthToken, id models.RequestID) (*Recovered, error) {
	req, err := k.GetRequest(ctx, token, id)
	if err != nil {
		return nil, err
	}
	if req.Type != constants.RequestTypeSecurityDataRecovery {
		return nil, errors.ErrBadRequest("request " + id.String() + " is not a recovery request")
	}
	if req.Status != constants.RequestStatusComplete || !req.Succeeded() {
		return nil, errors.ErrInvalidState(id.String(), string(req.Status), "retrieve recovered key")
	}
	params, err := k.volatile.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(params.Recovered) == 0 {
		return nil, errors.ErrNotFound("recovered key", id.String())
	}
	k.volatile.Delete(ctx, id)
	return &Recovered{Request: req, Data: params.Recovered, IV: params.RecoveredIV}, nil
}

// ================================================================================
// Key generation
// ================================================================================

// SubmitSymKeyGen generates and archives a symmetric key. A blank algorithm
// with no size means AES-128.
func (k *KeyRequests) SubmitSymKeyGen(ctx context.Context, token *models.AuthToken, in *KeyGenRequest) (req *models.Request, err error) {
	defer func() { k.auditKeyGen(ctx, constants.AuditSymKeyGeneration, token, in, req, err) }()

	if err = k.authorizeSubmit(ctx, token, in.Realm); err != nil {
		return nil, err
	}
	if in.ClientKeyID == "" {
		return nil, errors.ErrBadRequest("Invalid key generation request. Missing client ID")
	}
	if err = k.rejectActiveKey(ctx, in.ClientKeyID, "Can not archive already active existing key!"); err != nil {
		return nil, err
	}
	alg, size, err := normalizeSymmetric(in.Algorithm, in.Size)
	if err != nil {
		return nil, err
	}
	return k.submitKeyGen(ctx, constants.RequestTypeSymKeyGeneration, token, in, alg, size)
}

// SubmitAsymKeyGen generates and archives an RSA or DSA key pair.
func (k *KeyRequests) SubmitAsymKeyGen(ctx context.Context, token *models.AuthToken, in *KeyGenRequest) (req *models.Request, err error) {
	defer func() { k.auditKeyGen(ctx, constants.AuditAsymKeyGeneration, token, in, req, err) }()

	if err = k.authorizeSubmit(ctx, token, in.Realm); err != nil {
		return nil, err
	}
	if in.ClientKeyID == "" {
		return nil, errors.ErrBadRequest("Invalid key generation request. Missing client ID")
	}
	if err = k.rejectActiveKey(ctx, in.ClientKeyID, "Cannot archive already active existing key!"); err != nil {
		return nil, err
	}
	if err = k.limits.validateAsymmetric(in.Algorithm, in.Size); err != nil {
		return nil, err
	}
	return k.submitKeyGen(ctx, constants.RequestTypeAsymKeyGeneration, token, in, in.Algorithm, in.Size)
}

func (k *KeyRequests) submitKeyGen(ctx context.Context, t constants.RequestType, token *models.AuthToken, in *KeyGenRequest, alg string, size int) (*models.Request, error) {
	req, err := k.queue.NewRequest(ctx, t, in.Realm, k.ephemeral[in.Realm])
	if err != nil {
		return nil, err
	}
	req.SetOwner(subject(token))
	req.Ext.SetString(constants.ExtSecurityDataClientKeyID, in.ClientKeyID)
	req.Ext.SetString(constants.ExtKeyGenAlgorithm, alg)
	req.Ext.SetInt(constants.ExtKeyGenSize, int64(size))
	req.Ext.SetString(constants.ExtSecurityDataAlgorithm, alg)
	req.Ext.SetInt(constants.ExtSecurityDataStrength, int64(size))
	if len(in.Usages) > 0 {
		req.Ext.SetList(constants.ExtKeyGenUsages, ",", in.Usages)
	}
	if len(in.WrappedSessionKey) > 0 {
		req.Ext.SetBytes(constants.ExtKeyGenTransSessionKey, in.WrappedSessionKey)
	}
	if err := k.dispatch(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

// rejectActiveKey fails with BadRequest when clientKeyID already has an
// active key. It runs before any request is created.
func (k *KeyRequests) rejectActiveKey(ctx context.Context, clientKeyID, msg string) error {
	exists, err := k.KeyExists(ctx, clientKeyID, constants.KeyStatusActive)
	if err != nil {
		return err
	}
	if exists {
		return errors.ErrBadRequest(msg)
	}
	return nil
}

func (k *KeyRequests) auditKeyGen(ctx context.Context, t constants.AuditEventType, token *models.AuthToken, in *KeyGenRequest, req *models.Request, err error) {
	ev := models.NewAuditEvent(t, models.Outcome(err == nil), subject(token)).
		WithRealm(in.Realm).
		WithAttr("client_key_id", in.ClientKeyID).
		WithAttr("algorithm", in.Algorithm).
		WithAttr("size", strconv.Itoa(in.Size))
	if req != nil {
		ev.WithRequest(req.ID)
	}
	if err != nil {
		ev.WithMessage(errors.MessageOf(err))
	}
	k.audit.Log(ctx, ev)
}

// dispatch processes ephemeral requests inline. Durable ones are stored,
// processed and marked serviced, since archival and generation need no approval.
func (k *KeyRequests) dispatch(ctx context.Context, req *models.Request) error {
	if req.Ephemeral {
		return k.queue.ProcessRequest(ctx, req)
	}
	if err := k.queue.UpdateRequest(ctx, req); err != nil {
		return err
	}
	if err := k.queue.ProcessRequest(ctx, req); err != nil {
		return err
	}
	if req.Status.IsTerminal() {
		return nil
	}
	return k.queue.MarkAsServiced(ctx, req)
}

// ================================================================================
// Lookup and agent actions
// ================================================================================

// GetRequest reads a KRA request the caller may see.
func (k *KeyRequests) GetRequest(ctx context.Context, token *models.AuthToken, id models.RequestID) (*models.Request, error) {
	req, err := k.queue.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isKRAType(req.Type) {
		return nil, errors.ErrNotFound("request", id.String())
	}
	if err := k.checkAccess(ctx, token, req.Realm, req.Owner, constants.ResourceKRARequest, constants.OperationRead); err != nil {
		return nil, err
	}
	return req, nil
}

// ListRequests searches KRA requests and drops those the caller may not read.
// The store cannot express realm entitlement, so filtering happens here.
func (k *KeyRequests) ListRequests(ctx context.Context, token *models.AuthToken, filter models.RequestFilter, maxResults int, maxTime time.Duration) ([]*models.Request, error) {
	found, err := k.queue.SearchRequests(ctx, filter, maxResults, maxTime)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Request, 0, len(found))
	for _, req := range found {
		if !isKRAType(req.Type) {
			continue
		}
		if k.checkAccess(ctx, token, req.Realm, req.Owner, constants.ResourceKRARequest, constants.OperationRead) != nil {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// KeyExists reports whether clientKeyID names a key in the given status.
func (k *KeyRequests) KeyExists(ctx context.Context, clientKeyID string, status constants.KeyStatus) (bool, error) {
	recs, err := k.keys.Find(ctx, models.KeyFilter{ClientKeyID: clientKeyID, Status: status}, 1)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// Approve adds the agent's approval; recovery requests run once the quorum is met.
func (k *KeyRequests) Approve(ctx context.Context, token *models.AuthToken, id models.RequestID) (*models.Request, error) {
	if err := k.authorizeAgent(ctx, token); err != nil {
		return nil, err
	}
	req, err := k.queue.ApproveRequest(ctx, id, subject(token), k.gate.Guard(token, constants.ResourceKRARequests, constants.OperationExecute))
	if err == nil && req.Type == constants.RequestTypeSecurityDataRecovery {
		k.audit.Log(ctx, models.NewAuditEvent(constants.AuditSecurityDataRecoveryState, constants.OutcomeSuccess, subject(token)).
			WithRequest(id).
			WithRealm(req.Realm).
			WithAttr("status", string(req.Status)))
	}
	return req, err
}

// Reject terminates a pending KRA request.
func (k *KeyRequests) Reject(ctx context.Context, token *models.AuthToken, id models.RequestID, reason string) (*models.Request, error) {
	if err := k.authorizeAgent(ctx, token); err != nil {
		return nil, err
	}
	req, err := k.queue.RejectRequest(ctx, id, subject(token), reason, k.gate.Guard(token, constants.ResourceKRARequests, constants.OperationExecute))
	if err == nil {
		k.volatile.Delete(ctx, id)
	}
	return req, err
}

// Cancel cancels a pending KRA request.
func (k *KeyRequests) Cancel(ctx context.Context, token *models.AuthToken, id models.RequestID, reason string) (*models.Request, error) {
	if err := k.authorizeAgent(ctx, token); err != nil {
		return nil, err
	}
	req, err := k.queue.CancelRequest(ctx, id, subject(token), reason, k.gate.Guard(token, constants.ResourceKRARequests, constants.OperationExecute))
	if err == nil {
		k.volatile.Delete(ctx, id)
	}
	return req, err
}

// ================================================================================
// Authorization helpers
// ================================================================================

func (k *KeyRequests) authorizeSubmit(ctx context.Context, token *models.AuthToken, realm string) error {
	if _, err := k.gate.Authorize(ctx, constants.ResourceKRARequests, token, "", constants.OperationExecute); err != nil {
		return err
	}
	return k.gate.CheckRealm(ctx, realm, token, "", constants.ResourceKRARequests, constants.OperationSubmit)
}

func (k *KeyRequests) authorizeAgent(ctx context.Context, token *models.AuthToken) error {
	if token == nil {
		return errors.ErrUnauthorized("agent credentials required")
	}
	_, err := k.gate.Authorize(ctx, constants.ResourceKRARequests, token, "", constants.OperationExecute)
	return err
}

// checkAccess applies the realm ACL when realm is set and the global ACL otherwise.
func (k *KeyRequests) checkAccess(ctx context.Context, token *models.AuthToken, realm, owner, resource, operation string) error {
	if realm != "" {
		return k.gate.CheckRealm(ctx, realm, token, owner, resource, operation)
	}
	_, err := k.gate.Authorize(ctx, resource, token, owner, operation)
	return err
}

func isKRAType(t constants.RequestType) bool {
	switch t {
	case constants.RequestTypeSecurityDataEnrollment, constants.RequestTypeSecurityDataRecovery,
		constants.RequestTypeSymKeyGeneration, constants.RequestTypeAsymKeyGeneration, constants.RequestTypeNetkeyKeygen:
		return true
	}
	return false
}

func subject(token *models.AuthToken) string {
	if token == nil {
		return ""
	}
	return strings.TrimSpace(token.Subject)
}
