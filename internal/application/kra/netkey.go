package kra

import (
	"context"
	"crypto/rand"
	"strconv"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// RequestUpdater persists intermediate request state.
type RequestUpdater interface {
	UpdateRequest(ctx context.Context, req *models.Request) error
}

// NetkeyService generates a key pair for a token, returns the private key
// wrapped under the caller's transport DES key and optionally archives it.
// Outcomes are reported in RESULT; ServiceRequest itself never fails.
// NetkeyService 为令牌生成密钥对，用调用方的传输 DES 密钥封装私钥返回，并按需归档。
type NetkeyService struct {
	crypto  service.CryptoProvider
	keys    repository.KeyRepository
	updater RequestUpdater
	token   string
	audit   service.AuditSink
	log     logger.Logger
}

// NewNetkeyService creates the netkey service generating on keygenToken.
func NewNetkeyService(crypto service.CryptoProvider, keys repository.KeyRepository, updater RequestUpdater, keygenToken string,
	audit service.AuditSink, log logger.Logger) *NetkeyService {
	return &NetkeyService{
		crypto:  crypto,
		keys:    keys,
		updater: updater,
		token:   keygenToken,
		audit:   audit,
		log:     log.WithComponent("NetkeyService"),
	}
}

type netkeyParams struct {
	archive bool
	subject string
	keyType string
	size    int
	curve   string
}

func (s *NetkeyService) ServiceRequest(ctx context.Context, req *models.Request) error {
	p := readNetkeyParams(req)
	s.audit.Log(ctx, s.event(constants.AuditServerSideKeygen, true, p, req))

	wrappedDES, _ := req.Ext.GetBytes(constants.ExtNetkeyTransDESKey)
	req.Ext.SetBool(constants.ExtDelayCommit, true)
	req.Ext.Delete(constants.ExtNetkeyTransDESKey)
	if err := s.updater.UpdateRequest(ctx, req); err != nil {
		s.log.Warn(ctx, "failed to buffer netkey request", logger.RequestID(req.ID.String()), logger.Err(err))
	}

	if !s.crypto.HasKeygenToken(s.token) {
		s.log.Warn(ctx, "keygen token unavailable", logger.String("token", s.token))
		req.SetResult(constants.NetkeyResultNoToken)
		return nil
	}
	if len(wrappedDES) == 0 {
		s.log.Debug(ctx, "no transport key supplied", logger.RequestID(req.ID.String()))
		req.SetResult(constants.NetkeyResultNoTransport)
		return nil
	}

	code := s.run(ctx, req, p, wrappedDES)
	req.SetResult(code)
	return nil
}

// run performs generation, export and archival and returns the RESULT code.
func (s *NetkeyService) run(ctx context.Context, req *models.Request, p netkeyParams, wrappedDES []byte) int {
	desKey, err := s.crypto.Transport().UnwrapSessionKey(ctx, wrappedDES)
	if err != nil {
		s.fail(ctx, constants.AuditServerSideKeygenDone, p, req, err)
		return constants.NetkeyResultFailure
	}
	if len(desKey) == 16 {
		// Two-key triple DES: K1 K2 K1.
		desKey = append(desKey, desKey[:8]...)
	}

	pair, err := s.crypto.GenerateKeyPair(ctx, p.keyType, p.size, p.curve)
	if err != nil {
		s.fail(ctx, constants.AuditServerSideKeygenDone, p, req, err)
		return constants.NetkeyResultFailure
	}
	pub, err := encodePublicKey(pair.Public)
	if err != nil {
		s.fail(ctx, constants.AuditServerSideKeygenDone, p, req, err)
		return constants.NetkeyResultFailure
	}
	req.Ext.SetBytes(constants.ExtNetkeyPublicKey, pub)
	s.audit.Log(ctx, s.event(constants.AuditServerSideKeygenDone, true, p, req))

	priv, err := encodePrivateKey(pair.Private)
	if err != nil {
		s.fail(ctx, constants.AuditSecurityDataExport, p, req, err)
		return constants.NetkeyResultFailure
	}
	iv := make([]byte, 8)
	if _, err := rand.Read(iv); err != nil {
		s.fail(ctx, constants.AuditSecurityDataExport, p, req, err)
		return constants.NetkeyResultFailure
	}
	wrapped, err := s.crypto.EncryptWithSessionKey(ctx, desKey, priv, iv)
	if err != nil {
		s.fail(ctx, constants.AuditSecurityDataExport, p, req, err)
		return constants.NetkeyResultFailure
	}
	req.Ext.SetBytes(constants.ExtNetkeyWrappedPriv, wrapped)
	req.Ext.SetBytes(constants.ExtNetkeyIV, iv)
	s.audit.Log(ctx, s.event(constants.AuditSecurityDataExport, true, p, req))

	if !p.archive {
		return constants.NetkeyResultSuccess
	}

	s.audit.Log(ctx, s.event(constants.AuditSecurityDataArchival, true, p, req))
	rec := &models.KeyRecord{
		Owner:     p.subject,
		DataType:  constants.DataTypeAsymmetricKey,
		Algorithm: pair.Algorithm,
		Size:      pair.Size,
		PublicKey: pub,
		Metadata:  map[string]string{"agent": req.Owner},
	}
	if pair.Curve != "" {
		rec.Size = -1
		rec.Metadata["curve"] = pair.Curve
	}
	if err := storeKey(ctx, s.crypto, s.keys, req, rec, priv); err != nil {
		s.fail(ctx, constants.AuditSecurityDataArchivalDone, p, req, err)
		return constants.NetkeyResultStorageError
	}
	s.audit.Log(ctx, s.event(constants.AuditSecurityDataArchivalDone, true, p, req).WithKey(rec.KeyID()))
	s.log.Info(ctx, "netkey key archived", logger.RequestID(req.ID.String()), logger.String("key_id", rec.KeyID()))
	return constants.NetkeyResultSuccess
}

func readNetkeyParams(req *models.Request) netkeyParams {
	cuid, _ := req.Ext.GetString(constants.ExtNetkeyCUID)
	uid, _ := req.Ext.GetString(constants.ExtNetkeyUserID)
	p := netkeyParams{
		archive: req.Ext.GetBool(constants.ExtNetkeyArchive),
		subject: cuid + ":" + uid,
		keyType: "RSA",
		size:    2048,
		curve:   "nistp256",
	}
	if t, ok := req.Ext.GetString(constants.ExtNetkeyKeyType); ok && t != "" {
		p.keyType = t
	}
	if p.keyType == "EC" {
		if c, ok := req.Ext.GetString(constants.ExtNetkeyECCurve); ok && c != "" {
			p.curve = c
		}
		p.size = 0
		return p
	}
	p.curve = ""
	if n, ok := req.Ext.GetInt(constants.ExtNetkeyKeySize); ok && n > 0 {
		p.size = int(n)
	}
	return p
}

func (s *NetkeyService) event(t constants.AuditEventType, ok bool, p netkeyParams, req *models.Request) *models.AuditEvent {
	return models.NewAuditEvent(t, models.Outcome(ok), p.subject).
		WithRequest(req.ID).
		WithRealm(req.Realm).
		WithAttr("agent", req.Owner).
		WithAttr("key_type", p.keyType).
		WithAttr("key_size", strconv.Itoa(p.size))
}

func (s *NetkeyService) fail(ctx context.Context, t constants.AuditEventType, p netkeyParams, req *models.Request, err error) {
	s.audit.Log(ctx, s.event(t, false, p, req).WithMessage(errors.MessageOf(err)))
	s.log.Warn(ctx, "netkey step failed", logger.RequestID(req.ID.String()), logger.String("step", string(t)), logger.Err(err))
}
