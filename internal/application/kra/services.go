package kra

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// storeKey wraps secret under the storage unit and persists an active record.
// The serial is bound into the ciphertext as associated data.
func storeKey(ctx context.Context, crypto service.CryptoProvider, keys repository.KeyRepository, req *models.Request, rec *models.KeyRecord, secret []byte) error {
	serial, err := keys.NextSerial(ctx)
	if err != nil {
		return err
	}
	rec.Serial = serial
	wrapped, err := crypto.Storage().Wrap(ctx, secret, []byte(rec.KeyID()))
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if rec.Owner == "" {
		rec.Owner = req.Owner
	}
	rec.Realm = req.Realm
	rec.Status = constants.KeyStatusActive
	rec.WrappedKey = wrapped.Ciphertext
	rec.WrapAlgorithm = wrapped.Algorithm
	rec.WrapParams = wrapped.Params
	rec.RequestID = req.ID
	rec.CreatedAt, rec.ModifiedAt = now, now
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	rec.Metadata["storage_unit"] = crypto.Storage().Name()
	// A service that outlived its deadline was already recorded as failed.
	if err := ctx.Err(); err != nil {
		return errors.ErrCrypto("store key "+rec.KeyID(), err)
	}
	if err := keys.Create(ctx, rec); err != nil {
		return err
	}
	req.Ext.SetString(constants.ExtKeyRecord, rec.KeyID())
	return nil
}

// ================================================================================
// Archival
// ================================================================================

// ArchivalService moves client-wrapped key material under the storage unit.
// ArchivalService 将客户端封装的密钥材料转存到存储单元之下。
type ArchivalService struct {
	crypto          service.CryptoProvider
	keys            repository.KeyRepository
	options         service.ArchiveOptionsDecoder
	allowEncDecrypt bool
	audit           service.AuditSink
	log             logger.Logger
}

// NewArchivalService creates the archival service. options may be nil, in
// which case archive-options submissions fail. allowEncDecrypt permits
// passphrase archival.
func NewArchivalService(crypto service.CryptoProvider, keys repository.KeyRepository, options service.ArchiveOptionsDecoder,
	allowEncDecrypt bool, audit service.AuditSink, log logger.Logger) *ArchivalService {
	return &ArchivalService{
		crypto:          crypto,
		keys:            keys,
		options:         options,
		allowEncDecrypt: allowEncDecrypt,
		audit:           audit,
		log:             log.WithComponent("ArchivalService"),
	}
}

func (s *ArchivalService) ServiceRequest(ctx context.Context, req *models.Request) (err error) {
	var keyID string
	defer func() {
		ev := models.NewAuditEvent(constants.AuditSecurityDataArchivalDone, models.Outcome(err == nil), req.Owner).
			WithRequest(req.ID).
			WithRealm(req.Realm).
			WithKey(keyID)
		if err != nil {
			ev.WithMessage(errors.MessageOf(err))
		}
		s.audit.Log(ctx, ev)
	}()

	dataType, _ := req.Ext.GetString(constants.ExtSecurityDataType)
	if dataType == constants.DataTypePassphrase && !s.allowEncDecrypt {
		return errors.ErrBadRequest("passphrase archival requires encrypt/decrypt archival to be enabled")
	}

	wrappedSession, wrappedData, iv, oid, err := s.inputs(req)
	if err != nil {
		return err
	}
	session, err := s.crypto.Transport().UnwrapSessionKey(ctx, wrappedSession)
	if err != nil {
		return err
	}
	secret, err := s.crypto.DecryptWithSessionKey(ctx, session, wrappedData, iv)
	if err != nil {
		return err
	}

	clientKeyID, _ := req.Ext.GetString(constants.ExtSecurityDataClientKeyID)
	alg, _ := req.Ext.GetString(constants.ExtSecurityDataAlgorithm)
	strength, _ := req.Ext.GetInt(constants.ExtSecurityDataStrength)
	rec := &models.KeyRecord{
		ClientKeyID: clientKeyID,
		DataType:    dataType,
		Algorithm:   alg,
		Size:        int(strength),
		Metadata:    map[string]string{},
	}
	if oid != "" {
		rec.Metadata["algorithm_oid"] = oid
	}
	if err := storeKey(ctx, s.crypto, s.keys, req, rec, secret); err != nil {
		return err
	}
	keyID = rec.KeyID()

	for _, key := range []constants.ExtKey{constants.ExtSessionKey, constants.ExtSecurityData, constants.ExtArchiveOptions, constants.ExtAlgorithmParams} {
		req.Ext.Delete(key)
	}
	s.log.Info(ctx, "key archived", logger.RequestID(req.ID.String()), logger.String("key_id", keyID), logger.String("client_key_id", clientKeyID))
	return nil
}

func (s *ArchivalService) inputs(req *models.Request) (session, data, iv []byte, oid string, err error) {
	if blob, ok := req.Ext.GetBytes(constants.ExtArchiveOptions); ok {
		if s.options == nil {
			return nil, nil, nil, "", errors.ErrBadRequest("archive options submissions are not supported")
		}
		opts, derr := s.options.Decode(blob)
		if derr != nil {
			return nil, nil, nil, "", errors.ErrBadRequest("invalid archive options").WithCause(derr)
		}
		return opts.WrappedSessionKey, opts.WrappedSecurityData, opts.AlgorithmParams, opts.AlgorithmOID, nil
	}
	session, ok1 := req.Ext.GetBytes(constants.ExtSessionKey)
	data, ok2 := req.Ext.GetBytes(constants.ExtSecurityData)
	if !ok1 || !ok2 {
		return nil, nil, nil, "", errors.ErrBadRequest("request carries no security data")
	}
	iv, _ = req.Ext.GetBytes(constants.ExtAlgorithmParams)
	oid, _ = req.Ext.GetString(constants.ExtAlgorithmOID)
	return session, data, iv, oid, nil
}

// ================================================================================
// Recovery
// ================================================================================

// RecoveryService unwraps an archived key and re-wraps it for the requestor.
// The result stays in the volatile table.
// RecoveryService 解封归档密钥并为请求者重新封装，结果仅保存在易失表中。
type RecoveryService struct {
	crypto   service.CryptoProvider
	keys     repository.KeyRepository
	volatile service.RecoveryParamStore
	audit    service.AuditSink
	log      logger.Logger
}

// NewRecoveryService creates the recovery service.
func NewRecoveryService(crypto service.CryptoProvider, keys repository.KeyRepository, volatile service.RecoveryParamStore,
	audit service.AuditSink, log logger.Logger) *RecoveryService {
	return &RecoveryService{crypto: crypto, keys: keys, volatile: volatile, audit: audit, log: log.WithComponent("RecoveryService")}
}

func (s *RecoveryService) ServiceRequest(ctx context.Context, req *models.Request) (err error) {
	keyID, _ := req.Ext.GetString(constants.ExtSerialNumber)
	defer func() {
		ev := models.NewAuditEvent(constants.AuditSecurityDataRecoveryDone, models.Outcome(err == nil), req.Owner).
			WithRequest(req.ID).
			WithRealm(req.Realm).
			WithKey(keyID).
			WithAttr("agents", fmt.Sprint(req.ApproveAgents()))
		if err != nil {
			ev.WithMessage(errors.MessageOf(err))
		}
		s.audit.Log(ctx, ev)
	}()

	serial, perr := models.ParseKeyID(keyID)
	if perr != nil {
		return errors.ErrBadRequest("request carries no valid key id")
	}
	rec, err := s.keys.Get(ctx, serial)
	if err != nil {
		return err
	}
	params, err := s.volatile.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	if len(params.SessionWrappedPass) > 0 {
		return errors.ErrBadRequest("passphrase-protected recovery is not supported")
	}
	if len(params.SessionWrappedKey) == 0 {
		return errors.ErrBadRequest("recovery requires a transport-wrapped session key")
	}

	secret, err := s.crypto.Storage().Unwrap(ctx, &service.WrappedKey{
		Algorithm:  rec.WrapAlgorithm,
		Ciphertext: rec.WrappedKey,
		Params:     rec.WrapParams,
	}, []byte(rec.KeyID()))
	if err != nil {
		return err
	}
	session, err := s.crypto.Transport().UnwrapSessionKey(ctx, params.SessionWrappedKey)
	if err != nil {
		return err
	}
	iv := params.Nonce
	if len(iv) == 0 {
		iv = make([]byte, 12)
		if _, err := rand.Read(iv); err != nil {
			return errors.ErrCrypto("generate recovery nonce", err)
		}
	}
	out, err := s.crypto.EncryptWithSessionKey(ctx, session, secret, iv)
	if err != nil {
		return err
	}

	params.Recovered = out
	params.RecoveredIV = iv
	if err := s.volatile.Put(ctx, req.ID, params); err != nil {
		return err
	}
	s.audit.Log(ctx, models.NewAuditEvent(constants.AuditSecurityDataExport, constants.OutcomeSuccess, req.Owner).
		WithRequest(req.ID).
		WithKey(keyID))
	s.log.Info(ctx, "key recovered", logger.RequestID(req.ID.String()), logger.String("key_id", keyID))
	return nil
}

// ================================================================================
// Key generation
// ================================================================================

// KeyGenService generates symmetric keys or key pairs and archives them.
type KeyGenService struct {
	asymmetric bool
	crypto     service.CryptoProvider
	keys       repository.KeyRepository
	audit      service.AuditSink
	log        logger.Logger
}

// NewSymKeyGenService creates the symmetric key generation service.
func NewSymKeyGenService(crypto service.CryptoProvider, keys repository.KeyRepository, audit service.AuditSink, log logger.Logger) *KeyGenService {
	return &KeyGenService{crypto: crypto, keys: keys, audit: audit, log: log.WithComponent("SymKeyGenService")}
}

// NewAsymKeyGenService creates the key pair generation service.
func NewAsymKeyGenService(crypto service.CryptoProvider, keys repository.KeyRepository, audit service.AuditSink, log logger.Logger) *KeyGenService {
	return &KeyGenService{asymmetric: true, crypto: crypto, keys: keys, audit: audit, log: log.WithComponent("AsymKeyGenService")}
}

func (s *KeyGenService) ServiceRequest(ctx context.Context, req *models.Request) (err error) {
	var keyID string
	eventType := constants.AuditSymKeyGenerationDone
	if s.asymmetric {
		eventType = constants.AuditAsymKeyGenerationDone
	}
	defer func() {
		ev := models.NewAuditEvent(eventType, models.Outcome(err == nil), req.Owner).
			WithRequest(req.ID).
			WithRealm(req.Realm).
			WithKey(keyID)
		if err != nil {
			ev.WithMessage(errors.MessageOf(err))
		}
		s.audit.Log(ctx, ev)
	}()

	alg, _ := req.Ext.GetString(constants.ExtKeyGenAlgorithm)
	size, _ := req.Ext.GetInt(constants.ExtKeyGenSize)
	clientKeyID, _ := req.Ext.GetString(constants.ExtSecurityDataClientKeyID)
	rec := &models.KeyRecord{
		ClientKeyID: clientKeyID,
		Algorithm:   alg,
		Size:        int(size),
		Metadata:    map[string]string{},
	}
	if usages := req.Ext.GetList(constants.ExtKeyGenUsages, ","); len(usages) > 0 {
		rec.Metadata["usages"] = fmt.Sprint(usages)
	}

	var secret []byte
	if s.asymmetric {
		pair, err := s.crypto.GenerateKeyPair(ctx, alg, int(size), "")
		if err != nil {
			return err
		}
		if secret, err = encodePrivateKey(pair.Private); err != nil {
			return errors.ErrCrypto("encode private key", err)
		}
		if rec.PublicKey, err = encodePublicKey(pair.Public); err != nil {
			return errors.ErrCrypto("encode public key", err)
		}
		rec.DataType = constants.DataTypeAsymmetricKey
	} else {
		if secret, err = s.crypto.GenerateSymmetricKey(ctx, alg, int(size)); err != nil {
			return err
		}
		rec.DataType = constants.DataTypeSymmetricKey
	}

	if err := storeKey(ctx, s.crypto, s.keys, req, rec, secret); err != nil {
		return err
	}
	keyID = rec.KeyID()
	s.log.Info(ctx, "key generated",
		logger.RequestID(req.ID.String()),
		logger.String("key_id", keyID),
		logger.String("algorithm", alg),
		logger.String("size", strconv.FormatInt(size, 10)))
	return nil
}
