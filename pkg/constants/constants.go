// Package constants defines system-wide constants for the PKI request engine.
// The extension-data key names and result codes are a wire contract shared with
// existing deployments and must not be renamed.
package constants

import "time"

// ================================================================================
// Request Types
// ================================================================================

// RequestType identifies the kind of work a request carries.
type RequestType string

const (
	RequestTypeEnrollment             RequestType = "enrollment"
	RequestTypeRenewal                RequestType = "renewal"
	RequestTypeRevocation             RequestType = "revocation"
	RequestTypeUnrevocation           RequestType = "unrevocation"
	RequestTypeSecurityDataEnrollment RequestType = "securityDataEnrollment"
	RequestTypeSecurityDataRecovery   RequestType = "securityDataRecovery"
	RequestTypeSymKeyGeneration       RequestType = "symkeyGenRequest"
	RequestTypeAsymKeyGeneration      RequestType = "asymkeyGenRequest"
	RequestTypeNetkeyKeygen           RequestType = "netkeyKeygen"
)

// Valid reports whether t is one of the known request types.
func (t RequestType) Valid() bool {
	switch t {
	case RequestTypeEnrollment, RequestTypeRenewal, RequestTypeRevocation, RequestTypeUnrevocation,
		RequestTypeSecurityDataEnrollment, RequestTypeSecurityDataRecovery,
		RequestTypeSymKeyGeneration, RequestTypeAsymKeyGeneration, RequestTypeNetkeyKeygen:
		return true
	}
	return false
}

// ================================================================================
// Request Status
// ================================================================================

// RequestStatus is a state of the request state machine.
type RequestStatus string

const (
	RequestStatusBegin      RequestStatus = "begin"
	RequestStatusPending    RequestStatus = "pending"
	RequestStatusApproved   RequestStatus = "approved"
	RequestStatusSvcPending RequestStatus = "svc_pending"
	RequestStatusCanceled   RequestStatus = "canceled"
	RequestStatusRejected   RequestStatus = "rejected"
	RequestStatusComplete   RequestStatus = "complete"
)

// IsTerminal reports whether no further transition is possible from s.
func (s RequestStatus) IsTerminal() bool {
	return s == RequestStatusComplete || s == RequestStatusRejected || s == RequestStatusCanceled
}

// ================================================================================
// Extension Data Keys
// ================================================================================

// ExtKey is a member of the closed set of extension-data keys.
type ExtKey string

const (
	ExtResult       ExtKey = "RESULT"
	ExtError        ExtKey = "ERROR"
	ExtErrorCode    ExtKey = "ERROR_CODE"
	ExtSvcErrors    ExtKey = "SVCERRORS"
	ExtIssuedCerts  ExtKey = "ISSUED_CERTS"
	ExtOldCerts     ExtKey = "OLD_CERTS"
	ExtRequestRealm ExtKey = "realm"

	ExtSecurityDataClientKeyID ExtKey = "SECURITY_DATA_CLIENT_KEY_ID"
	ExtSecurityDataType        ExtKey = "SECURITY_DATA_TYPE"
	ExtSecurityDataStrength    ExtKey = "SECURITY_DATA_STRENGTH"
	ExtSecurityDataAlgorithm   ExtKey = "SECURITY_DATA_ALGORITHM"
	ExtRequestOwner            ExtKey = "ATTR_REQUEST_OWNER"
	ExtApproveAgents           ExtKey = "ATTR_APPROVE_AGENTS"

	ExtSerialNumber          ExtKey = "serialNumber"
	ExtArchiveOptions        ExtKey = "pkiArchiveOptions"
	ExtSecurityData          ExtKey = "securityData"
	ExtSessionKey            ExtKey = "sessionKey"
	ExtAlgorithmParams       ExtKey = "algorithmParams"
	ExtAlgorithmOID          ExtKey = "algorithmOID"
	ExtPayloadEncryptionOID  ExtKey = "SECURITY_DATA_PL_ENCRYPTION_OID"
	ExtPayloadWrappingName   ExtKey = "SECURITY_DATA_PL_WRAPPING_NAME"
	ExtKeyGenAlgorithm       ExtKey = "KEY_GEN_ALGORITHM"
	ExtKeyGenSize            ExtKey = "KEY_GEN_SIZE"
	ExtKeyGenUsages          ExtKey = "KEY_GEN_USAGES"
	ExtKeyGenTransSessionKey ExtKey = "KEY_GEN_TRANS_WRAPPED_SESSION_KEY"
	ExtKeyRecord             ExtKey = "keyRecord"
	ExtProfileID             ExtKey = "profileId"
	ExtCertTemplates         ExtKey = "certTemplates"
	ExtDelayCommit           ExtKey = "delayLDAPCommit"
	ExtPublishStatus         ExtKey = "ldapPublishStatus"
	ExtPublishOverallStatus  ExtKey = "ldapPublishOverAllStatus"
	ExtRevocationReason      ExtKey = "revocationReason"

	ExtNetkeyArchive     ExtKey = "archive"
	ExtNetkeyCUID        ExtKey = "CUID"
	ExtNetkeyUserID      ExtKey = "USERID"
	ExtNetkeyKeyType     ExtKey = "KEYTYPE"
	ExtNetkeyKeySize     ExtKey = "KEYSIZE"
	ExtNetkeyECCurve     ExtKey = "EC_CURVE"
	ExtNetkeyTransDESKey ExtKey = "drm_trans_desKey"
	ExtNetkeyPublicKey   ExtKey = "public_key"
	ExtNetkeyWrappedPriv ExtKey = "wrappedUserPrivate"
	ExtNetkeyIV          ExtKey = "iv_s"
)

var knownExtKeys = map[ExtKey]struct{}{
	ExtResult: {}, ExtError: {}, ExtErrorCode: {}, ExtSvcErrors: {}, ExtIssuedCerts: {}, ExtOldCerts: {},
	ExtRequestRealm: {}, ExtSecurityDataClientKeyID: {}, ExtSecurityDataType: {}, ExtSecurityDataStrength: {},
	ExtSecurityDataAlgorithm: {}, ExtRequestOwner: {}, ExtApproveAgents: {}, ExtSerialNumber: {},
	ExtArchiveOptions: {}, ExtSecurityData: {}, ExtSessionKey: {}, ExtAlgorithmParams: {}, ExtAlgorithmOID: {},
	ExtPayloadEncryptionOID: {}, ExtPayloadWrappingName: {}, ExtKeyGenAlgorithm: {}, ExtKeyGenSize: {},
	ExtKeyGenUsages: {}, ExtKeyGenTransSessionKey: {}, ExtKeyRecord: {}, ExtProfileID: {}, ExtCertTemplates: {},
	ExtDelayCommit: {}, ExtPublishStatus: {}, ExtPublishOverallStatus: {}, ExtRevocationReason: {},
	ExtNetkeyArchive: {}, ExtNetkeyCUID: {}, ExtNetkeyUserID: {}, ExtNetkeyKeyType: {}, ExtNetkeyKeySize: {},
	ExtNetkeyECCurve: {}, ExtNetkeyTransDESKey: {}, ExtNetkeyPublicKey: {}, ExtNetkeyWrappedPriv: {},
	ExtNetkeyIV: {},
}

// Known reports whether k belongs to the closed key set.
func (k ExtKey) Known() bool {
	_, ok := knownExtKeys[k]
	return ok
}

// ================================================================================
// Result Codes
// ================================================================================

const (
	// ResultSuccess and ResultError are the generic RESULT values.
	ResultSuccess = 1
	ResultError   = 2
)

// Netkey service result codes, written into RESULT.
const (
	NetkeyResultSuccess      = 1
	NetkeyResultNoTransport  = 2
	NetkeyResultFailure      = 4
	NetkeyResultNoToken      = 10
	NetkeyResultStorageError = 11
)

// ================================================================================
// Key Record
// ================================================================================

// KeyStatus is the lifecycle status of an archived key.
type KeyStatus string

const (
	KeyStatusActive   KeyStatus = "active"
	KeyStatusInactive KeyStatus = "inactive"
	KeyStatusRevoked  KeyStatus = "revoked"
)

// Security data types stored in SECURITY_DATA_TYPE.
const (
	DataTypeSymmetricKey  = "symmetricKey"
	DataTypePassphrase    = "passPhrase"
	DataTypeAsymmetricKey = "asymmetricKey"
)

// ================================================================================
// Authorization Resources
// ================================================================================

const (
	ResourceKRARequests  = "certServer.kra.requests"
	ResourceKRARequest   = "certServer.kra.request"
	ResourceKRAKey       = "certServer.kra.key"
	ResourceCAEnrollment = "certServer.ca.request.enrollment"
	ResourceCARequests   = "certServer.ca.requests"
	ResourceEEProfile    = "certServer.ee.profile"
	OperationExecute     = "execute"
	OperationRead        = "read"
	OperationRecover     = "recover"
	OperationSubmit      = "submit"
	OperationApprove     = "approve"
)

// Authentication manager names.
const (
	AuthManagerAgentJWT    = "agentJWT"
	AuthManagerDirPassword = "dirPassword"
)

// ================================================================================
// Audit Event Types
// ================================================================================

// AuditEventType names a signed audit event.
type AuditEventType string

const (
	AuditAuth                      AuditEventType = "AUTH"
	AuditAuthz                     AuditEventType = "AUTHZ"
	AuditCertRequest               AuditEventType = "CERT_REQUEST"
	AuditCertRequestProcessed      AuditEventType = "CERT_REQUEST_PROCESSED"
	AuditCertStatusChange          AuditEventType = "CERT_STATUS_CHANGE_REQUEST_PROCESSED"
	AuditSecurityDataArchival      AuditEventType = "SECURITY_DATA_ARCHIVAL_REQUEST"
	AuditSecurityDataArchivalDone  AuditEventType = "SECURITY_DATA_ARCHIVAL_REQUEST_PROCESSED"
	AuditSecurityDataRecovery      AuditEventType = "SECURITY_DATA_RECOVERY_REQUEST"
	AuditSecurityDataRecoveryDone  AuditEventType = "SECURITY_DATA_RECOVERY_REQUEST_PROCESSED"
	AuditSecurityDataRecoveryState AuditEventType = "SECURITY_DATA_RECOVERY_REQUEST_STATE_CHANGE"
	AuditSecurityDataExport        AuditEventType = "SECURITY_DATA_EXPORT_KEY"
	AuditSymKeyGeneration          AuditEventType = "SYMKEY_GENERATION_REQUEST"
	AuditSymKeyGenerationDone      AuditEventType = "SYMKEY_GENERATION_REQUEST_PROCESSED"
	AuditAsymKeyGeneration         AuditEventType = "ASYMKEY_GENERATION_REQUEST"
	AuditAsymKeyGenerationDone     AuditEventType = "ASYMKEY_GENERATION_REQUEST_PROCESSED"
	AuditServerSideKeygen          AuditEventType = "SERVER_SIDE_KEYGEN_REQUEST"
	AuditServerSideKeygenDone      AuditEventType = "SERVER_SIDE_KEYGEN_REQUEST_PROCESSED"
	AuditRequestStateChange        AuditEventType = "REQUEST_STATE_CHANGE"
	AuditPublish                   AuditEventType = "LDAP_PUBLISH"
)

// Audit outcomes.
const (
	OutcomeSuccess = "Success"
	OutcomeFailure = "Failure"
)

// ================================================================================
// Context Keys
// ================================================================================

// ContextKey is the type for context value keys owned by this module.
type ContextKey string

const (
	ContextKeyRequestID ContextKey = "request_id"
	ContextKeyPrincipal ContextKey = "principal"
	ContextKeyTraceID   ContextKey = "trace_id"
)

// ================================================================================
// Defaults
// ================================================================================

const (
	DefaultServiceTimeout = 30 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultCryptoTimeout  = 10 * time.Second
	DefaultRecoveryTTL    = 10 * time.Minute
	DefaultSearchLimit    = 100
)

// ================================================================================
// Logging
// ================================================================================

// LogLevel is the minimum severity a logger emits.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelFatal
)

// ParseLogLevel maps a config string to a LogLevel, defaulting to info.
func ParseLogLevel(s string) LogLevel {
	switch s {
	case "debug":
		return LogLevelDebug
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	case "fatal":
		return LogLevelFatal
	}
	return LogLevelInfo
}
