package models

import (
	"time"

	"github.com/eldorplus/pki/pkg/constants"
	"github.com/google/uuid"
)

// AuditEvent represents a single signed audit trail event.
type AuditEvent struct {
	ID         string
	Type       constants.AuditEventType
	Outcome    string // Success or Failure
	SubjectID  string // acting principal
	RequestID  RequestID
	KeyID      string
	Realm      string
	Message    string
	Attributes map[string]string
	Timestamp  time.Time
	Signature  string
}

// NewAuditEvent creates a new audit event.
func NewAuditEvent(eventType constants.AuditEventType, outcome, subjectID string) *AuditEvent {
	return &AuditEvent{
		ID:         uuid.NewString(),
		Type:       eventType,
		Outcome:    outcome,
		SubjectID:  subjectID,
		Attributes: map[string]string{},
		Timestamp:  time.Now().UTC(),
	}
}

// WithRequest sets the request the event concerns.
func (a *AuditEvent) WithRequest(id RequestID) *AuditEvent {
	a.RequestID = id
	return a
}

// WithKey sets the key record the event concerns.
func (a *AuditEvent) WithKey(keyID string) *AuditEvent {
	a.KeyID = keyID
	return a
}

// WithRealm sets the realm.
func (a *AuditEvent) WithRealm(realm string) *AuditEvent {
	a.Realm = realm
	return a
}

// WithMessage sets the human-readable message.
func (a *AuditEvent) WithMessage(msg string) *AuditEvent {
	a.Message = msg
	return a
}

// WithAttr adds an attribute.
func (a *AuditEvent) WithAttr(k, v string) *AuditEvent {
	if a.Attributes == nil {
		a.Attributes = map[string]string{}
	}
	a.Attributes[k] = v
	return a
}

// Succeeded reports whether the outcome is Success.
func (a *AuditEvent) Succeeded() bool { return a.Outcome == constants.OutcomeSuccess }

// Outcome maps a boolean to the audit outcome string.
func Outcome(ok bool) string {
	if ok {
		return constants.OutcomeSuccess
	}
	return constants.OutcomeFailure
}
