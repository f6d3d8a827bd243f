package mocks

import (
	"context"
	"crypto"
	"sync"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/stretchr/testify/mock"
)

// MockAuditSink is a mock implementation of AuditSink
type MockAuditSink struct {
	mock.Mock
}

func (m *MockAuditSink) Log(ctx context.Context, event *models.AuditEvent) {
	m.Called(ctx, event)
}

// RecordingAuditSink keeps every event for later assertions.
type RecordingAuditSink struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (r *RecordingAuditSink) Log(_ context.Context, event *models.AuditEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a snapshot of the recorded events.
func (r *RecordingAuditSink) Events() []*models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.AuditEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Find returns the recorded events of type t with the given outcome.
func (r *RecordingAuditSink) Find(t constants.AuditEventType, outcome string) []*models.AuditEvent {
	var out []*models.AuditEvent
	for _, e := range r.Events() {
		if e.Type == t && (outcome == "" || e.Outcome == outcome) {
			out = append(out, e)
		}
	}
	return out
}

// MockAuthenticator is a mock implementation of Authenticator
type MockAuthenticator struct {
	mock.Mock
	ManagerName string
}

func (m *MockAuthenticator) Name() string { return m.ManagerName }

func (m *MockAuthenticator) Authenticate(ctx context.Context, creds *models.Credentials) (*models.AuthToken, error) {
	args := m.Called(ctx, creds)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.AuthToken), args.Error(1)
}

// MockTransportUnit is a mock implementation of TransportUnit
type MockTransportUnit struct {
	mock.Mock
}

func (m *MockTransportUnit) UnwrapSessionKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	args := m.Called(ctx, wrapped)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockTransportUnit) PublicKey() crypto.PublicKey {
	args := m.Called()
	return args.Get(0)
}

// MockStorageUnit is a mock implementation of StorageUnit
type MockStorageUnit struct {
	mock.Mock
}

func (m *MockStorageUnit) Name() string { return "mock" }

func (m *MockStorageUnit) Wrap(ctx context.Context, plaintext, aad []byte) (*service.WrappedKey, error) {
	args := m.Called(ctx, plaintext, aad)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.WrappedKey), args.Error(1)
}

func (m *MockStorageUnit) Unwrap(ctx context.Context, wrapped *service.WrappedKey, aad []byte) ([]byte, error) {
	args := m.Called(ctx, wrapped, aad)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// MockRequestEventPublisher is a mock implementation of RequestEventPublisher
type MockRequestEventPublisher struct {
	mock.Mock
}

func (m *MockRequestEventPublisher) PublishRequestEvent(ctx context.Context, req *models.Request) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// MockPublishRetryQueue is a mock implementation of PublishRetryQueue
type MockPublishRetryQueue struct {
	mock.Mock
}

func (m *MockPublishRetryQueue) EnqueuePublishRetry(ctx context.Context, id models.RequestID, reqType string) error {
	args := m.Called(ctx, id, reqType)
	return args.Error(0)
}
