package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/logger"
)

type recordingBackend struct {
	mu     sync.Mutex
	events []*models.AuditEvent
	block  chan struct{}
}

func (b *recordingBackend) Name() string { return "recording" }

func (b *recordingBackend) Write(_ context.Context, e *models.AuditEvent) error {
	if b.block != nil {
		<-b.block
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *recordingBackend) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

type countingMetrics struct {
	dropped int
	mu      sync.Mutex
}

func (m *countingMetrics) RecordRequest(string, string)                       {}
func (m *countingMetrics) RecordServiceLatency(string, time.Duration, bool)   {}
func (m *countingMetrics) RecordPublish(string, bool)                         {}
func (m *countingMetrics) RecordCryptoOperation(string, time.Duration, error) {}
func (m *countingMetrics) RecordAuthz(string, bool)                           {}
func (m *countingMetrics) RecordAuditDropped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped++
}

func event() *models.AuditEvent {
	return models.NewAuditEvent(constants.AuditSecurityDataArchival, constants.OutcomeSuccess, "agent1").
		WithRequest("7").WithAttr("clientKeyID", "abc")
}

func TestAsyncSinkDeliversAndSigns(t *testing.T) {
	backend := &recordingBackend{}
	signer := NewSigner("secret")
	sink := NewAsyncSink(8, logger.NewNoopLogger(), []Backend{backend}, WithSigner(signer))

	sink.Log(context.Background(), event())
	sink.Close()

	require.Equal(t, 1, backend.len())
	delivered := backend.events[0]
	assert.NotEmpty(t, delivered.Signature)
	assert.NoError(t, signer.Verify(delivered))

	delivered.Realm = "tampered"
	assert.Error(t, signer.Verify(delivered))
}

func TestAsyncSinkDropsWhenFullWithoutBlocking(t *testing.T) {
	backend := &recordingBackend{block: make(chan struct{})}
	metrics := &countingMetrics{}
	sink := NewAsyncSink(1, logger.NewNoopLogger(), []Backend{backend}, WithMetrics(metrics))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			sink.Log(context.Background(), event())
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a full buffer")
	}

	close(backend.block)
	sink.Close()
	assert.Positive(t, metrics.dropped)
	assert.Equal(t, 10, backend.len()+metrics.dropped)
}

func TestAsyncSinkAfterCloseDrops(t *testing.T) {
	metrics := &countingMetrics{}
	sink := NewAsyncSink(4, logger.NewNoopLogger(), nil, WithMetrics(metrics))
	sink.Close()
	sink.Log(context.Background(), event())
	assert.Equal(t, 1, metrics.dropped)
}

func TestNewSignerEmptyKeyDisablesSigning(t *testing.T) {
	assert.Nil(t, NewSigner(""))
}

func TestGormBackendAppends(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:audit?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	b := NewGormBackend(db)
	require.NoError(t, b.Migrate(context.Background()))

	require.NoError(t, b.Write(context.Background(), event()))

	var count int64
	require.NoError(t, db.Model(&eventRow{}).Where("request_id = ?", "7").Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

type mockWriter struct {
	mock.Mock
}

func (m *mockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *mockWriter) Close() error { return m.Called().Error(0) }

func TestKafkaBackendKeysByRequest(t *testing.T) {
	w := &mockWriter{}
	w.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 && string(msgs[0].Key) == "7" &&
			string(msgs[0].Headers[0].Value) == string(constants.AuditSecurityDataArchival)
	})).Return(nil)

	require.NoError(t, NewKafkaBackend(w).Write(context.Background(), event()))
	w.AssertExpectations(t)
}
