package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

type memWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *memWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *memWriter) Close() error { return nil }

type memReader struct {
	msgs      chan kafka.Message
	mu        sync.Mutex
	committed []int64
}

func newMemReader(msgs ...kafka.Message) *memReader {
	r := &memReader{msgs: make(chan kafka.Message, len(msgs))}
	for i, m := range msgs {
		m.Offset = int64(i)
		r.msgs <- m
	}
	return r
}

func (r *memReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *memReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *memReader) Close() error { return nil }

func (r *memReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type scriptedRepublisher struct {
	mu    sync.Mutex
	calls map[models.RequestID]int
	fn    func(id models.RequestID, call int) error
}

func (s *scriptedRepublisher) Republish(_ context.Context, id models.RequestID) error {
	s.mu.Lock()
	if s.calls == nil {
		s.calls = map[models.RequestID]int{}
	}
	s.calls[id]++
	n := s.calls[id]
	s.mu.Unlock()
	return s.fn(id, n)
}

func retryMessage(t *testing.T, id string) kafka.Message {
	body, err := json.Marshal(PublishRetry{RequestID: id, RequestType: "enrollment"})
	require.NoError(t, err)
	return kafka.Message{Key: []byte(id), Value: body}
}

func TestRetryProducerEncodesRequest(t *testing.T) {
	w := &memWriter{}
	require.NoError(t, NewRetryProducer(w).EnqueuePublishRetry(context.Background(), "12", "renewal"))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "12", string(w.msgs[0].Key))
	var got PublishRetry
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "renewal", got.RequestType)
}

func TestProducerEmitsCompletedRequest(t *testing.T) {
	w := &memWriter{}
	req := models.NewRequest(constants.RequestTypeEnrollment, "r1")
	req.ID = "5"
	req.Status = constants.RequestStatusComplete
	req.SetResult(constants.ResultSuccess)

	require.NoError(t, NewProducer(w).PublishRequestEvent(context.Background(), req))

	var ev RequestEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, "5", ev.RequestID)
	assert.Equal(t, "complete", ev.Status)
	assert.EqualValues(t, constants.ResultSuccess, ev.Result)
	assert.Equal(t, "r1", ev.Realm)
}

func runConsumer(t *testing.T, reader *memReader, r Republisher, until func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewPublishRetryConsumer(reader, r, logger.NewNoopLogger()).WithBackoff(time.Millisecond, 4*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConsumerCommitsOnlyAfterSuccess(t *testing.T) {
	reader := newMemReader(retryMessage(t, "1"))
	rep := &scriptedRepublisher{fn: func(_ models.RequestID, call int) error {
		if call < 3 {
			return errors.ErrDirectoryUnavailable(nil)
		}
		return nil
	}}

	runConsumer(t, reader, rep, func() bool { return len(reader.commits()) == 1 })
	assert.Equal(t, 3, rep.calls["1"])
}

func TestConsumerLeavesFailingMessageUncommittedOnShutdown(t *testing.T) {
	reader := newMemReader(retryMessage(t, "1"))
	rep := &scriptedRepublisher{fn: func(models.RequestID, int) error {
		return errors.ErrDirectoryUnavailable(nil)
	}}

	runConsumer(t, reader, rep, func() bool {
		rep.mu.Lock()
		defer rep.mu.Unlock()
		return rep.calls["1"] >= 2
	})
	assert.Empty(t, reader.commits())
}

func TestConsumerSkipsPermanentFailuresAndPoisonPills(t *testing.T) {
	reader := newMemReader(kafka.Message{Value: []byte("{not json")}, retryMessage(t, "404"))
	rep := &scriptedRepublisher{fn: func(models.RequestID, int) error {
		return errors.ErrNotFound("request", "404")
	}}

	runConsumer(t, reader, rep, func() bool { return len(reader.commits()) == 2 })
	assert.Equal(t, 1, rep.calls["404"])
}
