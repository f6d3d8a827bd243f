// Package events moves request lifecycle notifications over Kafka: completed
// requests out to consumers, and failed directory publishes into a retry topic.
// Package events 通过 Kafka 传递请求生命周期通知。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

// MessageWriter is the subset of *kafka.Writer the producers use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a writer for topic, hashing message keys so all events of
// one request land on one partition.
func NewWriter(cfg config.KafkaConfig, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 20 * time.Millisecond,
	}
}

// RequestEvent is the payload of the request-events topic.
type RequestEvent struct {
	RequestID  string    `json:"request_id"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	Realm      string    `json:"realm,omitempty"`
	Owner      string    `json:"owner,omitempty"`
	Result     int64     `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Producer emits completed requests.
type Producer struct {
	writer MessageWriter
}

var _ service.RequestEventPublisher = (*Producer)(nil)

func NewProducer(w MessageWriter) *Producer {
	return &Producer{writer: w}
}

func (p *Producer) PublishRequestEvent(ctx context.Context, req *models.Request) error {
	ev := RequestEvent{
		RequestID:  string(req.ID),
		Type:       string(req.Type),
		Status:     string(req.Status),
		Realm:      req.Realm,
		Owner:      req.Owner,
		ModifiedAt: req.ModifiedAt,
	}
	if code, ok := req.Result(); ok {
		ev.Result = int64(code)
	}
	ev.Error = req.ErrorReason()
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.ErrStore("encode request event", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(req.ID), Value: body})
}

func (p *Producer) Close() error { return p.writer.Close() }

// PublishRetry is the payload of the publish-retry topic.
type PublishRetry struct {
	RequestID   string    `json:"request_id"`
	RequestType string    `json:"request_type"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// RetryProducer queues failed publishes.
type RetryProducer struct {
	writer MessageWriter
}

var _ service.PublishRetryQueue = (*RetryProducer)(nil)

func NewRetryProducer(w MessageWriter) *RetryProducer {
	return &RetryProducer{writer: w}
}

func (p *RetryProducer) EnqueuePublishRetry(ctx context.Context, id models.RequestID, reqType string) error {
	body, err := json.Marshal(PublishRetry{RequestID: string(id), RequestType: reqType, EnqueuedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(id), Value: body})
}

func (p *RetryProducer) Close() error { return p.writer.Close() }
