package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/logger"
)

// ================================================================================
// Log backend
// ================================================================================

// LogBackend writes events to the structured log.
type LogBackend struct {
	log logger.Logger
}

func NewLogBackend(log logger.Logger) *LogBackend {
	return &LogBackend{log: log.WithComponent("Audit")}
}

func (b *LogBackend) Name() string { return "log" }

func (b *LogBackend) Write(ctx context.Context, e *models.AuditEvent) error {
	fields := []logger.Field{
		logger.String("event_id", e.ID),
		logger.String("event_type", string(e.Type)),
		logger.String("outcome", e.Outcome),
		logger.String("subject_id", e.SubjectID),
		logger.String("request_id", string(e.RequestID)),
		logger.String("key_id", e.KeyID),
		logger.String("realm", e.Realm),
		logger.Any("attributes", e.Attributes),
	}
	if e.Message != "" {
		fields = append(fields, logger.String("message", e.Message))
	}
	if e.Signature != "" {
		fields = append(fields, logger.String("signature", e.Signature))
	}
	b.log.Info(ctx, "audit", fields...)
	return nil
}

// ================================================================================
// Gorm backend
// ================================================================================

type eventRow struct {
	ID         string `gorm:"primaryKey;size:64"`
	Type       string `gorm:"index;size:64"`
	Outcome    string `gorm:"size:16"`
	SubjectID  string `gorm:"index;size:255"`
	RequestID  string `gorm:"index;size:64"`
	KeyID      string `gorm:"size:64"`
	Realm      string `gorm:"size:255"`
	Message    string
	Attributes string
	Signature  string    `gorm:"size:128"`
	Timestamp  time.Time `gorm:"index"`
}

func (eventRow) TableName() string { return "audit_events" }

// GormBackend appends events to the audit_events table.
type GormBackend struct {
	db *gorm.DB
}

func NewGormBackend(db *gorm.DB) *GormBackend {
	return &GormBackend{db: db}
}

// Migrate creates the audit table.
func (b *GormBackend) Migrate(ctx context.Context) error {
	return b.db.WithContext(ctx).AutoMigrate(&eventRow{})
}

func (b *GormBackend) Name() string { return "gorm" }

func (b *GormBackend) Write(ctx context.Context, e *models.AuditEvent) error {
	attrs, err := json.Marshal(e.Attributes)
	if err != nil {
		return err
	}
	return b.db.WithContext(ctx).Create(&eventRow{
		ID:         e.ID,
		Type:       string(e.Type),
		Outcome:    e.Outcome,
		SubjectID:  e.SubjectID,
		RequestID:  string(e.RequestID),
		KeyID:      e.KeyID,
		Realm:      e.Realm,
		Message:    e.Message,
		Attributes: string(attrs),
		Signature:  e.Signature,
		Timestamp:  e.Timestamp,
	}).Error
}

// ================================================================================
// Kafka backend
// ================================================================================

// MessageWriter is the subset of *kafka.Writer the Kafka backend uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaBackend publishes each event as JSON, keyed by request id.
type KafkaBackend struct {
	writer MessageWriter
}

// NewKafkaWriter builds the audit topic writer.
func NewKafkaWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AuditTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

func NewKafkaBackend(w MessageWriter) *KafkaBackend {
	return &KafkaBackend{writer: w}
}

func (b *KafkaBackend) Name() string { return "kafka" }

func (b *KafkaBackend) Write(ctx context.Context, e *models.AuditEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.RequestID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
}

// Close closes the writer.
func (b *KafkaBackend) Close() error { return b.writer.Close() }
