package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eldorplus/pki/internal/config"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Republisher replays the publish step of a stored request.
type Republisher interface {
	Republish(ctx context.Context, id models.RequestID) error
}

// NewRetryReader builds the consumer-group reader of the publish-retry topic.
func NewRetryReader(cfg config.KafkaConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.PublishRetryTopic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1e6,
	})
}

// PublishRetryConsumer drives failed publishes to completion. A message is
// committed only once Republish succeeds, or when it can never succeed.
// PublishRetryConsumer 重试失败的发布，仅在成功（或永远无法成功）时提交位点。
type PublishRetryConsumer struct {
	reader      MessageReader
	republisher Republisher
	logger      logger.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewPublishRetryConsumer creates a consumer.
func NewPublishRetryConsumer(reader MessageReader, r Republisher, log logger.Logger) *PublishRetryConsumer {
	return &PublishRetryConsumer{
		reader:      reader,
		republisher: r,
		logger:      log.WithComponent("PublishRetryConsumer"),
		minBackoff:  time.Second,
		maxBackoff:  time.Minute,
	}
}

// WithBackoff overrides the retry backoff bounds.
func (c *PublishRetryConsumer) WithBackoff(min, max time.Duration) *PublishRetryConsumer {
	c.minBackoff, c.maxBackoff = min, max
	return c
}

// Run consumes until ctx is canceled.
func (c *PublishRetryConsumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "starting publish retry consumer")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info(ctx, "stopping publish retry consumer")
				return nil
			}
			c.logger.Error(ctx, "failed to fetch message from kafka", err)
			if !sleep(ctx, c.minBackoff) {
				return nil
			}
			continue
		}
		if !c.handle(ctx, msg) {
			return nil
		}
	}
}

// handle retries msg until it succeeds or is permanent. It reports false when
// ctx ended first, leaving msg uncommitted.
func (c *PublishRetryConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	var retry PublishRetry
	if err := json.Unmarshal(msg.Value, &retry); err != nil || retry.RequestID == "" {
		c.logger.Error(ctx, "undecodable publish retry message", err, logger.Int64("offset", msg.Offset))
		c.commit(ctx, msg)
		return true
	}
	id := models.RequestID(retry.RequestID)

	backoff := c.minBackoff
	for attempt := 1; ; attempt++ {
		err := c.republisher.Republish(ctx, id)
		if err == nil {
			c.logger.Info(ctx, "request republished", logger.RequestID(retry.RequestID), logger.Int("attempt", attempt))
			c.commit(ctx, msg)
			return true
		}
		if permanent(err) {
			c.logger.Warn(ctx, "dropping publish retry", logger.RequestID(retry.RequestID), logger.Err(err))
			c.commit(ctx, msg)
			return true
		}
		c.logger.Warn(ctx, "republish failed, backing off", logger.RequestID(retry.RequestID),
			logger.Int("attempt", attempt), logger.Duration("backoff", backoff), logger.Err(err))
		if !sleep(ctx, backoff) {
			return false
		}
		if backoff *= 2; backoff > c.maxBackoff {
			backoff = c.maxBackoff
		}
	}
}

func (c *PublishRetryConsumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		c.logger.Error(ctx, "failed to commit publish retry", err, logger.Int64("offset", msg.Offset))
	}
}

// Close closes the reader.
func (c *PublishRetryConsumer) Close() error { return c.reader.Close() }

func permanent(err error) bool {
	return errors.IsNotFound(err) || errors.IsBadRequest(err) || errors.IsInvalidState(err)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
