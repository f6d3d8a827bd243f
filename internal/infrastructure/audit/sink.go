// Package audit delivers audit events to their backends without ever blocking
// the request path.
// Package audit 将审计事件投递到各后端，且从不阻塞请求路径。
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/logger"
)

// Backend persists or forwards one audit event.
type Backend interface {
	Name() string
	Write(ctx context.Context, event *models.AuditEvent) error
}

// AsyncSink fans events out to its backends from a bounded buffer. When the
// buffer is full the event is dropped with a warning and a metric.
// AsyncSink 通过有界缓冲区将事件分发到各后端，缓冲区满时丢弃事件并记录告警和指标。
type AsyncSink struct {
	backends []Backend
	signer   *Signer
	metrics  service.Metrics
	log      logger.Logger
	timeout  time.Duration

	events chan *models.AuditEvent
	wg     sync.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

var _ service.AuditSink = (*AsyncSink)(nil)

// SinkOption customizes an AsyncSink.
type SinkOption func(*AsyncSink)

// WithSigner signs every event before delivery.
func WithSigner(s *Signer) SinkOption { return func(a *AsyncSink) { a.signer = s } }

// WithMetrics counts dropped events.
func WithMetrics(m service.Metrics) SinkOption { return func(a *AsyncSink) { a.metrics = m } }

// WithWriteTimeout bounds each backend write.
func WithWriteTimeout(d time.Duration) SinkOption { return func(a *AsyncSink) { a.timeout = d } }

// NewAsyncSink starts the delivery goroutine. bufferSize below 1 means 1.
func NewAsyncSink(bufferSize int, log logger.Logger, backends []Backend, opts ...SinkOption) *AsyncSink {
	if bufferSize < 1 {
		bufferSize = 1
	}
	s := &AsyncSink{
		backends: backends,
		metrics:  service.NoopMetrics{},
		log:      log.WithComponent("AuditSink"),
		timeout:  5 * time.Second,
		events:   make(chan *models.AuditEvent, bufferSize),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Log enqueues event. It never blocks.
func (s *AsyncSink) Log(ctx context.Context, event *models.AuditEvent) {
	if event == nil {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(ctx, event, "sink closed")
		return
	}
	select {
	case s.events <- event:
	default:
		s.drop(ctx, event, "buffer full")
	}
}

func (s *AsyncSink) drop(ctx context.Context, event *models.AuditEvent, reason string) {
	s.metrics.RecordAuditDropped()
	s.log.Warn(ctx, "audit event dropped",
		logger.String("reason", reason),
		logger.String("event_type", string(event.Type)),
		logger.String("event_id", event.ID),
	)
}

func (s *AsyncSink) run() {
	defer s.wg.Done()
	for event := range s.events {
		s.deliver(event)
	}
}

func (s *AsyncSink) deliver(event *models.AuditEvent) {
	if s.signer != nil {
		if err := s.signer.Sign(event); err != nil {
			s.log.Error(context.Background(), "cannot sign audit event", err, logger.String("event_id", event.ID))
		}
	}
	for _, b := range s.backends {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := b.Write(ctx, event); err != nil {
			s.log.Error(ctx, "audit backend write failed", err,
				logger.String("backend", b.Name()),
				logger.String("event_id", event.ID),
			)
		}
		cancel()
	}
}

// Close stops accepting events and drains the buffer.
func (s *AsyncSink) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		s.wg.Wait()
	})
}
