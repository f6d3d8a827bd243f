// Package publish keeps issued certificates in the directory in step with the
// request lifecycle.
// Package publish 使目录中的证书与请求生命周期保持同步。
package publish

import (
	"context"
	"crypto/x509"
	"strconv"
	"sync"
	"time"

	"github.com/eldorplus/pki/internal/application/queue"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// CertTypeClient is the certificate type used for request-driven publishing.
const CertTypeClient = "client"

// Pair is the mapper and publisher configured for one certificate type.
type Pair struct {
	Mapper    service.Mapper
	Publisher service.Publisher
}

// Module publishes and unpublishes certificates through pooled connections.
// Module 通过连接池发布和撤销证书。
type Module struct {
	conns   service.ConnFactory
	certs   repository.CertificateRepository
	retry   service.PublishRetryQueue
	audit   service.AuditSink
	metrics service.Metrics
	timeout time.Duration
	log     logger.Logger

	mu    sync.RWMutex
	pairs map[string]Pair
}

// Option customizes a Module.
type Option func(*Module)

// WithRetryQueue queues failed publishes for a later retry.
func WithRetryQueue(r service.PublishRetryQueue) Option { return func(m *Module) { m.retry = r } }

// WithMetrics records publish outcomes.
func WithMetrics(metrics service.Metrics) Option { return func(m *Module) { m.metrics = metrics } }

// WithTimeout bounds each publish operation.
func WithTimeout(d time.Duration) Option { return func(m *Module) { m.timeout = d } }

// NewModule creates a publish module.
func NewModule(conns service.ConnFactory, certs repository.CertificateRepository, audit service.AuditSink, log logger.Logger, opts ...Option) *Module {
	m := &Module{
		conns:   conns,
		certs:   certs,
		audit:   audit,
		metrics: service.NoopMetrics{},
		timeout: constants.DefaultPublishTimeout,
		log:     log.WithComponent("PublishModule"),
		pairs:   map[string]Pair{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetPair configures the mapper and publisher for certType.
func (m *Module) SetPair(certType string, p Pair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[certType] = p
}

func (m *Module) pair(certType string) (Pair, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pairs[certType]
	return p, ok && p.Publisher != nil
}

// WithConn runs fn on a pooled connection and always returns it to the pool.
func WithConn(ctx context.Context, f service.ConnFactory, fn func(service.DirectoryConn) error) error {
	conn, err := f.Get(ctx)
	if err != nil {
		return err
	}
	defer f.Return(conn)
	return fn(conn)
}

// Publish maps cert to its entry and publishes it.
func (m *Module) Publish(ctx context.Context, certType string, cert *x509.Certificate, req *models.Request) error {
	return m.apply(ctx, "publish", certType, cert, req, func(ctx context.Context, p Pair, conn service.DirectoryConn, dn string) error {
		return p.Publisher.Publish(ctx, conn, dn, cert)
	})
}

// Unpublish maps cert to its entry and removes it.
func (m *Module) Unpublish(ctx context.Context, certType string, cert *x509.Certificate, req *models.Request) error {
	return m.apply(ctx, "unpublish", certType, cert, req, func(ctx context.Context, p Pair, conn service.DirectoryConn, dn string) error {
		return p.Publisher.Unpublish(ctx, conn, dn, cert)
	})
}

func (m *Module) apply(ctx context.Context, op, certType string, cert *x509.Certificate, req *models.Request,
	fn func(context.Context, Pair, service.DirectoryConn, string) error) (err error) {
	p, ok := m.pair(certType)
	if !ok {
		return errors.ErrPublish("no publisher configured for certificate type " + certType)
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var dn string
	defer func() {
		m.metrics.RecordPublish(op, err == nil)
		ev := models.NewAuditEvent(constants.AuditPublish, models.Outcome(err == nil), "").
			WithAttr("operation", op).
			WithAttr("serial", models.SerialHex(cert.SerialNumber)).
			WithAttr("dn", dn)
		if req != nil {
			ev.WithRequest(req.ID).WithRealm(req.Realm)
		}
		if err != nil {
			ev.WithMessage(errors.MessageOf(err))
		}
		m.audit.Log(ctx, ev)
	}()

	return WithConn(ctx, m.conns, func(conn service.DirectoryConn) error {
		mapper := p.Mapper
		if mapper == nil {
			mapper = SubjectMapper{}
		}
		var merr error
		if dn, merr = mapper.Map(ctx, conn, cert, req); merr != nil {
			return merr
		}
		return fn(ctx, p, conn, dn)
	})
}

// SetPublishedFlag records whether the certificate is in the directory.
func (m *Module) SetPublishedFlag(ctx context.Context, cert *x509.Certificate, published bool) {
	serial := models.SerialHex(cert.SerialNumber)
	if err := m.certs.SetPublished(ctx, serial, published); err != nil {
		m.log.Warn(ctx, "cannot record published flag", logger.String("serial", serial),
			logger.Bool("published", published), logger.Err(err))
	}
}

// ================================================================================
// Completion listeners
// ================================================================================

// Subscribe registers the publish listeners on bus.
func (m *Module) Subscribe(bus *queue.EventBus) {
	bus.Subscribe(queue.ListenerFunc(m.handleEnrollment), constants.RequestTypeEnrollment)
	bus.Subscribe(queue.ListenerFunc(m.handleRenewal), constants.RequestTypeRenewal)
	bus.Subscribe(queue.ListenerFunc(m.handleRevocation), constants.RequestTypeRevocation)
	bus.Subscribe(queue.ListenerFunc(m.handleUnrevocation), constants.RequestTypeUnrevocation)
}

// Listener returns the completion handler for t, or nil when t is never published.
func (m *Module) Listener(t constants.RequestType) queue.Listener {
	switch t {
	case constants.RequestTypeEnrollment:
		return queue.ListenerFunc(m.handleEnrollment)
	case constants.RequestTypeRenewal:
		return queue.ListenerFunc(m.handleRenewal)
	case constants.RequestTypeRevocation:
		return queue.ListenerFunc(m.handleRevocation)
	case constants.RequestTypeUnrevocation:
		return queue.ListenerFunc(m.handleUnrevocation)
	}
	return nil
}

func failed(req *models.Request) bool {
	code, ok := req.Result()
	return !ok || code == constants.ResultError
}

func (m *Module) handleEnrollment(ctx context.Context, req *models.Request) (*queue.ListenerResult, error) {
	if failed(req) {
		return nil, nil
	}
	return m.each(ctx, req, constants.ExtIssuedCerts, true)
}

func (m *Module) handleRenewal(ctx context.Context, req *models.Request) (*queue.ListenerResult, error) {
	if failed(req) {
		return nil, nil
	}
	return m.each(ctx, req, constants.ExtIssuedCerts, true)
}

func (m *Module) handleRevocation(ctx context.Context, req *models.Request) (*queue.ListenerResult, error) {
	if failed(req) {
		return nil, nil
	}
	return m.each(ctx, req, constants.ExtOldCerts, false)
}

func (m *Module) handleUnrevocation(ctx context.Context, req *models.Request) (*queue.ListenerResult, error) {
	if failed(req) {
		return nil, nil
	}
	return m.each(ctx, req, constants.ExtOldCerts, true)
}

// each publishes or unpublishes every certificate under key and reports a
// per-certificate status list plus the overall status. Failures are queued
// for retry.
func (m *Module) each(ctx context.Context, req *models.Request, key constants.ExtKey, publish bool) (*queue.ListenerResult, error) {
	certs, err := req.Ext.GetCerts(key)
	if err != nil {
		return nil, errors.ErrPublish("unreadable certificates in " + string(key)).WithCause(err)
	}
	if len(certs) == 0 || certs[0] == nil {
		return nil, nil
	}
	if _, ok := m.pair(CertTypeClient); !ok {
		m.log.Debug(ctx, "no publisher for client certificates", logger.RequestID(req.ID.String()))
		return nil, nil
	}

	results := make([]string, len(certs))
	anyFailed := false
	for i, cert := range certs {
		if cert == nil {
			results[i] = strconv.Itoa(constants.ResultError)
			continue
		}
		var perr error
		if publish {
			perr = m.Publish(ctx, CertTypeClient, cert, req)
		} else {
			perr = m.Unpublish(ctx, CertTypeClient, cert, req)
		}
		if perr != nil {
			anyFailed = true
			results[i] = strconv.Itoa(constants.ResultError)
			m.log.Warn(ctx, "certificate not published", logger.RequestID(req.ID.String()),
				logger.String("serial", models.SerialHex(cert.SerialNumber)), logger.Err(perr))
			continue
		}
		results[i] = strconv.Itoa(constants.ResultSuccess)
		m.SetPublishedFlag(ctx, cert, publish)
	}

	updates := models.ExtData{}
	updates.SetList(constants.ExtPublishStatus, ",", results)
	status := constants.ResultSuccess
	if anyFailed {
		status = constants.ResultError
	}
	updates.SetInt(constants.ExtPublishOverallStatus, int64(status))

	if anyFailed && m.retry != nil && !isRetry(ctx) {
		if err := m.retry.EnqueuePublishRetry(ctx, req.ID, string(req.Type)); err != nil {
			m.log.Error(ctx, "failed to queue publish retry", err, logger.RequestID(req.ID.String()))
		}
	}
	var out error
	if anyFailed {
		out = errors.ErrPublish("one or more certificates of request " + req.ID.String() + " were not published")
	}
	return &queue.ListenerResult{ExtUpdates: updates}, out
}

// ================================================================================
// Retry
// ================================================================================

type retryKey struct{}

func isRetry(ctx context.Context) bool {
	v, _ := ctx.Value(retryKey{}).(bool)
	return v
}

// Republisher replays the publish listener of a stored request. It is driven
// by the publish-retry consumer, which commits only when Republish succeeds.
type Republisher struct {
	module *Module
	queue  *queue.Queue
	log    logger.Logger
}

// NewRepublisher creates a Republisher.
func NewRepublisher(module *Module, q *queue.Queue, log logger.Logger) *Republisher {
	return &Republisher{module: module, queue: q, log: log.WithComponent("Republisher")}
}

// Republish reruns the listener for id and stores the new publish status.
func (r *Republisher) Republish(ctx context.Context, id models.RequestID) error {
	req, err := r.queue.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	l := r.module.Listener(req.Type)
	if l == nil {
		return nil
	}
	res, lerr := l.Accept(context.WithValue(ctx, retryKey{}, true), req.Clone())
	if res != nil && res.ExtUpdates != nil {
		req.Ext.Merge(res.ExtUpdates)
		if err := r.queue.UpdateRequest(ctx, req); err != nil {
			return err
		}
	}
	if lerr != nil {
		r.log.Warn(ctx, "republish failed", logger.RequestID(id.String()), logger.Err(lerr))
	}
	return lerr
}
