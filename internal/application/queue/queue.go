// Package queue drives requests through the lifecycle state machine and
// dispatches them to the registered services.
// Package queue 驱动请求在生命周期状态机中流转，并将其分派给已注册的服务。
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// Service performs the work of one request type. It mutates req in place;
// a returned error is recorded on the request, never thrown to the submitter.
// Service 执行某一请求类型的实际工作。
type Service interface {
	ServiceRequest(ctx context.Context, req *models.Request) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, req *models.Request) error

func (f ServiceFunc) ServiceRequest(ctx context.Context, req *models.Request) error {
	return f(ctx, req)
}

// GuardFunc authorizes an agent action against the stored request.
type GuardFunc func(ctx context.Context, req *models.Request) error

// Queue is the request dispatcher.
// Queue 是请求调度器。
type Queue struct {
	repo    repository.RequestRepository
	audit   service.AuditSink
	log     logger.Logger
	metrics service.Metrics
	policy  RequestPolicy
	bus     *EventBus
	events  service.RequestEventPublisher
	tracer  trace.Tracer
	timeout time.Duration

	mu       sync.RWMutex
	services map[constants.RequestType]Service

	delayMu sync.Mutex
	delayed map[models.RequestID]*models.Request
}

// Option customizes a Queue.
type Option func(*Queue)

// WithPolicy sets the approval policy. The default accepts every request.
func WithPolicy(p RequestPolicy) Option { return func(q *Queue) { q.policy = p } }

// WithEventBus sets the completion listener bus.
func WithEventBus(b *EventBus) Option { return func(q *Queue) { q.bus = b } }

// WithEventPublisher emits completed requests to an external topic.
func WithEventPublisher(p service.RequestEventPublisher) Option {
	return func(q *Queue) { q.events = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m service.Metrics) Option { return func(q *Queue) { q.metrics = m } }

// WithServiceTimeout bounds every service invocation.
func WithServiceTimeout(d time.Duration) Option { return func(q *Queue) { q.timeout = d } }

// New creates a queue over repo.
func New(repo repository.RequestRepository, audit service.AuditSink, log logger.Logger, opts ...Option) *Queue {
	q := &Queue{
		repo:     repo,
		audit:    audit,
		log:      log.WithComponent("RequestQueue"),
		metrics:  service.NoopMetrics{},
		policy:   AcceptAll,
		bus:      NewEventBus(),
		tracer:   otel.Tracer("github.com/eldorplus/pki/queue"),
		timeout:  constants.DefaultServiceTimeout,
		services: map[constants.RequestType]Service{},
		delayed:  map[models.RequestID]*models.Request{},
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// RegisterService binds svc to t, replacing any previous binding.
func (q *Queue) RegisterService(t constants.RequestType, svc Service) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.services[t] = svc
}

// Bus returns the completion event bus.
func (q *Queue) Bus() *EventBus { return q.bus }

func (q *Queue) service(t constants.RequestType) Service {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.services[t]
}

// ================================================================================
// Creation and lookup
// ================================================================================

// NewRequest allocates a BEGIN-status request. Durable requests are stored
// immediately; ephemeral ones get an id from the ephemeral id space and live
// only in the returned value.
func (q *Queue) NewRequest(ctx context.Context, t constants.RequestType, realm string, ephemeral bool) (*models.Request, error) {
	if !t.Valid() {
		return nil, errors.ErrBadRequest(fmt.Sprintf("unknown request type %q", t))
	}
	req := models.NewRequest(t, realm)
	if ephemeral {
		id := models.EphemeralPrefix
		if realm != "" {
			id += realm + "-"
		}
		req.ID = models.RequestID(id + uuid.NewString())
		req.Ephemeral = true
		return req, nil
	}

	id, err := q.repo.NextRequestID(ctx)
	if err != nil {
		return nil, err
	}
	req.ID = id
	if err := q.repo.Create(ctx, req); err != nil {
		return nil, err
	}
	q.log.Debug(ctx, "request created", logger.RequestID(string(id)), logger.String("type", string(t)))
	return req, nil
}

// GetRequest reads a durable request. Ephemeral ids are never found.
func (q *Queue) GetRequest(ctx context.Context, id models.RequestID) (*models.Request, error) {
	if id.IsEphemeral() {
		return nil, errors.ErrNotFound("request", string(id))
	}
	return q.repo.Get(ctx, id)
}

// SearchRequests runs a bounded search; maxTime limits the store query when positive.
func (q *Queue) SearchRequests(ctx context.Context, filter models.RequestFilter, maxResults int, maxTime time.Duration) ([]*models.Request, error) {
	if maxResults <= 0 {
		maxResults = constants.DefaultSearchLimit
	}
	if maxTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxTime)
		defer cancel()
	}
	return q.repo.Search(ctx, filter, maxResults)
}

// UpdateRequest persists req. With delayLDAPCommit set the write is buffered
// until Flush or the end of ProcessRequest; readers keep seeing the last
// durable version.
func (q *Queue) UpdateRequest(ctx context.Context, req *models.Request) error {
	if req.Ephemeral {
		req.Touch()
		return nil
	}
	if req.Ext.GetBool(constants.ExtDelayCommit) {
		q.delayMu.Lock()
		q.delayed[req.ID] = req.Clone()
		q.delayMu.Unlock()
		return nil
	}
	return q.save(ctx, req)
}

// Flush writes the buffered version of id, if any.
func (q *Queue) Flush(ctx context.Context, id models.RequestID) error {
	q.delayMu.Lock()
	req, ok := q.delayed[id]
	delete(q.delayed, id)
	q.delayMu.Unlock()
	if !ok {
		return nil
	}
	return q.save(ctx, req)
}

// save writes req's state onto the stored request. req must carry the stored
// version; a stale copy fails with Conflict and the state machine check inside
// the store rejects illegal transitions.
func (q *Queue) save(ctx context.Context, req *models.Request) error {
	if req.Ephemeral {
		req.Touch()
		return nil
	}
	q.dropDelayed(req.ID)

	want := req.Clone()
	stored, err := q.repo.Modify(ctx, req.ID, func(cur *models.Request) error {
		cur.Version = want.Version
		cur.Status = want.Status
		cur.Owner = want.Owner
		cur.Realm = want.Realm
		cur.Ext = want.Ext
		cur.Inputs = want.Inputs
		return nil
	})
	if err != nil {
		return err
	}
	*req = *stored
	return nil
}

func (q *Queue) dropDelayed(id models.RequestID) {
	q.delayMu.Lock()
	delete(q.delayed, id)
	q.delayMu.Unlock()
}

// ================================================================================
// Processing
// ================================================================================

// ProcessRequest applies the policy and, when accepted, runs the registered
// service. Service failures are recorded on the request; only store failures
// are returned.
func (q *Queue) ProcessRequest(ctx context.Context, req *models.Request) error {
	ctx, span := q.tracer.Start(ctx, "RequestQueue.ProcessRequest", trace.WithAttributes(
		attribute.String("pki.request.id", string(req.ID)),
		attribute.String("pki.request.type", string(req.Type)),
	))
	defer span.End()

	decision, reason := q.policy.Apply(ctx, req)
	span.SetAttributes(attribute.String("pki.policy.decision", decision.String()))
	switch decision {
	case Reject:
		from := req.Status
		req.Status = constants.RequestStatusRejected
		if reason == "" {
			reason = "Request rejected by policy"
		}
		req.SetError(reason, "policy_rejected")
		if err := q.save(ctx, req); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		q.stateChanged(ctx, req, from, req.Owner)
		return nil
	case Defer:
		from := req.Status
		req.Status = constants.RequestStatusPending
		if err := q.save(ctx, req); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		q.stateChanged(ctx, req, from, req.Owner)
		return nil
	}

	if err := q.run(ctx, req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func (q *Queue) run(ctx context.Context, req *models.Request) error {
	svc := q.service(req.Type)
	if svc == nil {
		req.Status = constants.RequestStatusApproved
		req.Ext.SetString(constants.ExtError, fmt.Sprintf("no service registered for request type %s", req.Type))
		q.log.Warn(ctx, "no service registered", logger.RequestID(string(req.ID)), logger.String("type", string(req.Type)))
		return q.save(ctx, req)
	}

	from := req.Status
	req.Status = constants.RequestStatusSvcPending
	if err := q.save(ctx, req); err != nil {
		return err
	}

	start := time.Now()
	svcErr := q.invoke(ctx, svc, req)
	q.metrics.RecordServiceLatency(string(req.Type), time.Since(start), svcErr == nil)

	if svcErr != nil {
		msg := errors.MessageOf(svcErr)
		req.SetError(msg, string(errors.CodeOf(svcErr)))
		req.AddSvcError(msg)
		q.log.Warn(ctx, "service failed", logger.RequestID(string(req.ID)),
			logger.String("type", string(req.Type)), logger.Err(svcErr))
	} else if !req.HasResult() {
		req.SetResult(constants.ResultSuccess)
	}
	req.Status = constants.RequestStatusComplete
	if req.Ext.Has(constants.ExtDelayCommit) {
		req.Ext.SetBool(constants.ExtDelayCommit, false)
	}
	if err := q.save(ctx, req); err != nil {
		return err
	}
	q.stateChanged(ctx, req, from, req.Owner)
	q.complete(ctx, req)
	return nil
}

// invoke runs svc on a private copy bounded by the service timeout. On success
// the copy replaces req; on timeout req keeps its pre-service state and any
// write the abandoned service buffers is discarded.
func (q *Queue) invoke(ctx context.Context, svc Service, req *models.Request) error {
	sctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	working := req.Clone()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("service panic: %v", r)
			}
		}()
		err := svc.ServiceRequest(sctx, working)
		if sctx.Err() == context.DeadlineExceeded {
			q.dropDelayed(working.ID)
		}
		done <- err
	}()

	select {
	case err := <-done:
		*req = *working
		return err
	case <-sctx.Done():
		q.dropDelayed(req.ID)
		if !req.Ephemeral {
			// the service may have stored intermediate state before stalling
			if cur, err := q.repo.Get(ctx, req.ID); err == nil {
				req.Version = cur.Version
			}
		}
		return fmt.Errorf("service for request %s timed out after %s", req.ID, q.timeout)
	}
}

// complete notifies listeners and external consumers of a completed request.
func (q *Queue) complete(ctx context.Context, req *models.Request) {
	q.metrics.RecordRequest(string(req.Type), string(req.Status))

	updates, errs := q.bus.Dispatch(ctx, req)
	for _, err := range errs {
		q.log.Error(ctx, "completion listener failed", err, logger.RequestID(string(req.ID)))
	}
	if len(updates) > 0 {
		req.Ext.Merge(updates)
		if err := q.save(ctx, req); err != nil {
			q.log.Error(ctx, "failed to store listener updates", err, logger.RequestID(string(req.ID)))
		}
	}

	if q.events != nil && !req.Ephemeral {
		if err := q.events.PublishRequestEvent(ctx, req); err != nil {
			q.log.Warn(ctx, "failed to emit request event", logger.RequestID(string(req.ID)), logger.Err(err))
		}
	}
}

// MarkAsServiced moves a request straight to COMPLETE. Completed requests are
// left alone; rejected or canceled ones cannot be serviced.
func (q *Queue) MarkAsServiced(ctx context.Context, req *models.Request) error {
	switch req.Status {
	case constants.RequestStatusComplete:
		return nil
	case constants.RequestStatusRejected, constants.RequestStatusCanceled:
		return errors.ErrInvalidState(string(req.ID), string(req.Status), "mark as serviced")
	}
	from := req.Status
	req.Status = constants.RequestStatusComplete
	if !req.HasResult() {
		req.SetResult(constants.ResultSuccess)
	}
	if err := q.save(ctx, req); err != nil {
		return err
	}
	q.stateChanged(ctx, req, from, req.Owner)
	return nil
}

// ================================================================================
// Agent transitions
// ================================================================================

// ApproveRequest records agent's approval of a PENDING request and runs the
// service once the policy accepts it.
func (q *Queue) ApproveRequest(ctx context.Context, id models.RequestID, agent string, guard GuardFunc) (*models.Request, error) {
	req, err := q.agentPrecheck(ctx, id, guard)
	if err != nil {
		return nil, err
	}
	if req.Status != constants.RequestStatusPending {
		return nil, errors.ErrInvalidState(string(id), string(req.Status), "approve")
	}

	updated, err := q.repo.Modify(ctx, id, func(cur *models.Request) error {
		if cur.Status != constants.RequestStatusPending {
			return errors.ErrInvalidState(string(id), string(cur.Status), "approve")
		}
		cur.AddApproveAgent(agent)
		if d, _ := q.policy.Apply(ctx, cur); d == Accept {
			cur.Status = constants.RequestStatusApproved
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.log.Info(ctx, "request approved", logger.RequestID(string(id)), logger.String("agent", agent),
		logger.Int("agents", len(updated.ApproveAgents())))

	if updated.Status != constants.RequestStatusApproved {
		return updated, nil
	}
	q.stateChanged(ctx, updated, constants.RequestStatusPending, agent)
	if err := q.run(ctx, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

// RejectRequest terminates a non-terminal request without running its service.
func (q *Queue) RejectRequest(ctx context.Context, id models.RequestID, agent, reason string, guard GuardFunc) (*models.Request, error) {
	if reason == "" {
		reason = "Request rejected by " + agent
	}
	return q.terminate(ctx, id, agent, constants.RequestStatusRejected, reason, "rejected", guard)
}

// CancelRequest cancels a non-terminal request. Canceling a completed request fails.
func (q *Queue) CancelRequest(ctx context.Context, id models.RequestID, agent, reason string, guard GuardFunc) (*models.Request, error) {
	if reason == "" {
		reason = "Request canceled by " + agent
	}
	return q.terminate(ctx, id, agent, constants.RequestStatusCanceled, reason, "canceled", guard)
}

func (q *Queue) terminate(ctx context.Context, id models.RequestID, agent string, to constants.RequestStatus, reason, code string, guard GuardFunc) (*models.Request, error) {
	op := "cancel"
	if to == constants.RequestStatusRejected {
		op = "reject"
	}
	if _, err := q.agentPrecheck(ctx, id, guard); err != nil {
		return nil, err
	}

	var from constants.RequestStatus
	updated, err := q.repo.Modify(ctx, id, func(cur *models.Request) error {
		if !models.CanTransition(cur.Status, to) {
			return errors.ErrInvalidState(string(id), string(cur.Status), op)
		}
		from = cur.Status
		cur.Status = to
		cur.SetError(reason, code)
		return nil
	})
	if err != nil {
		q.log.Warn(ctx, "agent transition refused", logger.RequestID(string(id)),
			logger.String("to", string(to)), logger.Err(err))
		return nil, err
	}
	q.stateChanged(ctx, updated, from, agent)
	q.metrics.RecordRequest(string(updated.Type), string(updated.Status))
	return updated, nil
}

func (q *Queue) agentPrecheck(ctx context.Context, id models.RequestID, guard GuardFunc) (*models.Request, error) {
	req, err := q.GetRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard(ctx, req); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func (q *Queue) stateChanged(ctx context.Context, req *models.Request, from constants.RequestStatus, actor string) {
	ok := req.Status != constants.RequestStatusComplete || req.Succeeded()
	q.audit.Log(ctx, models.NewAuditEvent(constants.AuditRequestStateChange, models.Outcome(ok), actor).
		WithRequest(req.ID).
		WithRealm(req.Realm).
		WithAttr("type", string(req.Type)).
		WithAttr("from", string(from)).
		WithAttr("to", string(req.Status)))
}
