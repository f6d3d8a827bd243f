// Package authz implements the authentication and authorization gate every
// submission and agent action passes through.
// Package authz 实现了所有提交和代理操作都必须经过的认证与授权关口。
package authz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// Messages returned to callers for realm failures. Both surface as Unauthorized.
const (
	MsgInvalidRealm       = "Invalid realm"
	MsgNotAuthorizedRealm = "Agent not authorized by realm"
)

// Gate delegates authentication to named managers and authorization to an ACL.
type Gate struct {
	acl     service.AccessControl
	audit   service.AuditSink
	metrics service.Metrics
	log     logger.Logger

	mu       sync.RWMutex
	managers map[string]service.Authenticator
}

// NewGate creates a gate with the given authentication managers.
func NewGate(acl service.AccessControl, audit service.AuditSink, metrics service.Metrics, log logger.Logger, managers ...service.Authenticator) *Gate {
	if metrics == nil {
		metrics = service.NoopMetrics{}
	}
	g := &Gate{
		acl:      acl,
		audit:    audit,
		metrics:  metrics,
		log:      log.WithComponent("AuthzGate"),
		managers: map[string]service.Authenticator{},
	}
	for _, m := range managers {
		g.Register(m)
	}
	return g
}

// Register adds or replaces an authentication manager under its name.
func (g *Gate) Register(m service.Authenticator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.managers[m.Name()] = m
}

// Authenticate runs the manager named in creds. Without a manager the caller
// is unauthenticated and a nil token is returned with no error.
func (g *Gate) Authenticate(ctx context.Context, creds *models.Credentials) (*models.AuthToken, error) {
	if creds == nil || creds.Manager == "" {
		return nil, nil
	}
	g.mu.RLock()
	m, ok := g.managers[creds.Manager]
	g.mu.RUnlock()
	if !ok {
		err := errors.ErrAuthFailure(creds.Manager, "unknown authentication manager")
		g.auditAuth(ctx, creds, nil, err)
		return nil, err
	}

	token, err := m.Authenticate(ctx, creds)
	if err != nil {
		if _, isPKI := errors.AsPKIError(err); !isPKI {
			err = errors.ErrAuthFailure(creds.Manager, err.Error()).WithCause(err)
		}
		g.auditAuth(ctx, creds, nil, err)
		return nil, err
	}
	if token.Manager == "" {
		token.Manager = creds.Manager
	}
	g.auditAuth(ctx, creds, token, nil)
	return token, nil
}

// Authorize checks token against the global ACL for resource/operation.
func (g *Gate) Authorize(ctx context.Context, resource string, token *models.AuthToken, owner, operation string) (*models.AuthzToken, error) {
	allowed := g.acl.Allowed(ctx, token, owner, resource, operation)
	g.metrics.RecordAuthz(resource, allowed)
	g.auditAuthz(ctx, token, "", resource, operation, allowed, "")
	if !allowed {
		g.log.Info(ctx, "authorization denied",
			logger.String("subject", subjectOf(token)),
			logger.String("resource", resource),
			logger.String("operation", operation))
		return nil, errors.ErrAccessDenied(resource, operation)
	}
	return &models.AuthzToken{
		Subject:   subjectOf(token),
		Resource:  resource,
		Operation: operation,
		GrantedAt: time.Now().UTC(),
	}, nil
}

// CheckRealm verifies that token is entitled in realm. A blank realm passes.
// Unknown realms and missing entitlement are logged with distinct causes but
// both fail with Unauthorized.
// CheckRealm 校验令牌在该域内是否有权限；未知域与无权限分别记录日志，但都返回 Unauthorized。
func (g *Gate) CheckRealm(ctx context.Context, realm string, token *models.AuthToken, owner, resource, operation string) error {
	if realm == "" {
		return nil
	}
	allowed, err := g.acl.RealmAllowed(ctx, realm, token, owner, resource, operation)
	g.metrics.RecordAuthz(resource, err == nil && allowed)

	fields := []logger.Field{
		logger.String("realm", realm),
		logger.String("subject", subjectOf(token)),
		logger.String("resource", resource),
		logger.String("operation", operation),
	}
	switch {
	case errors.IsUnknownRealm(err):
		g.log.Warn(ctx, "realm check failed: unknown realm", append(fields, logger.String("cause", "unknown_realm"))...)
		g.auditAuthz(ctx, token, realm, resource, operation, false, "unknown_realm")
		return errors.ErrUnauthorized(MsgInvalidRealm).WithCause(err)
	case err != nil:
		g.log.Error(ctx, "realm check failed", err, fields...)
		g.auditAuthz(ctx, token, realm, resource, operation, false, "error")
		return errors.ErrUnauthorized(MsgNotAuthorizedRealm).WithCause(err)
	case !allowed:
		g.log.Warn(ctx, "realm check failed: principal not entitled", append(fields, logger.String("cause", "not_entitled"))...)
		g.auditAuthz(ctx, token, realm, resource, operation, false, "not_entitled")
		return errors.ErrUnauthorized(MsgNotAuthorizedRealm)
	}
	g.auditAuthz(ctx, token, realm, resource, operation, true, "")
	return nil
}

func (g *Gate) auditAuth(ctx context.Context, creds *models.Credentials, token *models.AuthToken, err error) {
	subject := creds.UID
	if token != nil {
		subject = token.Subject
	}
	ev := models.NewAuditEvent(constants.AuditAuth, models.Outcome(err == nil), subject).
		WithAttr("manager", creds.Manager)
	if err != nil {
		ev.WithMessage(errors.MessageOf(err))
	}
	g.audit.Log(ctx, ev)
}

func (g *Gate) auditAuthz(ctx context.Context, token *models.AuthToken, realm, resource, operation string, allowed bool, cause string) {
	ev := models.NewAuditEvent(constants.AuditAuthz, models.Outcome(allowed), subjectOf(token)).
		WithRealm(realm).
		WithAttr("resource", resource).
		WithAttr("operation", operation)
	if cause != "" {
		ev.WithAttr("cause", cause)
	}
	g.audit.Log(ctx, ev)
}

func subjectOf(token *models.AuthToken) string {
	if token == nil {
		return "anonymous"
	}
	return token.Subject
}

// Guard returns a check that enforces CheckRealm against a request's realm and owner.
func (g *Gate) Guard(token *models.AuthToken, resource, operation string) func(ctx context.Context, req *models.Request) error {
	return func(ctx context.Context, req *models.Request) error {
		if err := g.CheckRealm(ctx, req.Realm, token, req.Owner, resource, operation); err != nil {
			return err
		}
		if token == nil {
			return errors.ErrUnauthorized(fmt.Sprintf("agent credentials required to %s request %s", operation, req.ID))
		}
		return nil
	}
}
