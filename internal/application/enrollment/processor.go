// Package enrollment handles certificate enrollment, renewal, revocation and
// unrevocation requests on the CA side.
// Package enrollment 处理 CA 端的证书注册、续期、吊销和取消吊销请求。
package enrollment

import (
	"context"
	"fmt"
	"strings"

	"github.com/eldorplus/pki/internal/application/authz"
	"github.com/eldorplus/pki/internal/application/profile"
	"github.com/eldorplus/pki/internal/application/queue"
	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// Aggregate error codes of a submission.
const (
	ErrorCodeSuccess = "0"
	ErrorCodeFailure = "1"
	ErrorCodePending = "2"
)

// Submission is one enrollment call.
type Submission struct {
	ProfileID   string
	Inputs      map[string]string
	Realm       string
	Credentials *models.Credentials

	// Exactly one of the inputs below is used, in this order.
	KeygenInfo string // base64 SubjectPublicKeyInfo
	SubjectDN  string // subject for KeygenInfo submissions
	PKCS10     []byte
	CMC        []byte
	CRMF       []byte
}

// Result reports every request created by a submission.
type Result struct {
	Requests    []*models.Request
	ErrorCode   string
	ErrorReason string
}

// Processor turns submissions into processed requests.
// Processor 将提交转换为已处理的请求。
type Processor struct {
	gate     *authz.Gate
	queue    *queue.Queue
	profiles *profile.Registry
	certs    repository.CertificateRepository
	cmc      service.TemplateDecoder
	crmf     service.TemplateDecoder
	audit    service.AuditSink
	log      logger.Logger
}

// Option customizes a Processor.
type Option func(*Processor)

// WithCMCDecoder enables CMC submissions.
func WithCMCDecoder(d service.TemplateDecoder) Option { return func(p *Processor) { p.cmc = d } }

// WithCRMFDecoder enables CRMF submissions.
func WithCRMFDecoder(d service.TemplateDecoder) Option { return func(p *Processor) { p.crmf = d } }

// NewProcessor creates an enrollment processor.
func NewProcessor(gate *authz.Gate, q *queue.Queue, profiles *profile.Registry, certs repository.CertificateRepository,
	audit service.AuditSink, log logger.Logger, opts ...Option) *Processor {
	p := &Processor{
		gate:     gate,
		queue:    q,
		profiles: profiles,
		certs:    certs,
		audit:    audit,
		log:      log.WithComponent("EnrollmentProcessor"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Submit authenticates the caller, decodes the submission and processes one
// request per certificate template. Validation failures create no request.
func (p *Processor) Submit(ctx context.Context, sub *Submission) (*Result, error) {
	token, err := p.gate.Authenticate(ctx, sub.Credentials)
	if err != nil {
		return nil, err
	}
	owner := subject(token)
	if _, err := p.gate.Authorize(ctx, constants.ResourceEEProfile, token, "", constants.OperationSubmit); err != nil {
		return nil, err
	}

	prof, ok := p.profiles.Get(sub.ProfileID)
	if !ok {
		return nil, errors.ErrBadRequest(fmt.Sprintf("Profile %s not found", sub.ProfileID))
	}
	if !prof.Enabled {
		return nil, errors.ErrBadRequest(fmt.Sprintf("Profile %s not enabled", sub.ProfileID))
	}

	templates, kind, err := p.decodeSubmission(ctx, sub)
	if err != nil {
		p.audit.Log(ctx, models.NewAuditEvent(constants.AuditCertRequest, constants.OutcomeFailure, owner).
			WithRealm(sub.Realm).
			WithAttr("profile", sub.ProfileID).
			WithMessage(errors.MessageOf(err)))
		return nil, err
	}

	// Defaults run on a scratch request so nothing is stored if one fails.
	scratch := models.NewRequest(constants.RequestTypeEnrollment, sub.Realm)
	for k, v := range sub.Inputs {
		scratch.Inputs[k] = v
	}
	for _, tmpl := range templates {
		if err := prof.Populate(ctx, scratch, tmpl); err != nil {
			return nil, err
		}
	}

	if sub.Realm != "" {
		if err := p.gate.CheckRealm(ctx, sub.Realm, token, owner, constants.ResourceCAEnrollment, constants.OperationSubmit); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	for _, tmpl := range templates {
		req, err := p.queue.NewRequest(ctx, constants.RequestTypeEnrollment, sub.Realm, false)
		if err != nil {
			return nil, err
		}
		req.SetOwner(owner)
		for k, v := range sub.Inputs {
			req.Inputs[k] = v
		}
		req.Ext.SetString(constants.ExtProfileID, prof.ID)
		if err := req.SetTemplates([]*models.CertTemplate{tmpl}); err != nil {
			return nil, errors.ErrStore("encode templates", err)
		}
		if err := p.queue.UpdateRequest(ctx, req); err != nil {
			return nil, err
		}

		p.audit.Log(ctx, models.NewAuditEvent(constants.AuditCertRequest, constants.OutcomeSuccess, owner).
			WithRequest(req.ID).
			WithRealm(sub.Realm).
			WithAttr("profile", prof.ID).
			WithAttr("input", string(kind)))

		if err := p.queue.ProcessRequest(ctx, req); err != nil {
			return nil, err
		}
		res.Requests = append(res.Requests, req)
	}
	res.ErrorCode, res.ErrorReason = aggregate(res.Requests)
	p.log.Info(ctx, "enrollment processed",
		logger.String("profile", prof.ID),
		logger.Int("requests", len(res.Requests)),
		logger.String("error_code", res.ErrorCode))
	return res, nil
}

// aggregate folds per-request outcomes into one code and a newline-joined reason.
func aggregate(reqs []*models.Request) (string, string) {
	code := ErrorCodeSuccess
	var reasons []string
	for _, r := range reqs {
		switch {
		case r.Status == constants.RequestStatusPending:
			if code == ErrorCodeSuccess {
				code = ErrorCodePending
			}
		case !r.Succeeded():
			code = ErrorCodeFailure
			reason := r.ErrorReason()
			if reason == "" {
				reason = fmt.Sprintf("request %s ended in status %s", r.ID, r.Status)
			}
			reasons = append(reasons, reason)
		}
	}
	return code, strings.Join(reasons, "\n")
}

// ================================================================================
// Certificate status changes
// ================================================================================

// Renew issues a new certificate for the subject and key of an existing one.
func (p *Processor) Renew(ctx context.Context, token *models.AuthToken, serial, profileID string) (*models.Request, error) {
	if _, err := p.gate.Authorize(ctx, constants.ResourceCARequests, token, "", constants.OperationExecute); err != nil {
		return nil, err
	}
	rec, err := p.certs.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	old, err := parseCert(rec.DER)
	if err != nil {
		return nil, err
	}
	prof, ok := p.profiles.Get(profileID)
	if !ok || !prof.Enabled {
		return nil, errors.ErrBadRequest(fmt.Sprintf("Profile %s not found or not enabled", profileID))
	}

	// Inputs of the original enrollment feed the profile patterns again.
	inputs := map[string]string{}
	if orig, err := p.queue.GetRequest(ctx, rec.RequestID); err == nil {
		inputs = orig.Inputs
	}
	tmpl := templateFromCert(old)
	scratch := models.NewRequest(constants.RequestTypeRenewal, "")
	for k, v := range inputs {
		scratch.Inputs[k] = v
	}
	if err := prof.Populate(ctx, scratch, tmpl); err != nil {
		return nil, err
	}

	req, err := p.queue.NewRequest(ctx, constants.RequestTypeRenewal, "", false)
	if err != nil {
		return nil, err
	}
	req.SetOwner(subject(token))
	for k, v := range inputs {
		req.Inputs[k] = v
	}
	req.Ext.SetString(constants.ExtProfileID, prof.ID)
	req.Ext.SetCerts(constants.ExtOldCerts, [][]byte{rec.DER})
	if err := req.SetTemplates([]*models.CertTemplate{tmpl}); err != nil {
		return nil, errors.ErrStore("encode templates", err)
	}
	if err := p.queue.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := p.queue.ProcessRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Revoke revokes the certificates with the given serials.
func (p *Processor) Revoke(ctx context.Context, token *models.AuthToken, serials []string, reason int) (*models.Request, error) {
	return p.changeStatus(ctx, token, constants.RequestTypeRevocation, serials, reason)
}

// Unrevoke reinstates revoked certificates.
func (p *Processor) Unrevoke(ctx context.Context, token *models.AuthToken, serials []string) (*models.Request, error) {
	return p.changeStatus(ctx, token, constants.RequestTypeUnrevocation, serials, 0)
}

func (p *Processor) changeStatus(ctx context.Context, token *models.AuthToken, t constants.RequestType, serials []string, reason int) (*models.Request, error) {
	if _, err := p.gate.Authorize(ctx, constants.ResourceCARequests, token, "", constants.OperationExecute); err != nil {
		return nil, err
	}
	if len(serials) == 0 {
		return nil, errors.ErrBadRequest("no certificate serial numbers given")
	}
	ders := make([][]byte, 0, len(serials))
	for _, s := range serials {
		rec, err := p.certs.Get(ctx, s)
		if err != nil {
			return nil, err
		}
		ders = append(ders, rec.DER)
	}

	req, err := p.queue.NewRequest(ctx, t, "", false)
	if err != nil {
		return nil, err
	}
	req.SetOwner(subject(token))
	req.Ext.SetCerts(constants.ExtOldCerts, ders)
	if t == constants.RequestTypeRevocation {
		req.Ext.SetInt(constants.ExtRevocationReason, int64(reason))
	}
	if err := p.queue.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	if err := p.queue.ProcessRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// ================================================================================
// Agent actions
// ================================================================================

// Approve records an agent approval of a pending CA request.
func (p *Processor) Approve(ctx context.Context, token *models.AuthToken, id models.RequestID) (*models.Request, error) {
	if err := p.authorizeAgent(ctx, token); err != nil {
		return nil, err
	}
	return p.queue.ApproveRequest(ctx, id, subject(token), p.gate.Guard(token, constants.ResourceCARequests, constants.OperationExecute))
}

// Reject terminates a pending CA request.
func (p *Processor) Reject(ctx context.Context, token *models.AuthToken, id models.RequestID, reason string) (*models.Request, error) {
	if err := p.authorizeAgent(ctx, token); err != nil {
		return nil, err
	}
	return p.queue.RejectRequest(ctx, id, subject(token), reason, p.gate.Guard(token, constants.ResourceCARequests, constants.OperationExecute))
}

// Cancel cancels a pending CA request.
func (p *Processor) Cancel(ctx context.Context, token *models.AuthToken, id models.RequestID, reason string) (*models.Request, error) {
	if err := p.authorizeAgent(ctx, token); err != nil {
		return nil, err
	}
	return p.queue.CancelRequest(ctx, id, subject(token), reason, p.gate.Guard(token, constants.ResourceCARequests, constants.OperationExecute))
}

func (p *Processor) authorizeAgent(ctx context.Context, token *models.AuthToken) error {
	if token == nil {
		return errors.ErrUnauthorized("agent credentials required")
	}
	_, err := p.gate.Authorize(ctx, constants.ResourceCARequests, token, "", constants.OperationExecute)
	return err
}

func subject(token *models.AuthToken) string {
	if token == nil {
		return ""
	}
	return token.Subject
}
