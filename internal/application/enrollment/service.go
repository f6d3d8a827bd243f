package enrollment

import (
	"context"
	"crypto/x509"
	"fmt"
	"strconv"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/repository"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// IssuanceService signs the templates of enrollment and renewal requests.
// IssuanceService 为注册和续期请求签发证书模板。
type IssuanceService struct {
	issuer service.CertIssuer
	certs  repository.CertificateRepository
	audit  service.AuditSink
	log    logger.Logger
}

// NewIssuanceService creates the issuance service.
func NewIssuanceService(issuer service.CertIssuer, certs repository.CertificateRepository, audit service.AuditSink, log logger.Logger) *IssuanceService {
	return &IssuanceService{issuer: issuer, certs: certs, audit: audit, log: log.WithComponent("IssuanceService")}
}

// ServiceRequest issues one certificate per template and records them in ISSUED_CERTS.
func (s *IssuanceService) ServiceRequest(ctx context.Context, req *models.Request) (err error) {
	defer func() {
		ev := models.NewAuditEvent(constants.AuditCertRequestProcessed, models.Outcome(err == nil), req.Owner).
			WithRequest(req.ID).
			WithRealm(req.Realm)
		if err != nil {
			ev.WithMessage(errors.MessageOf(err))
		}
		s.audit.Log(ctx, ev)
	}()

	templates, err := req.Templates()
	if err != nil {
		return errors.ErrBadRequest("certificate templates are unreadable").WithCause(err)
	}
	if len(templates) == 0 {
		return errors.ErrBadRequest(fmt.Sprintf("request %s carries no certificate templates", req.ID))
	}

	issued := make([][]byte, 0, len(templates))
	for i, tmpl := range templates {
		serial, err := s.certs.NextSerialNumber(ctx)
		if err != nil {
			return err
		}
		cert, err := s.issuer.Issue(ctx, tmpl, serial)
		if err != nil {
			return err
		}
		if err := s.certs.Create(ctx, models.NewCertRecord(cert, req.ID)); err != nil {
			return err
		}
		issued = append(issued, cert.Raw)
		s.log.Info(ctx, "certificate issued",
			logger.RequestID(req.ID.String()),
			logger.Int("template", i),
			logger.String("serial", models.SerialHex(cert.SerialNumber)),
			logger.String("subject", cert.Subject.String()))
	}
	req.Ext.SetCerts(constants.ExtIssuedCerts, issued)
	return nil
}

// StatusService revokes or reinstates the certificates in OLD_CERTS.
type StatusService struct {
	status models.CertStatus
	certs  repository.CertificateRepository
	audit  service.AuditSink
	log    logger.Logger
}

// NewRevocationService marks OLD_CERTS revoked.
func NewRevocationService(certs repository.CertificateRepository, audit service.AuditSink, log logger.Logger) *StatusService {
	return &StatusService{status: models.CertStatusRevoked, certs: certs, audit: audit, log: log.WithComponent("RevocationService")}
}

// NewUnrevocationService marks OLD_CERTS valid again.
func NewUnrevocationService(certs repository.CertificateRepository, audit service.AuditSink, log logger.Logger) *StatusService {
	return &StatusService{status: models.CertStatusValid, certs: certs, audit: audit, log: log.WithComponent("UnrevocationService")}
}

func (s *StatusService) ServiceRequest(ctx context.Context, req *models.Request) error {
	certs, err := req.Ext.GetCerts(constants.ExtOldCerts)
	if err != nil {
		return errors.ErrBadRequest("OLD_CERTS is unreadable").WithCause(err)
	}
	if len(certs) == 0 {
		return errors.ErrBadRequest(fmt.Sprintf("request %s names no certificates", req.ID))
	}
	reason, _ := req.Ext.GetInt(constants.ExtRevocationReason)

	var failed int
	for _, c := range certs {
		if c == nil {
			continue
		}
		serial := models.SerialHex(c.SerialNumber)
		err := s.certs.SetStatus(ctx, serial, s.status, int(reason))
		s.audit.Log(ctx, models.NewAuditEvent(constants.AuditCertStatusChange, models.Outcome(err == nil), req.Owner).
			WithRequest(req.ID).
			WithAttr("serial", serial).
			WithAttr("status", string(s.status)).
			WithAttr("reason", strconv.FormatInt(reason, 10)))
		if err != nil {
			failed++
			req.AddSvcError(fmt.Sprintf("%s: %s", serial, errors.MessageOf(err)))
			s.log.Error(ctx, "certificate status change failed", err, logger.String("serial", serial))
		}
	}
	if failed > 0 {
		return errors.ErrStore(fmt.Sprintf("%d of %d certificate status changes failed", failed, len(certs)), nil)
	}
	return nil
}

func parseCert(der []byte) (*x509.Certificate, error) {
	c, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.ErrBadRequest("stored certificate is unreadable").WithCause(err)
	}
	return c, nil
}

// templateFromCert carries subject, key and SANs of an existing certificate.
func templateFromCert(c *x509.Certificate) *models.CertTemplate {
	tmpl := &models.CertTemplate{
		SubjectDN:    c.Subject.String(),
		PublicKey:    c.RawSubjectPublicKeyInfo,
		KeyAlgorithm: keyAlgorithm(c.PublicKey),
	}
	for _, d := range c.DNSNames {
		tmpl.SANs = append(tmpl.SANs, models.GeneralName{Type: models.GNDNSName, Value: d})
	}
	for _, e := range c.EmailAddresses {
		tmpl.SANs = append(tmpl.SANs, models.GeneralName{Type: models.GNRFC822Name, Value: e})
	}
	for _, ip := range c.IPAddresses {
		tmpl.SANs = append(tmpl.SANs, models.GeneralName{Type: models.GNIPAddress, Value: ip.String()})
	}
	for _, u := range c.URIs {
		tmpl.SANs = append(tmpl.SANs, models.GeneralName{Type: models.GNURIName, Value: u.String()})
	}
	return tmpl
}
