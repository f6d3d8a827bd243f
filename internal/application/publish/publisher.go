package publish

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"

	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

// UserCertAttr is the default attribute certificates are published to.
const UserCertAttr = "userCertificate;binary"

// UserCertPublisher keeps a certificate in a multi-valued entry attribute.
// Publishing a value already present is a no-op.
// UserCertPublisher 将证书保存到条目的多值属性中，重复发布不产生任何效果。
type UserCertPublisher struct {
	Attr string
	// DeleteCert replaces existing values instead of adding to them.
	DeleteCert bool
	// DisableUnpublish turns Unpublish into a no-op.
	DisableUnpublish bool
}

// NewUserCertPublisher creates a publisher for attr, defaulting to userCertificate;binary.
func NewUserCertPublisher(attr string, deleteCert, disableUnpublish bool) *UserCertPublisher {
	if attr == "" {
		attr = UserCertAttr
	}
	return &UserCertPublisher{Attr: attr, DeleteCert: deleteCert, DisableUnpublish: disableUnpublish}
}

func (p *UserCertPublisher) values(ctx context.Context, conn service.DirectoryConn, dn string) ([][]byte, error) {
	entries, err := conn.Search(ctx, dn, service.ScopeBase, "(objectclass=*)", []string{p.Attr})
	if err != nil {
		return nil, classify(err, "read "+dn)
	}
	if len(entries) == 0 {
		return nil, errors.ErrPublish("entry " + dn + " does not exist")
	}
	return entries[0].Values(p.Attr), nil
}

func (p *UserCertPublisher) Publish(ctx context.Context, conn service.DirectoryConn, dn string, cert *x509.Certificate) error {
	existing, err := p.values(ctx, conn, dn)
	if err != nil {
		return err
	}
	if hasValue(existing, cert.Raw) {
		return nil
	}
	op := service.ModAdd
	if p.DeleteCert {
		op = service.ModReplace
	}
	if err := conn.Modify(ctx, dn, []service.Modification{{Op: op, Attr: p.Attr, Values: [][]byte{cert.Raw}}}); err != nil {
		return classify(err, "publish to "+dn)
	}
	return nil
}

func (p *UserCertPublisher) Unpublish(ctx context.Context, conn service.DirectoryConn, dn string, cert *x509.Certificate) error {
	if p.DisableUnpublish {
		return nil
	}
	existing, err := p.values(ctx, conn, dn)
	if err != nil {
		return err
	}
	if !hasValue(existing, cert.Raw) {
		return nil
	}
	if err := conn.Modify(ctx, dn, []service.Modification{{Op: service.ModDelete, Attr: p.Attr, Values: [][]byte{cert.Raw}}}); err != nil {
		return classify(err, "unpublish from "+dn)
	}
	return nil
}

func hasValue(values [][]byte, v []byte) bool {
	for _, x := range values {
		if bytes.Equal(x, v) {
			return true
		}
	}
	return false
}

// classify keeps DirectoryUnavailable and wraps everything else as a publish error.
func classify(err error, op string) error {
	switch errors.CodeOf(err) {
	case errors.CodeDirectoryUnavailable, errors.CodePublish:
		return err
	}
	return errors.ErrPublish(fmt.Sprintf("%s: %v", op, err)).WithCause(err)
}
