package authn

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// Binder verifies a password by binding as dn.
type Binder interface {
	BindUser(ctx context.Context, dn, password string) error
}

// DirPasswordAuthenticator authenticates a uid/password pair by binding to the
// directory as the user. Group membership is read from memberOf when a
// connection factory is available.
// DirPasswordAuthenticator 通过以用户身份绑定目录来认证 uid 和口令。
type DirPasswordAuthenticator struct {
	binder    Binder
	conns     service.ConnFactory
	dnPattern string
	log       logger.Logger
}

var _ service.Authenticator = (*DirPasswordAuthenticator)(nil)

// NewDirPasswordAuthenticator creates the dirPassword manager. dnPattern holds
// one %s for the escaped uid. conns may be nil.
func NewDirPasswordAuthenticator(binder Binder, conns service.ConnFactory, dnPattern string, log logger.Logger) *DirPasswordAuthenticator {
	return &DirPasswordAuthenticator{
		binder:    binder,
		conns:     conns,
		dnPattern: dnPattern,
		log:       log.WithComponent("DirPasswordAuthenticator"),
	}
}

func (a *DirPasswordAuthenticator) Name() string { return constants.AuthManagerDirPassword }

func (a *DirPasswordAuthenticator) Authenticate(ctx context.Context, creds *models.Credentials) (*models.AuthToken, error) {
	uid := strings.TrimSpace(creds.UID)
	if uid == "" || creds.Password == "" {
		return nil, errors.ErrAuthFailure(a.Name(), "missing uid or password")
	}
	dn := fmt.Sprintf(a.dnPattern, ldap.EscapeDN(uid))
	if err := a.binder.BindUser(ctx, dn, creds.Password); err != nil {
		return nil, err
	}

	token := &models.AuthToken{
		Subject:    uid,
		Manager:    a.Name(),
		Attributes: map[string]string{"dn": dn},
		IssuedAt:   time.Now().UTC(),
	}
	if a.conns != nil {
		groups, err := a.groups(ctx, dn)
		if err != nil {
			// The password was accepted; authorization falls back to the uid.
			a.log.Warn(ctx, "cannot read group membership", logger.String("dn", dn), logger.Err(err))
		}
		token.Groups = groups
	}
	return token, nil
}

func (a *DirPasswordAuthenticator) groups(ctx context.Context, dn string) ([]string, error) {
	conn, err := a.conns.Get(ctx)
	if err != nil {
		return nil, err
	}
	defer a.conns.Return(conn)

	entries, err := conn.Search(ctx, dn, service.ScopeBase, "(objectclass=*)", []string{"memberOf"})
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	var out []string
	for _, v := range entries[0].Values("memberOf") {
		out = append(out, groupName(string(v)))
	}
	return out, nil
}

// groupName returns the value of the first RDN of a group DN, or the DN itself.
func groupName(groupDN string) string {
	parsed, err := ldap.ParseDN(groupDN)
	if err != nil || len(parsed.RDNs) == 0 || len(parsed.RDNs[0].Attributes) == 0 {
		return groupDN
	}
	return parsed.RDNs[0].Attributes[0].Value
}
