package directory

import (
	"context"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

type conn struct {
	client Client
	broken bool
}

var scopes = map[service.SearchScope]int{
	service.ScopeBase:     ldap.ScopeBaseObject,
	service.ScopeOneLevel: ldap.ScopeSingleLevel,
	service.ScopeSubtree:  ldap.ScopeWholeSubtree,
}

func (c *conn) deadline(ctx context.Context) {
	if d, ok := ctx.Deadline(); ok {
		c.client.SetTimeout(time.Until(d))
	}
}

func (c *conn) fail(err error, op string) error {
	out := classify(err, op)
	if errors.IsDirectoryUnavailable(out) {
		c.broken = true
	}
	return out
}

func (c *conn) Search(ctx context.Context, baseDN string, scope service.SearchScope, filter string, attrs []string) ([]*service.Entry, error) {
	if _, err := ldap.ParseDN(baseDN); err != nil {
		return nil, errors.ErrPublish("invalid DN " + baseDN).WithCause(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.ErrDirectoryUnavailable(err)
	}
	c.deadline(ctx)

	req := ldap.NewSearchRequest(baseDN, scopes[scope], ldap.NeverDerefAliases, 0, 0, false, filter, attrs, nil)
	res, err := c.client.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, c.fail(err, "search "+baseDN)
	}

	out := make([]*service.Entry, 0, len(res.Entries))
	for _, e := range res.Entries {
		entry := &service.Entry{DN: e.DN, Attributes: make(map[string][][]byte, len(e.Attributes))}
		for _, a := range e.Attributes {
			entry.Attributes[a.Name] = a.ByteValues
		}
		out = append(out, entry)
	}
	return out, nil
}

func (c *conn) Modify(ctx context.Context, dn string, mods []service.Modification) error {
	if _, err := ldap.ParseDN(dn); err != nil {
		return errors.ErrPublish("invalid DN " + dn).WithCause(err)
	}
	if err := ctx.Err(); err != nil {
		return errors.ErrDirectoryUnavailable(err)
	}
	c.deadline(ctx)

	req := ldap.NewModifyRequest(dn, nil)
	for _, m := range mods {
		values := make([]string, len(m.Values))
		for i, v := range m.Values {
			values[i] = string(v)
		}
		switch m.Op {
		case service.ModAdd:
			req.Add(m.Attr, values)
		case service.ModReplace:
			req.Replace(m.Attr, values)
		case service.ModDelete:
			req.Delete(m.Attr, values)
		}
	}
	if err := c.client.Modify(req); err != nil {
		return c.fail(err, "modify "+dn)
	}
	return nil
}
