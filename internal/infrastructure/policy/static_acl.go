package policy

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/errors"
)

// Special ACL principals.
const (
	// PrincipalAnybody matches every caller, authenticated or not.
	PrincipalAnybody = "anybody"
	// PrincipalOwner matches when the token subject is the record owner.
	PrincipalOwner = "owner"
	// groupPrefix marks a group principal.
	groupPrefix = "group:"
)

// ResourceACL maps resource -> operation -> principals.
type ResourceACL map[string]map[string][]string

// ACLFile is the YAML layout of the access control file.
// ACLFile 是访问控制文件的 YAML 结构。
type ACLFile struct {
	// ACL applies everywhere.
	ACL ResourceACL `yaml:"acl"`
	// Realms holds one ACL per realm. A realm absent here is unknown.
	Realms map[string]ResourceACL `yaml:"realms"`
}

// StaticACL implements service.AccessControl from a static, file-based configuration.
// It loads the ACL at startup and never reloads it.
// StaticACL 使用静态的、基于文件的配置实现 service.AccessControl，启动时加载，不会重新加载。
type StaticACL struct {
	global ResourceACL
	realms map[string]ResourceACL
}

var _ service.AccessControl = (*StaticACL)(nil)

// NewStaticACL loads the ACL file at path.
func NewStaticACL(path string) (*StaticACL, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read acl file: %w", err)
	}
	return ParseStaticACL(file)
}

// ParseStaticACL builds an ACL from YAML bytes.
func ParseStaticACL(data []byte) (*StaticACL, error) {
	var f ACLFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal acl file: %w", err)
	}
	return NewStaticACLFromFile(f), nil
}

// NewStaticACLFromFile builds an ACL from an already decoded file.
func NewStaticACLFromFile(f ACLFile) *StaticACL {
	if f.ACL == nil {
		f.ACL = ResourceACL{}
	}
	if f.Realms == nil {
		f.Realms = map[string]ResourceACL{}
	}
	return &StaticACL{global: f.ACL, realms: f.Realms}
}

// DefaultACL lets anybody submit enrollments and lets the "agents" group act on
// requests and keys. Record owners may read their own requests.
func DefaultACL() *StaticACL {
	agents := []string{groupPrefix + "agents"}
	return NewStaticACLFromFile(ACLFile{ACL: ResourceACL{
		"certServer.ee.profile":            {"submit": {PrincipalAnybody}},
		"certServer.ca.request.enrollment": {"submit": {PrincipalAnybody}},
		"certServer.ca.requests":           {"execute": agents},
		"certServer.kra.requests":          {"execute": agents, "submit": agents},
		"certServer.kra.request":           {"read": append([]string{PrincipalOwner}, agents...)},
		"certServer.kra.key":               {"recover": agents},
	}})
}

// Allowed evaluates the global ACL.
func (a *StaticACL) Allowed(ctx context.Context, token *models.AuthToken, owner, resource, operation string) bool {
	return match(a.global, token, owner, resource, operation)
}

// RealmAllowed evaluates the ACL of realm; an unknown realm fails with UnknownRealm.
func (a *StaticACL) RealmAllowed(ctx context.Context, realm string, token *models.AuthToken, owner, resource, operation string) (bool, error) {
	acl, ok := a.realms[realm]
	if !ok {
		return false, errors.ErrUnknownRealm(realm)
	}
	return match(acl, token, owner, resource, operation), nil
}

// Realms lists the configured realms.
func (a *StaticACL) Realms() []string {
	out := make([]string, 0, len(a.realms))
	for r := range a.realms {
		out = append(out, r)
	}
	return out
}

func match(acl ResourceACL, token *models.AuthToken, owner, resource, operation string) bool {
	ops, ok := acl[resource]
	if !ok {
		return false
	}
	for _, p := range ops[operation] {
		switch {
		case p == PrincipalAnybody:
			return true
		case token == nil:
			continue
		case p == PrincipalOwner:
			if owner != "" && token.Subject == owner {
				return true
			}
		case strings.HasPrefix(p, groupPrefix):
			for _, g := range token.Groups {
				if g == strings.TrimPrefix(p, groupPrefix) {
					return true
				}
			}
		case p == token.Subject:
			return true
		}
	}
	return false
}
