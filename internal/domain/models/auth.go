package models

import "time"

// Credentials are the raw inputs handed to an authentication manager.
type Credentials struct {
	Manager  string
	UID      string
	Password string
	Bearer   string
	Attrs    map[string]string
}

// AuthToken is the result of a successful authentication.
// AuthToken 是认证成功后的结果。
type AuthToken struct {
	// Subject is the authenticated principal.
	Subject string
	// Groups the principal belongs to, used by ACL evaluation.
	Groups []string
	// Manager is the authentication manager that issued the token.
	Manager string
	// Attributes carries manager-specific claims (email, dn, ...).
	Attributes map[string]string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Principals returns the subject followed by "group:"-prefixed groups.
func (t *AuthToken) Principals() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.Groups)+1)
	if t.Subject != "" {
		out = append(out, t.Subject)
	}
	for _, g := range t.Groups {
		out = append(out, "group:"+g)
	}
	return out
}

// AuthzToken records a granted authorization decision.
type AuthzToken struct {
	Subject   string
	Resource  string
	Operation string
	Realm     string
	GrantedAt time.Time
}

// RecoveryParams are the short-lived recovery inputs kept outside the durable store.
// RecoveryParams 是保存在持久存储之外的短期恢复参数。
type RecoveryParams struct {
	SessionWrappedKey  []byte
	SessionWrappedPass []byte
	Nonce              []byte
	// Recovered is the secret re-wrapped for the caller once the service ran.
	Recovered []byte
	// RecoveredIV is the nonce used for Recovered.
	RecoveredIV []byte
}
