// Package authn provides the authentication managers registered on the gate.
// Package authn 提供在授权关口注册的认证管理器。
package authn

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/internal/domain/service"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

// AgentClaims are the claims carried by agent bearer tokens.
type AgentClaims struct {
	jwt.RegisteredClaims
	Groups []string `json:"groups,omitempty"`
	Email  string   `json:"email,omitempty"`
}

// JWTAuthenticator validates agent bearer tokens. HS256 tokens are checked
// against a shared secret and RS256 tokens against keys named by their kid.
// JWTAuthenticator 校验代理的 Bearer 令牌。
type JWTAuthenticator struct {
	secret   []byte
	keys     KeySource
	issuer   string
	audience string
	leeway   time.Duration
	denylist TokenDenylist
	log      logger.Logger
}

// TokenDenylist reports agent tokens revoked before their expiry, by jti.
type TokenDenylist interface {
	IsDenied(ctx context.Context, jti string) (bool, error)
}

var _ service.Authenticator = (*JWTAuthenticator)(nil)

// JWTOption customizes a JWTAuthenticator.
type JWTOption func(*JWTAuthenticator)

// WithSecret accepts HS256 tokens signed with secret.
func WithSecret(secret []byte) JWTOption { return func(a *JWTAuthenticator) { a.secret = secret } }

// WithKeySource accepts RS256 tokens verified by keys.
func WithKeySource(keys KeySource) JWTOption { return func(a *JWTAuthenticator) { a.keys = keys } }

// WithIssuer requires the iss claim.
func WithIssuer(iss string) JWTOption { return func(a *JWTAuthenticator) { a.issuer = iss } }

// WithAudience requires aud to contain aud.
func WithAudience(aud string) JWTOption { return func(a *JWTAuthenticator) { a.audience = aud } }

// WithLeeway tolerates clock skew on time claims.
func WithLeeway(d time.Duration) JWTOption { return func(a *JWTAuthenticator) { a.leeway = d } }

// WithDenylist rejects tokens whose jti was revoked. A failed lookup rejects
// the token.
func WithDenylist(d TokenDenylist) JWTOption { return func(a *JWTAuthenticator) { a.denylist = d } }

// NewJWTAuthenticator creates the agentJWT manager.
func NewJWTAuthenticator(log logger.Logger, opts ...JWTOption) *JWTAuthenticator {
	a := &JWTAuthenticator{log: log.WithComponent("JWTAuthenticator")}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *JWTAuthenticator) Name() string { return constants.AuthManagerAgentJWT }

func (a *JWTAuthenticator) Authenticate(ctx context.Context, creds *models.Credentials) (*models.AuthToken, error) {
	if creds.Bearer == "" {
		return nil, errors.ErrAuthFailure(a.Name(), "missing bearer token")
	}

	var methods []string
	if len(a.secret) > 0 {
		methods = append(methods, jwt.SigningMethodHS256.Alg())
	}
	if a.keys != nil {
		methods = append(methods, jwt.SigningMethodRS256.Alg())
	}
	if len(methods) == 0 {
		return nil, errors.ErrAuthFailure(a.Name(), "no verification key configured")
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(methods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(a.leeway),
	}
	if a.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.audience))
	}

	claims := &AgentClaims{}
	_, err := jwt.ParseWithClaims(creds.Bearer, claims, func(t *jwt.Token) (interface{}, error) {
		switch t.Method.(type) {
		case *jwt.SigningMethodHMAC:
			return a.secret, nil
		case *jwt.SigningMethodRSA:
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, stderrors.New("token has no kid")
			}
			return a.keys.PublicKey(ctx, kid)
		}
		return nil, jwt.ErrTokenUnverifiable
	})
	if err != nil {
		reason := "invalid token"
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		a.log.Debug(ctx, "bearer token rejected", logger.Err(err))
		return nil, errors.ErrAuthFailure(a.Name(), reason).WithCause(err)
	}
	if claims.Subject == "" {
		return nil, errors.ErrAuthFailure(a.Name(), "token has no subject")
	}
	if a.denylist != nil && claims.ID != "" {
		denied, err := a.denylist.IsDenied(ctx, claims.ID)
		if err != nil {
			a.log.Warn(ctx, "token denylist lookup failed", logger.Err(err))
			return nil, errors.ErrAuthFailure(a.Name(), "revocation check failed").WithCause(err)
		}
		if denied {
			return nil, errors.ErrAuthFailure(a.Name(), "token revoked")
		}
	}

	token := &models.AuthToken{
		Subject:    claims.Subject,
		Groups:     claims.Groups,
		Manager:    a.Name(),
		Attributes: map[string]string{},
	}
	if claims.Email != "" {
		token.Attributes["email"] = claims.Email
	}
	if claims.ID != "" {
		token.Attributes["jti"] = claims.ID
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		token.ExpiresAt = claims.ExpiresAt.Time
	}
	return token, nil
}
