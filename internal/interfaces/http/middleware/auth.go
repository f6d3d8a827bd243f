// Package middleware holds the gin middleware of the HTTP surface.
package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/eldorplus/pki/internal/domain/models"
	"github.com/eldorplus/pki/pkg/constants"
	"github.com/eldorplus/pki/pkg/errors"
	"github.com/eldorplus/pki/pkg/logger"
)

const (
	credentialsKey = "pki.credentials"
	tokenKey       = "pki.token"
)

// Authenticator is the part of the authorization gate the middleware needs.
type Authenticator interface {
	Authenticate(ctx context.Context, creds *models.Credentials) (*models.AuthToken, error)
}

// Credentials extracts caller credentials from the Authorization header: a
// bearer token goes to bearerManager, basic auth to the directory password
// manager. Requests without the header carry no credentials.
func Credentials(bearerManager string) gin.HandlerFunc {
	if bearerManager == "" {
		bearerManager = constants.AuthManagerAgentJWT
	}
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		switch {
		case header == "":
		case strings.HasPrefix(strings.ToLower(header), "bearer "):
			c.Set(credentialsKey, &models.Credentials{
				Manager: bearerManager,
				Bearer:  strings.TrimSpace(header[len("bearer "):]),
			})
		default:
			if uid, pw, ok := c.Request.BasicAuth(); ok {
				c.Set(credentialsKey, &models.Credentials{
					Manager:  constants.AuthManagerDirPassword,
					UID:      uid,
					Password: pw,
				})
			}
		}
		c.Next()
	}
}

// Authenticate resolves the extracted credentials to a token through the gate
// and rejects the call when they are missing or invalid.
func Authenticate(gate Authenticator, log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := CredentialsFrom(c)
		if creds == nil {
			Abort(c, errors.ErrUnauthorized("authentication required"))
			return
		}
		token, err := gate.Authenticate(c.Request.Context(), creds)
		if err != nil {
			log.Info(c.Request.Context(), "authentication failed",
				logger.String("manager", creds.Manager), logger.String("reason", errors.MessageOf(err)))
			Abort(c, err)
			return
		}
		c.Set(tokenKey, token)
		ctx := context.WithValue(c.Request.Context(), constants.ContextKeyPrincipal, token.Subject)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CredentialsFrom returns the credentials extracted by Credentials, or nil.
func CredentialsFrom(c *gin.Context) *models.Credentials {
	v, ok := c.Get(credentialsKey)
	if !ok {
		return nil
	}
	creds, _ := v.(*models.Credentials)
	return creds
}

// TokenFrom returns the token set by Authenticate, or nil.
func TokenFrom(c *gin.Context) *models.AuthToken {
	v, ok := c.Get(tokenKey)
	if !ok {
		return nil
	}
	token, _ := v.(*models.AuthToken)
	return token
}

// Abort writes err as the JSON error body and stops the chain.
func Abort(c *gin.Context, err error) {
	status, body := errors.ToErrorResponse(err)
	c.AbortWithStatusJSON(status, body)
}
