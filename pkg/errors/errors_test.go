package errors

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPredicatesFollowWrappedChains(t *testing.T) {
	err := fmt.Errorf("archival: %w", ErrBadRequest("Missing client ID"))

	assert.True(t, IsBadRequest(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, CodeBadRequest, CodeOf(err))
	assert.Equal(t, "Missing client ID", MessageOf(err))
}

func TestUnknownRealmIsAlsoUnauthorized(t *testing.T) {
	err := ErrUnknownRealm("r9")

	assert.True(t, IsUnknownRealm(err))
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, "r9", err.Metadata()["realm"])
}

func TestCauseIsIncludedInErrorString(t *testing.T) {
	cause := fmt.Errorf("ldap: connection refused")
	err := ErrDirectoryUnavailable(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "Directory unavailable", MessageOf(err))
}

func TestToErrorResponse(t *testing.T) {
	status, body := ToErrorResponse(ErrInvalidState("7", "complete", "cancel"))
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(CodeInvalidState), body.Error)
	assert.Equal(t, "7", body.Metadata["request_id"])

	status, body = ToErrorResponse(fmt.Errorf("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "server_error", body.Error)
}
