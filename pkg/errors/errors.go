// Package errors defines the structured error taxonomy of the PKI request engine.
// Every error carries a stable machine code, an HTTP status for the REST surface and
// free-form metadata; predicates walk wrapped chains with errors.As.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable machine-readable error code.
type Code string

const (
	CodeBadRequest           Code = "bad_request"
	CodeNotFound             Code = "not_found"
	CodeKeyNotFound          Code = "key_not_found"
	CodeUnauthorized         Code = "unauthorized"
	CodeAccessDenied         Code = "access_denied"
	CodeUnknownRealm         Code = "unknown_realm"
	CodeCrypto               Code = "crypto_error"
	CodeDirectoryUnavailable Code = "directory_unavailable"
	CodePublish              Code = "publish_error"
	CodeStore                Code = "store_error"
	CodeInvalidProperty      Code = "invalid_property"
	CodeMissingKeygenInfo    Code = "missing_keygen_info"
	CodeInvalidState         Code = "invalid_state"
	CodeAuthFailed           Code = "auth_failed"
	CodeConflict             Code = "conflict"
)

// ================================================================================
// Base Error Interface
// ================================================================================

// PKIError represents a structured error with additional metadata
type PKIError interface {
	error

	// Code returns the machine error code
	Code() Code

	// HTTPStatus returns the HTTP status code
	HTTPStatus() int

	// Description returns a human-readable description
	Description() string

	// Unwrap returns the underlying error for error chain support
	Unwrap() error

	// WithCause adds a cause error to the error chain
	WithCause(cause error) PKIError

	// WithMetadata adds additional context metadata
	WithMetadata(key string, value interface{}) PKIError

	// Metadata returns all metadata
	Metadata() map[string]interface{}
}

// ================================================================================
// Base Error Implementation
// ================================================================================

type baseError struct {
	code        Code
	httpStatus  int
	description string
	message     string
	cause       error
	metadata    map[string]interface{}
}

func (e *baseError) Error() string {
	msg := e.message
	if msg == "" {
		msg = e.description
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *baseError) Code() Code          { return e.code }
func (e *baseError) HTTPStatus() int     { return e.httpStatus }
func (e *baseError) Description() string { return e.description }
func (e *baseError) Unwrap() error       { return e.cause }

// Message returns the message without the cause chain, suitable for user-facing reasons.
func (e *baseError) Message() string {
	if e.message != "" {
		return e.message
	}
	return e.description
}

func (e *baseError) WithCause(cause error) PKIError {
	e.cause = cause
	return e
}

func (e *baseError) WithMetadata(key string, value interface{}) PKIError {
	if e.metadata == nil {
		e.metadata = make(map[string]interface{})
	}
	e.metadata[key] = value
	return e
}

func (e *baseError) Metadata() map[string]interface{} {
	return e.metadata
}

// ================================================================================
// Error Constructor
// ================================================================================

// NewError creates a new PKIError with the specified parameters
func NewError(code Code, httpStatus int, description string, message string) PKIError {
	return &baseError{
		code:        code,
		httpStatus:  httpStatus,
		description: description,
		message:     message,
		metadata:    make(map[string]interface{}),
	}
}

// ================================================================================
// Predefined Error Constructors
// ================================================================================

// ErrBadRequest reports malformed or invalid caller input.
func ErrBadRequest(message string) PKIError {
	return NewError(CodeBadRequest, http.StatusBadRequest, "The request is malformed or contains invalid values.", message)
}

// ErrNotFound reports an unknown request, certificate or entry.
func ErrNotFound(kind, id string) PKIError {
	return NewError(CodeNotFound, http.StatusNotFound, "The requested object does not exist.",
		fmt.Sprintf("%s not found: %s", kind, id)).
		WithMetadata("kind", kind).
		WithMetadata("id", id)
}

// ErrKeyNotFound reports an unknown key record.
func ErrKeyNotFound(keyID string) PKIError {
	return NewError(CodeKeyNotFound, http.StatusNotFound, "The requested key does not exist.",
		fmt.Sprintf("Key not found: %s", keyID)).
		WithMetadata("key_id", keyID)
}

// ErrUnauthorized reports a caller that is not entitled to perform an operation.
func ErrUnauthorized(message string) PKIError {
	return NewError(CodeUnauthorized, http.StatusUnauthorized, "The caller is not authorized for this operation.", message)
}

// ErrAccessDenied reports an ACL denial for a resource/operation pair.
func ErrAccessDenied(resource, operation string) PKIError {
	return NewError(CodeAccessDenied, http.StatusForbidden, "Access to the resource was denied.",
		fmt.Sprintf("Access denied: %s/%s", resource, operation)).
		WithMetadata("resource", resource).
		WithMetadata("operation", operation)
}

// ErrUnknownRealm reports a realm no ACL is configured for.
func ErrUnknownRealm(realm string) PKIError {
	return NewError(CodeUnknownRealm, http.StatusUnauthorized, "The realm is not configured.",
		fmt.Sprintf("Unknown realm: %s", realm)).
		WithMetadata("realm", realm)
}

// ErrCrypto reports a wrap, unwrap, keygen or signing failure.
func ErrCrypto(operation string, cause error) PKIError {
	return NewError(CodeCrypto, http.StatusInternalServerError, "A cryptographic operation failed.",
		fmt.Sprintf("Crypto operation %s failed", operation)).
		WithCause(cause).
		WithMetadata("operation", operation)
}

// ErrDirectoryUnavailable reports that the directory could not be reached.
func ErrDirectoryUnavailable(cause error) PKIError {
	return NewError(CodeDirectoryUnavailable, http.StatusServiceUnavailable, "The directory server is unavailable.",
		"Directory unavailable").
		WithCause(cause)
}

// ErrPublish reports a publish failure that is not a connectivity problem.
func ErrPublish(message string) PKIError {
	return NewError(CodePublish, http.StatusInternalServerError, "Publishing to the directory failed.", message)
}

// ErrStore reports a persistence failure.
func ErrStore(operation string, cause error) PKIError {
	return NewError(CodeStore, http.StatusInternalServerError, "The request store failed.",
		fmt.Sprintf("Store operation %s failed", operation)).
		WithCause(cause).
		WithMetadata("operation", operation)
}

// ErrInvalidProperty reports a policy-default value that cannot be accepted.
func ErrInvalidProperty(name, value string) PKIError {
	return NewError(CodeInvalidProperty, http.StatusBadRequest, "The property value is invalid.",
		fmt.Sprintf("Invalid value for %s: %s", name, value)).
		WithMetadata("property", name)
}

// ErrMissingKeygenInfo reports an enrollment without any key material.
func ErrMissingKeygenInfo() PKIError {
	return NewError(CodeMissingKeygenInfo, http.StatusBadRequest, "No key generation input was supplied.",
		"Missing key generation info")
}

// ErrInvalidState reports a transition the request state machine does not allow.
func ErrInvalidState(requestID, status, operation string) PKIError {
	return NewError(CodeInvalidState, http.StatusConflict, "The request is not in a state that allows this operation.",
		fmt.Sprintf("Cannot %s request %s in status %s", operation, requestID, status)).
		WithMetadata("request_id", requestID).
		WithMetadata("status", status)
}

// ErrAuthFailure reports rejected credentials.
func ErrAuthFailure(manager, reason string) PKIError {
	return NewError(CodeAuthFailed, http.StatusUnauthorized, "Authentication failed.",
		fmt.Sprintf("Authentication failed: %s", reason)).
		WithMetadata("manager", manager)
}

// ErrConflict reports a concurrent modification of the same record.
func ErrConflict(message string) PKIError {
	return NewError(CodeConflict, http.StatusConflict, "The record was modified concurrently.", message)
}

// ================================================================================
// Error Validation Utilities
// ================================================================================

// AsPKIError finds the first PKIError in err's chain.
func AsPKIError(err error) (PKIError, bool) {
	var pe PKIError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// CodeOf returns the code of the first PKIError in err's chain, or "".
func CodeOf(err error) Code {
	if pe, ok := AsPKIError(err); ok {
		return pe.Code()
	}
	return ""
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var be *baseError
	if errors.As(err, &be) {
		return be.Message()
	}
	return err.Error()
}

func is(err error, codes ...Code) bool {
	c := CodeOf(err)
	for _, code := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// IsBadRequest reports input validation failures, including missing keygen info.
func IsBadRequest(err error) bool { return is(err, CodeBadRequest, CodeMissingKeygenInfo) }

// IsNotFound reports unknown requests and keys.
func IsNotFound(err error) bool { return is(err, CodeNotFound, CodeKeyNotFound) }

// IsUnauthorized reports every authorization failure, including unknown realms.
func IsUnauthorized(err error) bool {
	return is(err, CodeUnauthorized, CodeAccessDenied, CodeUnknownRealm, CodeAuthFailed)
}

func IsUnknownRealm(err error) bool         { return is(err, CodeUnknownRealm) }
func IsCrypto(err error) bool               { return is(err, CodeCrypto) }
func IsDirectoryUnavailable(err error) bool { return is(err, CodeDirectoryUnavailable) }
func IsStore(err error) bool                { return is(err, CodeStore) }
func IsInvalidProperty(err error) bool      { return is(err, CodeInvalidProperty) }
func IsInvalidState(err error) bool         { return is(err, CodeInvalidState) }
func IsConflict(err error) bool             { return is(err, CodeConflict) }

// ================================================================================
// Error Response Builder
// ================================================================================

// ErrorResponse represents the JSON structure for error responses
type ErrorResponse struct {
	Error            string                 `json:"error"`
	ErrorDescription string                 `json:"error_description"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// ToErrorResponse converts any error to an ErrorResponse and its HTTP status.
func ToErrorResponse(err error) (int, *ErrorResponse) {
	if pe, ok := AsPKIError(err); ok {
		return pe.HTTPStatus(), &ErrorResponse{
			Error:            string(pe.Code()),
			ErrorDescription: MessageOf(pe),
			Metadata:         pe.Metadata(),
		}
	}
	return http.StatusInternalServerError, &ErrorResponse{
		Error:            "server_error",
		ErrorDescription: "An unexpected error occurred",
	}
}
