// Package errors provides structured error types with codes for the
// authorization server.
package errors

import (
	"errors"
	"fmt"
)

// OAuth protocol error codes (RFC 6749 §5.2 plus management extensions).
const (
	CodeInvalidRequest     = "invalid_request"
	CodeInvalidClient      = "invalid_client"
	CodeInvalidGrant       = "invalid_grant"
	CodeInvalidScope       = "invalid_scope"
	CodeUnauthorizedClient = "unauthorized_client"
)

// Login path error codes.
const (
	CodeInvalidCredentials  = "invalid_credentials"
	CodeAccountLocked       = "account_locked"
	CodeAccountLockedOnFail = "account_locked_on_fail"
	CodeAccountInactive     = "account_inactive"
)

// Catalog management error codes.
const (
	CodeClientInUse        = "client_in_use"
	CodeScopeInUse         = "scope_in_use"
	CodeProtectedScope     = "protected_scope"
	CodeDangerousScope     = "dangerous_scope"
	CodeInvalidRedirectURI = "invalid_redirect_uri"
)

// Infrastructure error codes.
const (
	CodeInternal      = "internal_error"
	CodeNotFound      = "not_found"
	CodeAlreadyExists = "already_exists"
	CodeUnauthorized  = "unauthorized"
)

// Error represents a structured error with a code and message.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the error code carried by err, or internal_error when
// err is not a structured Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the message carried by err, or a generic message
// when err is not a structured Error. Internal details never leak to
// protocol responses through this path.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "request failed"
}

// NotFound creates a not found error.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// AlreadyExists creates an already exists error.
func AlreadyExists(resource, id string) *Error {
	return &Error{
		Code:    CodeAlreadyExists,
		Message: fmt.Sprintf("%s already exists: %s", resource, id),
	}
}

// InvalidRequest creates an invalid_request error.
func InvalidRequest(message string) *Error {
	return &Error{
		Code:    CodeInvalidRequest,
		Message: message,
	}
}

// InvalidClient creates an invalid_client error.
func InvalidClient(message string) *Error {
	return &Error{
		Code:    CodeInvalidClient,
		Message: message,
	}
}

// InvalidGrant creates an invalid_grant error.
func InvalidGrant(message string) *Error {
	return &Error{
		Code:    CodeInvalidGrant,
		Message: message,
	}
}

// InvalidScope creates an invalid_scope error.
func InvalidScope(message string) *Error {
	return &Error{
		Code:    CodeInvalidScope,
		Message: message,
	}
}

// UnauthorizedClient creates an unauthorized_client error.
func UnauthorizedClient(message string) *Error {
	return &Error{
		Code:    CodeUnauthorizedClient,
		Message: message,
	}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return &Error{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

// Internal creates an internal error.
func Internal(message string, err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}
