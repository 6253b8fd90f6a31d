// Package errs defines the engine error taxonomy shared by the session,
// mixer, chat and moderation components.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an engine error.
type Code string

const (
	CodeNotAuthorized       Code = "NOT_AUTHORIZED"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeNotFound            Code = "NOT_FOUND"
	CodeDuplicateHost       Code = "DUPLICATE_HOST"
	CodeSourceLimitExceeded Code = "SOURCE_LIMIT_EXCEEDED"
	CodeInvalidParameter    Code = "INVALID_PARAMETER"
	CodeForbidden           Code = "FORBIDDEN"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Error carries a code and message through the engine; the rejected
// operation has no effect on session state.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// HTTPStatus maps the error code to an HTTP status for the REST surface.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotAuthorized:
		return http.StatusUnauthorized
	case CodeForbidden, CodeDuplicateHost:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeSourceLimitExceeded, CodeInvalidParameter:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func NotAuthorized(msg string) *Error { return &Error{Code: CodeNotAuthorized, Message: msg} }

func InvalidState(msg string) *Error { return &Error{Code: CodeInvalidState, Message: msg} }

func NotFound(resource string) *Error {
	return &Error{Code: CodeNotFound, Message: resource + " not found"}
}

func DuplicateHost(msg string) *Error { return &Error{Code: CodeDuplicateHost, Message: msg} }

func SourceLimitExceeded(msg string) *Error {
	return &Error{Code: CodeSourceLimitExceeded, Message: msg}
}

func InvalidParameter(msg string) *Error { return &Error{Code: CodeInvalidParameter, Message: msg} }

func Forbidden(msg string) *Error { return &Error{Code: CodeForbidden, Message: msg} }

func Internal(msg string, cause error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Cause: cause}
}

// HTTPStatus maps any error to an HTTP status, treating unknown errors as
// internal.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// CodeOf extracts the engine code from an error chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given engine code.
func Is(err error, code Code) bool { return CodeOf(err) == code }
