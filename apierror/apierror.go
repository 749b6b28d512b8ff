// Package apierror defines the error taxonomy returned by the h51 API.
//
// Handlers return *Error values rather than writing responses directly; the
// API layer maps the error type to an HTTP status and serializes the JSON
// body `{error_type, hint?, arg_errors?}`.
package apierror

import (
	"encoding/json"
	"net/http"
)

// Error types and their associated HTTP response codes.
const (
	TypeError                = "error"
	TypeForbidden            = "forbidden"
	TypeInvalidRequest       = "invalid_request"
	TypeNotFound             = "not_found"
	TypeRequestLimitExceeded = "request_limit_exceeded"
	TypeUnauthorized         = "unauthorized"
)

var statusCodes = map[string]int{
	TypeError:                http.StatusInternalServerError,
	TypeForbidden:            http.StatusForbidden,
	TypeInvalidRequest:       http.StatusBadRequest,
	TypeNotFound:             http.StatusNotFound,
	TypeRequestLimitExceeded: http.StatusTooManyRequests,
	TypeUnauthorized:         http.StatusUnauthorized,
}

// Error carries the structured error information returned to API callers.
type Error struct {
	// Type is one of the Type* constants.
	Type string `json:"error_type"`
	// Hint is a developer provided hint as to the cause of the error.
	Hint string `json:"hint,omitempty"`
	// ArgErrors maps invalid argument names to their error messages.
	ArgErrors map[string][]string `json:"arg_errors,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Hint != "" {
		return e.Type + ": " + e.Hint
	}
	return e.Type
}

// StatusCode returns the HTTP status associated with the error type.
func (e *Error) StatusCode() int {
	if code, ok := statusCodes[e.Type]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Write serializes the error as the response body with the mapped status.
func (e *Error) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode())
	_ = json.NewEncoder(w).Encode(e)
}

// Internal builds a 500 error.
func Internal(hint string) *Error {
	return &Error{Type: TypeError, Hint: hint}
}

// Forbidden builds a 403 error.
func Forbidden(hint string) *Error {
	return &Error{Type: TypeForbidden, Hint: hint}
}

// InvalidRequest builds a 400 error.
func InvalidRequest(hint string) *Error {
	return &Error{Type: TypeInvalidRequest, Hint: hint}
}

// InvalidArgs builds a 400 error carrying per-argument messages.
func InvalidArgs(argErrors map[string][]string) *Error {
	return &Error{Type: TypeInvalidRequest, ArgErrors: argErrors}
}

// NotFound builds a 404 error.
func NotFound(hint string) *Error {
	return &Error{Type: TypeNotFound, Hint: hint}
}

// RequestLimitExceeded builds a 429 error.
func RequestLimitExceeded() *Error {
	return &Error{Type: TypeRequestLimitExceeded}
}

// Unauthorized builds a 401 error.
func Unauthorized(hint string) *Error {
	return &Error{Type: TypeUnauthorized, Hint: hint}
}
