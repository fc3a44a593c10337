package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code is a stable, client-facing error kind.
type Code string

const (
	BadRequest    Code = "bad_request"
	Unauthorized  Code = "unauthorized"
	Forbidden     Code = "forbidden"
	NotFound      Code = "not_found"
	Conflict      Code = "conflict"
	BadGateway    Code = "bad_gateway"
	EnvInvalid    Code = "env_invalid"
	DBNotMigrated Code = "db_not_migrated"
	Internal      Code = "internal_error"
)

// Error carries a Code alongside a human readable message.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details map[string]any) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// CodeOf classifies any error into the taxonomy.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	if IsSchemaDrift(err) {
		return DBNotMigrated
	}
	return Internal
}

// Is reports whether err is classified as code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// IsSchemaDrift detects the driver-level "undefined table/column" signal.
func IsSchemaDrift(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "no such column") ||
		strings.Contains(msg, "has no column named")
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case BadGateway:
		return http.StatusBadGateway
	case EnvInvalid, DBNotMigrated:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a queue delivery failing with err may be redelivered.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case BadRequest, Unauthorized, Forbidden, NotFound:
		return false
	}
	return true
}
