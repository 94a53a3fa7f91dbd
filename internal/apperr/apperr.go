// Package apperr defines the error taxonomy shared by the governance components.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Code string

const (
	InvalidRequest    Code = "invalid_request"
	Unauthorized      Code = "unauthorized"
	RateLimitExceeded Code = "rate_limit_exceeded"
	PlanLimitExceeded Code = "plan_limit_exceeded"
	Conflict          Code = "conflict"
	NotFound          Code = "not_found"
	Internal          Code = "internal_error"
)

// Error carries a taxonomy code plus an optional cause.
type Error struct {
	Code       Code
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code && t.Message == ""
	}
	return false
}

// Status maps the code to an HTTP status.
func (e *Error) Status() int { return StatusFor(e.Code) }

func StatusFor(c Code) int {
	switch c {
	case InvalidRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case RateLimitExceeded, PlanLimitExceeded:
		return http.StatusTooManyRequests
	case Conflict:
		return http.StatusConflict
	case NotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidRequest = &Error{Code: InvalidRequest}
	ErrUnauthorized   = &Error{Code: Unauthorized}
	ErrRateLimited    = &Error{Code: RateLimitExceeded}
	ErrPlanLimit      = &Error{Code: PlanLimitExceeded}
	ErrConflict       = &Error{Code: Conflict}
	ErrNotFound       = &Error{Code: NotFound}
	ErrInternal       = &Error{Code: Internal}
)

// CodeOf extracts the taxonomy code, defaulting to internal_error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
