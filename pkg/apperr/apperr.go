package apperr

import "fmt"

// Code classifies an error for the wire layer. Message-level codes are
// returned only to the originating connection; AuthFailure is
// connection-fatal.
type Code string

const (
	CodeAuthFailure         Code = "AUTH_FAILED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeValidation          Code = "VALIDATION"
	CodeCooldown            Code = "COOLDOWN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeUpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
)

type Error struct {
	Code    Code
	Message string

	// RetryAfterSec is set only for cooldown errors.
	RetryAfterSec int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...interface{}) *Error {
	return New(CodeForbidden, format, args...)
}

func Validation(format string, args ...interface{}) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return New(CodeNotFound, format, args...)
}

func AuthFailure(format string, args ...interface{}) *Error {
	return New(CodeAuthFailure, format, args...)
}

func Upstream(format string, args ...interface{}) *Error {
	return New(CodeUpstreamUnavailable, format, args...)
}

func Cooldown(retryAfterSec int) *Error {
	return &Error{
		Code:          CodeCooldown,
		Message:       fmt.Sprintf("vote cooldown: wait %ds", retryAfterSec),
		RetryAfterSec: retryAfterSec,
	}
}
