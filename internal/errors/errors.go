// Package errors is the typed error taxonomy shared by every layer of the
// approvals service. Repositories and services return coded errors; the HTTP
// handler maps codes onto status codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an error for callers and the HTTP layer.
type Code string

const (
	ErrCodeNotFound               Code = "NOT_FOUND"
	ErrCodeConflict               Code = "CONFLICT"
	ErrCodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	ErrCodeWrongApprovalLevel     Code = "WRONG_APPROVAL_LEVEL"
	ErrCodeValidation             Code = "VALIDATION_ERROR"
	ErrCodeUnauthorized           Code = "UNAUTHORIZED"
	ErrCodeInternal               Code = "INTERNAL"
)

// Error carries a machine-readable code alongside the message and an
// optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a coded error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing resource. A tenant mismatch is reported the
// same way so one tenant cannot probe another's IDs.
func NotFound(resource, id string) *Error {
	return Newf(ErrCodeNotFound, "%s %s not found", resource, id)
}

// InvalidInput reports a validation failure on a named field.
func InvalidInput(field, message string) *Error {
	return Newf(ErrCodeValidation, "%s: %s", field, message)
}

// CodeOf extracts the code from an error chain, defaulting to internal.
func CodeOf(err error) Code {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
