// Package errors provides error handling for onair.
//
// It re-exports github.com/cockroachdb/errors so that every package gets
// stack traces, wrapping, hints and details from one import, and declares the
// sentinel errors the recording pipeline uses to report failure categories.
//
// Usage:
//
//	if err := store.Transition(ctx, id, from, to); err != nil {
//	    return errors.Wrapf(err, "failed to move job %s to %s", id, to)
//	}
//
//	// Structured failure category, survives wrapping
//	return errors.Wrap(errors.ErrDiskFull, "work directory below free-space floor")
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"strings"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Mark makes errors.Is(err, reference) true while keeping err's own message.
var Mark = crdb.Mark

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Common sentinel errors. Wrap them with errors.Wrap() to add context while
// keeping errors.Is() working.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates the persisted state no longer matches what the caller expected
	ErrConflict = New("resource conflict")
)

// Recording failure categories. The scheduler maps these onto job error codes
// before falling back to message heuristics.
var (
	ErrAuthFailed         = New("authentication failed")
	ErrSourceUnavailable  = New("source unavailable")
	ErrCaptureFailed      = New("capture failed")
	ErrDiskFull           = New("disk full")
	ErrIO                 = New("i/o error")
	ErrFinalizeFailed     = New("finalize failed")
	ErrUnsupportedService = New("unsupported service")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
// Plain "not found" messages from drivers are accepted too.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrNotFound) {
		return true
	}
	msg := err.Error()
	return msg == "not found" || strings.HasSuffix(msg, "not found") || strings.HasPrefix(msg, "not found:")
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsConflictError checks if an error is or wraps ErrConflict
func IsConflictError(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
