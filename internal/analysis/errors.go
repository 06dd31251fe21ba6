// Package analysis provides the engines the worker pool runs jobs through.
// An engine either returns an outcome or fails; failures the client should
// see verbatim are returned as *Error.
package analysis

import (
	"errors"
	"fmt"
)

// Error is a declared, user-facing analysis failure. Its message is stored on
// the job as-is, so it must not carry internals.
type Error struct {
	Message string
	Cause   error
}

// Errorf builds an Error with a formatted message.
func Errorf(format string, args ...any) *Error {
	return &Error{Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the cause for logging; it is never shown to clients.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Kind classifies declared failures for metrics.
func (e *Error) Kind() string {
	return "analysis_error"
}

// AsError returns the declared failure inside err, if any.
func AsError(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}
