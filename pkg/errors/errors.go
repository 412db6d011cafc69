// Package errors provides structured error types for diagramsync.
//
// This package defines error codes that classify failures in the
// synchronization core so that callers (CLI, relay server, engine) can decide
// how loudly to report them:
//   - TRANSPORT_ERROR: send/subscribe failures, logged and never retried
//   - MALFORMED_MESSAGE: inbound payloads that cannot be decoded, dropped
//   - STALE_MESSAGE: cursor events behind the sequence gate, dropped silently
//   - INVARIANT_VIOLATION: received graph data with edges to missing nodes, logged
//   - INVALID_INPUT, NOT_FOUND, DUPLICATE_ID, ANCHOR_UNAVAILABLE: local edits
//
// # Usage
//
//	err := errors.New(errors.ErrCodeMalformedMessage, "missing field %q", "nodes")
//	if errors.Is(err, errors.ErrCodeMalformedMessage) {
//	    // Drop the message
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeTransport, origErr, "publish to %s", dest)
package errors

import (
	"errors"
	"fmt"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Input validation errors
	ErrCodeInvalidInput      Code = "INVALID_INPUT"
	ErrCodeInvalidID         Code = "INVALID_ID"
	ErrCodeDuplicateID       Code = "DUPLICATE_ID"
	ErrCodeAnchorUnavailable Code = "ANCHOR_UNAVAILABLE"

	// Resource not found errors
	ErrCodeNotFound Code = "NOT_FOUND"

	// Synchronization errors
	ErrCodeTransport          Code = "TRANSPORT_ERROR"
	ErrCodeMalformedMessage   Code = "MALFORMED_MESSAGE"
	ErrCodeStaleMessage       Code = "STALE_MESSAGE"
	ErrCodeInvariantViolation Code = "INVARIANT_VIOLATION"

	// Internal errors
	ErrCodeInternal    Code = "INTERNAL_ERROR"
	ErrCodeUnsupported Code = "UNSUPPORTED"
)

// Error is a structured error with a code and optional cause.
type Error struct {
	Code    Code   // Machine-readable error code
	Message string // Human-readable message
	Cause   error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// Silent reports whether err belongs to a category that is expected during
// normal operation and should not be logged above debug level.
func Silent(err error) bool {
	return Is(err, ErrCodeStaleMessage)
}
