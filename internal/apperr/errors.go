// Package apperr defines the error taxonomy shared by the ingestion,
// reconciliation, and broadcast layers.
package apperr

import (
	"errors"
	"fmt"
)

// Error codes
const (
	CodeMalformedEvent     = "MALFORMED_EVENT"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeStaleEvent         = "STALE_EVENT"
	CodePersistenceFailure = "PERSISTENCE_FAILURE"
	CodeDeliveryFailure    = "SUBSCRIBER_DELIVERY_FAILED"
)

// Sentinels for errors.Is. Matching is by code, so any *AppError with the
// same code satisfies errors.Is against the corresponding sentinel.
var (
	ErrMalformedEvent     = &AppError{Code: CodeMalformedEvent}
	ErrSessionNotFound    = &AppError{Code: CodeSessionNotFound}
	ErrStaleEvent         = &AppError{Code: CodeStaleEvent}
	ErrPersistenceFailure = &AppError{Code: CodePersistenceFailure}
	ErrDeliveryFailure    = &AppError{Code: CodeDeliveryFailure}
)

// AppError represents an application-level error with a code and optional cause
type AppError struct {
	Code      string
	Message   string
	SessionID string
	Cause     error
}

func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *AppError with the same code.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// New creates a new AppError
func New(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Malformed reports an event rejected at the ingestion boundary.
func Malformed(format string, args ...any) *AppError {
	return New(CodeMalformedEvent, fmt.Sprintf(format, args...), nil)
}

// SessionNotFound reports an event or query for an unknown session id.
func SessionNotFound(sessionID string) *AppError {
	return &AppError{
		Code:      CodeSessionNotFound,
		Message:   fmt.Sprintf("session not found: %s", sessionID),
		SessionID: sessionID,
	}
}

// Stale reports an event whose sequence number is not newer than the last
// one applied to the session.
func Stale(sessionID string, seq, last uint64) *AppError {
	return &AppError{
		Code:      CodeStaleEvent,
		Message:   fmt.Sprintf("event seq %d is not after last applied seq %d", seq, last),
		SessionID: sessionID,
	}
}

// Persistence wraps a failed durable write.
func Persistence(sessionID string, cause error) *AppError {
	return &AppError{
		Code:      CodePersistenceFailure,
		Message:   "durable write did not complete",
		SessionID: sessionID,
		Cause:     cause,
	}
}

// CodeOf returns the code of the first *AppError in err's chain, or "".
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
