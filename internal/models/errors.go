package models

import (
	"context"
	"errors"
	"fmt"
)

type ErrorType string

const (
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError is the engine's structured error. External and timeout errors are transient
// and may be retried; internal errors are fatal for the turn.
type AppError struct {
	Type      ErrorType      `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Cause     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches on code so sentinel errors survive WithCause/WithMetadata copies.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

func (e *AppError) WithCause(err error) *AppError {
	clone := *e
	clone.Cause = err
	return &clone
}

func (e *AppError) WithMetadata(key string, value any) *AppError {
	clone := *e
	clone.Metadata = make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		clone.Metadata[k] = v
	}
	clone.Metadata[key] = value
	return &clone
}

func NewExternalError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeExternal, Code: code, Message: message, Retryable: true}
}

func NewTimeoutError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeTimeout, Code: code, Message: message, Retryable: true}
}

func NewValidationError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Code: code, Message: message}
}

func NewNotFoundError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Code: code, Message: message}
}

func NewConflictError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeConflict, Code: code, Message: message}
}

func NewInternalError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeInternal, Code: code, Message: message}
}

// WrapExternalError classifies an error returned by a collaborator. Context deadline
// errors become timeouts; AppErrors pass through untouched.
func WrapExternalError(service string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(service+"_TIMEOUT", service+" call timed out").WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return NewExternalError(service+"_FAILED", service+" call failed").WithCause(err)
}

// IsRetryable reports whether err is a transient external failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

func IsFatal(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == ErrorTypeInternal
}

func ErrorTypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

var (
	ErrTurnNotFound      = NewNotFoundError("TURN_NOT_FOUND", "turn not found")
	ErrTurnTerminal      = NewConflictError("TURN_TERMINAL", "turn is in a terminal state")
	ErrCancelTooLate     = NewConflictError("CANCEL_TOO_LATE", "turn has already started generating")
	ErrInvalidTransition = NewInternalError("INVALID_TRANSITION", "invalid turn status transition")
	ErrToolNotFound      = NewNotFoundError("TOOL_NOT_FOUND", "tool is not registered")
	ErrInvalidParameters = NewValidationError("INVALID_PARAMETERS", "invalid tool parameters")
	ErrCacheMiss         = NewNotFoundError("CACHE_MISS", "cache entry not found")
	ErrCheckpointMissing = NewNotFoundError("CHECKPOINT_NOT_FOUND", "checkpoint not found")
)
