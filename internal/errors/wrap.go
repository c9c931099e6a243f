package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to a specific category.
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// RuntimeUnavailable wraps a message as a runtime-unavailable error.
func RuntimeUnavailable(message string) error {
	return fmt.Errorf("%s: %w", message, ErrRuntimeUnavailable)
}

// ResourceNotFound wraps a message as a resource-not-found error.
func ResourceNotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrResourceNotFound)
}

// CreationFailed wraps a message as a creation-failed error.
func CreationFailed(message string) error {
	return fmt.Errorf("%s: %w", message, ErrCreationFailed)
}

// StopFailed wraps a message as a stop-failed error.
func StopFailed(message string) error {
	return fmt.Errorf("%s: %w", message, ErrStopFailed)
}

// ChannelUnavailable wraps a message as a channel-unavailable error.
func ChannelUnavailable(message string) error {
	return fmt.Errorf("%s: %w", message, ErrChannelUnavailable)
}

// Conflict wraps a message as a conflict error.
func Conflict(message string) error {
	return fmt.Errorf("%s: %w", message, ErrConflict)
}

// SessionNotReady wraps a message as a session-not-ready error.
func SessionNotReady(message string) error {
	return fmt.Errorf("%s: %w", message, ErrSessionNotReady)
}

// InvalidInput wraps a message as an invalid-input error.
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Internal wraps a message as an internal error.
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable reports whether the caller may retry the failed operation.
// Runtime-unavailable and conflict errors are transient from the caller's
// point of view; context cancellation is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrRuntimeUnavailable) || errors.Is(err, ErrConflict)
}

// Category returns the taxonomy name for an error, for logs and API payloads.
func Category(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRuntimeUnavailable):
		return "RuntimeUnavailable"
	case errors.Is(err, ErrResourceNotFound):
		return "ResourceNotFound"
	case errors.Is(err, ErrCreationFailed):
		return "CreationFailed"
	case errors.Is(err, ErrStopFailed):
		return "StopFailed"
	case errors.Is(err, ErrChannelUnavailable):
		return "ChannelUnavailable"
	case errors.Is(err, ErrConflict):
		return "Conflict"
	case errors.Is(err, ErrSessionNotReady):
		return "SessionNotReady"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	default:
		return "Internal"
	}
}
