package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrRuntimeUnavailable - container daemon unreachable; fail fast, session state unaffected
	ErrRuntimeUnavailable = errors.New("runtime unavailable")

	// ErrResourceNotFound - container/volume vanished between discovery and use; triggers recreation
	ErrResourceNotFound = errors.New("resource not found")

	// ErrCreationFailed - container or volume creation failed; session moves to ERROR
	ErrCreationFailed = errors.New("creation failed")

	// ErrStopFailed - graceful container stop failed; session moves to ERROR
	ErrStopFailed = errors.New("stop failed")

	// ErrChannelUnavailable - exec channel could not be created; reported to the requesting connection only
	ErrChannelUnavailable = errors.New("channel unavailable")

	// ErrConflict - resource already exists; tolerated during create-or-get races
	ErrConflict = errors.New("conflict")

	// ErrSessionNotReady - operation requires a RUNNING session
	ErrSessionNotReady = errors.New("session not ready")

	// ErrInvalidInput - invalid caller input
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)
