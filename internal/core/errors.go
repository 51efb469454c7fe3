package core

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeInfra          = "infra_error"
	ErrCodeConflict       = "conflict"
	ErrCodeNotFound       = "not_found"
)

// Error is the structured error type shared by the scheduler, the stores and
// the admin API.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Err       error          `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var (
	// ErrSchedulerRunning is returned by Clear while the scheduler runs.
	ErrSchedulerRunning = &Error{
		Code:    ErrCodeConflict,
		Message: "Can only clear when the scheduler is not running.",
	}

	// ErrInvalidTaskID is returned for empty or malformed task ids.
	ErrInvalidTaskID = &Error{
		Code:    ErrCodeInvalidRequest,
		Message: "Task id must be a non-empty string without whitespace.",
	}

	// ErrReservedTaskID is returned for task ids that would share a store key
	// with the timeout index, a stored execution or a tick lock.
	ErrReservedTaskID = &Error{
		Code:    ErrCodeInvalidRequest,
		Message: `Task id is reserved: "tq", ids starting with "sched:", ids ending in ":lk" and UUIDs cannot name a task.`,
	}
)

// NewInfraError wraps a backing store failure. Infra errors are retryable.
func NewInfraError(op string, err error) *Error {
	return &Error{
		Code:      ErrCodeInfra,
		Message:   fmt.Sprintf("store %s failed: %v", op, err),
		Retryable: true,
		Details:   map[string]any{"op": op},
		Err:       err,
	}
}

// NewInvalidRequestError creates an invalid_request error.
func NewInvalidRequestError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	}
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a not_found error.
func NewNotFoundError(resourceType, resourceID string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s '%s' not found.", resourceType, resourceID),
		Details: map[string]any{
			"resource_type": resourceType,
			"resource_id":   resourceID,
		},
	}
}

// IsRetryable reports whether err carries a retryable core error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
