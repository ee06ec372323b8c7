package core

import "fmt"

// Error codes used across the API and broker boundaries.
const (
	ErrCodeValidation = "validation_error"
	ErrCodeNotFound   = "not_found"
	ErrCodeConflict   = "conflict"
	ErrCodeQueueEmpty = "queue_empty"
	ErrCodeLeaseLost  = "lease_lost"
	ErrCodeCancelled  = "run_cancelled"
	ErrCodeInternal   = "internal_error"
)

// Error is the structured error shared by every component boundary.
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Is matches errors by code so callers can use errors.Is with the
// ErrQueueEmpty/ErrLeaseLost/ErrRunCancelled sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Signal errors. QueueEmpty is a normal backoff signal, not a failure.
// LeaseLost means another owner holds the instance now; the caller must
// abandon work immediately. RunCancelled aborts in-flight work for a
// cancelled run.
var (
	ErrQueueEmpty   = &Error{Code: ErrCodeQueueEmpty, Message: "No job is ready to claim."}
	ErrLeaseLost    = &Error{Code: ErrCodeLeaseLost, Message: "The lease is no longer held by this worker."}
	ErrRunCancelled = &Error{Code: ErrCodeCancelled, Message: "The run has been cancelled."}
)

// NewValidationError creates a validation error. Not retryable: the
// submitter must fix the definition and resubmit.
func NewValidationError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NewNotFoundError creates a not-found error for a resource.
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

// NewConflictError creates a conflict error.
func NewConflictError(message string, details map[string]any) *Error {
	return &Error{
		Code:    ErrCodeConflict,
		Message: message,
		Details: details,
	}
}

// NewInternalError creates an internal error. Retryable: callers may retry
// the operation with backoff.
func NewInternalError(message string) *Error {
	return &Error{
		Code:      ErrCodeInternal,
		Message:   message,
		Retryable: true,
	}
}
