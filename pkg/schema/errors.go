package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeStore             = "STORE_ERROR"
)

// Error is the structured error type for all autoflow operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsConfiguration reports whether the error is an authoring mistake that
// no amount of retrying can fix. Such errors abandon the run.
func (e *Error) IsConfiguration() bool {
	switch e.Code {
	case ErrCodeConfiguration, ErrCodeCycleDetected, ErrCodeActionUnavailable:
		return true
	}
	return false
}

// IsRetryable reports whether the error code describes a transient failure.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout, ErrCodeStore, ErrCodeRateLimited:
		return true
	}
	return false
}

// IsConfigurationError reports whether err (or anything it wraps) is a
// configuration Error.
func IsConfigurationError(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.IsConfiguration()
	}
	return false
}

// IsNotFound reports whether err is a NOT_FOUND Error.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeNotFound
}
