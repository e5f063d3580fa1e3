package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodeUnknownBranch     = "UNKNOWN_BRANCH"
	ErrCodeSuspensionExpired = "SUSPENSION_EXPIRED"
	ErrCodeCompensation      = "COMPENSATION_ERROR"
	ErrCodeAlreadyResolved   = "ALREADY_RESOLVED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// SagaError is the structured error type for all engine operations.
type SagaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *SagaError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SagaError) Unwrap() error {
	return e.Cause
}

// NewError creates a new SagaError.
func NewError(code, message string) *SagaError {
	return &SagaError{Code: code, Message: message}
}

// NewErrorf creates a new SagaError with a formatted message.
func NewErrorf(code, format string, args ...any) *SagaError {
	return &SagaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *SagaError) WithStep(stepID string) *SagaError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *SagaError) WithCause(err error) *SagaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *SagaError) WithDetails(details map[string]any) *SagaError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a SagaError with the given code.
func IsCode(err error, code string) bool {
	var se *SagaError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// AsSagaError returns err as a *SagaError, wrapping foreign errors under fallbackCode.
func AsSagaError(err error, fallbackCode string) *SagaError {
	if err == nil {
		return nil
	}
	var se *SagaError
	if errors.As(err, &se) {
		return se
	}
	return NewError(fallbackCode, err.Error()).WithCause(err)
}
