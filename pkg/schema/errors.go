package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeInvalidState     = "INVALID_STATE"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
	ErrCodeStoreUnavailable = "STORE_UNAVAILABLE"
	ErrCodeConfiguration    = "CONFIGURATION_ERROR"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeExecution        = "EXECUTION_ERROR"
	ErrCodeCycleDetected    = "CYCLE_DETECTED"
	ErrCodePartialFanOut    = "PARTIAL_FANOUT"
)

// Reasons attached to NOT_FOUND errors so callers can tell lookups apart.
const (
	ReasonUnknownProcess  = "unknown_process"
	ReasonNoFirstStep     = "no_first_step"
	ReasonUnknownStep     = "unknown_step"
	ReasonUnknownAction   = "unknown_action"
	ReasonUnknownExecutor = "unknown_executor"
)

// GovError is the structured error type for all engine operations.
type GovError struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
	ActionID string         `json:"action_id,omitempty"`
	Cause    error          `json:"-"`
}

func (e *GovError) Error() string {
	if e.ActionID != "" {
		return fmt.Sprintf("[%s] action %s: %s", e.Code, e.ActionID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GovError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GovError.
func NewError(code, message string) *GovError {
	return &GovError{Code: code, Message: message}
}

// NewErrorf creates a new GovError with a formatted message.
func NewErrorf(code, format string, args ...any) *GovError {
	return &GovError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithAction attaches an engine action GUID to the error.
func (e *GovError) WithAction(actionID string) *GovError {
	e.ActionID = actionID
	return e
}

// WithReason attaches a machine-readable reason.
func (e *GovError) WithReason(reason string) *GovError {
	e.Reason = reason
	return e
}

// WithCause attaches an underlying cause.
func (e *GovError) WithCause(err error) *GovError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GovError) WithDetails(details map[string]any) *GovError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a GovError with the given code.
func IsCode(err error, code string) bool {
	var gerr *GovError
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == code
}

// IsReason reports whether err is a GovError carrying the given reason.
func IsReason(err error, reason string) bool {
	var gerr *GovError
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Reason == reason
}

// StoreUnavailable wraps a collaborator I/O failure. GovErrors pass through unchanged.
func StoreUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *GovError
	if errors.As(err, &gerr) {
		return err
	}
	return NewErrorf(ErrCodeStoreUnavailable, "%s: %s", op, err.Error()).WithCause(err)
}
