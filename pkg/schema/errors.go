package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotConnected       = "NOT_CONNECTED"
	ErrCodeConnectInFlight    = "CONNECT_IN_FLIGHT"
	ErrCodeTransport          = "TRANSPORT_ERROR"
	ErrCodeMalformedFrame     = "MALFORMED_FRAME"
	ErrCodeReconnectExhausted = "RECONNECT_EXHAUSTED"
	ErrCodeFallbackFailed     = "FALLBACK_FAILED"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeNotSuspended       = "NOT_SUSPENDED"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
)

// FlowError is the structured error type returned across package boundaries.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the caller may reasonably retry the operation.
// Validation failures and open circuits are not retryable until something changes.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeNotConnected, ErrCodeTransport, ErrCodeFallbackFailed, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}

// HasCode reports whether err is (or wraps) a FlowError with the given code.
func HasCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}
