package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeApprovalRejected  = "APPROVAL_REJECTED"
	ErrCodeApprovalExpired   = "APPROVAL_EXPIRED"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInactive          = "INACTIVE"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
)

// FlowError is the structured error type shared by every flowgate component.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"stepId,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.StepID != "" {
		msg = fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *FlowError) Unwrap() error {
	return e.Cause
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

// Detail converts the error into the persisted form recorded on
// step results and executions.
func (e *FlowError) Detail() *ErrorDetail {
	d := &ErrorDetail{Code: e.Code, Message: e.Message, StepID: e.StepID, Details: e.Details}
	if e.Cause != nil {
		d.Cause = e.Cause.Error()
	}
	return d
}

// ErrorDetail is the serializable error attached to step results and executions.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	StepID  string         `json:"stepId,omitempty"`
	Cause   string         `json:"cause,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// DetailOf returns the persisted form of any error. Errors that are not
// FlowErrors are reported as step failures.
func DetailOf(err error) *ErrorDetail {
	if err == nil {
		return nil
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Detail()
	}
	return &ErrorDetail{Code: ErrCodeStepFailed, Message: err.Error()}
}

// CodeOf returns the code of the outermost FlowError in err's chain, or "".
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether the outermost FlowError in err's chain has the given code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// HasCode reports whether any FlowError in err's chain carries the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		var fe *FlowError
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Code == code {
			return true
		}
		err = fe.Cause
	}
	return false
}
