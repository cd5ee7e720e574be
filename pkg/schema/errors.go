package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeReference     = "REFERENCE_ERROR"
	ErrCodeSyntax        = "SYNTAX_ERROR"
	ErrCodeEvaluation    = "EVALUATION_ERROR"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeInterpolation = "INTERPOLATION_ERROR"
	ErrCodeHTTP          = "HTTP_ERROR"
	ErrCodeTransport     = "TRANSPORT_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeStore         = "STORE_ERROR"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeVault         = "VAULT_ERROR"
)

// StatusUnprocessable is the HTTP-like status attached to evaluation timeouts.
const StatusUnprocessable = 422

// HookflowError is the structured error type for all hookflow operations.
type HookflowError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"statusCode,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Step       string         `json:"step,omitempty"`
	Cause      error          `json:"-"`
}

func (e *HookflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *HookflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new HookflowError.
func NewError(code, message string) *HookflowError {
	return &HookflowError{Code: code, Message: message}
}

// NewErrorf creates a new HookflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *HookflowError {
	return &HookflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *HookflowError) WithStep(step string) *HookflowError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *HookflowError) WithCause(err error) *HookflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *HookflowError) WithDetails(details map[string]any) *HookflowError {
	e.Details = details
	return e
}

// WithStatus attaches an HTTP-like status code.
func (e *HookflowError) WithStatus(code int) *HookflowError {
	e.StatusCode = code
	return e
}

// IsCode reports whether err is (or wraps) a HookflowError with the given code.
func IsCode(err error, code string) bool {
	var he *HookflowError
	if errors.As(err, &he) {
		return he.Code == code
	}
	return false
}

// StatusOf returns the status code carried by err, or 0.
func StatusOf(err error) int {
	var he *HookflowError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
