package model

import (
	"errors"
	"fmt"
)

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation    ErrorCode = "VALIDATION_ERROR"
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrConflict      ErrorCode = "CONFLICT"
	ErrGone          ErrorCode = "GONE"
	ErrUnavailable   ErrorCode = "UNAVAILABLE"
	ErrUnprocessable ErrorCode = "UNPROCESSABLE"
	ErrUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrForbidden     ErrorCode = "FORBIDDEN"
	ErrInternal      ErrorCode = "INTERNAL_ERROR"
)

// Error kinds returned by the scheduling core. Callers match them with errors.Is.
var (
	ErrStructural         = errors.New("structural graph error")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrStaleReport        = errors.New("stale task report")
	ErrQuotaMisconfigured = errors.New("quota misconfigured")
	ErrGateTimeout        = errors.New("gate acquisition timed out")
	ErrUnknownExecution   = errors.New("unknown execution")
	ErrUnknownProcessor   = errors.New("unknown processor")
)

// APIError is a structured error returned by the dispatcher API.
type APIError struct {
	Code    ErrorCode    `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a validation error on a specific field.
type FieldError struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...FieldError) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// NewInternalError creates an INTERNAL_ERROR APIError.
func NewInternalError(msg string) *APIError {
	return &APIError{Code: ErrInternal, Message: msg}
}

// StructuralError describes a malformed or cyclic execution graph.
type StructuralError struct {
	Op  string
	Msg string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *StructuralError) Unwrap() error { return ErrStructural }

// NewStructuralError formats a StructuralError for op.
func NewStructuralError(op, format string, args ...any) *StructuralError {
	return &StructuralError{Op: op, Msg: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError is returned when a state transition is invalid.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s state transition: %s → %s (entity %s)", e.Entity, e.From, e.To, e.ID)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }
