package core

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors for handling decisions.
type ErrorCategory string

const (
	ErrCatValidation   ErrorCategory = "validation"           // Invalid input
	ErrCatTransient    ErrorCategory = "transient_network"    // Retry-eligible network failure
	ErrCatAuth         ErrorCategory = "authorization"        // Permission denied, never auto-retried
	ErrCatLimit        ErrorCategory = "resource_limit"       // Creation refused under pressure
	ErrCatRegistration ErrorCategory = "registration_timeout" // Agent never registered during a fix
	ErrCatInvariant    ErrorCategory = "invariant"            // Programming error, fatal to the operation
	ErrCatNotFound     ErrorCategory = "not_found"            // Resource not found
	ErrCatInternal     ErrorCategory = "internal"             // Unexpected internal error
)

// DomainError represents a structured error from the domain layer.
type DomainError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Retryable bool
	Cause     error
	Details   map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (%v)", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// WithCause wraps an underlying error.
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds contextual information.
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ErrValidation creates a validation error.
func ErrValidation(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatValidation,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrTransientNetwork creates a retry-eligible network error.
func ErrTransientNetwork(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatTransient,
		Code:      "TRANSIENT_NETWORK",
		Message:   message,
		Retryable: true,
	}
}

// ErrAuthorization creates an authorization error. The remediation text is
// surfaced to the caller; the error is never auto-retried.
func ErrAuthorization(message, remediation string) *DomainError {
	e := &DomainError{
		Category:  ErrCatAuth,
		Code:      "AUTHORIZATION_DENIED",
		Message:   message,
		Retryable: false,
	}
	if remediation != "" {
		e = e.WithDetail("remediation", remediation)
	}
	return e
}

// ErrResourceLimit creates a session-creation refusal carrying the usage that
// caused it.
func ErrResourceLimit(message string, active, limit int) *DomainError {
	return &DomainError{
		Category:  ErrCatLimit,
		Code:      "RESOURCE_LIMIT_EXCEEDED",
		Message:   message,
		Retryable: false,
		Details: map[string]interface{}{
			"active_sessions": active,
			"limit":           limit,
		},
	}
}

// ErrRegistrationTimeout creates an auto-fix registration timeout error.
func ErrRegistrationTimeout(targetID string, waited float64) *DomainError {
	return &DomainError{
		Category:  ErrCatRegistration,
		Code:      "REGISTRATION_TIMEOUT",
		Message:   fmt.Sprintf("agent on %s did not register within %.0fs", targetID, waited),
		Retryable: false,
		Details: map[string]interface{}{
			"target_id":      targetID,
			"waited_seconds": waited,
		},
	}
}

// ErrInvariant creates an invariant violation. These indicate programming
// errors and must be logged, never silently swallowed.
func ErrInvariant(code, message string) *DomainError {
	return &DomainError{
		Category:  ErrCatInvariant,
		Code:      code,
		Message:   message,
		Retryable: false,
	}
}

// ErrNotFound creates a not found error.
func ErrNotFound(resource, id string) *DomainError {
	return &DomainError{
		Category:  ErrCatNotFound,
		Code:      "NOT_FOUND",
		Message:   fmt.Sprintf("%s not found: %s", resource, id),
		Retryable: false,
	}
}

// ErrInternal creates an internal error.
func ErrInternal(message string) *DomainError {
	return &DomainError{
		Category:  ErrCatInternal,
		Code:      "INTERNAL",
		Message:   message,
		Retryable: false,
	}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Retryable
	}
	return false
}

// IsCategory reports whether err is a domain error of the given category.
func IsCategory(err error, cat ErrorCategory) bool {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category == cat
	}
	return false
}

// CategoryOf returns the category of a domain error, or ErrCatInternal for
// anything else.
func CategoryOf(err error) ErrorCategory {
	var domErr *DomainError
	if errors.As(err, &domErr) {
		return domErr.Category
	}
	return ErrCatInternal
}
