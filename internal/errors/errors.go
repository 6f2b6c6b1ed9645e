// Package errors defines the domain error catalog for streamcalc.
//
// Computation faults are all-or-nothing per request: a pipeline either
// produces a full result or fails with one of the sentinel errors below.
// Storage faults are never retried at this layer; they propagate wrapped
// in ErrStorageUnavailable for the caller to handle.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the computation pipeline.
var (
	// ErrStreamNotFound indicates an unknown (provider, stream id) pair.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrCycleDepthExceeded indicates taxonomy expansion hit its depth
	// bound. Treated as a data-integrity fault, not retried.
	ErrCycleDepthExceeded = errors.New("taxonomy depth bound exceeded")

	// ErrInvalidBaseValue indicates the resolved index base value is zero.
	ErrInvalidBaseValue = errors.New("base value is zero, cannot calculate index")

	// ErrNoBaseValue indicates no event exists to derive an index base from.
	ErrNoBaseValue = errors.New("no base value found")

	// ErrStorageUnavailable wraps upstream storage failures.
	ErrStorageUnavailable = errors.New("event store unavailable")

	// ErrInvalidRequest indicates caller input failed validation.
	ErrInvalidRequest = errors.New("invalid request")
)

// ErrorType classifies errors for logging and caller dispatch.
type ErrorType string

const (
	ErrTypeNotFound    ErrorType = "NOT_FOUND"
	ErrTypeIntegrity   ErrorType = "DATA_INTEGRITY"
	ErrTypeComputation ErrorType = "COMPUTATION"
	ErrTypeStorage     ErrorType = "STORAGE"
	ErrTypeValidation  ErrorType = "VALIDATION"
	ErrTypeConfig      ErrorType = "CONFIG"
)

// DomainError carries a classified error with optional context fields.
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to reach the cause.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// WithContext adds a context field to the error.
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a classified domain error wrapping an optional cause.
func New(errType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// StreamNotFound builds a not-found error for a (provider, stream id) pair.
func StreamNotFound(provider, streamID string) *DomainError {
	return New(ErrTypeNotFound, fmt.Sprintf("stream not found: %s/%s", provider, streamID), ErrStreamNotFound)
}

// CycleDepthExceeded builds a data-integrity error for taxonomy expansion.
func CycleDepthExceeded(depth int) *DomainError {
	e := New(ErrTypeIntegrity, fmt.Sprintf("taxonomy expansion exceeded depth %d", depth), ErrCycleDepthExceeded)
	return e.WithContext("depth", depth)
}

// Storage wraps an upstream storage failure.
func Storage(op string, cause error) *DomainError {
	return New(ErrTypeStorage, fmt.Sprintf("storage operation %q failed", op), fmt.Errorf("%w: %w", ErrStorageUnavailable, cause))
}

// Validation builds a caller-facing validation error.
func Validation(message string) *DomainError {
	return New(ErrTypeValidation, message, ErrInvalidRequest)
}
