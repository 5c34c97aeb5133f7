package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassConflict indicates an optimistic-concurrency conflict detected at commit.
	// Recovered locally by the transactional retry protocol.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassNotFound indicates a referenced record vanished, usually because
	// another deleter won the race.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassInvariant indicates an unexpected input reached a component that
	// assumes a closed set. Fatal, never retried.
	ErrorClassInvariant ErrorClass = "invariant"

	// ErrorClassExhausted indicates a bounded resource pool has no capacity left.
	ErrorClassExhausted ErrorClass = "exhausted"

	// ErrorClassConnectivity indicates a transport failure to the registrar or a device.
	ErrorClassConnectivity ErrorClass = "connectivity"

	// ErrorClassPermanent indicates any other non-recoverable error.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Record is the record ID that caused the error, if applicable.
	Record string `json:"record,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Record != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (record=%s, operation=%s): %s",
			e.Class, e.Message, e.Record, e.Operation, e.unwrapMessage())
	}
	if e.Record != "" {
		return fmt.Sprintf("[%s] %s (record=%s): %s",
			e.Class, e.Message, e.Record, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return newError(ErrorClassConflict, message, err)
}

// NewNotFoundError creates a new not-found error.
func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassNotFound, message, err).WithCode(ErrCodeNotFound)
}

// NewInvariantError creates a new invariant-violation error.
func NewInvariantError(message string, err error) *EngineError {
	return newError(ErrorClassInvariant, message, err).WithCode(ErrCodeInvariant)
}

// NewExhaustedError creates a new resource-exhaustion error.
func NewExhaustedError(message string, err error) *EngineError {
	return newError(ErrorClassExhausted, message, err).WithCode(ErrCodeExhausted)
}

// NewConnectivityError creates a new connectivity error.
func NewConnectivityError(message string, err error) *EngineError {
	return newError(ErrorClassConnectivity, message, err)
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, message, err)
}

// WithRecord adds record context to an error.
func (e *EngineError) WithRecord(recordID string) *EngineError {
	e.Record = recordID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConflict
}

// IsNotFound returns true if the error is classified as not found.
func IsNotFound(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassNotFound
}

// IsInvariant returns true if the error is an invariant violation.
func IsInvariant(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassInvariant
}

// IsExhausted returns true if the error is classified as resource exhaustion.
func IsExhausted(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassExhausted
}

// IsConnectivity returns true if the error is classified as a connectivity failure.
func IsConnectivity(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassConnectivity
}

// IsRetryable returns true if the error can be retried.
// Only conflicts are retryable; everything else propagates to the owning role.
func IsRetryable(err error) bool {
	return IsConflict(err)
}

// Common error codes.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeConflict   = "CONFLICT"
	ErrCodeInvariant  = "INVARIANT_VIOLATION"
	ErrCodeExhausted  = "RESOURCE_EXHAUSTED"
	ErrCodeRetries    = "RETRIES_EXHAUSTED"
	ErrCodeInternal   = "INTERNAL_ERROR"
)
