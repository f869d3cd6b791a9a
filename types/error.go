package types

import "fmt"

// ErrorCode represents a unified error code across the orchestrator.
type ErrorCode string

// Task lifecycle error codes
const (
	ErrTaskNotFound      ErrorCode = "TASK_NOT_FOUND"
	ErrTaskExpired       ErrorCode = "TASK_EXPIRED"
	ErrTaskRunning       ErrorCode = "TASK_ALREADY_RUNNING"
	ErrDrainPending      ErrorCode = "DRAIN_PENDING"
	ErrCeilingReached    ErrorCode = "CEILING_REACHED"
	ErrShuttingDown      ErrorCode = "SHUTTING_DOWN"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
)

// Infrastructure error codes
const (
	ErrBufferUnavailable ErrorCode = "BUFFER_UNAVAILABLE"
	ErrStoreUnavailable  ErrorCode = "STORE_UNAVAILABLE"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable() *Error {
	e.Retryable = true
	return e
}

// CodeOf extracts the ErrorCode from err, or ErrInternalError when err is
// not a structured Error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ErrInternalError
}
