package channels

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error condition in channel operations.
type ErrorCode string

const (
	ErrCodeConnection     ErrorCode = "CONNECTION_ERROR"
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"
	ErrCodeRateLimit      ErrorCode = "RATE_LIMIT_ERROR"
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound       ErrorCode = "NOT_FOUND"
	ErrCodeTimeout        ErrorCode = "TIMEOUT_ERROR"
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeConfig         ErrorCode = "CONFIG_ERROR"
)

// Error is a structured error with a classification code for channel operations.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err, Context: make(map[string]any)}
}

// WithContext attaches a key/value pair for debugging.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the error represents a transient failure.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeUnavailable, ErrCodeConnection:
		return true
	default:
		return false
	}
}

func ErrConnection(message string, err error) *Error     { return NewError(ErrCodeConnection, message, err) }
func ErrAuthentication(message string, err error) *Error { return NewError(ErrCodeAuthentication, message, err) }
func ErrRateLimit(message string, err error) *Error      { return NewError(ErrCodeRateLimit, message, err) }
func ErrInvalidInput(message string, err error) *Error   { return NewError(ErrCodeInvalidInput, message, err) }
func ErrNotFound(message string, err error) *Error       { return NewError(ErrCodeNotFound, message, err) }
func ErrTimeout(message string, err error) *Error        { return NewError(ErrCodeTimeout, message, err) }
func ErrInternal(message string, err error) *Error       { return NewError(ErrCodeInternal, message, err) }
func ErrUnavailable(message string, err error) *Error    { return NewError(ErrCodeUnavailable, message, err) }
func ErrConfig(message string, err error) *Error         { return NewError(ErrCodeConfig, message, err) }

// ErrNotSupported is returned by capability stubs (e.g. BaseMediaHandler) when
// the underlying adapter does not implement the operation.
var ErrNotSupported = errors.New("channels: operation not supported by this adapter")

// GetErrorCode extracts the ErrorCode from an error, defaulting to internal.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a retryable channel error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}
	return false
}
