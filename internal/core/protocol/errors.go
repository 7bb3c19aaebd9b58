package protocol

import (
	"errors"
	"time"
)

// Core protocol errors
var (
	// Codec errors

	ErrMissingHeader       = errors.New("missing required header field")
	ErrInvalidHeader       = errors.New("invalid header")
	ErrHeaderTooLarge      = errors.New("header too large")
	ErrFrameTooLarge       = errors.New("frame too large")
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrUnknownAction       = errors.New("unknown action")
	ErrIncompleteFrame     = errors.New("incomplete frame")

	// Connection errors

	ErrConnectionClosed = errors.New("connection is closed")

	// Correlation errors

	ErrResponseTimeout      = errors.New("response timeout")
	ErrDuplicateAwait       = errors.New("already awaiting a response for this sequence number")
	ErrUnroutableResponse   = errors.New("response without a pending waiter")
	ErrSequenceExhausted    = errors.New("no free sequence number")
	ErrComponentStartFailed = errors.New("component failed to start")
)

// ErrorCode represents a numeric error code for efficient error handling
type ErrorCode int

const (
	ErrorCodeSuccess ErrorCode = 0

	// Codec error codes (1000-1999)

	ErrorCodeProtocolViolation   ErrorCode = 1001
	ErrorCodeInvalidHeader       ErrorCode = 1002
	ErrorCodeMissingField        ErrorCode = 1003
	ErrorCodeInvalidRequest      ErrorCode = 1004
	ErrorCodeFrameTooLarge       ErrorCode = 1005
	ErrorCodeUnsupportedEncoding ErrorCode = 1006

	// Connection error codes (2000-2999)

	ErrorCodeConnectionClosed ErrorCode = 2001

	// Correlation error codes (3000-3999)

	ErrorCodeResponseTimeout    ErrorCode = 3001
	ErrorCodeDuplicateAwait     ErrorCode = 3002
	ErrorCodeUnroutableResponse ErrorCode = 3003
	ErrorCodeSequenceExhausted  ErrorCode = 3004

	// Component error codes (4000-4999)

	ErrorCodeComponentStartFailure ErrorCode = 4001

	ErrorCodeUnknownError ErrorCode = 9999
)

// Error represents a protocol-specific error with additional context
type Error struct {
	Code      ErrorCode
	Message   string
	Cause     error
	Context   map[string]any
	Timestamp int64
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Context:   make(map[string]any),
		Timestamp: time.Now().Unix(),
	}
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	e.Context[key] = value
	return e
}

// IsFatal reports whether the offending connection must be closed.
func (e *Error) IsFatal() bool {
	switch e.Code {
	case ErrorCodeProtocolViolation,
		ErrorCodeInvalidHeader,
		ErrorCodeMissingField,
		ErrorCodeInvalidRequest,
		ErrorCodeFrameTooLarge,
		ErrorCodeUnsupportedEncoding,
		ErrorCodeConnectionClosed:
		return true
	default:
		return false
	}
}

var errorCodeMap = map[error]ErrorCode{
	ErrMissingHeader:        ErrorCodeMissingField,
	ErrInvalidHeader:        ErrorCodeInvalidHeader,
	ErrHeaderTooLarge:       ErrorCodeInvalidHeader,
	ErrFrameTooLarge:        ErrorCodeFrameTooLarge,
	ErrUnsupportedEncoding:  ErrorCodeUnsupportedEncoding,
	ErrInvalidRequest:       ErrorCodeInvalidRequest,
	ErrUnknownAction:        ErrorCodeInvalidRequest,
	ErrIncompleteFrame:      ErrorCodeProtocolViolation,
	ErrConnectionClosed:     ErrorCodeConnectionClosed,
	ErrResponseTimeout:      ErrorCodeResponseTimeout,
	ErrDuplicateAwait:       ErrorCodeDuplicateAwait,
	ErrUnroutableResponse:   ErrorCodeUnroutableResponse,
	ErrSequenceExhausted:    ErrorCodeSequenceExhausted,
	ErrComponentStartFailed: ErrorCodeComponentStartFailure,
}

// GetErrorCode returns the error code for a given error
func GetErrorCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeSuccess
	}

	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.Code
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return ErrorCodeUnknownError
}

// WrapError wraps a standard error into a protocol Error
func WrapError(err error, message string) *Error {
	return NewProtocolError(GetErrorCode(err), message, err)
}

// IsProtocolError reports whether err should be treated as a ProtocolError,
// i.e. the peer sent something malformed.
func IsProtocolError(err error) bool {
	var protocolErr *Error
	if errors.As(err, &protocolErr) {
		return protocolErr.IsFatal()
	}
	return false
}
