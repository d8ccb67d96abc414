package huddle

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrorCode categorizes realtime failures.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorInvalidURL
	ErrorConnectionFailed
	ErrorAuthenticationFailed
	ErrorDisconnected
	ErrorSendFailed
	ErrorDecodingFailed
)

// String returns the string representation of an ErrorCode.
func (c ErrorCode) String() string {
	switch c {
	case ErrorInvalidURL:
		return "invalid_url"
	case ErrorConnectionFailed:
		return "connection_failed"
	case ErrorAuthenticationFailed:
		return "authentication_failed"
	case ErrorDisconnected:
		return "disconnected"
	case ErrorSendFailed:
		return "send_failed"
	case ErrorDecodingFailed:
		return "decoding_failed"
	default:
		return fmt.Sprintf("unknown_code_%d", int(c))
	}
}

// RealtimeError is a categorized transport error with an optional cause.
type RealtimeError struct {
	Code    ErrorCode
	Message string
	Wrapped error
}

// Error implements the error interface.
func (e *RealtimeError) Error() string {
	switch {
	case e.Message != "" && e.Wrapped != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Wrapped)
	case e.Wrapped != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Wrapped)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	default:
		return e.Code.String()
	}
}

// Unwrap returns the cause.
func (e *RealtimeError) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is a RealtimeError with the same code.
func (e *RealtimeError) Is(target error) bool {
	t, ok := target.(*RealtimeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidURL           = &RealtimeError{Code: ErrorInvalidURL}
	ErrConnectionFailed     = &RealtimeError{Code: ErrorConnectionFailed}
	ErrAuthenticationFailed = &RealtimeError{Code: ErrorAuthenticationFailed}
	ErrDisconnected         = &RealtimeError{Code: ErrorDisconnected}
	ErrSendFailed           = &RealtimeError{Code: ErrorSendFailed}
	ErrDecodingFailed       = &RealtimeError{Code: ErrorDecodingFailed}
)

func newError(code ErrorCode, message string) *RealtimeError {
	return &RealtimeError{Code: code, Message: message}
}

func wrapError(code ErrorCode, message string, err error) *RealtimeError {
	return &RealtimeError{Code: code, Message: message, Wrapped: err}
}

// IsConnectionError reports whether err describes a lost or unusable connection.
func IsConnectionError(err error) bool {
	var re *RealtimeError
	if !errors.As(err, &re) {
		return false
	}
	return re.Code == ErrorConnectionFailed || re.Code == ErrorDisconnected
}

// bestEffort runs fn and swallows its error. Failures stay observable through
// the log and the best-effort failure counter.
func bestEffort(logger *zap.Logger, metrics *Metrics, op string, fn func() error) {
	if err := fn(); err != nil {
		metrics.bestEffortFailed(op)
		logger.Warn("best-effort operation failed", zap.String("op", op), zap.Error(err))
	}
}
