package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents different types of errors that can occur
type ErrorType string

const (
	ErrorTypeRateLimit         ErrorType = "rate_limit"
	ErrorTypeNoWorkingProxy    ErrorType = "no_working_proxy"
	ErrorTypeNoAvailableProxy  ErrorType = "no_available_proxy"
	ErrorTypeAuthRequired      ErrorType = "auth_required"
	ErrorTypeAuthFailed        ErrorType = "auth_failed"
	ErrorTypeChallenge         ErrorType = "challenge_required"
	ErrorTypeSessionProbe      ErrorType = "session_probe_failed"
	ErrorTypeProxyConnect      ErrorType = "proxy_connect"
	ErrorTypeUpstreamThrottled ErrorType = "upstream_throttled"
	ErrorTypeLoginRequired     ErrorType = "login_required"
	ErrorTypeInvalidInput      ErrorType = "invalid_input"
	ErrorTypeStorage           ErrorType = "storage"
	ErrorTypeUnknown           ErrorType = "unknown"
)

// Error represents an orchestration error with type information
type Error struct {
	Type    ErrorType
	Message string
	Code    int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error (code %d): %s: %v", e.Type, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error (code %d): %s", e.Type, e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match when target is an *Error of the same type.
// This lets callers compare against the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Sentinels for errors.Is comparisons.
var (
	ErrRateLimited            = &Error{Type: ErrorTypeRateLimit}
	ErrNoWorkingProxy         = &Error{Type: ErrorTypeNoWorkingProxy}
	ErrNoAvailableProxy       = &Error{Type: ErrorTypeNoAvailableProxy}
	ErrAuthenticationRequired = &Error{Type: ErrorTypeAuthRequired}
	ErrAuthenticationFailed   = &Error{Type: ErrorTypeAuthFailed}
	ErrChallengeRequired      = &Error{Type: ErrorTypeChallenge}
	ErrSessionProbeFailed     = &Error{Type: ErrorTypeSessionProbe}
	ErrProxyConnect           = &Error{Type: ErrorTypeProxyConnect}
	ErrUpstreamThrottled      = &Error{Type: ErrorTypeUpstreamThrottled}
	ErrLoginRequired          = &Error{Type: ErrorTypeLoginRequired}
	ErrInvalidInput           = &Error{Type: ErrorTypeInvalidInput}
)

// New creates a typed error with the outward status code for its type.
func New(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message, Code: StatusFor(errorType)}
}

// Wrap creates a typed error carrying a cause.
func Wrap(errorType ErrorType, message string, err error) *Error {
	return &Error{Type: errorType, Message: message, Code: StatusFor(errorType), Err: err}
}

// TypeOf returns the type of the first *Error in err's chain, or
// ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Type
	}
	return ErrorTypeUnknown
}

// StatusFor maps an error type to its outward HTTP status code.
func StatusFor(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeRateLimit, ErrorTypeUpstreamThrottled:
		return http.StatusTooManyRequests
	case ErrorTypeNoWorkingProxy, ErrorTypeNoAvailableProxy, ErrorTypeProxyConnect:
		return http.StatusServiceUnavailable
	case ErrorTypeAuthRequired, ErrorTypeAuthFailed, ErrorTypeLoginRequired, ErrorTypeSessionProbe:
		return http.StatusUnauthorized
	case ErrorTypeChallenge, ErrorTypeInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatus returns the outward status code for any error.
func HTTPStatus(err error) int {
	return StatusFor(TypeOf(err))
}

// SafeMessage returns a caller-safe description of err. Internal causes are
// never included.
func SafeMessage(err error) string {
	switch TypeOf(err) {
	case ErrorTypeRateLimit:
		return "Rate limit exceeded"
	case ErrorTypeUpstreamThrottled:
		return "Upstream asked to slow down. Please try again in a few minutes."
	case ErrorTypeNoWorkingProxy, ErrorTypeNoAvailableProxy, ErrorTypeProxyConnect:
		return "No proxy available. Please try again later."
	case ErrorTypeAuthRequired, ErrorTypeLoginRequired, ErrorTypeSessionProbe:
		return "No stored credentials. Please log in via /auth/login endpoint."
	case ErrorTypeAuthFailed:
		return "Authentication failed. Please log in via /auth/login endpoint."
	case ErrorTypeChallenge:
		return "Verification challenge required."
	case ErrorTypeInvalidInput:
		var e *Error
		if stderrors.As(err, &e) && e.Message != "" {
			return e.Message
		}
		return "Invalid request"
	default:
		return "Internal server error"
	}
}

// IsRetryable checks if an error type should be retried by the caller
func IsRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeProxyConnect, ErrorTypeNoWorkingProxy, ErrorTypeStorage:
		return true
	case ErrorTypeRateLimit, ErrorTypeUpstreamThrottled:
		return true
	case ErrorTypeAuthRequired, ErrorTypeAuthFailed, ErrorTypeChallenge, ErrorTypeInvalidInput:
		return false
	default:
		return false
	}
}
