package core

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Error represents a live-session error surfaced to callers.
type Error struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Code       string    `json:"code,omitempty"`
	RetryAfter *int      `json:"retry_after,omitempty"`

	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code: %s)", e.Type, e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrInvalidRequest ErrorType = "invalid_request_error"
	ErrAuthentication ErrorType = "authentication_error"
	ErrPermission     ErrorType = "permission_error"
	ErrRateLimit      ErrorType = "rate_limit_error"
	ErrTransport      ErrorType = "transport_error"
	ErrProtocol       ErrorType = "protocol_error"
	ErrTool           ErrorType = "tool_error"
	ErrInvalidState   ErrorType = "invalid_state_error"
	ErrAPI            ErrorType = "api_error"
)

// Codes shared across packages.
const (
	CodeConnectTimeout    = "connect_timeout"
	CodeNotConnected      = "not_connected"
	CodeTurnInProgress    = "turn_in_progress"
	CodeNoTurnInFlight    = "no_turn_in_flight"
	CodeAlreadyActive     = "already_active"
	CodeSetupRejected     = "setup_rejected"
	CodeRetriesExceeded   = "reconnect_attempts_exhausted"
	CodeConfigLocked      = "config_locked"
	CodeInvalidTransition = "invalid_transition"
)

// NewInvalidRequestError creates an invalid request error.
func NewInvalidRequestError(message string) *Error {
	return &Error{
		Type:    ErrInvalidRequest,
		Message: message,
	}
}

// NewAuthenticationError creates an authentication error.
func NewAuthenticationError(message string) *Error {
	return &Error{
		Type:    ErrAuthentication,
		Message: message,
	}
}

// NewPermissionError creates a permission error.
func NewPermissionError(message string) *Error {
	return &Error{
		Type:    ErrPermission,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error. retryAfter is in seconds.
func NewRateLimitError(message string, retryAfter int) *Error {
	return &Error{
		Type:       ErrRateLimit,
		Message:    message,
		RetryAfter: &retryAfter,
	}
}

// NewTransportError wraps a socket/network failure.
func NewTransportError(message string, cause error) *Error {
	return &Error{
		Type:    ErrTransport,
		Message: message,
		Err:     cause,
	}
}

// NewProtocolError creates an error for a malformed or unexpected frame.
func NewProtocolError(message string, cause error) *Error {
	return &Error{
		Type:    ErrProtocol,
		Message: message,
		Err:     cause,
	}
}

// NewStateError creates a state-machine violation error.
func NewStateError(code, message string) *Error {
	return &Error{
		Type:    ErrInvalidState,
		Message: message,
		Code:    code,
	}
}

// NewAPIError creates a generic API error.
// NewSetupRejectedError reports a connection the service closed before it
// acknowledged the setup frame.
func NewSetupRejectedError(reason string, err error) *Error {
	msg := "setup rejected"
	if reason = strings.TrimSpace(reason); reason != "" {
		msg += ": " + reason
	}
	return &Error{Type: ErrProtocol, Message: msg, Code: CodeSetupRejected, Err: err}
}

func NewAPIError(message string) *Error {
	return &Error{
		Type:    ErrAPI,
		Message: message,
	}
}

// IsRetryable reports whether the transport layer may retry automatically.
// Rate limits are surfaced with a hint but left to the caller.
func (e *Error) IsRetryable() bool {
	return e.Type == ErrTransport
}

// IsFatal reports whether retrying with the same credential cannot succeed.
func (e *Error) IsFatal() bool {
	switch e.Type {
	case ErrAuthentication, ErrPermission:
		return true
	default:
		return false
	}
}

// RetryAfterDuration returns the retry hint, or zero when none was given.
func (e *Error) RetryAfterDuration() time.Duration {
	if e == nil || e.RetryAfter == nil {
		return 0
	}
	return time.Duration(*e.RetryAfter) * time.Second
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// TypeOf returns the ErrorType of err, or "" if err is not a *Error.
func TypeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) && ce != nil {
		return ce.Type
	}
	return ""
}

// HasCode reports whether err is a *Error with the given code.
func HasCode(err error, code string) bool {
	var ce *Error
	return errors.As(err, &ce) && ce != nil && ce.Code == code
}

// FromHandshake classifies a failed WebSocket handshake by its HTTP status.
func FromHandshake(resp *http.Response, cause error) *Error {
	if resp == nil {
		return NewTransportError("websocket dial failed", cause)
	}
	msg := fmt.Sprintf("websocket dial failed (status %d)", resp.StatusCode)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return &Error{Type: ErrAuthentication, Message: msg, Code: "unauthenticated", Err: cause}
	case http.StatusForbidden:
		return &Error{Type: ErrPermission, Message: msg, Code: "permission_denied", Err: cause}
	case http.StatusTooManyRequests:
		e := NewRateLimitError(msg, retryAfterSeconds(resp.Header.Get("Retry-After")))
		e.Code = "resource_exhausted"
		e.Err = cause
		return e
	default:
		return NewTransportError(msg, cause)
	}
}

// FromClose classifies a WebSocket close frame. The service reports key and
// quota problems as policy-violation or internal closes with a status word
// in the reason text.
func FromClose(err error) *Error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return NewTransportError("connection lost", err)
	}
	reason := strings.ToUpper(ce.Text)
	switch {
	case strings.Contains(reason, "RESOURCE_EXHAUSTED"), strings.Contains(reason, "QUOTA"):
		e := NewRateLimitError(strings.TrimSpace(ce.Text), 0)
		e.Code = "resource_exhausted"
		e.Err = err
		return e
	case strings.Contains(reason, "PERMISSION_DENIED"):
		return &Error{Type: ErrPermission, Message: strings.TrimSpace(ce.Text), Code: "permission_denied", Err: err}
	case strings.Contains(reason, "UNAUTHENTICATED"), strings.Contains(reason, "API KEY"), strings.Contains(reason, "ACCESS TOKEN"):
		return &Error{Type: ErrAuthentication, Message: strings.TrimSpace(ce.Text), Code: "unauthenticated", Err: err}
	}
	return &Error{
		Type:    ErrTransport,
		Message: fmt.Sprintf("connection closed (code %d)", ce.Code),
		Code:    fmt.Sprintf("close_%d", ce.Code),
		Err:     err,
	}
}

func retryAfterSeconds(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err == nil && n > 0 {
		return n
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Round(time.Second) / time.Second)
		}
	}
	return 0
}
