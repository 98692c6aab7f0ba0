package core

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/gorilla/websocket"
)

func TestError_Error(t *testing.T) {
	err := &Error{
		Type:    ErrInvalidRequest,
		Message: "model must not be empty",
	}

	expected := "invalid_request_error: model must not be empty"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestError_WithCode(t *testing.T) {
	err := NewStateError(CodeTurnInProgress, "turn in progress")

	expected := "invalid_state_error: turn in progress (code: turn_in_progress)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewRateLimitError(t *testing.T) {
	err := NewRateLimitError("rate limit exceeded", 60)
	if err.Type != ErrRateLimit {
		t.Errorf("Type = %v, want %v", err.Type, ErrRateLimit)
	}
	if got := err.RetryAfterDuration().Seconds(); got != 60 {
		t.Errorf("RetryAfterDuration = %vs, want 60s", got)
	}
	if err.IsRetryable() {
		t.Errorf("rate limit errors must not be retried automatically")
	}
}

func TestError_RetryableAndFatal(t *testing.T) {
	tests := []struct {
		typ       ErrorType
		retryable bool
		fatal     bool
	}{
		{ErrTransport, true, false},
		{ErrAuthentication, false, true},
		{ErrPermission, false, true},
		{ErrRateLimit, false, false},
		{ErrProtocol, false, false},
	}
	for _, tt := range tests {
		e := &Error{Type: tt.typ}
		if e.IsRetryable() != tt.retryable {
			t.Errorf("%s IsRetryable=%v, want %v", tt.typ, e.IsRetryable(), tt.retryable)
		}
		if e.IsFatal() != tt.fatal {
			t.Errorf("%s IsFatal=%v, want %v", tt.typ, e.IsFatal(), tt.fatal)
		}
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("read: %w", NewTransportError("connection lost", cause))
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is should find the underlying cause")
	}
	if TypeOf(err) != ErrTransport {
		t.Fatalf("TypeOf=%q, want %q", TypeOf(err), ErrTransport)
	}
}

func TestFromHandshake(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorType
	}{
		{http.StatusUnauthorized, ErrAuthentication},
		{http.StatusForbidden, ErrPermission},
		{http.StatusTooManyRequests, ErrRateLimit},
		{http.StatusServiceUnavailable, ErrTransport},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		if tt.status == http.StatusTooManyRequests {
			resp.Header.Set("Retry-After", "7")
		}
		got := FromHandshake(resp, websocket.ErrBadHandshake)
		if got.Type != tt.want {
			t.Errorf("status %d: type=%q, want %q", tt.status, got.Type, tt.want)
		}
		if tt.status == http.StatusTooManyRequests && got.RetryAfterDuration().Seconds() != 7 {
			t.Errorf("retry hint=%v, want 7s", got.RetryAfterDuration())
		}
	}
	if got := FromHandshake(nil, errors.New("refused")); got.Type != ErrTransport {
		t.Fatalf("nil response type=%q, want transport", got.Type)
	}
}

func TestFromClose(t *testing.T) {
	tests := []struct {
		code int
		text string
		want ErrorType
	}{
		{websocket.ClosePolicyViolation, "API key not valid. Please pass a valid API key.", ErrAuthentication},
		{websocket.CloseInternalServerErr, "RESOURCE_EXHAUSTED: quota exceeded", ErrRateLimit},
		{websocket.ClosePolicyViolation, "PERMISSION_DENIED", ErrPermission},
		{websocket.CloseAbnormalClosure, "", ErrTransport},
	}
	for _, tt := range tests {
		got := FromClose(&websocket.CloseError{Code: tt.code, Text: tt.text})
		if got.Type != tt.want {
			t.Errorf("close %d %q: type=%q, want %q", tt.code, tt.text, got.Type, tt.want)
		}
	}
	if got := FromClose(errors.New("EOF")); got.Type != ErrTransport {
		t.Fatalf("plain error type=%q, want transport", got.Type)
	}
}
