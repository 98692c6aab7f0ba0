package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/vango-go/vai-live/pkg/core"
)

type envelope struct {
	Error     *core.Error `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

// fromError maps err to its public form and HTTP status. Unclassified
// errors are reported as internal without details.
func fromError(err error) (*core.Error, int) {
	if err == nil {
		return nil, http.StatusOK
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &core.Error{Type: core.ErrAPI, Message: "request timeout"}, http.StatusGatewayTimeout
	}
	if errors.Is(err, context.Canceled) {
		return &core.Error{Type: core.ErrAPI, Message: "request cancelled", Code: "cancelled"}, http.StatusRequestTimeout
	}

	var ce *core.Error
	if errors.As(err, &ce) && ce != nil {
		out := *ce
		return &out, statusFromType(ce.Type)
	}

	return &core.Error{Type: core.ErrAPI, Message: "internal error"}, http.StatusInternalServerError
}

func statusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrTransport, core.ErrAPI:
		return http.StatusBadGateway
	case core.ErrInvalidState:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error, requestID string) {
	ce, status := fromError(err)
	if ce.RetryAfter != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*ce.RetryAfter))
	}
	writeJSON(w, status, envelope{Error: ce, RequestID: requestID})
}
