// Package tokens serves ephemeral live credentials to clients that must not
// hold the long-lived API key.
package tokens

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/credential"
	"github.com/vango-go/vai-live/pkg/live/metrics"
)

const maxBodyBytes = 16 << 10

type Options struct {
	Issuer credential.Issuer
	// Defaults are the broadest constraints a caller may request.
	Defaults credential.Constraints
	// APIKeys are the accepted bearer tokens. Empty disables auth.
	APIKeys   map[string]struct{}
	RateLimit RateLimit
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	// Now is the clock for rate limiting; nil uses time.Now.
	Now func() time.Time
}

type Server struct {
	issuer   credential.Issuer
	defaults credential.Constraints
	keys     [][sha256.Size]byte
	limiter  *limiter
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
	draining atomic.Bool
}

func New(opts Options) (*Server, error) {
	if opts.Issuer == nil {
		return nil, errors.New("token server requires an issuer")
	}
	defaults := opts.Defaults.WithDefaults()
	if err := defaults.Validate(); err != nil {
		return nil, err
	}
	if opts.RateLimit.RPS < 0 || opts.RateLimit.Burst < 0 {
		return nil, errors.New("rate limit must not be negative")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{
		issuer:   opts.Issuer,
		defaults: defaults,
		keys:     digestKeys(opts.APIKeys),
		limiter:  newLimiter(opts.RateLimit),
		now:      opts.Now,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// SetDraining makes readiness fail and rejects new issues during shutdown.
func (s *Server) SetDraining(draining bool) { s.draining.Store(draining) }

func (s *Server) IsDraining() bool { return s.draining.Load() }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.With(s.metrics.Middleware("/v1/tokens"), s.authenticate, s.rateLimit).Post("/v1/tokens", s.handleIssue)
	return r
}

type issueRequest struct {
	Model                 string   `json:"model,omitempty"`
	Uses                  int      `json:"uses,omitempty"`
	ExpireAfter           string   `json:"expire_after,omitempty"`
	NewSessionExpireAfter string   `json:"new_session_expire_after,omitempty"`
	ResponseModalities    []string `json:"response_modalities,omitempty"`
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	reqID := middleware.GetReqID(r.Context())
	if s.IsDraining() {
		writeError(w, core.NewStateError("draining", "token service is shutting down"), reqID)
		return
	}

	var req issueRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, core.NewInvalidRequestError("invalid request body: "+err.Error()), reqID)
		return
	}

	c, err := s.constraints(req)
	if err != nil {
		writeError(w, err, reqID)
		return
	}

	cred, err := s.issuer.Issue(r.Context(), c)
	if err != nil {
		s.logger.Error("issue live credential", "request_id", reqID, "model", c.Model, "error", err)
		var ce *core.Error
		if !errors.As(err, &ce) && r.Context().Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			err = core.NewAPIError("credential issue failed")
		}
		writeError(w, err, reqID)
		return
	}
	s.logger.Info("issued live credential", "request_id", reqID, "name", cred.Name, "uses", cred.RemainingUses, "expires", cred.ExpireTime)
	writeJSON(w, http.StatusCreated, cred)
}

// constraints narrows the server defaults by the request. Callers may
// tighten the policy but never widen it.
func (s *Server) constraints(req issueRequest) (credential.Constraints, error) {
	c := s.defaults
	if m := strings.TrimSpace(req.Model); m != "" && modelName(m) != modelName(c.Model) {
		return c, core.NewInvalidRequestError("model " + m + " is not available")
	}
	if req.Uses < 0 || req.Uses > c.Uses {
		return c, core.NewInvalidRequestError("uses must be between 1 and the service limit")
	}
	if req.Uses > 0 {
		c.Uses = req.Uses
	}

	var err error
	if c.ExpireAfter, err = narrow("expire_after", req.ExpireAfter, c.ExpireAfter); err != nil {
		return c, err
	}
	if c.NewSessionExpireAfter, err = narrow("new_session_expire_after", req.NewSessionExpireAfter, c.NewSessionExpireAfter); err != nil {
		return c, err
	}
	if c.NewSessionExpireAfter > c.ExpireAfter {
		c.NewSessionExpireAfter = c.ExpireAfter
	}
	if len(req.ResponseModalities) > 0 {
		c.ResponseModalities = req.ResponseModalities
	}
	return c, c.Validate()
}

func narrow(field, raw string, limit time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return limit, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return limit, core.NewInvalidRequestError(field + " must be a positive duration")
	}
	if d > limit {
		return limit, core.NewInvalidRequestError(field + " exceeds the service limit of " + limit.String())
	}
	return d, nil
}

func modelName(m string) string {
	return strings.TrimPrefix(m, "models/")
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.keys) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		reqID := middleware.GetReqID(r.Context())
		token, ok := parseBearer(r)
		if !ok {
			writeError(w, core.NewAuthenticationError("missing bearer token"), reqID)
			return
		}
		if !s.validKey(token) {
			writeError(w, core.NewAuthenticationError("invalid api key"), reqID)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Keys are held as digests so every comparison covers the same length.
func digestKeys(keys map[string]struct{}) [][sha256.Size]byte {
	out := make([][sha256.Size]byte, 0, len(keys))
	for k := range keys {
		out = append(out, sha256.Sum256([]byte(k)))
	}
	return out
}

// validKey compares token against every configured key in constant time.
func (s *Server) validKey(token string) bool {
	sum := sha256.Sum256([]byte(token))
	match := 0
	for i := range s.keys {
		match |= subtle.ConstantTimeCompare(sum[:], s.keys[i][:])
	}
	return match == 1
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := parseBearer(r)
		if ok, retryAfter := s.limiter.allow(callerKey(token), s.now()); !ok {
			s.logger.Warn("token issue rate limited", "request_id", middleware.GetReqID(r.Context()), "retry_after", retryAfter)
			writeError(w, core.NewRateLimitError("too many credential requests", retryAfter), middleware.GetReqID(r.Context()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func parseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token, token != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool   `json:"ok"`
		Model       string `json:"model"`
		AuthEnabled bool   `json:"auth_enabled"`
		Draining    bool   `json:"draining,omitempty"`
	}
	draining := s.IsDraining()
	status := http.StatusOK
	if draining {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readyResp{
		OK:          !draining,
		Model:       s.defaults.Model,
		AuthEnabled: len(s.keys) > 0,
		Draining:    draining,
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
