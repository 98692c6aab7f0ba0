package config

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-live/pkg/live/credential"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

type AuthMode string

const (
	AuthModeAPIKey    AuthMode = "api_key"
	AuthModeEphemeral AuthMode = "ephemeral"
)

const (
	DefaultEndpoint            = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	DefaultConstrainedEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContentConstrained"
	DefaultModel               = "gemini-live-2.5-flash-preview"
)

type Config struct {
	APIKey   string
	AuthMode AuthMode

	Endpoint            string
	ConstrainedEndpoint string

	Model            string
	System           string
	Voice            string
	ResponseModality string

	// Transport
	ConnectTimeout       time.Duration
	HeartbeatInterval    time.Duration
	WriteTimeout         time.Duration
	ReconnectBackoff     []time.Duration
	ReconnectGrace       time.Duration
	MaxReconnectAttempts int

	// Session
	GoAwayLead         time.Duration
	MaxSessionDuration time.Duration
	SessionWarnLead    time.Duration

	CompressionEnabled       bool
	CompressionTriggerTokens int64
	CompressionRatio         float64
	CompressionSlidingWindow bool

	// Ephemeral credentials
	TokenUses             int
	TokenExpiry           time.Duration
	TokenNewSessionExpiry time.Duration
	TokenRefreshLead      time.Duration

	// Optional Redis for resumption handles; empty keeps them in memory.
	RedisURL string

	// Token service
	TokensAddr          string
	TokensAPIKeys       map[string]struct{}
	TokensRPS           float64
	TokensBurst         int
	ShutdownGracePeriod time.Duration

	LogLevel string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		APIKey:                   envOr("GEMINI_API_KEY", ""),
		AuthMode:                 AuthMode(envOr("VAI_LIVE_AUTH_MODE", string(AuthModeAPIKey))),
		Endpoint:                 envOr("VAI_LIVE_ENDPOINT", DefaultEndpoint),
		ConstrainedEndpoint:      envOr("VAI_LIVE_CONSTRAINED_ENDPOINT", DefaultConstrainedEndpoint),
		Model:                    envOr("VAI_LIVE_MODEL", DefaultModel),
		System:                   envOr("VAI_LIVE_SYSTEM", ""),
		Voice:                    envOr("VAI_LIVE_VOICE", ""),
		ResponseModality:         strings.ToUpper(envOr("VAI_LIVE_RESPONSE_MODALITY", protocol.ModalityAudio)),
		ConnectTimeout:           envDurationOr("VAI_LIVE_CONNECT_TIMEOUT", 10*time.Second),
		HeartbeatInterval:        envDurationOr("VAI_LIVE_HEARTBEAT_INTERVAL", 20*time.Second),
		WriteTimeout:             envDurationOr("VAI_LIVE_WRITE_TIMEOUT", 5*time.Second),
		ReconnectGrace:           envDurationOr("VAI_LIVE_RECONNECT_GRACE", time.Second),
		MaxReconnectAttempts:     envIntOr("VAI_LIVE_MAX_RECONNECT_ATTEMPTS", 5),
		GoAwayLead:               envDurationOr("VAI_LIVE_GOAWAY_LEAD", session.DefaultGoAwayLead),
		MaxSessionDuration:       envDurationOr("VAI_LIVE_MAX_SESSION_DURATION", session.DefaultMaxSessionDuration),
		SessionWarnLead:          envDurationOr("VAI_LIVE_SESSION_WARN_LEAD", session.DefaultSessionWarnLead),
		CompressionEnabled:       envBoolOr("VAI_LIVE_COMPRESSION_ENABLED", false),
		CompressionTriggerTokens: envInt64Or("VAI_LIVE_COMPRESSION_TRIGGER_TOKENS", 25600),
		CompressionRatio:         envFloat64Or("VAI_LIVE_COMPRESSION_RATIO", 0.5),
		CompressionSlidingWindow: envBoolOr("VAI_LIVE_COMPRESSION_SLIDING_WINDOW", true),
		TokenUses:                envIntOr("VAI_LIVE_TOKEN_USES", credential.DefaultUses),
		TokenExpiry:              envDurationOr("VAI_LIVE_TOKEN_EXPIRY", credential.DefaultExpireAfter),
		TokenNewSessionExpiry:    envDurationOr("VAI_LIVE_TOKEN_NEW_SESSION_EXPIRY", credential.DefaultNewSessionExpireAfter),
		TokenRefreshLead:         envDurationOr("VAI_LIVE_TOKEN_REFRESH_LEAD", credential.DefaultRefreshLead),
		RedisURL:                 envOr("VAI_LIVE_REDIS_URL", ""),
		TokensAddr:               envOr("VAI_LIVE_TOKENS_ADDR", ":8090"),
		TokensAPIKeys:            keySet(envOr("VAI_LIVE_TOKENS_API_KEYS", "")),
		TokensRPS:                envFloat64Or("VAI_LIVE_TOKENS_RPS", 1),
		TokensBurst:              envIntOr("VAI_LIVE_TOKENS_BURST", 5),
		ShutdownGracePeriod:      envDurationOr("VAI_LIVE_SHUTDOWN_GRACE", 10*time.Second),
		LogLevel:                 strings.ToLower(envOr("VAI_LIVE_LOG_LEVEL", "info")),
	}

	backoff, err := envDurationListOr("VAI_LIVE_RECONNECT_BACKOFF", transport.DefaultConfig().Backoff)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectBackoff = backoff

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeAPIKey, AuthModeEphemeral:
	default:
		return fmt.Errorf("VAI_LIVE_AUTH_MODE must be one of api_key|ephemeral")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY must be set")
	}
	if err := validWebSocketURL(cfg.Endpoint); err != nil {
		return fmt.Errorf("VAI_LIVE_ENDPOINT %w", err)
	}
	if err := validWebSocketURL(cfg.ConstrainedEndpoint); err != nil {
		return fmt.Errorf("VAI_LIVE_CONSTRAINED_ENDPOINT %w", err)
	}
	if cfg.Model == "" {
		return fmt.Errorf("VAI_LIVE_MODEL must not be empty")
	}
	switch cfg.ResponseModality {
	case protocol.ModalityAudio, protocol.ModalityText:
	default:
		return fmt.Errorf("VAI_LIVE_RESPONSE_MODALITY must be one of AUDIO|TEXT")
	}

	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("VAI_LIVE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.HeartbeatInterval < 0 {
		return fmt.Errorf("VAI_LIVE_HEARTBEAT_INTERVAL must be >= 0")
	}
	if cfg.WriteTimeout <= 0 {
		return fmt.Errorf("VAI_LIVE_WRITE_TIMEOUT must be > 0")
	}
	if len(cfg.ReconnectBackoff) == 0 {
		return fmt.Errorf("VAI_LIVE_RECONNECT_BACKOFF must list at least one duration")
	}
	for _, d := range cfg.ReconnectBackoff {
		if d <= 0 {
			return fmt.Errorf("VAI_LIVE_RECONNECT_BACKOFF entries must be > 0")
		}
	}
	if cfg.ReconnectGrace < 0 {
		return fmt.Errorf("VAI_LIVE_RECONNECT_GRACE must be >= 0")
	}
	if cfg.MaxReconnectAttempts < 1 {
		return fmt.Errorf("VAI_LIVE_MAX_RECONNECT_ATTEMPTS must be >= 1")
	}

	if cfg.GoAwayLead < 0 {
		return fmt.Errorf("VAI_LIVE_GOAWAY_LEAD must be >= 0")
	}
	if cfg.MaxSessionDuration <= 0 {
		return fmt.Errorf("VAI_LIVE_MAX_SESSION_DURATION must be > 0")
	}
	if cfg.SessionWarnLead <= 0 || cfg.SessionWarnLead >= cfg.MaxSessionDuration {
		return fmt.Errorf("VAI_LIVE_SESSION_WARN_LEAD must be > 0 and < VAI_LIVE_MAX_SESSION_DURATION")
	}
	if err := cfg.Compression().Validate(); err != nil {
		return fmt.Errorf("VAI_LIVE_COMPRESSION_*: %w", err)
	}

	if cfg.TokenUses < 1 {
		return fmt.Errorf("VAI_LIVE_TOKEN_USES must be >= 1")
	}
	if cfg.TokenExpiry <= 0 {
		return fmt.Errorf("VAI_LIVE_TOKEN_EXPIRY must be > 0")
	}
	if cfg.TokenNewSessionExpiry <= 0 || cfg.TokenNewSessionExpiry > cfg.TokenExpiry {
		return fmt.Errorf("VAI_LIVE_TOKEN_NEW_SESSION_EXPIRY must be > 0 and <= VAI_LIVE_TOKEN_EXPIRY")
	}
	if cfg.TokenRefreshLead <= 0 {
		return fmt.Errorf("VAI_LIVE_TOKEN_REFRESH_LEAD must be > 0")
	}
	if cfg.RedisURL != "" {
		if _, err := url.Parse(cfg.RedisURL); err != nil {
			return fmt.Errorf("VAI_LIVE_REDIS_URL is invalid: %v", err)
		}
	}
	if cfg.TokensRPS < 0 {
		return fmt.Errorf("VAI_LIVE_TOKENS_RPS must be >= 0")
	}
	if cfg.TokensBurst < 0 {
		return fmt.Errorf("VAI_LIVE_TOKENS_BURST must be >= 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_LIVE_SHUTDOWN_GRACE must be > 0")
	}
	if _, ok := parseLevel(cfg.LogLevel); !ok {
		return fmt.Errorf("VAI_LIVE_LOG_LEVEL must be one of debug|info|warn|error")
	}
	return nil
}

// Transport returns the transport settings.
func (cfg Config) Transport() transport.Config {
	return transport.Config{
		ConnectTimeout:    cfg.ConnectTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		WriteTimeout:      cfg.WriteTimeout,
		Backoff:           append([]time.Duration(nil), cfg.ReconnectBackoff...),
		ReconnectGrace:    cfg.ReconnectGrace,
		MaxAttempts:       cfg.MaxReconnectAttempts,
	}
}

func (cfg Config) Compression() session.CompressionConfig {
	return session.CompressionConfig{
		Enabled:       cfg.CompressionEnabled,
		TriggerTokens: cfg.CompressionTriggerTokens,
		Ratio:         cfg.CompressionRatio,
		SlidingWindow: cfg.CompressionSlidingWindow,
	}
}

// Constraints returns the scope requested for ephemeral credentials.
func (cfg Config) Constraints() credential.Constraints {
	return credential.Constraints{
		Model:                 cfg.Model,
		Uses:                  cfg.TokenUses,
		ExpireAfter:           cfg.TokenExpiry,
		NewSessionExpireAfter: cfg.TokenNewSessionExpiry,
		ResponseModalities:    []string{cfg.ResponseModality},
		SessionResumption:     true,
	}
}

// Setup returns the base setup frame; the session layer adds resumption
// and compression.
func (cfg Config) Setup() protocol.Setup {
	setup := protocol.Setup{
		Model: modelResource(cfg.Model),
		GenerationConfig: &protocol.GenerationConfig{
			ResponseModalities: []string{cfg.ResponseModality},
		},
	}
	if cfg.System != "" {
		setup.SystemInstruction = &protocol.Content{Parts: []protocol.Part{{Text: cfg.System}}}
	}
	if cfg.Voice != "" {
		setup.GenerationConfig.SpeechConfig = &protocol.SpeechConfig{
			VoiceConfig: &protocol.VoiceConfig{PrebuiltVoiceConfig: &protocol.PrebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if cfg.ResponseModality == protocol.ModalityAudio {
		setup.InputAudioTranscription = &protocol.AudioTranscriptionConfig{}
		setup.OutputAudioTranscription = &protocol.AudioTranscriptionConfig{}
	}
	return setup
}

// APIKeyEndpoint authenticates with the long-lived key.
func (cfg Config) APIKeyEndpoint() (transport.Endpoint, error) {
	return endpointWith(cfg.Endpoint, "key", cfg.APIKey)
}

// EphemeralEndpoint authenticates with a constrained credential name.
func (cfg Config) EphemeralEndpoint(credentialName string) (transport.Endpoint, error) {
	if credentialName == "" {
		return transport.Endpoint{}, fmt.Errorf("credential name is required")
	}
	return endpointWith(cfg.ConstrainedEndpoint, "access_token", credentialName)
}

// SlogLevel returns the configured log level.
func (cfg Config) SlogLevel() slog.Level {
	level, _ := parseLevel(cfg.LogLevel)
	return level
}

func endpointWith(raw, param, value string) (transport.Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return transport.Endpoint{}, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set(param, value)
	u.RawQuery = q.Encode()
	return transport.Endpoint{URL: u.String(), Header: http.Header{}}, nil
}

func modelResource(model string) string {
	if strings.HasPrefix(model, "models/") {
		return model
	}
	return "models/" + model
}

func validWebSocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is invalid: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("must use ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func parseLevel(raw string) (slog.Level, bool) {
	switch raw {
	case "debug":
		return slog.LevelDebug, true
	case "", "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	default:
		return slog.LevelInfo, false
	}
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// envDurationListOr parses a comma-separated list such as "2s,5s,10s".
// Unlike the scalar helpers it rejects malformed input.
func envDurationListOr(key string, def []time.Duration) ([]time.Duration, error) {
	parts := splitCSV(os.Getenv(key))
	if len(parts) == 0 {
		return append([]time.Duration(nil), def...), nil
	}
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, fmt.Errorf("%s: invalid duration %q", key, p)
		}
		out = append(out, d)
	}
	return out, nil
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func keySet(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, k := range splitCSV(raw) {
		out[k] = struct{}{}
	}
	return out
}
