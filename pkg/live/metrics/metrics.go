// Package metrics holds the Prometheus instruments for live sessions.
// All Record methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for live sessions and the token service.
type Metrics struct {
	registry *prometheus.Registry

	// Transport metrics
	DialsTotal             *prometheus.CounterVec
	ReconnectsScheduled    prometheus.Counter
	HeartbeatFailuresTotal prometheus.Counter
	FramesTotal            *prometheus.CounterVec
	AudioBytesTotal        *prometheus.CounterVec

	// Session metrics
	SessionsActive     prometheus.Gauge
	GoAwaysTotal       prometheus.Counter
	ResumptionUpdates  *prometheus.CounterVec
	SessionDuration    prometheus.Histogram
	TurnsTotal         *prometheus.CounterVec
	EventsDroppedTotal prometheus.Counter

	// Tool metrics
	ToolCallsTotal   *prometheus.CounterVec
	ToolCallDuration *prometheus.HistogramVec

	// Credential metrics
	CredentialsIssuedTotal *prometheus.CounterVec

	// Token service request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with every metric registered on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_live"
	}

	registry := prometheus.NewRegistry()

	dialsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "WebSocket dial attempts by outcome",
		},
		[]string{"outcome"},
	)

	reconnectsScheduled := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnection attempts scheduled after connection loss",
		},
	)

	heartbeatFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Keepalive pings that could not be sent",
		},
	)

	framesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "WebSocket frames by direction and kind",
		},
		[]string{"direction", "kind"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "Audio bytes sent and received",
		},
		[]string{"direction"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open live connections",
		},
	)

	goAways := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "goaway_total",
			Help:      "Go-away notices received",
		},
	)

	resumptionUpdates := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumption_updates_total",
			Help:      "Session resumption updates by resumability",
		},
		[]string{"resumable"},
	)

	sessionDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Connection lifetime in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 900},
		},
	)

	turnsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by final status",
		},
		[]string{"status"},
	)

	eventsDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events not delivered because a subscriber buffer was full",
		},
	)

	toolCallsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool calls dispatched by outcome",
		},
		[]string{"tool", "outcome"},
	)

	toolCallDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Tool handler duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"tool"},
	)

	credentialsIssued := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credentials_issued_total",
			Help:      "Ephemeral credential issue attempts by outcome",
		},
		[]string{"outcome"},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Token service HTTP requests",
		},
		[]string{"route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Token service request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route"},
	)

	registry.MustRegister(
		dialsTotal,
		reconnectsScheduled,
		heartbeatFailures,
		framesTotal,
		audioBytesTotal,
		sessionsActive,
		goAways,
		resumptionUpdates,
		sessionDuration,
		turnsTotal,
		eventsDropped,
		toolCallsTotal,
		toolCallDuration,
		credentialsIssued,
		requestsTotal,
		requestDuration,
	)

	return &Metrics{
		registry:               registry,
		DialsTotal:             dialsTotal,
		ReconnectsScheduled:    reconnectsScheduled,
		HeartbeatFailuresTotal: heartbeatFailures,
		FramesTotal:            framesTotal,
		AudioBytesTotal:        audioBytesTotal,
		SessionsActive:         sessionsActive,
		GoAwaysTotal:           goAways,
		ResumptionUpdates:      resumptionUpdates,
		SessionDuration:        sessionDuration,
		TurnsTotal:             turnsTotal,
		EventsDroppedTotal:     eventsDropped,
		ToolCallsTotal:         toolCallsTotal,
		ToolCallDuration:       toolCallDuration,
		CredentialsIssuedTotal: credentialsIssued,
		RequestsTotal:          requestsTotal,
		RequestDuration:        requestDuration,
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordDial records a dial outcome: "ok", "timeout", "auth", "rate_limited" or "error".
func (m *Metrics) RecordDial(outcome string) {
	if m == nil {
		return
	}
	m.DialsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.Inc()
}

func (m *Metrics) RecordHeartbeatFailure() {
	if m == nil {
		return
	}
	m.HeartbeatFailuresTotal.Inc()
}

// RecordFrame records one frame. direction is "in" or "out".
func (m *Metrics) RecordFrame(direction, kind string) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordAudio records decoded audio payload bytes.
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordConnectionOpened records a connection becoming usable.
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordConnectionClosed records a connection ending after duration.
func (m *Metrics) RecordConnectionClosed(duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordGoAway() {
	if m == nil {
		return
	}
	m.GoAwaysTotal.Inc()
}

func (m *Metrics) RecordResumptionUpdate(resumable bool) {
	if m == nil {
		return
	}
	m.ResumptionUpdates.WithLabelValues(strconv.FormatBool(resumable)).Inc()
}

// RecordTurn records a turn reaching a final status.
func (m *Metrics) RecordTurn(status string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}

// RecordToolCall records one handled call.
func (m *Metrics) RecordToolCall(tool, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordCredentialIssue records an issue attempt: "ok" or "error".
func (m *Metrics) RecordCredentialIssue(outcome string) {
	if m == nil {
		return
	}
	m.CredentialsIssuedTotal.WithLabelValues(outcome).Inc()
}

// RecordRequest records a completed token service request.
func (m *Metrics) RecordRequest(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// ResponseWriter wraps http.ResponseWriter to capture the status code.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
}

func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

func (rw *ResponseWriter) WriteHeader(code int) {
	rw.StatusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency per route label.
func (m *Metrics) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := NewResponseWriter(w)
			next.ServeHTTP(rw, r)
			m.RecordRequest(route, rw.StatusCode, time.Since(start))
		})
	}
}
