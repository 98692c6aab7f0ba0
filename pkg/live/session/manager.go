// Package session keeps a conversation alive across connections: it owns the
// resumption handle, reacts to go-away notices, tracks connection lifetime
// and negotiates context-window compression.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/lifecycle"
	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

const (
	// HandleLifetime is how long the service honors a resumption handle.
	HandleLifetime = 2 * time.Hour

	DefaultGoAwayLead         = 5 * time.Second
	DefaultMaxSessionDuration = 15 * time.Minute
	DefaultSessionWarnLead    = time.Minute

	storeTimeout = 2 * time.Second
)

// Handle is the latest resumption token for a conversation.
type Handle struct {
	Value       string    `json:"value"`
	LastUpdated time.Time `json:"last_updated"`
	Resumable   bool      `json:"resumable"`
}

// Usable reports whether h can be offered in a setup frame.
func (h Handle) Usable(now time.Time) bool {
	return h.Value != "" && h.Resumable && now.Before(h.LastUpdated.Add(HandleLifetime))
}

// Remaining returns the time until h stops being honored.
func (h Handle) Remaining(now time.Time) time.Duration {
	if d := h.LastUpdated.Add(HandleLifetime).Sub(now); d > 0 {
		return d
	}
	return 0
}

// CompressionConfig asks the service to compact the context window. The
// client only declares it; the service performs the compaction.
type CompressionConfig struct {
	Enabled       bool
	TriggerTokens int64
	Ratio         float64
	SlidingWindow bool
}

func (c CompressionConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TriggerTokens <= 0 {
		return core.NewInvalidRequestError("compression trigger tokens must be > 0")
	}
	if c.Ratio <= 0 || c.Ratio > 1 {
		return core.NewInvalidRequestError(fmt.Sprintf("compression ratio must be in (0, 1], got %v", c.Ratio))
	}
	return nil
}

// TargetTokens is the size the window is compacted down to.
func (c CompressionConfig) TargetTokens() int64 {
	return int64(float64(c.TriggerTokens) * c.Ratio)
}

// SetupFragment is the part of a setup frame the session contributes.
type SetupFragment struct {
	SessionResumption        *protocol.SessionResumptionConfig
	ContextWindowCompression *protocol.ContextWindowCompressionConfig
	Resuming                 bool
}

// Apply copies the fragment into setup.
func (f SetupFragment) Apply(setup *protocol.Setup) {
	if setup == nil {
		return
	}
	setup.SessionResumption = f.SessionResumption
	setup.ContextWindowCompression = f.ContextWindowCompression
}

// GoAwayNotice reports a server-announced termination.
type GoAwayNotice struct {
	TimeLeft   time.Duration
	Reason     string
	ReceivedAt time.Time
}

type Options struct {
	// Key identifies the conversation in the handle store. A random key is
	// generated when empty.
	Key   string
	Store HandleStore

	Compression        CompressionConfig
	GoAwayLead         time.Duration
	MaxSessionDuration time.Duration
	SessionWarnLead    time.Duration

	// OnTurnComplete runs for every serverContent.turnComplete.
	OnTurnComplete func()
	// OnGoAway runs as soon as a go-away arrives.
	OnGoAway func(GoAwayNotice)
	// OnGoAwayCleanup runs GoAwayLead before the announced termination.
	OnGoAwayCleanup func(GoAwayNotice)
	// OnSessionExpiring runs SessionWarnLead before MaxSessionDuration.
	OnSessionExpiring func(remaining time.Duration)

	Timers  *lifecycle.Timers
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Manager is the single owner of the handle and compression config.
type Manager struct {
	key     string
	store   HandleStore
	opts    Options
	timers  *lifecycle.Timers
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	handle      Handle
	loaded      bool
	compression CompressionConfig
	locked      bool
	openedAt    time.Time
	open        bool
}

func NewManager(opts Options) (*Manager, error) {
	if err := opts.Compression.Validate(); err != nil {
		return nil, err
	}
	if opts.Key == "" {
		opts.Key = uuid.NewString()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.GoAwayLead <= 0 {
		opts.GoAwayLead = DefaultGoAwayLead
	}
	if opts.MaxSessionDuration <= 0 {
		opts.MaxSessionDuration = DefaultMaxSessionDuration
	}
	if opts.SessionWarnLead <= 0 {
		opts.SessionWarnLead = DefaultSessionWarnLead
	}
	if opts.Timers == nil {
		opts.Timers = lifecycle.NewTimers()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		key:         opts.Key,
		store:       opts.Store,
		opts:        opts,
		timers:      opts.Timers,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		compression: opts.Compression,
	}, nil
}

// Key returns the store key for this conversation.
func (m *Manager) Key() string { return m.key }

// Negotiate builds the session part of the next setup frame and freezes the
// compression config until ConnectionClosed. A resumption block is always
// present so the service keeps sending handle updates; it carries the handle
// only while that handle is usable.
func (m *Manager) Negotiate(ctx context.Context) SetupFragment {
	m.loadHandle(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.locked = true

	frag := SetupFragment{SessionResumption: &protocol.SessionResumptionConfig{}}
	if m.handle.Usable(m.now()) {
		frag.SessionResumption.Handle = m.handle.Value
		frag.Resuming = true
	}
	if c := m.compression; c.Enabled {
		cwc := &protocol.ContextWindowCompressionConfig{TriggerTokens: c.TriggerTokens}
		if c.SlidingWindow {
			cwc.SlidingWindow = &protocol.SlidingWindow{TargetTokens: c.TargetTokens()}
		}
		frag.ContextWindowCompression = cwc
	}
	return frag
}

func (m *Manager) loadHandle(ctx context.Context) {
	m.mu.Lock()
	loaded := m.loaded
	m.loaded = true
	m.mu.Unlock()
	if loaded {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	h, ok, err := m.store.Load(ctx, m.key)
	if err != nil {
		m.logger.Warn("load resumption handle failed", "key", m.key, "error", err)
		return
	}
	if !ok {
		return
	}
	m.mu.Lock()
	if m.handle.LastUpdated.Before(h.LastUpdated) {
		m.handle = h
	}
	m.mu.Unlock()
}

// Observe applies one decoded server message.
func (m *Manager) Observe(msg *protocol.ServerMessage) {
	if msg == nil {
		return
	}
	if u := msg.SessionResumptionUpdate; u != nil {
		m.observeResumption(u)
	}
	if g := msg.GoAway; g != nil {
		m.observeGoAway(g)
	}
	if sc := msg.ServerContent; sc != nil && sc.TurnComplete && m.opts.OnTurnComplete != nil {
		m.opts.OnTurnComplete()
	}
}

func (m *Manager) observeResumption(u *protocol.SessionResumptionUpdate) {
	m.metrics.RecordResumptionUpdate(u.Resumable)
	if !u.Resumable || u.NewHandle == "" {
		return
	}
	h := Handle{Value: u.NewHandle, LastUpdated: m.now(), Resumable: true}

	m.mu.Lock()
	m.handle = h
	m.loaded = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.Save(ctx, m.key, h); err != nil {
		m.logger.Warn("save resumption handle failed", "key", m.key, "error", err)
	}
}

func (m *Manager) observeGoAway(g *protocol.GoAway) {
	notice := GoAwayNotice{TimeLeft: g.TimeLeft.Std(), Reason: g.Reason, ReceivedAt: m.now()}
	m.metrics.RecordGoAway()
	m.logger.Info("live go-away received", "time_left", notice.TimeLeft, "reason", notice.Reason)
	if m.opts.OnGoAway != nil {
		m.opts.OnGoAway(notice)
	}

	delay := notice.TimeLeft - m.opts.GoAwayLead
	if delay < 0 {
		delay = 0
	}
	m.timers.Schedule(lifecycle.TimerGoAway, delay, func() {
		if m.opts.OnGoAwayCleanup != nil {
			m.opts.OnGoAwayCleanup(notice)
		}
	})
}

// Handle returns the current handle and whether it is usable now.
func (m *Manager) Handle() (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle, m.handle.Usable(m.now())
}

// ClearHandle forgets the handle so the next connection starts a new
// conversation.
func (m *Manager) ClearHandle(ctx context.Context) error {
	m.mu.Lock()
	m.handle = Handle{}
	m.loaded = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return m.store.Delete(ctx, m.key)
}

func (m *Manager) Compression() CompressionConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compression
}

// SetCompression replaces the compression config. It fails while a
// connection negotiated with the current config is open.
func (m *Manager) SetCompression(cfg CompressionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked {
		return core.NewStateError(core.CodeConfigLocked, "compression config cannot change while a connection is negotiated")
	}
	m.compression = cfg
	return nil
}

// ConnectionOpened starts session-duration tracking.
func (m *Manager) ConnectionOpened() {
	m.mu.Lock()
	m.openedAt = m.now()
	m.open = true
	m.mu.Unlock()

	warnAt := m.opts.MaxSessionDuration - m.opts.SessionWarnLead
	if warnAt < 0 {
		warnAt = 0
	}
	remaining := m.opts.MaxSessionDuration - warnAt
	m.timers.Schedule(lifecycle.TimerSessionDuration, warnAt, func() {
		m.logger.Info("live session nearing its maximum duration", "remaining", remaining)
		if m.opts.OnSessionExpiring != nil {
			m.opts.OnSessionExpiring(remaining)
		}
	})
}

// ConnectionClosed unfreezes compression and stops per-connection timers.
func (m *Manager) ConnectionClosed() {
	m.mu.Lock()
	m.locked = false
	m.open = false
	m.mu.Unlock()
	m.timers.Cancel(lifecycle.TimerSessionDuration)
	m.timers.Cancel(lifecycle.TimerGoAway)
}

// Uptime returns how long the current connection has been open.
func (m *Manager) Uptime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0
	}
	return m.now().Sub(m.openedAt)
}

// Stop cancels the session's timers.
func (m *Manager) Stop() {
	m.ConnectionClosed()
}
