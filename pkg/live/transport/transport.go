// Package transport owns the live WebSocket: dialing, heartbeat, and
// backed-off reconnection after the connection drops.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/lifecycle"
	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultHeartbeatInterval = 20 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	defaultMaxAttempts       = 5
	inboundBuffer            = 256
)

// DefaultBackoff is the reconnect delay table. Attempts past its end reuse
// the last entry.
var DefaultBackoff = []time.Duration{2 * time.Second, 5 * time.Second, 10 * time.Second}

// DefaultReconnectGrace is the minimum pause before any reconnect.
const DefaultReconnectGrace = time.Second

type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
	StatusFailed       Status = "failed"
)

// StatusChange describes a status transition. For a disconnected status
// with a scheduled retry, Attempt and Delay describe that retry.
type StatusChange struct {
	Status  Status
	Attempt int
	Delay   time.Duration
	Err     error
}

// Inbound is one item from the connection: either a frame or a status change.
type Inbound struct {
	Kind   protocol.FrameKind
	Data   []byte
	Status *StatusChange
}

// Endpoint is where and how to dial.
type Endpoint struct {
	URL    string
	Header http.Header
}

// Resolver produces the endpoint for a dial. It runs before every attempt so
// each one can carry a fresh credential.
type Resolver func(ctx context.Context) (Endpoint, error)

type Config struct {
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Backoff           []time.Duration
	ReconnectGrace    time.Duration
	MaxAttempts       int
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    defaultConnectTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		WriteTimeout:      defaultWriteTimeout,
		Backoff:           append([]time.Duration(nil), DefaultBackoff...),
		ReconnectGrace:    DefaultReconnectGrace,
		MaxAttempts:       defaultMaxAttempts,
	}
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if len(c.Backoff) == 0 {
		c.Backoff = append([]time.Duration(nil), DefaultBackoff...)
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	return c
}

// BackoffDelay returns the delay before reconnect attempt (1-based): the
// table entry at min(attempt, len)-1, never less than grace.
func BackoffDelay(attempt int, table []time.Duration, grace time.Duration) time.Duration {
	if len(table) == 0 {
		table = DefaultBackoff
	}
	if attempt < 1 {
		attempt = 1
	}
	idx := attempt
	if idx > len(table) {
		idx = len(table)
	}
	d := table[idx-1]
	if d < grace {
		d = grace
	}
	return d
}

type Options struct {
	Config   Config
	Resolver Resolver
	// OnOpen runs on every new connection before it is reported connected.
	// Returning an error drops the connection and counts as a failed dial.
	OnOpen   func(ctx context.Context) error
	// SetupAck recognizes the frame that acknowledges setup. Until it is
	// seen, a server close is a setup rejection and a lost connection counts
	// against the reconnect budget. Nil acknowledges every connection once
	// it is open.
	SetupAck func(kind protocol.FrameKind, data []byte) bool
	Timers   *lifecycle.Timers
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Channel is a single logical connection that survives transport failures
// by reconnecting. Only the Channel decides when to reconnect.
type Channel struct {
	cfg     Config
	resolve Resolver
	onOpen  func(ctx context.Context) error
	isAck   func(kind protocol.FrameKind, data []byte) bool
	timers  *lifecycle.Timers
	logger  *slog.Logger
	metrics *metrics.Metrics

	inbound   chan Inbound
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	conn        *websocket.Conn
	gen         uint64
	status      Status
	attempt     int
	connAttempt int
	acked       bool
	dialing     bool
	dialCancel  context.CancelFunc
	stopped     bool
	connectedAt time.Time

	writeMu sync.Mutex
}

func New(opts Options) (*Channel, error) {
	if opts.Resolver == nil {
		return nil, fmt.Errorf("transport requires a resolver")
	}
	if opts.Timers == nil {
		opts.Timers = lifecycle.NewTimers()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channel{
		cfg:     opts.Config.withDefaults(),
		resolve: opts.Resolver,
		onOpen:  opts.OnOpen,
		isAck:   opts.SetupAck,
		timers:  opts.Timers,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		inbound: make(chan Inbound, inboundBuffer),
		done:    make(chan struct{}),
		status:  StatusDisconnected,
	}, nil
}

// Inbound delivers frames and status changes in order. It is never closed;
// select on Done to stop reading.
func (c *Channel) Inbound() <-chan Inbound { return c.inbound }

// Done is closed by Close.
func (c *Channel) Done() <-chan struct{} { return c.done }

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials once. Connecting an already connected channel is a no-op.
// Failures are returned and published; Connect itself never retries.
func (c *Channel) Connect(ctx context.Context) error {
	select {
	case <-c.done:
		return core.NewStateError(core.CodeNotConnected, "transport is closed")
	default:
	}

	c.mu.Lock()
	if c.dialing {
		c.mu.Unlock()
		return core.NewStateError(core.CodeAlreadyActive, "connect already in progress")
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.stopped = false
	c.attempt = 0
	c.dialing = true
	c.mu.Unlock()

	// An explicit connect supersedes any pending retry.
	c.timers.Cancel(lifecycle.TimerReconnect)

	c.setStatus(StatusChange{Status: StatusConnecting})
	if err := c.establish(ctx); err != nil {
		if !c.isStopped() {
			c.setStatus(StatusChange{Status: StatusError, Err: err})
		}
		return err
	}
	return nil
}

// Send writes one frame on the current connection.
func (c *Channel) Send(kind protocol.FrameKind, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return core.NewStateError(core.CodeNotConnected, "not connected")
	}

	mt := websocket.TextMessage
	if kind == protocol.FrameBinary {
		mt = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := conn.WriteMessage(mt, data); err != nil {
		return core.NewTransportError("write frame", err)
	}
	c.metrics.RecordFrame("out", kind.String())
	return nil
}

// Disconnect closes the connection and suppresses any pending or in-flight
// reconnection. It is idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	conn := c.conn
	c.conn = nil
	cancel := c.dialCancel
	dialing := c.dialing
	connectedAt := c.connectedAt
	c.mu.Unlock()

	c.timers.Cancel(lifecycle.TimerHeartbeat)
	pending := c.timers.Cancel(lifecycle.TimerReconnect)
	if cancel != nil {
		cancel()
	}

	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		_ = conn.Close()
		c.metrics.RecordConnectionClosed(time.Since(connectedAt))
	}

	if conn != nil || dialing || pending {
		c.setStatus(StatusChange{Status: StatusDisconnected})
	}
}

// Close disconnects and releases the inbound stream.
func (c *Channel) Close() {
	c.Disconnect()
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Channel) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// establish dials, runs the open hook and starts the read loop. The caller
// has already set dialing.
func (c *Channel) establish(ctx context.Context) error {
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.dialCancel = cancel
	c.mu.Unlock()

	conn, err := c.dial(dialCtx)

	c.mu.Lock()
	c.dialing = false
	c.dialCancel = nil
	if err == nil && c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return core.NewStateError(core.CodeNotConnected, "disconnected while connecting")
	}
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.gen++
	gen := c.gen
	c.conn = conn
	c.connAttempt = c.attempt
	c.acked = false
	c.mu.Unlock()

	if c.onOpen != nil {
		if err := c.onOpen(ctx); err != nil {
			c.dropConn(gen, conn)
			return fmt.Errorf("open connection: %w", err)
		}
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return core.NewStateError(core.CodeNotConnected, "disconnected while connecting")
	}
	c.connectedAt = time.Now()
	c.mu.Unlock()
	if c.isAck == nil {
		c.acknowledge(gen)
	}

	c.metrics.RecordDial("ok")
	c.metrics.RecordConnectionOpened()
	c.setStatus(StatusChange{Status: StatusConnected})
	c.scheduleHeartbeat(gen)
	go c.readLoop(gen, conn)
	return nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	ep, err := c.resolve(dialCtx)
	if err != nil {
		c.metrics.RecordDial("error")
		var ce *core.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, core.NewTransportError("resolve endpoint", err)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	conn, resp, err := dialer.DialContext(dialCtx, ep.URL, ep.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		return conn, nil
	}

	if ctx.Err() != nil {
		c.metrics.RecordDial("canceled")
		return nil, core.NewTransportError("dial canceled", ctx.Err())
	}
	if isTimeout(err) || errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
		c.metrics.RecordDial("timeout")
		return nil, &core.Error{
			Type:    core.ErrTransport,
			Message: fmt.Sprintf("connect timed out after %s", c.cfg.ConnectTimeout),
			Code:    core.CodeConnectTimeout,
			Err:     err,
		}
	}
	classified := core.FromHandshake(resp, err)
	switch classified.Type {
	case core.ErrAuthentication, core.ErrPermission:
		c.metrics.RecordDial("auth")
	case core.ErrRateLimit:
		c.metrics.RecordDial("rate_limited")
	default:
		c.metrics.RecordDial("error")
	}
	return nil, classified
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// retryable reports whether a failed attempt may be followed by another.
// Unclassified errors count as transport failures.
func retryable(err error) bool {
	var ce *core.Error
	if errors.As(err, &ce) {
		return ce.IsRetryable()
	}
	return true
}

func (c *Channel) dropConn(gen uint64, conn *websocket.Conn) {
	c.mu.Lock()
	if c.gen == gen && c.conn == conn {
		c.conn = nil
		c.gen++
	}
	c.mu.Unlock()
	_ = conn.Close()
}

// acknowledge marks the connection of gen as set up. Only then does the
// reconnect budget start over.
func (c *Channel) acknowledge(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen == gen {
		c.acked = true
		c.attempt = 0
	}
}

func (c *Channel) readLoop(gen uint64, conn *websocket.Conn) {
	acked := c.isAck == nil
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			c.handleReadError(gen, conn, err)
			return
		}

		var kind protocol.FrameKind
		switch mt {
		case websocket.TextMessage:
			kind = protocol.FrameText
		case websocket.BinaryMessage:
			kind = protocol.FrameBinary
		default:
			continue
		}
		c.metrics.RecordFrame("in", kind.String())
		if !acked && c.isAck(kind, data) {
			acked = true
			c.acknowledge(gen)
		}
		if !c.push(Inbound{Kind: kind, Data: data}) {
			return
		}
	}
}

func (c *Channel) handleReadError(gen uint64, conn *websocket.Conn, err error) {
	c.mu.Lock()
	if gen != c.gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	connectedAt := c.connectedAt
	acked := c.acked
	connAttempt := c.connAttempt
	c.mu.Unlock()

	_ = conn.Close()
	c.timers.Cancel(lifecycle.TimerHeartbeat)
	c.metrics.RecordConnectionClosed(time.Since(connectedAt))

	cause := core.FromClose(err)
	if !acked {
		cause = setupFailure(err, cause)
	}
	if !cause.IsRetryable() {
		c.logger.Error("live connection closed; not retrying", "error", cause)
		c.setStatus(StatusChange{Status: StatusError, Err: cause})
		return
	}
	c.logger.Warn("live connection lost", "error", err, "setup_acknowledged", acked)
	if !acked {
		// Never set up, so this dial spent an attempt.
		c.scheduleReconnect(connAttempt+1, cause)
		return
	}
	c.scheduleReconnect(1, cause)
}

// setupFailure classifies a connection that ended before setup was
// acknowledged. A close frame from the service is a rejection of the setup;
// a dropped connection stays retryable.
func setupFailure(err error, cause *core.Error) *core.Error {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code == websocket.CloseAbnormalClosure {
		return cause
	}
	if cause.Type != core.ErrTransport {
		return cause
	}
	return core.NewSetupRejectedError(fmt.Sprintf("%s (close %d)", ce.Text, ce.Code), err)
}

func (c *Channel) scheduleReconnect(attempt int, cause error) {
	if attempt > c.cfg.MaxAttempts {
		c.logger.Error("live reconnect attempts exhausted", "attempts", c.cfg.MaxAttempts, "error", cause)
		c.setStatus(StatusChange{
			Status:  StatusFailed,
			Attempt: attempt - 1,
			Err: &core.Error{
				Type:    core.ErrTransport,
				Message: fmt.Sprintf("gave up after %d reconnect attempts", c.cfg.MaxAttempts),
				Code:    core.CodeRetriesExceeded,
				Err:     cause,
			},
		})
		return
	}

	delay := BackoffDelay(attempt, c.cfg.Backoff, c.cfg.ReconnectGrace)
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.attempt = attempt
	c.mu.Unlock()

	c.logger.Info("live reconnect scheduled", "attempt", attempt, "delay", delay)
	c.metrics.RecordReconnectScheduled()
	c.setStatus(StatusChange{Status: StatusDisconnected, Attempt: attempt, Delay: delay, Err: cause})
	c.timers.Schedule(lifecycle.TimerReconnect, delay, func() { c.reconnect(attempt) })
}

func (c *Channel) reconnect(attempt int) {
	c.mu.Lock()
	if c.stopped || c.dialing || c.conn != nil {
		c.mu.Unlock()
		return
	}
	c.dialing = true
	c.mu.Unlock()

	c.setStatus(StatusChange{Status: StatusConnecting, Attempt: attempt})
	err := c.establish(context.Background())
	if err == nil {
		c.logger.Info("live reconnected", "attempt", attempt)
		return
	}
	if c.isStopped() {
		return
	}
	if !retryable(err) {
		c.logger.Error("live reconnect rejected; not retrying", "attempt", attempt, "error", err)
		c.setStatus(StatusChange{Status: StatusError, Attempt: attempt, Err: err})
		return
	}
	c.logger.Warn("live reconnect failed", "attempt", attempt, "error", err)
	c.scheduleReconnect(attempt+1, err)
}

func (c *Channel) scheduleHeartbeat(gen uint64) {
	if c.cfg.HeartbeatInterval <= 0 {
		return
	}
	c.timers.Schedule(lifecycle.TimerHeartbeat, c.cfg.HeartbeatInterval, func() { c.heartbeat(gen) })
}

// heartbeat pings once and re-arms. A failed ping stops the heartbeat; the
// read side alone decides whether the connection is gone.
func (c *Channel) heartbeat(gen uint64) {
	c.mu.Lock()
	conn := c.conn
	current := c.gen == gen
	c.mu.Unlock()
	if !current || conn == nil {
		return
	}

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.cfg.WriteTimeout))
	c.writeMu.Unlock()
	if err != nil {
		c.metrics.RecordHeartbeatFailure()
		c.logger.Warn("live heartbeat failed", "error", err)
		return
	}
	c.scheduleHeartbeat(gen)
}

func (c *Channel) setStatus(sc StatusChange) {
	c.mu.Lock()
	c.status = sc.Status
	c.mu.Unlock()
	c.push(Inbound{Status: &sc})
}

func (c *Channel) push(item Inbound) bool {
	select {
	case c.inbound <- item:
		return true
	case <-c.done:
		return false
	}
}
