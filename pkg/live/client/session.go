// Package client wires the live components into one caller-owned Session:
// transport, credentials, session continuity, the conversation state
// machine and tool dispatch.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/conversation"
	"github.com/vango-go/vai-live/pkg/live/credential"
	"github.com/vango-go/vai-live/pkg/live/events"
	"github.com/vango-go/vai-live/pkg/live/lifecycle"
	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/tools"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

const (
	defaultSetupTimeout = 10 * time.Second
	defaultEventBuffer  = 256

	// OutputAudioMIME is the format of raw binary audio frames.
	OutputAudioMIME = "audio/pcm;rate=24000"

	audioChunkBytes = 32 << 10
)

type Options struct {
	// Setup is the base setup frame. Resumption and compression are added
	// per connection.
	Setup     protocol.Setup
	Transport transport.Config

	// Resolver supplies the endpoint when dialing with a long-lived key.
	Resolver transport.Resolver

	// Issuer switches the session to ephemeral credentials: every dial
	// first ensures a credential that can open a new session, then uses
	// EndpointFor to build the URL.
	Issuer      credential.Issuer
	Constraints credential.Constraints
	RefreshLead time.Duration
	EndpointFor func(credential.Credential) (transport.Endpoint, error)

	SessionKey         string
	Store              session.HandleStore
	Compression        session.CompressionConfig
	GoAwayLead         time.Duration
	MaxSessionDuration time.Duration
	SessionWarnLead    time.Duration

	// Tools answers tool calls. Without it, calls are only published.
	Tools           *tools.Dispatcher
	MaxCaptureBytes int
	InputAudioMIME  string

	// SetupTimeout bounds the wait for setupComplete after dialing.
	SetupTimeout time.Duration
	EventBuffer  int

	Timers  *lifecycle.Timers
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Session is one live conversation. It is safe for concurrent use.
type Session struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Metrics
	timers  *lifecycle.Timers

	transport   *transport.Channel
	credentials *credential.Provider
	session     *session.Manager
	machine     *conversation.Machine
	tools       *tools.Dispatcher
	events      *events.Broadcaster[Event]

	ctx     context.Context
	cancel  context.CancelFunc
	loopWG  sync.WaitGroup
	toolWG  sync.WaitGroup
	closing sync.Once

	mu    sync.Mutex
	ready chan error
}

func New(opts Options) (*Session, error) {
	if opts.Setup.Model == "" {
		return nil, core.NewInvalidRequestError("setup model is required")
	}
	if opts.Issuer == nil && opts.Resolver == nil {
		return nil, core.NewInvalidRequestError("either a resolver or a credential issuer is required")
	}
	if opts.Issuer != nil && opts.EndpointFor == nil {
		return nil, core.NewInvalidRequestError("ephemeral credentials require EndpointFor")
	}
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = defaultSetupTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	if opts.InputAudioMIME == "" {
		opts.InputAudioMIME = protocol.DefaultInputAudioMIME
	}
	if opts.Timers == nil {
		opts.Timers = lifecycle.NewTimers()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Session{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		timers:  opts.Timers,
		tools:   opts.Tools,
		events:  events.NewBroadcaster[Event](opts.EventBuffer),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.events.OnDrop(s.metrics.RecordEventDropped)

	var err error
	if opts.Issuer != nil {
		s.credentials, err = credential.NewProvider(credential.Options{
			Issuer:      opts.Issuer,
			Constraints: opts.Constraints,
			RefreshLead: opts.RefreshLead,
			Timers:      opts.Timers,
			Logger:      opts.Logger,
			Metrics:     opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
	}

	s.session, err = session.NewManager(session.Options{
		Key:                opts.SessionKey,
		Store:              opts.Store,
		Compression:        opts.Compression,
		GoAwayLead:         opts.GoAwayLead,
		MaxSessionDuration: opts.MaxSessionDuration,
		SessionWarnLead:    opts.SessionWarnLead,
		OnTurnComplete:     s.onTurnComplete,
		OnGoAway:           s.onGoAway,
		OnGoAwayCleanup:    s.onGoAwayCleanup,
		OnSessionExpiring:  s.onSessionExpiring,
		Timers:             opts.Timers,
		Logger:             opts.Logger,
		Metrics:            opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	s.machine = conversation.New(conversation.Options{
		OnChange:        s.onStateChange,
		MaxCaptureBytes: opts.MaxCaptureBytes,
		Logger:          opts.Logger,
	})

	resolver := opts.Resolver
	if s.credentials != nil {
		resolver = s.resolveEphemeral
	}
	s.transport, err = transport.New(transport.Options{
		Config:   opts.Transport,
		Resolver: resolver,
		OnOpen:   s.onOpen,
		SetupAck: protocol.IsSetupComplete,
		Timers:   opts.Timers,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	if err != nil {
		return nil, err
	}

	s.loopWG.Add(1)
	go s.inboundLoop()
	if s.credentials != nil {
		updates, unsubscribe := s.credentials.Subscribe()
		s.loopWG.Add(1)
		go s.credentialLoop(updates, unsubscribe)
	}
	return s, nil
}

// Subscribe streams session events until the returned function is called.
// Slow subscribers lose events rather than stall the session.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.Subscribe()
}

func (s *Session) Status() transport.Status { return s.transport.Status() }

func (s *Session) State() conversation.State { return s.machine.State() }

// Handle returns the current resumption handle and whether it is usable.
func (s *Session) Handle() (session.Handle, bool) { return s.session.Handle() }

// SetCompression changes compression for the next connection.
func (s *Session) SetCompression(cfg session.CompressionConfig) error {
	return s.session.SetCompression(cfg)
}

// Connect dials and waits until the service acknowledges the setup frame.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.machine.BeginConnect(); err != nil {
		return err
	}

	ready := make(chan error, 1)
	s.mu.Lock()
	s.ready = ready
	s.mu.Unlock()

	if err := s.transport.Connect(ctx); err != nil {
		s.clearReady(ready)
		s.machine.ConnectFailed(err)
		return err
	}

	timer := time.NewTimer(s.opts.SetupTimeout)
	defer timer.Stop()
	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return s.abortConnect(ready, core.NewTransportError("connect canceled", ctx.Err()))
	case <-timer.C:
		return s.abortConnect(ready, &core.Error{
			Type:    core.ErrTransport,
			Message: fmt.Sprintf("setup not acknowledged within %s", s.opts.SetupTimeout),
			Code:    core.CodeConnectTimeout,
		})
	}
}

func (s *Session) abortConnect(ready chan error, err error) error {
	s.clearReady(ready)
	s.transport.Disconnect()
	s.machine.ConnectFailed(err)
	s.events.Publish(ErrorEvent{Err: err, Fatal: true})
	return err
}

func (s *Session) clearReady(ready chan error) {
	s.mu.Lock()
	if s.ready == ready {
		s.ready = nil
	}
	s.mu.Unlock()
}

func (s *Session) signalReady(err error) {
	s.mu.Lock()
	ready := s.ready
	s.ready = nil
	s.mu.Unlock()
	if ready != nil {
		ready <- err
	}
}

// Disconnect closes the connection and cancels every pending timer
// (heartbeat, reconnect, session duration, go-away cleanup and credential
// refresh) in one step. The conversation returns to idle.
func (s *Session) Disconnect() {
	s.timers.CancelAll()
	if s.credentials != nil {
		s.credentials.Stop()
	}
	s.transport.Disconnect()
	s.session.ConnectionClosed()
	s.signalReady(core.NewStateError(core.CodeNotConnected, "disconnected"))
	s.machine.Reset()
}

// Reset disconnects and forgets the resumption handle, so the next Connect
// starts a new conversation.
func (s *Session) Reset(ctx context.Context) error {
	s.Disconnect()
	return s.session.ClearHandle(ctx)
}

// Close disconnects and releases the session. Subscriber channels are
// closed.
func (s *Session) Close() {
	s.closing.Do(func() {
		s.Disconnect()
		s.cancel()
		s.transport.Close()
		// The inbound loop may still start a dispatch until it exits.
		s.loopWG.Wait()
		s.toolWG.Wait()
		s.timers.Close()
		s.events.Close()
	})
}

// BeginCapture opens a voice turn. Audio is then buffered with AppendAudio
// or streamed with SendAudio.
func (s *Session) BeginCapture() (string, error) {
	return s.machine.BeginCapture()
}

// AppendAudio buffers captured audio until EndCapture.
func (s *Session) AppendAudio(chunk []byte) error {
	return s.machine.AppendAudio(chunk)
}

// SendAudio streams a chunk immediately while capturing.
func (s *Session) SendAudio(chunk []byte) error {
	if err := s.machine.StreamAudio(len(chunk)); err != nil {
		return err
	}
	return s.sendAudio(chunk)
}

// EndCapture sends the buffered audio and marks the end of the user's
// speech. It returns the turn id.
func (s *Session) EndCapture() (string, error) {
	audio, id, err := s.machine.EndCapture()
	if err != nil {
		return "", err
	}
	for len(audio) > 0 {
		n := min(len(audio), audioChunkBytes)
		if err := s.sendAudio(audio[:n]); err != nil {
			s.machine.Abort(id)
			return id, err
		}
		audio = audio[n:]
	}
	data, err := protocol.EncodeAudioStreamEnd()
	if err == nil {
		err = s.transport.Send(protocol.FrameText, data)
	}
	if err != nil {
		s.machine.Abort(id)
		return id, err
	}
	return id, nil
}

func (s *Session) sendAudio(chunk []byte) error {
	data, err := protocol.EncodeAudio(chunk, s.opts.InputAudioMIME)
	if err != nil {
		return err
	}
	if err := s.transport.Send(protocol.FrameText, data); err != nil {
		return err
	}
	s.metrics.RecordAudio("out", len(chunk))
	return nil
}

// SendText sends a complete user turn. It fails with turn_in_progress while
// the model is still answering, without touching the wire.
func (s *Session) SendText(text string) (string, error) {
	if text == "" {
		return "", core.NewInvalidRequestError("text must not be empty")
	}
	id, err := s.machine.BeginTextTurn(text)
	if err != nil {
		return "", err
	}
	data, err := protocol.EncodeText(text)
	if err == nil {
		err = s.transport.Send(protocol.FrameText, data)
	}
	if err != nil {
		s.machine.Abort(id)
		return "", err
	}
	return id, nil
}

// Interrupt cancels the in-flight turn. The state returns to connected
// before Interrupt returns; the service is told to stop generating when
// the turn already reached it.
func (s *Session) Interrupt() error {
	turn, err := s.machine.Interrupt()
	if err != nil {
		return err
	}
	s.metrics.RecordTurn(string(turn.Status))
	s.events.Publish(TurnCompleteEvent{Turn: turn})
	if !turn.Sent {
		return nil
	}
	data, err := protocol.EncodeInterrupt()
	if err != nil {
		return err
	}
	return s.transport.Send(protocol.FrameText, data)
}

// onOpen runs on every successful dial, before the connection is reported
// as connected.
func (s *Session) onOpen(ctx context.Context) error {
	if s.credentials != nil {
		s.credentials.MarkUsed()
	}
	setup := s.opts.Setup
	frag := s.session.Negotiate(ctx)
	frag.Apply(&setup)
	if frag.Resuming {
		s.logger.Info("live resuming session", "key", s.session.Key())
	}
	data, err := protocol.EncodeSetup(setup)
	if err != nil {
		return err
	}
	return s.transport.Send(protocol.FrameText, data)
}

func (s *Session) resolveEphemeral(ctx context.Context) (transport.Endpoint, error) {
	ok, err := s.credentials.EnsureValid(ctx)
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			return transport.Endpoint{}, err
		}
		return transport.Endpoint{}, core.NewTransportError("obtain credential", err)
	}
	if !ok {
		return transport.Endpoint{}, core.NewAuthenticationError("credential cannot start a new session")
	}
	cred, _ := s.credentials.Current()
	return s.opts.EndpointFor(cred)
}

func (s *Session) inboundLoop() {
	defer s.loopWG.Done()
	for {
		select {
		case item := <-s.transport.Inbound():
			if item.Status != nil {
				s.handleStatus(*item.Status)
				continue
			}
			s.handleFrame(item.Kind, item.Data)
		case <-s.transport.Done():
			return
		}
	}
}

func (s *Session) credentialLoop(updates <-chan credential.Update, unsubscribe func()) {
	defer s.loopWG.Done()
	defer unsubscribe()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return
			}
			s.events.Publish(CredentialEvent{
				Name:                 u.Credential.Name,
				ExpireTime:           u.Credential.ExpireTime,
				NewSessionExpireTime: u.Credential.NewSessionExpireTime,
				RemainingUses:        u.Credential.RemainingUses,
				Err:                  u.Err,
			})
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handleStatus(sc transport.StatusChange) {
	s.events.Publish(StatusEvent{Status: sc.Status, Attempt: sc.Attempt, Delay: sc.Delay, Err: sc.Err})

	switch sc.Status {
	case transport.StatusConnected:
		s.session.ConnectionOpened()
	case transport.StatusDisconnected:
		s.session.ConnectionClosed()
		if sc.Attempt > 0 {
			if turn, ok := s.machine.TransportLost(); ok {
				s.metrics.RecordTurn(string(turn.Status))
				s.events.Publish(TurnCompleteEvent{Turn: turn})
			}
		}
	case transport.StatusError, transport.StatusFailed:
		s.session.ConnectionClosed()
		s.machine.Fail(sc.Err)
		s.events.Publish(ErrorEvent{Err: sc.Err, Fatal: true})
		s.signalReady(sc.Err)
	}
}

func (s *Session) handleFrame(kind protocol.FrameKind, data []byte) {
	msg, err := protocol.Decode(kind, data)
	if err != nil {
		s.logger.Warn("dropping live frame", "kind", kind, "bytes", len(data), "error", err)
		s.events.Publish(ErrorEvent{Err: core.NewProtocolError("undecodable frame", err)})
		return
	}

	switch {
	case msg.Audio != nil:
		s.handleRawAudio(msg.Audio)
		return
	case msg.SetupComplete != nil:
		if err := s.machine.SetupAcknowledged(); err != nil {
			s.logger.Debug("setupComplete ignored", "state", s.machine.State())
		}
		s.signalReady(nil)
	case msg.ServerContent != nil:
		s.handleContent(msg.ServerContent)
	case msg.ToolCall != nil:
		s.handleToolCall(msg.ToolCall.FunctionCalls)
	case msg.ToolCallCancellation != nil:
		ids := msg.ToolCallCancellation.IDs
		if s.tools != nil {
			s.tools.Cancel(ids)
		}
		s.events.Publish(ToolCallEvent{CancelledIDs: ids})
	case msg.Error != nil:
		err := core.NewAPIError(fmt.Sprintf("service error %d %s: %s", msg.Error.Code, msg.Error.Status, msg.Error.Message))
		s.logger.Warn("live service error", "code", msg.Error.Code, "status", msg.Error.Status, "message", msg.Error.Message)
		s.events.Publish(ErrorEvent{Err: err})
	}

	// Resumption, go-away and turn completion; after content so a turn's
	// completion follows its output.
	s.session.Observe(msg)
}

func (s *Session) handleRawAudio(audio []byte) {
	s.metrics.RecordAudio("in", len(audio))
	d := s.machine.Content(&protocol.ServerContent{ModelTurn: &protocol.Content{
		Role:  protocol.RoleModel,
		Parts: []protocol.Part{{InlineData: &protocol.Blob{MimeType: OutputAudioMIME}}},
	}})
	if !d.Deliver {
		return
	}
	s.events.Publish(ContentEvent{TurnID: d.TurnID, Audio: audio, MimeType: OutputAudioMIME})
}

func (s *Session) handleContent(sc *protocol.ServerContent) {
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		turnID := ""
		if turn, ok := s.machine.Turn(); ok {
			turnID = turn.ID
		}
		s.events.Publish(TranscriptionEvent{TurnID: turnID, Source: TranscriptionInput, Text: t.Text})
	}

	d := s.machine.Content(sc)
	if d.Deliver {
		if text := sc.ModelTurn.Text(); text != "" {
			s.events.Publish(ContentEvent{TurnID: d.TurnID, Text: text})
		}
		parts, err := sc.ModelTurn.AudioParts()
		if err != nil {
			s.logger.Warn("dropping undecodable audio", "turn_id", d.TurnID, "error", err)
		}
		for _, p := range parts {
			s.metrics.RecordAudio("in", len(p.Data))
			s.events.Publish(ContentEvent{TurnID: d.TurnID, Audio: p.Data, MimeType: p.MimeType})
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			s.events.Publish(TranscriptionEvent{TurnID: d.TurnID, Source: TranscriptionOutput, Text: t.Text})
		}
	} else if sc.HasModelOutput() {
		s.logger.Debug("discarding output of interrupted turn", "turn_id", d.TurnID)
	}

	if d.Interrupted != nil {
		s.metrics.RecordTurn(string(d.Interrupted.Status))
		s.events.Publish(TurnCompleteEvent{Turn: *d.Interrupted})
	}
}

func (s *Session) handleToolCall(calls []protocol.FunctionCall) {
	s.events.Publish(ToolCallEvent{Calls: calls})
	if s.tools == nil || s.ctx.Err() != nil {
		return
	}
	s.toolWG.Add(1)
	go func() {
		defer s.toolWG.Done()
		responses := s.tools.Dispatch(s.ctx, calls)
		data, err := protocol.EncodeToolResponse(responses)
		if err == nil {
			err = s.transport.Send(protocol.FrameText, data)
		}
		if err != nil {
			s.logger.Warn("tool response not sent", "calls", len(calls), "error", err)
			s.events.Publish(ErrorEvent{Err: err})
		}
	}()
}

func (s *Session) onStateChange(c conversation.StateChange) {
	s.events.Publish(StateEvent{From: c.From, To: c.To, TurnID: c.TurnID, Reason: c.Reason})
}

func (s *Session) onTurnComplete() {
	turn, ok := s.machine.TurnComplete()
	if !ok {
		return
	}
	s.metrics.RecordTurn(string(turn.Status))
	s.events.Publish(TurnCompleteEvent{Turn: turn})
}

func (s *Session) onGoAway(n session.GoAwayNotice) {
	s.events.Publish(GoAwayEvent{TimeLeft: n.TimeLeft, Reason: n.Reason})
}

func (s *Session) onGoAwayCleanup(n session.GoAwayNotice) {
	s.events.Publish(GoAwayEvent{TimeLeft: n.TimeLeft, Reason: n.Reason, Cleanup: true})
}

func (s *Session) onSessionExpiring(remaining time.Duration) {
	s.events.Publish(SessionExpiringEvent{Remaining: remaining, Uptime: s.session.Uptime()})
}
