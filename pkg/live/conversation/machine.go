// Package conversation gates when audio and text may be sent, based on the
// connection and the turn currently in flight.
package conversation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-live/pkg/core"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

// State is the conversation state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateListening
	StateProcessing
	StateSpeaking
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// transitions lists the legal targets per state. Every path out of idle
// passes through connecting and connected.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting},
	StateConnecting: {StateConnected, StateError, StateIdle},
	StateConnected:  {StateListening, StateProcessing, StateSpeaking, StateConnecting, StateError, StateIdle},
	StateListening:  {StateProcessing, StateConnected, StateConnecting, StateError, StateIdle},
	StateProcessing: {StateSpeaking, StateConnected, StateConnecting, StateError, StateIdle},
	StateSpeaking:   {StateConnected, StateConnecting, StateError, StateIdle},
	StateError:      {StateIdle},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type TurnStatus string

const (
	TurnInFlight    TurnStatus = "in_flight"
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
)

// Turn is one user → assistant exchange.
type Turn struct {
	ID         string
	Role       string
	Status     TurnStatus
	Text       string
	AudioBytes int
	StartedAt  time.Time
	EndedAt    time.Time

	// Sent is true once any part of the turn reached the wire, so an
	// interrupt must be forwarded to the service.
	Sent bool
}

// StateChange is published for every transition.
type StateChange struct {
	From   State
	To     State
	TurnID string
	Reason string
	At     time.Time
}

type Options struct {
	// OnChange receives every transition, outside the machine's lock.
	OnChange func(StateChange)
	// MaxCaptureBytes bounds the capture buffer. Zero means unbounded.
	MaxCaptureBytes int

	NewID  func() string
	Now    func() time.Time
	Logger *slog.Logger
}

// Machine is the single owner of the in-flight turn.
type Machine struct {
	opts Options

	mu      sync.Mutex
	state   State
	turn    *Turn
	capture []byte
	pending []StateChange

	// discardTurn is the interrupted turn whose late output is dropped
	// until the service marks its boundary.
	discardTurn string
	// staleBoundary is set when a new turn started before the interrupted
	// turn's boundary arrived. The next boundary seen ahead of any model
	// output belongs to the interrupted turn.
	staleBoundary bool
}

func New(opts Options) *Machine {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Machine{opts: opts, state: StateIdle}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Turn returns a copy of the in-flight turn.
func (m *Machine) Turn() (Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.turn == nil {
		return Turn{}, false
	}
	return *m.turn, true
}

// Discarding returns the id of the interrupted turn whose output is being
// dropped, or "".
func (m *Machine) Discarding() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discardTurn
}

func (m *Machine) apply(fn func() error) error {
	m.mu.Lock()
	err := fn()
	changes := m.pending
	m.pending = nil
	m.mu.Unlock()

	if m.opts.OnChange != nil {
		for _, c := range changes {
			m.opts.OnChange(c)
		}
	}
	return err
}

func (m *Machine) transitionLocked(to State, reason string) error {
	from := m.state
	if from == to {
		return nil
	}
	if !CanTransition(from, to) {
		return core.NewStateError(core.CodeInvalidTransition, fmt.Sprintf("cannot move from %s to %s", from, to))
	}
	m.state = to
	change := StateChange{From: from, To: to, Reason: reason, At: m.opts.Now()}
	if m.turn != nil {
		change.TurnID = m.turn.ID
	}
	m.pending = append(m.pending, change)
	m.opts.Logger.Debug("conversation state", "from", from, "to", to, "reason", reason)
	return nil
}

func (m *Machine) startTurnLocked(role string) *Turn {
	m.turn = &Turn{ID: m.opts.NewID(), Role: role, Status: TurnInFlight, StartedAt: m.opts.Now()}
	return m.turn
}

func (m *Machine) endTurnLocked(status TurnStatus) Turn {
	if m.turn == nil {
		return Turn{}
	}
	t := m.turn
	t.Status = status
	t.EndedAt = m.opts.Now()
	m.turn = nil
	return *t
}

func (m *Machine) clearDiscardLocked() {
	m.discardTurn = ""
	m.staleBoundary = false
}

// startOutboundLocked opens a user turn. A still-open discard window ends
// here so the new turn's reply is delivered.
func (m *Machine) startOutboundLocked() *Turn {
	if m.discardTurn != "" {
		m.discardTurn = ""
		m.staleBoundary = true
	}
	return m.startTurnLocked(protocol.RoleUser)
}

// guardOutboundLocked rejects a new outbound turn unless the machine is
// connected with nothing in flight.
func (m *Machine) guardOutboundLocked() error {
	switch m.state {
	case StateConnected:
		return nil
	case StateListening, StateProcessing, StateSpeaking:
		return core.NewStateError(core.CodeTurnInProgress, fmt.Sprintf("turn in progress (state %s); interrupt first", m.state))
	default:
		return core.NewStateError(core.CodeNotConnected, fmt.Sprintf("conversation is %s", m.state))
	}
}

// BeginConnect moves idle → connecting.
func (m *Machine) BeginConnect() error {
	return m.apply(func() error {
		switch m.state {
		case StateIdle:
			return m.transitionLocked(StateConnecting, "connect requested")
		case StateError:
			return core.NewStateError(core.CodeInvalidTransition, "conversation is in error; reset first")
		default:
			return core.NewStateError(core.CodeAlreadyActive, fmt.Sprintf("conversation is already %s", m.state))
		}
	})
}

// SetupAcknowledged moves connecting → connected once the transport is up
// and the service accepted the setup frame.
func (m *Machine) SetupAcknowledged() error {
	return m.apply(func() error {
		if m.state != StateConnecting {
			return core.NewStateError(core.CodeInvalidTransition, fmt.Sprintf("setup acknowledged while %s", m.state))
		}
		return m.transitionLocked(StateConnected, "setup complete")
	})
}

// ConnectFailed moves connecting → error.
func (m *Machine) ConnectFailed(err error) {
	_ = m.apply(func() error {
		if m.state != StateConnecting {
			return nil
		}
		return m.transitionLocked(StateError, reasonOf(err, "connect failed"))
	})
}

// TransportLost moves back to connecting while the transport retries. The
// in-flight turn is marked interrupted and any capture is dropped.
func (m *Machine) TransportLost() (Turn, bool) {
	var ended Turn
	var had bool
	_ = m.apply(func() error {
		switch m.state {
		case StateConnected, StateListening, StateProcessing, StateSpeaking:
		default:
			return nil
		}
		if m.turn != nil {
			ended, had = m.endTurnLocked(TurnInterrupted), true
		}
		m.capture = nil
		m.clearDiscardLocked()
		return m.transitionLocked(StateConnecting, "transport lost")
	})
	return ended, had
}

// Fail moves any non-idle state to error.
func (m *Machine) Fail(err error) {
	_ = m.apply(func() error {
		if m.state == StateIdle || m.state == StateError {
			return nil
		}
		if m.turn != nil {
			m.endTurnLocked(TurnInterrupted)
		}
		m.capture = nil
		m.clearDiscardLocked()
		return m.transitionLocked(StateError, reasonOf(err, "unrecoverable failure"))
	})
}

// Reset returns to idle from any state.
func (m *Machine) Reset() {
	_ = m.apply(func() error {
		if m.turn != nil {
			m.endTurnLocked(TurnInterrupted)
		}
		m.capture = nil
		m.clearDiscardLocked()
		return m.transitionLocked(StateIdle, "reset")
	})
}

// BeginCapture moves connected → listening and opens a user turn.
func (m *Machine) BeginCapture() (string, error) {
	var id string
	err := m.apply(func() error {
		if err := m.guardOutboundLocked(); err != nil {
			return err
		}
		id = m.startOutboundLocked().ID
		m.capture = m.capture[:0]
		return m.transitionLocked(StateListening, "capture started")
	})
	return id, err
}

// AppendAudio buffers a captured chunk while listening.
func (m *Machine) AppendAudio(chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return core.NewStateError(core.CodeInvalidTransition, fmt.Sprintf("cannot capture audio while %s", m.state))
	}
	if limit := m.opts.MaxCaptureBytes; limit > 0 && len(m.capture)+len(chunk) > limit {
		return core.NewInvalidRequestError(fmt.Sprintf("capture buffer limit of %d bytes exceeded", limit))
	}
	m.capture = append(m.capture, chunk...)
	m.turn.AudioBytes += len(chunk)
	return nil
}

// StreamAudio records a chunk sent directly while listening.
func (m *Machine) StreamAudio(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateListening {
		return core.NewStateError(core.CodeInvalidTransition, fmt.Sprintf("cannot stream audio while %s", m.state))
	}
	m.turn.AudioBytes += n
	m.turn.Sent = true
	return nil
}

// EndCapture moves listening → processing and hands back the buffered
// audio for transmission.
func (m *Machine) EndCapture() ([]byte, string, error) {
	var (
		audio []byte
		id    string
	)
	err := m.apply(func() error {
		if m.state != StateListening {
			return core.NewStateError(core.CodeInvalidTransition, fmt.Sprintf("cannot end capture while %s", m.state))
		}
		audio = m.capture
		m.capture = nil
		m.turn.Sent = true
		id = m.turn.ID
		return m.transitionLocked(StateProcessing, "capture ended")
	})
	return audio, id, err
}

// BeginTextTurn moves connected → processing for a typed message.
func (m *Machine) BeginTextTurn(text string) (string, error) {
	var id string
	err := m.apply(func() error {
		if err := m.guardOutboundLocked(); err != nil {
			return err
		}
		t := m.startOutboundLocked()
		t.Text = text
		t.Sent = true
		id = t.ID
		return m.transitionLocked(StateProcessing, "text sent")
	})
	return id, err
}

// Interrupt cancels the in-flight turn and returns to connected. Late
// output for the turn is discarded until the service's interrupted or
// turnComplete boundary.
func (m *Machine) Interrupt() (Turn, error) {
	var ended Turn
	err := m.apply(func() error {
		switch m.state {
		case StateProcessing, StateSpeaking:
			m.discardTurn = m.turn.ID
			m.staleBoundary = false
		case StateListening:
		default:
			return core.NewStateError(core.CodeNoTurnInFlight, fmt.Sprintf("nothing to interrupt while %s", m.state))
		}
		ended = m.endTurnLocked(TurnInterrupted)
		m.capture = nil
		return m.transitionLocked(StateConnected, "interrupted")
	})
	return ended, err
}

// Abort drops turnID without notifying the service, for a turn whose frame
// never reached the wire.
func (m *Machine) Abort(turnID string) bool {
	var ok bool
	_ = m.apply(func() error {
		if m.turn == nil || m.turn.ID != turnID {
			return nil
		}
		m.endTurnLocked(TurnInterrupted)
		m.capture = nil
		ok = true
		return m.transitionLocked(StateConnected, "send failed")
	})
	return ok
}

// Delivery is the outcome of applying one serverContent message.
type Delivery struct {
	// TurnID is the turn the content belongs to, if any.
	TurnID string
	// Deliver is false for output of an interrupted turn.
	Deliver bool
	// Interrupted is set when the service cut the in-flight turn short,
	// for example on detected barge-in.
	Interrupted *Turn
}

// Content applies the model-output part of a serverContent message.
// Transcriptions of user input are not gated here.
func (m *Machine) Content(sc *protocol.ServerContent) Delivery {
	var d Delivery
	_ = m.apply(func() error {
		if sc == nil {
			return nil
		}
		if m.discardTurn != "" {
			d.TurnID = m.discardTurn
			if sc.Interrupted {
				m.discardTurn = ""
			}
			return nil
		}
		if m.staleBoundary {
			if sc.HasModelOutput() {
				m.staleBoundary = false
			} else if sc.Interrupted {
				// A turnComplete on the same message is left for TurnComplete.
				m.staleBoundary = sc.TurnComplete
				if m.turn != nil {
					d.TurnID = m.turn.ID
				}
				return nil
			}
		}
		if sc.HasModelOutput() {
			switch m.state {
			case StateConnected:
				m.startTurnLocked(protocol.RoleModel).Sent = true
				d.Deliver = true
			case StateProcessing, StateSpeaking, StateListening:
				// Listening: output for streamed audio while capture is
				// still open. No transition.
				d.Deliver = true
			}
			if d.Deliver && (m.state == StateConnected || m.state == StateProcessing) {
				if err := m.transitionLocked(StateSpeaking, "model output"); err != nil {
					return err
				}
			}
		}
		if m.turn != nil {
			d.TurnID = m.turn.ID
		}
		if sc.Interrupted && (m.state == StateSpeaking || m.state == StateProcessing) {
			ended := m.endTurnLocked(TurnInterrupted)
			d.Interrupted = &ended
			return m.transitionLocked(StateConnected, "interrupted by service")
		}
		return nil
	})
	return d
}

// TurnComplete ends the in-flight turn. A completion that closes an
// interrupted turn only ends discarding, even when a newer turn has started
// and seen no output yet.
func (m *Machine) TurnComplete() (Turn, bool) {
	var (
		ended Turn
		ok    bool
	)
	_ = m.apply(func() error {
		if m.discardTurn != "" {
			m.discardTurn = ""
			return nil
		}
		if m.staleBoundary {
			m.staleBoundary = false
			return nil
		}
		if m.state != StateSpeaking && m.state != StateProcessing {
			return nil
		}
		ended, ok = m.endTurnLocked(TurnCompleted), true
		return m.transitionLocked(StateConnected, "turn complete")
	})
	return ended, ok
}

func reasonOf(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	return err.Error()
}
