package client

import (
	"time"

	"github.com/vango-go/vai-live/pkg/live/conversation"
	"github.com/vango-go/vai-live/pkg/live/protocol"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

// Event is published to every subscriber of a Session.
type Event interface {
	eventType() string
}

// StatusEvent reports a connection status change. For a disconnect with a
// scheduled retry, Attempt and Delay describe that retry.
type StatusEvent struct {
	Status  transport.Status
	Attempt int
	Delay   time.Duration
	Err     error
}

func (e StatusEvent) eventType() string { return "status" }

type StateEvent struct {
	From   conversation.State
	To     conversation.State
	TurnID string
	Reason string
}

func (e StateEvent) eventType() string { return "state" }

// ContentEvent carries model output for a turn: text, audio, or both.
type ContentEvent struct {
	TurnID   string
	Text     string
	Audio    []byte
	MimeType string
}

func (e ContentEvent) eventType() string { return "content" }

const (
	TranscriptionInput  = "input"
	TranscriptionOutput = "output"
)

type TranscriptionEvent struct {
	TurnID string
	Source string
	Text   string
}

func (e TranscriptionEvent) eventType() string { return "transcription" }

// TurnCompleteEvent follows all content of a turn. Turn.Status tells a
// completed turn from an interrupted one.
type TurnCompleteEvent struct {
	Turn conversation.Turn
}

func (e TurnCompleteEvent) eventType() string { return "turn_complete" }

// ToolCallEvent reports a tool-call batch, or the ids the service cancelled.
type ToolCallEvent struct {
	Calls        []protocol.FunctionCall
	CancelledIDs []string
}

func (e ToolCallEvent) eventType() string { return "tool_call" }

// GoAwayEvent is published when the notice arrives and again, with Cleanup
// set, shortly before the service ends the connection.
type GoAwayEvent struct {
	TimeLeft time.Duration
	Reason   string
	Cleanup  bool
}

func (e GoAwayEvent) eventType() string { return "go_away" }

type SessionExpiringEvent struct {
	Remaining time.Duration
	Uptime    time.Duration
}

func (e SessionExpiringEvent) eventType() string { return "session_expiring" }

// ErrorEvent reports an error once per occurrence. Fatal errors end the
// connection without retry.
type ErrorEvent struct {
	Err   error
	Fatal bool
}

func (e ErrorEvent) eventType() string { return "error" }

// CredentialEvent reports each ephemeral credential issue attempt.
type CredentialEvent struct {
	Name                 string
	ExpireTime           time.Time
	NewSessionExpireTime time.Time
	RemainingUses        int
	Err                  error
}

func (e CredentialEvent) eventType() string { return "credential" }
