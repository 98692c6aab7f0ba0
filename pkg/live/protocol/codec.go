package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// FrameKind distinguishes WebSocket text and binary frames.
type FrameKind int

const (
	FrameText FrameKind = iota + 1
	FrameBinary
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	default:
		return "unknown"
	}
}

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badFrame(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_frame", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Encode marshals a client message after checking exactly one field is set.
func Encode(msg ClientMessage) ([]byte, error) {
	set := 0
	for _, present := range []bool{
		msg.Setup != nil,
		msg.RealtimeInput != nil,
		msg.ClientContent != nil,
		msg.ToolResponse != nil,
		msg.Interrupt != nil,
	} {
		if present {
			set++
		}
	}
	if set != 1 {
		return nil, badFrame(fmt.Sprintf("client message must set exactly one field, got %d", set), "")
	}
	if msg.Setup != nil && strings.TrimSpace(msg.Setup.Model) == "" {
		return nil, badFrame("setup model must not be empty", "setup.model")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode client message: %w", err)
	}
	return data, nil
}

// EncodeSetup encodes a setup frame.
func EncodeSetup(setup Setup) ([]byte, error) {
	return Encode(ClientMessage{Setup: &setup})
}

// EncodeAudio encodes one realtime audio chunk.
func EncodeAudio(data []byte, mimeType string) ([]byte, error) {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = DefaultInputAudioMIME
	}
	return Encode(ClientMessage{RealtimeInput: &RealtimeInput{
		Audio: &Blob{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(data)},
	}})
}

// EncodeAudioStreamEnd tells the server the capture stream has ended.
func EncodeAudioStreamEnd() ([]byte, error) {
	return Encode(ClientMessage{RealtimeInput: &RealtimeInput{AudioStreamEnd: true}})
}

// EncodeText encodes a complete user text turn.
func EncodeText(text string) ([]byte, error) {
	return Encode(ClientMessage{ClientContent: &ClientContent{
		Turns:        []Content{{Role: RoleUser, Parts: []Part{{Text: text}}}},
		TurnComplete: true,
	}})
}

// EncodeToolResponse encodes a function response batch.
func EncodeToolResponse(responses []FunctionResponse) ([]byte, error) {
	if responses == nil {
		responses = []FunctionResponse{}
	}
	return Encode(ClientMessage{ToolResponse: &ToolResponse{FunctionResponses: responses}})
}

// EncodeInterrupt encodes a stop-generation request.
func EncodeInterrupt() ([]byte, error) {
	return Encode(ClientMessage{Interrupt: &Interrupt{Action: ActionStopGeneration}})
}

// Decode parses one inbound frame. The service delivers JSON in binary frames
// as well as text frames, so binary payloads starting with '{' are treated as
// JSON and anything else as raw audio.
func Decode(kind FrameKind, data []byte) (*ServerMessage, error) {
	switch kind {
	case FrameText:
		return decodeJSON(data)
	case FrameBinary:
		if looksLikeJSON(data) {
			return decodeJSON(data)
		}
		if len(data) == 0 {
			return nil, badFrame("empty binary frame", "")
		}
		return &ServerMessage{Audio: append([]byte(nil), data...)}, nil
	default:
		return nil, unsupported(fmt.Sprintf("unsupported frame kind %d", kind), "")
	}
}

// IsSetupComplete reports whether a frame is the setup acknowledgement.
func IsSetupComplete(kind FrameKind, data []byte) bool {
	if kind == FrameBinary && !looksLikeJSON(data) {
		return false
	}
	msg, err := Decode(kind, data)
	return err == nil && msg.SetupComplete != nil
}

func decodeJSON(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, badFrame(fmt.Sprintf("invalid JSON frame: %v", err), "")
	}
	if msg.Kind() == "unknown" {
		var fields map[string]json.RawMessage
		_ = json.Unmarshal(data, &fields)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		return nil, unsupported("unrecognized server message", strings.Join(keys, ","))
	}
	if msg.ToolCall != nil {
		for i, call := range msg.ToolCall.FunctionCalls {
			if strings.TrimSpace(call.Name) == "" {
				return nil, badFrame("function call name must not be empty", fmt.Sprintf("toolCall.functionCalls[%d].name", i))
			}
		}
	}
	return &msg, nil
}

func looksLikeJSON(data []byte) bool {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '{'
}
