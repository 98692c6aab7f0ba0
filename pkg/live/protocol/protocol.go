// Package protocol defines the live wire vocabulary and its JSON codec.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	RoleUser  = "user"
	RoleModel = "model"

	ModalityAudio = "AUDIO"
	ModalityText  = "TEXT"

	ActionStopGeneration = "STOP_GENERATION"

	// DefaultInputAudioMIME is 16-bit little-endian PCM at 16 kHz.
	DefaultInputAudioMIME = "audio/pcm;rate=16000"
)

// ---- Client → server ----

// ClientMessage is the envelope for every outbound frame. Exactly one field is set.
type ClientMessage struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ClientContent *ClientContent `json:"clientContent,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
	Interrupt     *Interrupt     `json:"interrupt,omitempty"`
}

type Setup struct {
	Model                    string                          `json:"model"`
	GenerationConfig         *GenerationConfig               `json:"generationConfig,omitempty"`
	SystemInstruction        *Content                        `json:"systemInstruction,omitempty"`
	Tools                    []Tool                          `json:"tools,omitempty"`
	SessionResumption        *SessionResumptionConfig        `json:"sessionResumption,omitempty"`
	ContextWindowCompression *ContextWindowCompressionConfig `json:"contextWindowCompression,omitempty"`
	InputAudioTranscription  *AudioTranscriptionConfig       `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *AudioTranscriptionConfig       `json:"outputAudioTranscription,omitempty"`
}

type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	Temperature        *float64      `json:"temperature,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

type SpeechConfig struct {
	VoiceConfig  *VoiceConfig `json:"voiceConfig,omitempty"`
	LanguageCode string       `json:"languageCode,omitempty"`
}

type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

// SessionResumptionConfig is always sent (possibly with an empty handle) so the
// server emits resumption updates for this connection.
type SessionResumptionConfig struct {
	Handle string `json:"handle,omitempty"`
}

type ContextWindowCompressionConfig struct {
	TriggerTokens int64          `json:"triggerTokens,omitempty"`
	SlidingWindow *SlidingWindow `json:"slidingWindow,omitempty"`
}

type SlidingWindow struct {
	TargetTokens int64 `json:"targetTokens,omitempty"`
}

type AudioTranscriptionConfig struct{}

type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

type FunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type RealtimeInput struct {
	Audio          *Blob  `json:"audio,omitempty"`
	AudioStreamEnd bool   `json:"audioStreamEnd,omitempty"`
	Text           string `json:"text,omitempty"`
}

type ClientContent struct {
	Turns        []Content `json:"turns"`
	TurnComplete bool      `json:"turnComplete"`
}

type ToolResponse struct {
	FunctionResponses []FunctionResponse `json:"functionResponses"`
}

type FunctionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type Interrupt struct {
	Action string `json:"action"`
}

// ---- Shared ----

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob carries base64-encoded bytes.
type Blob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Text concatenates the text parts of c.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// AudioPart is a decoded inline audio payload.
type AudioPart struct {
	MimeType string
	Data     []byte
}

// AudioParts decodes the inline audio parts of c.
func (c *Content) AudioParts() ([]AudioPart, error) {
	if c == nil {
		return nil, nil
	}
	var out []AudioPart
	for i, p := range c.Parts {
		if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MimeType, "audio/") {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
		if err != nil {
			return nil, badFrame(fmt.Sprintf("invalid base64 audio: %v", err), fmt.Sprintf("parts[%d].inlineData.data", i))
		}
		out = append(out, AudioPart{MimeType: p.InlineData.MimeType, Data: data})
	}
	return out, nil
}

// ---- Server → client ----

// ServerMessage is a decoded inbound frame. Raw binary audio frames populate
// Audio only.
type ServerMessage struct {
	SetupComplete           *SetupComplete           `json:"setupComplete,omitempty"`
	ServerContent           *ServerContent           `json:"serverContent,omitempty"`
	ToolCall                *ToolCall                `json:"toolCall,omitempty"`
	ToolCallCancellation    *ToolCallCancellation    `json:"toolCallCancellation,omitempty"`
	SessionResumptionUpdate *SessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *GoAway                  `json:"goAway,omitempty"`
	UsageMetadata           *UsageMetadata           `json:"usageMetadata,omitempty"`
	Error                   *ServerError             `json:"error,omitempty"`

	Audio []byte `json:"-"`
}

// Kind names the populated field, for logging.
func (m *ServerMessage) Kind() string {
	switch {
	case m == nil:
		return "nil"
	case m.Audio != nil:
		return "audio"
	case m.SetupComplete != nil:
		return "setupComplete"
	case m.ServerContent != nil:
		return "serverContent"
	case m.ToolCall != nil:
		return "toolCall"
	case m.ToolCallCancellation != nil:
		return "toolCallCancellation"
	case m.SessionResumptionUpdate != nil:
		return "sessionResumptionUpdate"
	case m.GoAway != nil:
		return "goAway"
	case m.Error != nil:
		return "error"
	case m.UsageMetadata != nil:
		return "usageMetadata"
	default:
		return "unknown"
	}
}

type SetupComplete struct{}

type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	GenerationComplete  bool           `json:"generationComplete,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
}

// HasModelOutput reports whether the content carries assistant text or audio.
func (c *ServerContent) HasModelOutput() bool {
	if c == nil {
		return false
	}
	if c.ModelTurn != nil && len(c.ModelTurn.Parts) > 0 {
		return true
	}
	return c.OutputTranscription != nil && c.OutputTranscription.Text != ""
}

type Transcription struct {
	Text string `json:"text"`
}

type ToolCall struct {
	FunctionCalls []FunctionCall `json:"functionCalls"`
}

type FunctionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

type SessionResumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

type GoAway struct {
	TimeLeft Duration `json:"timeLeft,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount   int `json:"promptTokenCount,omitempty"`
	ResponseTokenCount int `json:"responseTokenCount,omitempty"`
	TotalTokenCount    int `json:"totalTokenCount,omitempty"`
}

type ServerError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Duration decodes protobuf-JSON durations ("10s", "0.500s") and bare
// numbers of seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatFloat(time.Duration(d).Seconds(), 'f', -1, 64) + "s")
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		*d = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*d = 0
			return nil
		}
		if !strings.HasSuffix(s, "s") || strings.HasSuffix(s, "ms") || strings.HasSuffix(s, "ns") || strings.HasSuffix(s, "us") {
			parsed, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", s, err)
			}
			*d = Duration(parsed)
			return nil
		}
		raw = strings.TrimSuffix(s, "s")
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}
