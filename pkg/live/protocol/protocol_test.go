package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEncode_RejectsZeroOrMultipleFields(t *testing.T) {
	t.Parallel()

	if _, err := Encode(ClientMessage{}); err == nil {
		t.Fatalf("expected error for empty message")
	}
	_, err := Encode(ClientMessage{
		Interrupt:     &Interrupt{Action: ActionStopGeneration},
		RealtimeInput: &RealtimeInput{AudioStreamEnd: true},
	})
	if err == nil {
		t.Fatalf("expected error for two fields")
	}
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Code != "bad_frame" {
		t.Fatalf("code=%q, want bad_frame", decErr.Code)
	}
}

func TestEncodeSetup_Shape(t *testing.T) {
	t.Parallel()

	raw, err := EncodeSetup(Setup{
		Model: "models/gemini-live-2.5-flash-preview",
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{ModalityAudio},
			SpeechConfig: &SpeechConfig{VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: "Puck"},
			}},
		},
		SessionResumption: &SessionResumptionConfig{Handle: "h-1"},
		ContextWindowCompression: &ContextWindowCompressionConfig{
			TriggerTokens: 25600,
			SlidingWindow: &SlidingWindow{TargetTokens: 12800},
		},
	})
	if err != nil {
		t.Fatalf("EncodeSetup() error = %v", err)
	}

	var decoded map[string]map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	setup := decoded["setup"]
	if setup["model"] != "models/gemini-live-2.5-flash-preview" {
		t.Fatalf("model=%v", setup["model"])
	}
	resumption := setup["sessionResumption"].(map[string]any)
	if resumption["handle"] != "h-1" {
		t.Fatalf("handle=%v", resumption["handle"])
	}
	cwc := setup["contextWindowCompression"].(map[string]any)
	if cwc["triggerTokens"].(float64) != 25600 {
		t.Fatalf("triggerTokens=%v", cwc["triggerTokens"])
	}
	if cwc["slidingWindow"].(map[string]any)["targetTokens"].(float64) != 12800 {
		t.Fatalf("slidingWindow=%v", cwc["slidingWindow"])
	}
}

func TestEncodeSetup_EmptyResumptionStillPresent(t *testing.T) {
	t.Parallel()

	raw, err := EncodeSetup(Setup{Model: "m", SessionResumption: &SessionResumptionConfig{}})
	if err != nil {
		t.Fatalf("EncodeSetup() error = %v", err)
	}
	if !strings.Contains(string(raw), `"sessionResumption":{}`) {
		t.Fatalf("raw=%s", raw)
	}
}

func TestEncodeSetup_RequiresModel(t *testing.T) {
	t.Parallel()

	if _, err := EncodeSetup(Setup{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestEncodeAudio_Base64AndDefaultMIME(t *testing.T) {
	t.Parallel()

	raw, err := EncodeAudio([]byte{0x01, 0x02, 0x03}, "")
	if err != nil {
		t.Fatalf("EncodeAudio() error = %v", err)
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.RealtimeInput == nil || msg.RealtimeInput.Audio == nil {
		t.Fatalf("msg=%s", raw)
	}
	if msg.RealtimeInput.Audio.MimeType != DefaultInputAudioMIME {
		t.Fatalf("mime=%q", msg.RealtimeInput.Audio.MimeType)
	}
	if msg.RealtimeInput.Audio.Data != base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03}) {
		t.Fatalf("data=%q", msg.RealtimeInput.Audio.Data)
	}
}

func TestEncodeText_CompletesTurn(t *testing.T) {
	t.Parallel()

	raw, err := EncodeText("hello")
	if err != nil {
		t.Fatalf("EncodeText() error = %v", err)
	}
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.ClientContent == nil || !msg.ClientContent.TurnComplete {
		t.Fatalf("clientContent=%+v", msg.ClientContent)
	}
	if got := msg.ClientContent.Turns[0].Text(); got != "hello" {
		t.Fatalf("text=%q, want %q", got, "hello")
	}
	if msg.ClientContent.Turns[0].Role != RoleUser {
		t.Fatalf("role=%q", msg.ClientContent.Turns[0].Role)
	}
}

func TestEncodeToolResponse_EmptyBatchIsArray(t *testing.T) {
	t.Parallel()

	raw, err := EncodeToolResponse(nil)
	if err != nil {
		t.Fatalf("EncodeToolResponse() error = %v", err)
	}
	if string(raw) != `{"toolResponse":{"functionResponses":[]}}` {
		t.Fatalf("raw=%s", raw)
	}
}

func TestEncodeInterrupt(t *testing.T) {
	t.Parallel()

	raw, err := EncodeInterrupt()
	if err != nil {
		t.Fatalf("EncodeInterrupt() error = %v", err)
	}
	if string(raw) != `{"interrupt":{"action":"STOP_GENERATION"}}` {
		t.Fatalf("raw=%s", raw)
	}
}

func TestDecode_JSONInBinaryFrame(t *testing.T) {
	t.Parallel()

	msg, err := Decode(FrameBinary, []byte(`  {"setupComplete":{}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind() != "setupComplete" {
		t.Fatalf("kind=%q, want setupComplete", msg.Kind())
	}
}

func TestDecode_RawAudioBinaryFrame(t *testing.T) {
	t.Parallel()

	msg, err := Decode(FrameBinary, []byte{0x10, 0x00, 0x7b})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Kind() != "audio" || len(msg.Audio) != 3 {
		t.Fatalf("msg=%+v", msg)
	}
}

func TestDecode_ServerContent(t *testing.T) {
	t.Parallel()

	audio := base64.StdEncoding.EncodeToString([]byte{0xAA, 0xBB})
	raw := []byte(`{"serverContent":{"modelTurn":{"role":"model","parts":[
		{"text":"hi "},
		{"text":"there"},
		{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + audio + `"}}
	]},"turnComplete":true}}`)

	msg, err := Decode(FrameText, raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	sc := msg.ServerContent
	if sc == nil || !sc.TurnComplete || !sc.HasModelOutput() {
		t.Fatalf("serverContent=%+v", sc)
	}
	if got := sc.ModelTurn.Text(); got != "hi there" {
		t.Fatalf("text=%q, want %q", got, "hi there")
	}
	parts, err := sc.ModelTurn.AudioParts()
	if err != nil {
		t.Fatalf("AudioParts() error = %v", err)
	}
	if len(parts) != 1 || len(parts[0].Data) != 2 || parts[0].Data[0] != 0xAA {
		t.Fatalf("parts=%+v", parts)
	}
}

func TestDecode_BadInlineAudio(t *testing.T) {
	t.Parallel()

	msg, err := Decode(FrameText, []byte(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm","data":"!!"}}]}}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, err := msg.ServerContent.ModelTurn.AudioParts(); err == nil {
		t.Fatalf("expected base64 error")
	}
}

func TestDecode_GoAwayDurations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want time.Duration
	}{
		{`{"goAway":{"timeLeft":"10s"}}`, 10 * time.Second},
		{`{"goAway":{"timeLeft":"0.500s"}}`, 500 * time.Millisecond},
		{`{"goAway":{"timeLeft":3}}`, 3 * time.Second},
		{`{"goAway":{"timeLeft":"1500ms"}}`, 1500 * time.Millisecond},
	}
	for _, tt := range tests {
		msg, err := Decode(FrameText, []byte(tt.raw))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", tt.raw, err)
		}
		if got := msg.GoAway.TimeLeft.Std(); got != tt.want {
			t.Fatalf("Decode(%s) timeLeft=%v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestDecode_ToolCallAndCancellation(t *testing.T) {
	t.Parallel()

	msg, err := Decode(FrameText, []byte(`{"toolCall":{"functionCalls":[{"id":"c1","name":"get_weather","args":{"city":"Paris"}}]}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(msg.ToolCall.FunctionCalls) != 1 || msg.ToolCall.FunctionCalls[0].Args["city"] != "Paris" {
		t.Fatalf("toolCall=%+v", msg.ToolCall)
	}

	msg, err = Decode(FrameText, []byte(`{"toolCallCancellation":{"ids":["c1","c2"]}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(msg.ToolCallCancellation.IDs) != 2 {
		t.Fatalf("ids=%v", msg.ToolCallCancellation.IDs)
	}
}

func TestDecode_ToolCallMissingName(t *testing.T) {
	t.Parallel()

	_, err := Decode(FrameText, []byte(`{"toolCall":{"functionCalls":[{"id":"c1"}]}}`))
	decErr, ok := err.(*DecodeError)
	if !ok {
		t.Fatalf("err type = %T", err)
	}
	if decErr.Param != "toolCall.functionCalls[0].name" {
		t.Fatalf("param=%q", decErr.Param)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		kind FrameKind
		raw  []byte
		code string
	}{
		{"invalid json", FrameText, []byte(`{"serverContent":`), "bad_frame"},
		{"unknown message", FrameText, []byte(`{"somethingNew":{}}`), "unsupported"},
		{"empty binary", FrameBinary, nil, "bad_frame"},
		{"unknown kind", FrameKind(9), []byte(`{}`), "unsupported"},
	}
	for _, tt := range tests {
		_, err := Decode(tt.kind, tt.raw)
		decErr, ok := err.(*DecodeError)
		if !ok {
			t.Fatalf("%s: err type = %T", tt.name, err)
		}
		if decErr.Code != tt.code {
			t.Fatalf("%s: code=%q, want %q", tt.name, decErr.Code, tt.code)
		}
	}
}

func TestDecode_ResumptionUpdate(t *testing.T) {
	t.Parallel()

	msg, err := Decode(FrameText, []byte(`{"sessionResumptionUpdate":{"newHandle":"abc","resumable":true}}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.SessionResumptionUpdate.NewHandle != "abc" || !msg.SessionResumptionUpdate.Resumable {
		t.Fatalf("update=%+v", msg.SessionResumptionUpdate)
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(Duration(1500 * time.Millisecond))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `"1.5s"` {
		t.Fatalf("raw=%s, want \"1.5s\"", raw)
	}
}
