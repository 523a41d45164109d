package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types carried in Envelope.Type.
const (
	TypeSpeak            = "SPEAK"
	TypeCancel           = "CANCEL"
	TypeSetWebDriverShim = "SET_WEBDRIVER_SHIM"
	TypeSpeakResult      = "SPEAK_RESULT"
	TypeCancelResult     = "CANCEL_RESULT"
)

const (
	// SubjectSpeechRequest carries SPEAK, CANCEL and SET_WEBDRIVER_SHIM
	// requests. SPEAK and CANCEL are answered on the reply subject.
	SubjectSpeechRequest = "speech.request"
	// SubjectSettingsChanged announces a settings key was written.
	SubjectSettingsChanged = "settings.changed"
)

// Envelope is the tagged-union wire form: {"type": ..., "data": ...}.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type SpeakRequest struct {
	Text      string   `json:"text"`
	VoiceURI  string   `json:"voiceURI"`
	Volume    *float64 `json:"volume,omitempty"`
	RequestID string   `json:"requestId"`
}

// CancelRequest targets RequestID, or the active request when empty.
type CancelRequest struct {
	RequestID string `json:"requestId,omitempty"`
}

type SpeakResult struct {
	RequestID string `json:"requestId"`
	Type      string `json:"type"` // end, cancelled, error, interrupted
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

type CancelResult struct {
	Success bool `json:"success"`
}

// SettingsChanged is published after a settings key is written.
type SettingsChanged struct {
	Key       string    `json:"key"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Encode wraps data in an envelope of the given type.
func Encode(typ string, data any) ([]byte, error) {
	env := Envelope{Type: typ}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", typ, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses an envelope. The payload is left raw for DecodeData.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v. An absent payload leaves
// v untouched.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}
