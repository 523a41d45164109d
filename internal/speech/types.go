package speech

import (
	"context"
	"errors"
)

// EventType is the terminal lifecycle event of one utterance.
type EventType string

const (
	EventEnd         EventType = "end"
	EventCancelled   EventType = "cancelled"
	EventError       EventType = "error"
	EventInterrupted EventType = "interrupted"
)

// Request asks an engine to speak one text.
type Request struct {
	Text      string   `json:"text"`
	VoiceURI  string   `json:"voiceURI"`
	Volume    *float64 `json:"volume,omitempty"`
	RequestID string   `json:"requestId"`
}

// Event reports how a request finished.
type Event struct {
	RequestID string
	Type      EventType
	Error     string
}

func (e Event) Success() bool { return e.Type == EventEnd }

// Engine is the speech primitive. Speak blocks until the utterance reaches a
// terminal event. Stop halts whatever the engine is speaking.
type Engine interface {
	Speak(ctx context.Context, req Request) (Event, error)
	Stop(ctx context.Context) error
}

var (
	// ErrSynthesis wraps engine-reported synthesis failures.
	ErrSynthesis = errors.New("speech synthesis failed")
	// ErrBusy is returned by engines that already have an active request.
	ErrBusy = errors.New("speech engine busy")
)
