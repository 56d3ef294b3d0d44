package speech

import "time"

// EventType identifies a sequencer lifecycle event.
type EventType string

const (
	EventSessionStarted   EventType = "speech.session.started"
	EventChunkPlayed      EventType = "speech.chunk.played"
	EventChunkFailed      EventType = "speech.chunk.failed"
	EventSessionCancelled EventType = "speech.session.cancelled"
	EventSessionCompleted EventType = "speech.session.completed"
	EventToggled          EventType = "speech.toggled"
)

// Event describes a transition of the sequencer.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	Text      string    `json:"text,omitempty"`
	Error     string    `json:"error,omitempty"`
	Enabled   bool      `json:"enabled"`
	Timestamp time.Time `json:"timestamp"`
}

// EventSink receives sequencer events. Implementations must be safe for
// concurrent use and must not call back into the sequencer.
type EventSink interface {
	SpeechEvent(evt Event)
}

type nopSink struct{}

func (nopSink) SpeechEvent(Event) {}

// MultiSink fans events out to several sinks.
type MultiSink []EventSink

func (m MultiSink) SpeechEvent(evt Event) {
	for _, s := range m {
		if s != nil {
			s.SpeechEvent(evt)
		}
	}
}
