package router

import (
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// StateMessage converts a sequencer snapshot into its wire form.
func StateMessage(st speech.State, event string) protocol.SpeechState {
	return protocol.SpeechState{
		Enabled:   st.Enabled,
		Phase:     string(st.Phase),
		SessionID: st.SessionID,
		Chunk:     st.Chunk,
		Total:     st.Total,
		Event:     event,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher is satisfied by *bus.Client.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// StatePublisher mirrors sequencer events onto speech.state. It derives
// the snapshot from the event itself since sinks run while the sequencer
// holds its lock.
type StatePublisher struct {
	pub    Publisher
	logger *slog.Logger
}

func NewStatePublisher(pub Publisher, logger *slog.Logger) *StatePublisher {
	return &StatePublisher{pub: pub, logger: logger.With(slog.String("component", "speech-state"))}
}

func (p *StatePublisher) SpeechEvent(evt speech.Event) {
	st := protocol.SpeechState{
		Enabled:   evt.Enabled,
		Phase:     string(speech.PhaseSpeaking),
		SessionID: evt.SessionID,
		Chunk:     evt.Index,
		Total:     evt.Total,
		Event:     string(evt.Type),
		Timestamp: evt.Timestamp,
	}
	switch evt.Type {
	case speech.EventSessionCancelled, speech.EventSessionCompleted, speech.EventToggled:
		st.Phase = string(speech.PhaseIdle)
	}
	if err := p.pub.PublishJSON(protocol.SubjectSpeechState, st); err != nil {
		p.logger.Warn("failed to publish speech state", slog.String("error", err.Error()))
	}
}
