package speech

import "context"

// Voice is a synthesis voice offered by a platform.
type Voice struct {
	Name     string `json:"name"`
	Lang     string `json:"lang"`
	Default  bool   `json:"default,omitempty"`
	LocalURI string `json:"local_uri,omitempty"`
}

// Utterance is one platform-scheduled unit of synthesized speech.
type Utterance struct {
	ID        string  `json:"id"`
	SessionID string  `json:"session_id"`
	Index     int     `json:"index"`
	Text      string  `json:"text"`
	Voice     *Voice  `json:"voice,omitempty"`
	Rate      float64 `json:"rate"`
	Pitch     float64 `json:"pitch"`
	Volume    float64 `json:"volume"`
}

// Engine is the text-to-speech platform the sequencer plays through.
//
// Speak schedules u and must not block until playback finishes. done is
// called exactly once when the utterance ends, with a non-nil error if the
// platform failed to play it. done may run on any goroutine, including the
// caller's. ctx is cancelled when the owning session is superseded.
//
// Cancel stops whatever utterance is currently playing. Platforms are not
// required to suppress the done callback of a cancelled utterance.
type Engine interface {
	Voices(ctx context.Context) ([]Voice, error)
	Speak(ctx context.Context, u Utterance, done func(error)) error
	Cancel()
	OnVoicesChanged(fn func())
}
