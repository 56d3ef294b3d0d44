package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// ChatRequest is a user message sent to the assistant.
type ChatRequest struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Tier      string    `json:"tier,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatResponse is the assistant's reply. Error is set when the reply text
// describes a failure.
type ChatResponse struct {
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// SpeechCommand drives the sequencer from the bus.
type SpeechCommand struct {
	Action string `json:"action"` // speak, stop, toggle
	Text   string `json:"text,omitempty"`
}

// SpeechState reports the sequencer state after a command or transition.
type SpeechState struct {
	Enabled   bool      `json:"enabled"`
	Phase     string    `json:"phase"`
	SessionID string    `json:"session_id,omitempty"`
	Chunk     int       `json:"chunk"`
	Total     int       `json:"total"`
	Event     string    `json:"event,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Voice is a synthesis voice reported by a playback target.
type Voice struct {
	Name     string `json:"name"`
	Lang     string `json:"lang"`
	Default  bool   `json:"default,omitempty"`
	LocalURI string `json:"local_uri,omitempty"`
}

// Utterance asks a playback target to speak one chunk.
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

// UtteranceDone is reported by a target once an utterance ends.
type UtteranceDone struct {
	ID     string `json:"id"`
	Target string `json:"target"`
	Error  string `json:"error,omitempty"`
}

// CancelSpeech tells a target to drop whatever it is saying.
type CancelSpeech struct {
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// TargetAnnounce is published by a playback target when it connects and
// whenever its voice list changes.
type TargetAnnounce struct {
	Target    string    `json:"target"`
	Voices    []Voice   `json:"voices"`
	Timestamp time.Time `json:"timestamp"`
}

// TargetHeartbeat keeps a target marked healthy.
type TargetHeartbeat struct {
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
}

// Envelope frames every WebSocket message between the gateway and a
// browser target.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope types.
const (
	FrameUtterance = "utterance"
	FrameCancel    = "cancel"
	FrameAnnounce  = "announce"
	FrameHeartbeat = "heartbeat"
	FrameDone      = "done"
)

// AudioChunk carries synthesized PCM for one utterance.
type AudioChunk struct {
	UtteranceID string `json:"utterance_id"`
	SessionID   string `json:"session_id"`
	Sequence    int    `json:"sequence"`
	SampleRate  int    `json:"sample_rate"`
	Channels    int    `json:"channels"`
	PCM         []byte `json:"pcm"`
	Final       bool   `json:"final"`
}

const (
	SubjectChatRequest  = "chat.request"
	SubjectChatResponse = "chat.response"

	SubjectSpeechCommand = "speech.command"
	SubjectSpeechState   = "speech.state"

	SubjectUtterancePrefix = "speech.utterance"
	SubjectUtteranceDone   = "speech.utterance.done"
	SubjectCancelPrefix    = "speech.cancel"
	SubjectTargetAnnounce  = "speech.target.announce"
	SubjectTargetHeartbeat = "speech.target.heartbeat"

	SubjectTTSAudio = "tts.audio"
)

// UtteranceSubject is where utterances for target are published.
func UtteranceSubject(target string) string {
	return SubjectUtterancePrefix + ".play." + subjectToken(target)
}

// CancelSubject is where cancels for target are published.
func CancelSubject(target string) string {
	return SubjectCancelPrefix + "." + subjectToken(target)
}

func subjectToken(s string) string {
	r := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	if s = r.Replace(s); s == "" {
		return "default"
	}
	return s
}
