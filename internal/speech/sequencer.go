package speech

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/config"
	"go.opentelemetry.io/otel/attribute"
)

// Phase is the coarse playback state of the sequencer.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSpeaking Phase = "speaking"
)

// State is a snapshot of the sequencer.
type State struct {
	Enabled   bool   `json:"enabled"`
	Phase     Phase  `json:"phase"`
	SessionID string `json:"session_id,omitempty"`
	Chunk     int    `json:"chunk"`
	Total     int    `json:"total"`
}

type session struct {
	id     string
	gen    uint64
	chunks []string
	cursor int
	ctx    context.Context
	cancel context.CancelFunc
}

// Sequencer turns response text into speech, one chunk at a time. At most
// one session is live: a new Speak, Stop, or a Toggle to disabled ends the
// current one. Each session carries a generation number and callbacks from
// an older generation are dropped, so a late done from a cancelled
// utterance never resumes a superseded session.
type Sequencer struct {
	cfg    config.SpeechConfig
	engine Engine
	voices *VoiceSelector
	sink   EventSink
	logger *slog.Logger
	stats  *metrics

	after func(time.Duration, func())
	clock func() time.Time

	gen     atomic.Uint64
	enabled atomic.Bool

	mu      sync.Mutex
	current *session
}

func NewSequencer(cfg config.SpeechConfig, engine Engine, voices *VoiceSelector, sink EventSink, logger *slog.Logger) *Sequencer {
	if sink == nil {
		sink = nopSink{}
	}
	if cfg.MaxChunkLength <= 0 {
		cfg.MaxChunkLength = DefaultMaxChunkLength
	}
	logger = logger.With(slog.String("component", "speech-sequencer"))
	s := &Sequencer{
		cfg:    cfg,
		engine: engine,
		voices: voices,
		sink:   sink,
		logger: logger,
		stats:  newMetrics(logger),
		after:  func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		clock:  time.Now,
	}
	s.enabled.Store(cfg.Enabled)
	return s
}

// Speak interrupts any current playback and starts speaking text. It
// returns once the first chunk is scheduled. Empty text and a disabled
// sequencer are ignored.
func (s *Sequencer) Speak(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled.Load() {
		return
	}
	s.interruptLocked()

	clean := Normalize(text)
	if clean == "" {
		return
	}
	chunks := Chunk(clean, s.cfg.MaxChunkLength)
	if len(chunks) == 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     uuid.NewString(),
		gen:    s.gen.Add(1),
		chunks: chunks,
		ctx:    ctx,
		cancel: cancel,
	}
	s.current = sess

	s.stats.add(s.stats.sessions)
	s.logger.Debug("speech session started", slog.String("session_id", sess.id), slog.Int("chunks", len(chunks)))
	s.emit(Event{Type: EventSessionStarted, SessionID: sess.id, Total: len(chunks), Text: clean})

	s.playLocked(sess, 0)
}

// Toggle flips the enabled flag and returns the new value. Disabling
// cancels any playback in progress.
func (s *Sequencer) Toggle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	enabled := !s.enabled.Load()
	s.enabled.Store(enabled)
	if !enabled {
		s.interruptLocked()
	}
	s.logger.Info("speech toggled", slog.Bool("enabled", enabled))
	s.emit(Event{Type: EventToggled})
	return enabled
}

// Stop cancels playback in progress. The enabled flag is not changed.
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interruptLocked()
}

// Enabled reports whether speech output is on.
func (s *Sequencer) Enabled() bool {
	return s.enabled.Load()
}

// State returns a snapshot of the sequencer.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{Enabled: s.enabled.Load(), Phase: PhaseIdle}
	if s.current != nil {
		st.Phase = PhaseSpeaking
		st.SessionID = s.current.id
		st.Chunk = s.current.cursor
		st.Total = len(s.current.chunks)
	}
	return st
}

// interruptLocked cancels the platform utterance and forgets the current
// session. The generation is bumped so its pending callbacks go stale.
func (s *Sequencer) interruptLocked() {
	s.engine.Cancel()

	sess := s.current
	if sess == nil {
		return
	}
	s.current = nil
	s.gen.Add(1)
	sess.cancel()

	s.stats.add(s.stats.cancels)
	s.emit(Event{Type: EventSessionCancelled, SessionID: sess.id, Index: sess.cursor, Total: len(sess.chunks)})
}

func (s *Sequencer) playLocked(sess *session, index int) {
	sess.cursor = index

	u := Utterance{
		ID:        fmt.Sprintf("%s-%d", sess.id, index),
		SessionID: sess.id,
		Index:     index,
		Text:      sess.chunks[index],
		Rate:      s.cfg.Rate,
		Pitch:     s.cfg.Pitch,
		Volume:    s.cfg.Volume,
	}
	if s.voices != nil {
		if v, ok := s.voices.Current(); ok {
			u.Voice = &v
		}
	}

	gen := sess.gen
	s.stats.add(s.stats.chunks)
	err := s.engine.Speak(sess.ctx, u, func(err error) {
		s.chunkDone(gen, sess.id, index, err)
	})
	if err != nil {
		s.chunkDone(gen, sess.id, index, fmt.Errorf("schedule utterance: %w", err))
	}
}

// chunkDone runs on engine callbacks, possibly while mu is held by
// playLocked, so it must not lock. The chunk outcome is reported by advance
// once the generation is confirmed under mu.
func (s *Sequencer) chunkDone(gen uint64, sessionID string, index int, err error) {
	if s.gen.Load() != gen {
		s.logger.Debug("dropping stale chunk callback", slog.String("session_id", sessionID), slog.Int("index", index))
		return
	}
	s.after(s.chunkGap(), func() {
		s.advance(gen, index, err)
	})
}

// advance is the single transition that moves a session forward. It reports
// the outcome of chunk index and then plays the next chunk or completes.
func (s *Sequencer) advance(gen uint64, index int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.current
	if sess == nil || sess.gen != gen || !s.enabled.Load() {
		s.logger.Debug("dropping stale chunk outcome", slog.Int("index", index))
		return
	}

	total := len(sess.chunks)
	if err != nil {
		s.logger.Warn("speech chunk failed", slog.String("session_id", sess.id), slog.Int("index", index), slogError(err))
		s.stats.add(s.stats.chunkErrors, attribute.Int("index", index))
		s.emit(Event{Type: EventChunkFailed, SessionID: sess.id, Index: index, Total: total, Error: err.Error()})
	} else {
		s.emit(Event{Type: EventChunkPlayed, SessionID: sess.id, Index: index, Total: total})
	}

	next := index + 1
	if next >= total {
		s.current = nil
		sess.cancel()
		s.logger.Debug("speech session completed", slog.String("session_id", sess.id))
		s.emit(Event{Type: EventSessionCompleted, SessionID: sess.id, Index: next, Total: total})
		return
	}
	s.playLocked(sess, next)
}

func (s *Sequencer) chunkGap() time.Duration {
	if s.cfg.ChunkGapMS < 0 {
		return 0
	}
	return time.Duration(s.cfg.ChunkGapMS) * time.Millisecond
}

func (s *Sequencer) emit(evt Event) {
	evt.Enabled = s.enabled.Load()
	evt.Timestamp = s.clock().UTC()
	s.sink.SpeechEvent(evt)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
