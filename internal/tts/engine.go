package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

// Publisher sends synthesized audio to whoever plays it.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// Engine plays utterances through a local Synthesizer and publishes the
// resulting PCM on the bus. Its voice list comes from configuration and
// never changes at runtime.
type Engine struct {
	cfg    config.TTSConfig
	synth  Synthesizer
	pub    Publisher
	logger *slog.Logger

	mu      sync.Mutex
	current *run
	wg      sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
}

func NewEngine(cfg config.TTSConfig, synth Synthesizer, pub Publisher, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		synth:  synth,
		pub:    pub,
		logger: logger.With(slog.String("component", "tts-engine")),
	}
}

// NewSynthesizer builds the synthesizer selected by cfg.Mode.
func NewSynthesizer(cfg config.TTSConfig) (Synthesizer, error) {
	if cfg.Mode == "exec" {
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	}
	return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
}

func (e *Engine) Voices(context.Context) ([]speech.Voice, error) {
	voices := make([]speech.Voice, 0, len(e.cfg.Voices))
	for _, v := range e.cfg.Voices {
		voices = append(voices, speech.Voice{Name: v.Name, Lang: v.Lang})
	}
	return voices, nil
}

func (e *Engine) OnVoicesChanged(func()) {}

func (e *Engine) Speak(ctx context.Context, u speech.Utterance, done func(error)) error {
	timeout := time.Duration(e.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	uctx, cancel := context.WithTimeout(ctx, timeout)
	r := &run{cancel: cancel}

	e.mu.Lock()
	if e.current != nil {
		e.current.cancel()
	}
	e.current = r
	e.mu.Unlock()

	req := SynthRequest{
		UtteranceID: u.ID,
		SessionID:   u.SessionID,
		Text:        u.Text,
		Rate:        u.Rate,
		Pitch:       u.Pitch,
		Volume:      u.Volume,
	}
	if u.Voice != nil {
		req.Voice = u.Voice.Name
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.play(uctx, u, req)

		e.mu.Lock()
		if e.current == r {
			e.current = nil
		}
		e.mu.Unlock()
		cancel()

		done(err)
	}()
	return nil
}

func (e *Engine) play(ctx context.Context, u speech.Utterance, req SynthRequest) error {
	chunks, errs := e.synth.Synthesize(ctx, req)
	sequence := 0
	var synthErr error
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			e.publishChunk(u, chunk, sequence)
			sequence++
		case err, ok := <-errs:
			if ok && err != nil {
				synthErr = err
			}
			errs = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return synthErr
}

func (e *Engine) publishChunk(u speech.Utterance, chunk SynthChunk, sequence int) {
	if e.pub == nil {
		return
	}
	packet := protocol.AudioChunk{
		UtteranceID: u.ID,
		SessionID:   u.SessionID,
		Sequence:    sequence,
		SampleRate:  chunk.SampleRate,
		Channels:    chunk.Channels,
		PCM:         chunk.PCM,
		Final:       chunk.Final,
	}
	if err := e.pub.PublishJSON(protocol.SubjectTTSAudio, packet); err != nil {
		e.logger.Warn("failed to publish tts chunk", slogError(err))
	}
}

func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		e.current.cancel()
		e.current = nil
	}
}

// Close cancels synthesis in flight and waits for it to wind down.
func (e *Engine) Close() {
	e.Cancel()
	e.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
