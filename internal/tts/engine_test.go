package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPublisher struct {
	mu      sync.Mutex
	packets []protocol.AudioChunk
}

func (p *recordingPublisher) PublishJSON(subject string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subject == protocol.SubjectTTSAudio {
		p.packets = append(p.packets, v.(protocol.AudioChunk))
	}
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.packets)
}

// scriptedSynth emits the given chunks, then err, and records requests.
type scriptedSynth struct {
	mu       sync.Mutex
	requests []SynthRequest
	chunks   int
	err      error
	block    bool
}

func (s *scriptedSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if s.block {
			<-ctx.Done()
			errs <- ctx.Err()
			return
		}
		for i := 0; i < s.chunks; i++ {
			chunks <- SynthChunk{UtteranceID: req.UtteranceID, Sequence: i, SampleRate: 22050, Channels: 1, PCM: []byte{1, 2}, Final: i == s.chunks-1}
		}
		if s.err != nil {
			errs <- s.err
		}
	}()
	return chunks, errs
}

func speakAndWait(t *testing.T, e *Engine, u speech.Utterance) error {
	t.Helper()
	results := make(chan error, 1)
	if err := e.Speak(context.Background(), u, func(err error) { results <- err }); err != nil {
		t.Fatalf("speak: %v", err)
	}
	select {
	case err := <-results:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("done not called")
		return nil
	}
}

func TestEnginePublishesChunks(t *testing.T) {
	synth := &scriptedSynth{chunks: 3}
	pub := &recordingPublisher{}
	engine := NewEngine(config.Default().TTS, synth, pub, newLogger())
	t.Cleanup(engine.Close)

	err := speakAndWait(t, engine, speech.Utterance{ID: "s-0", SessionID: "s", Text: "Hello", Rate: 0.9, Pitch: 1, Volume: 0.8,
		Voice: &speech.Voice{Name: "en_US-lessac-medium"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pub.count() != 3 {
		t.Fatalf("expected 3 audio packets, got %d", pub.count())
	}
	if !pub.packets[2].Final || pub.packets[2].UtteranceID != "s-0" {
		t.Fatalf("unexpected final packet %+v", pub.packets[2])
	}
	req := synth.requests[0]
	if req.Voice != "en_US-lessac-medium" || req.Rate != 0.9 || req.Volume != 0.8 {
		t.Fatalf("unexpected synth request %+v", req)
	}
}

func TestEngineReportsSynthError(t *testing.T) {
	synth := &scriptedSynth{chunks: 1, err: errors.New("model missing")}
	engine := NewEngine(config.Default().TTS, synth, &recordingPublisher{}, newLogger())
	t.Cleanup(engine.Close)

	if err := speakAndWait(t, engine, speech.Utterance{ID: "u", Text: "Hi"}); err == nil || err.Error() != "model missing" {
		t.Fatalf("expected synth error, got %v", err)
	}
}

func TestEngineCancelStopsSynthesis(t *testing.T) {
	synth := &scriptedSynth{block: true}
	engine := NewEngine(config.Default().TTS, synth, &recordingPublisher{}, newLogger())
	t.Cleanup(engine.Close)

	results := make(chan error, 1)
	if err := engine.Speak(context.Background(), speech.Utterance{ID: "u", Text: "Hi"}, func(err error) { results <- err }); err != nil {
		t.Fatalf("speak: %v", err)
	}
	engine.Cancel()

	select {
	case err := <-results:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not end the utterance")
	}
}

func TestEngineVoicesFromConfig(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Voices = []config.VoiceConfig{{Name: "de_DE-thorsten", Lang: "de-DE"}, {Name: "en_GB-alan", Lang: "en-GB"}}
	engine := NewEngine(cfg, &scriptedSynth{}, nil, newLogger())

	voices, err := engine.Voices(context.Background())
	if err != nil {
		t.Fatalf("voices: %v", err)
	}
	v, ok := speech.SelectVoice(voices, "en", "Google")
	if !ok || v.Name != "en_GB-alan" {
		t.Fatalf("unexpected selection %+v", v)
	}
}

func TestMockSynthEmitsFinalChunk(t *testing.T) {
	synth := NewMockSynth(16000, 1)
	chunks, errs := synth.Synthesize(context.Background(), SynthRequest{UtteranceID: "u", Text: "hi"})
	chunk, ok := <-chunks
	if !ok || !chunk.Final || chunk.SampleRate != 16000 {
		t.Fatalf("unexpected chunk %+v ok=%v", chunk, ok)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestNewExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   ", 22050, 1); err == nil {
		t.Fatal("expected error for empty command")
	}
	if _, err := NewExecSynth(`piper --model "en US.onnx"`, 22050, 1); err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
}
