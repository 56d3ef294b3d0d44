package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "speech.db")
	}
	if cfg.RetentionMode == "" {
		cfg.RetentionMode = "session"
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es, err := Open(context.Background(), config.EventStoreConfig{RetentionMode: "ephemeral"}, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if es.Persistent() {
		t.Fatal("ephemeral store should not be persistent")
	}
	if err := es.AppendEvent(context.Background(), Event{SessionID: "s", Type: "x"}); err != nil {
		t.Fatalf("append on ephemeral store: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), "s", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{})
	ctx := context.Background()

	if err := es.AppendSession(ctx, Session{SessionID: "session-123", Text: "Hello. World", Chunks: 1}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	for i, typ := range []string{"speech.session.started", "speech.chunk.played"} {
		if err := es.AppendEvent(ctx, Event{SessionID: "session-123", Type: typ, ChunkIndex: i, Total: 1, Payload: []byte("hello")}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	events, err := es.ListSessionEvents(ctx, "session-123", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].Type != "speech.chunk.played" || events[1].ChunkIndex != 1 || string(events[1].Payload) != "hello" {
		t.Fatalf("unexpected event: %+v", events[1])
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected created_at to round-trip")
	}

	if err := es.FinishSession(ctx, "session-123", "completed"); err != nil {
		t.Fatalf("finish session: %v", err)
	}
	sess, err := es.GetSession(ctx, "session-123")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Outcome != "completed" || sess.Chunks != 1 || sess.Text != "Hello. World" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if _, err := es.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, Session{SessionID: "old-session"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Type: "note"}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.AppendSession(ctx, Session{SessionID: "new-session"}); err != nil {
		t.Fatalf("append session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "new-session"); err != nil {
		t.Fatalf("expected new session kept: %v", err)
	}
}

func TestPreferences(t *testing.T) {
	for _, mode := range []string{"session", "ephemeral"} {
		t.Run(mode, func(t *testing.T) {
			es := openTemp(t, config.EventStoreConfig{RetentionMode: mode})
			ctx := context.Background()

			if _, err := es.GetPreference(ctx, "theme"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := es.SetPreference(ctx, "theme", "dark"); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := es.SetPreference(ctx, "theme", "light"); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			v, err := es.GetPreference(ctx, "theme")
			if err != nil || v != "light" {
				t.Fatalf("expected light, got %q %v", v, err)
			}
		})
	}
}

func TestPreferencesSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speech.db")
	cfg := config.EventStoreConfig{Path: path, RetentionMode: "persistent"}
	first, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.SetPreference(context.Background(), "theme", "dark"); err != nil {
		t.Fatalf("set: %v", err)
	}
	_ = first.Close()

	second := openTemp(t, cfg)
	v, err := second.GetPreference(context.Background(), "theme")
	if err != nil || v != "dark" {
		t.Fatalf("expected dark after reopen, got %q %v", v, err)
	}
}

func TestRecorderPersistsSession(t *testing.T) {
	es := openTemp(t, config.EventStoreConfig{})
	rec := NewRecorder(es, newLogger())

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rec.SpeechEvent(speech.Event{Type: speech.EventSessionStarted, SessionID: "abc", Total: 2, Text: "One. Two", Timestamp: now})
	rec.SpeechEvent(speech.Event{Type: speech.EventChunkPlayed, SessionID: "abc", Index: 0, Total: 2, Timestamp: now})
	rec.SpeechEvent(speech.Event{Type: speech.EventChunkFailed, SessionID: "abc", Index: 1, Total: 2, Error: "boom", Timestamp: now})
	rec.SpeechEvent(speech.Event{Type: speech.EventSessionCompleted, SessionID: "abc", Index: 2, Total: 2, Timestamp: now})
	rec.SpeechEvent(speech.Event{Type: speech.EventToggled})
	rec.Close()

	events, err := es.ListSessionEvents(context.Background(), "abc", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	var failed speech.Event
	if err := json.Unmarshal(events[2].Payload, &failed); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if failed.Error != "boom" || failed.Index != 1 {
		t.Fatalf("unexpected payload %+v", failed)
	}
	sess, err := es.GetSession(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Outcome != "completed" || sess.Text != "One. Two" {
		t.Fatalf("unexpected session %+v", sess)
	}
}
