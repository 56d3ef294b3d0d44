package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Bus.Port = -1
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "speech.db")
	cfg.Speech.Engine = "synth"
	cfg.Speech.ChunkGapMS = 10
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	r := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	if err := r.setup(ctx); err != nil {
		cancel()
		r.teardown()
		t.Fatalf("setup: %v", err)
	}
	server := httptest.NewServer(r.routes())
	t.Cleanup(func() {
		server.Close()
		cancel()
		r.teardown()
	})
	return r, server
}

func do(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestChatEndpoint(t *testing.T) {
	r, server := startRuntime(t, testConfig(t))

	var out map[string]string
	if code := do(t, http.MethodPost, server.URL+"/api/chat", map[string]string{"message": "hello"}, &out); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if !strings.Contains(out["message"], "hello") {
		t.Fatalf("unexpected reply %q", out["message"])
	}
	if !r.sequencer.Enabled() {
		t.Fatal("speech should be enabled by default")
	}

	out = nil
	if code := do(t, http.MethodPost, server.URL+"/api/chat", map[string]string{"message": "   "}, &out); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if out["message"] != "Please provide a valid message" {
		t.Fatalf("unexpected error body %v", out)
	}

	out = nil
	if code := do(t, http.MethodPost, server.URL+"/api/chat", map[string]string{"session_id": "s1"}, &out); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
	if out["message"] != "Please provide a message" {
		t.Fatalf("unexpected error body %v", out)
	}

	history, err := r.store.ListChatHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("list chat history: %v", err)
	}
	if len(history) != 1 || history[0].Message != "hello" || !history[0].Success {
		t.Fatalf("expected the answered message in history, got %+v", history)
	}
}

func TestSpeechEndpoints(t *testing.T) {
	r, server := startRuntime(t, testConfig(t))

	var toggled map[string]bool
	do(t, http.MethodPost, server.URL+"/api/speech/toggle", nil, &toggled)
	if toggled["enabled"] {
		t.Fatal("first toggle should disable speech")
	}

	var st protocol.SpeechState
	if code := do(t, http.MethodPost, server.URL+"/api/speech/speak", map[string]string{"text": "Ignored while off."}, &st); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if st.Phase != "idle" || st.Enabled {
		t.Fatalf("disabled sequencer should stay idle: %+v", st)
	}

	do(t, http.MethodPost, server.URL+"/api/speech/toggle", nil, &toggled)
	if !toggled["enabled"] {
		t.Fatal("second toggle should enable speech")
	}

	do(t, http.MethodPost, server.URL+"/api/speech/speak", map[string]string{"text": "One. Two. Three."}, &st)
	if st.Phase != "speaking" || st.SessionID == "" {
		t.Fatalf("expected speaking state, got %+v", st)
	}
	sessionID := st.SessionID

	waitFor(t, "session to finish", func() bool { return r.sequencer.State().Phase == speech.PhaseIdle })

	var session struct {
		Outcome string `json:"outcome"`
		Chunks  int    `json:"chunks"`
		Events  []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	waitFor(t, "session to be recorded", func() bool {
		code := do(t, http.MethodGet, server.URL+"/api/speech/sessions/"+sessionID, nil, &session)
		return code == http.StatusOK && session.Outcome == "completed"
	})
	if session.Chunks != 1 || len(session.Events) < 3 {
		t.Fatalf("unexpected session record %+v", session)
	}

	do(t, http.MethodPost, server.URL+"/api/speech/stop", nil, &st)
	if !st.Enabled || st.Phase != "idle" {
		t.Fatalf("stop should leave speech enabled and idle: %+v", st)
	}

	if code := do(t, http.MethodGet, server.URL+"/api/speech/sessions/missing", nil, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestThemePreference(t *testing.T) {
	_, server := startRuntime(t, testConfig(t))

	var theme themeBody
	do(t, http.MethodGet, server.URL+"/api/preferences/theme", nil, &theme)
	if theme.Theme != "light" {
		t.Fatalf("expected default light theme, got %q", theme.Theme)
	}
	if code := do(t, http.MethodPut, server.URL+"/api/preferences/theme", themeBody{Theme: "Dark"}, &theme); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	do(t, http.MethodGet, server.URL+"/api/preferences/theme", nil, &theme)
	if theme.Theme != "dark" {
		t.Fatalf("expected dark theme, got %q", theme.Theme)
	}
	if code := do(t, http.MethodPut, server.URL+"/api/preferences/theme", themeBody{Theme: "sepia"}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	_, server := startRuntime(t, testConfig(t))

	resp, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthy, got %d", resp.StatusCode)
	}

	resp, err = http.Get(server.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("runtime not started should not be ready, got %d", resp.StatusCode)
	}
}

func TestBrowserTargetPlaysChunksInOrder(t *testing.T) {
	cfg := testConfig(t)
	cfg.Speech.Engine = "target"
	cfg.Speech.MaxChunkLength = 20
	r, server := startRuntime(t, cfg)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?target=default"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	voices, _ := json.Marshal(protocol.TargetAnnounce{Voices: []protocol.Voice{
		{Name: "Alice", Lang: "fr-FR"},
		{Name: "Google US English", Lang: "en-US"},
	}})
	if err := conn.WriteJSON(protocol.Envelope{Type: protocol.FrameAnnounce, Data: voices}); err != nil {
		t.Fatalf("announce: %v", err)
	}
	waitFor(t, "voice selection", func() bool {
		_, ok := r.voices.Current()
		return ok
	})

	var st protocol.SpeechState
	do(t, http.MethodPost, server.URL+"/api/speech/speak", map[string]string{"text": "First sentence here. Second one."}, &st)

	for _, want := range []string{"First sentence here", "Second one."} {
		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var env protocol.Envelope
		for env.Type != protocol.FrameUtterance {
			if err := conn.ReadJSON(&env); err != nil {
				t.Fatalf("read utterance: %v", err)
			}
		}
		var u protocol.Utterance
		if err := json.Unmarshal(env.Data, &u); err != nil {
			t.Fatalf("decode utterance: %v", err)
		}
		if u.Text != want {
			t.Fatalf("expected %q, got %q", want, u.Text)
		}
		if u.Voice == nil || u.Voice.Name != "Google US English" || u.Rate != 0.9 || u.Volume != 0.8 {
			t.Fatalf("unexpected utterance parameters %+v", u)
		}
		done, _ := json.Marshal(protocol.UtteranceDone{ID: u.ID})
		if err := conn.WriteJSON(protocol.Envelope{Type: protocol.FrameDone, Data: done}); err != nil {
			t.Fatalf("done: %v", err)
		}
	}

	waitFor(t, "session to complete", func() bool { return r.sequencer.State().Phase == speech.PhaseIdle })
}
