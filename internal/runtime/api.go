package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/router"
)

const (
	themeKey     = "theme"
	defaultTheme = "light"
	maxBodyBytes = 1 << 20
)

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle("/metrics", r.metrics)
	}

	mux.HandleFunc("POST /api/chat", r.handleChat)
	mux.HandleFunc("POST /api/speech/speak", r.handleSpeak)
	mux.HandleFunc("POST /api/speech/stop", r.handleStop)
	mux.HandleFunc("POST /api/speech/toggle", r.handleToggle)
	mux.HandleFunc("GET /api/speech/state", r.handleState)
	mux.HandleFunc("GET /api/speech/sessions/{id}", r.handleSession)
	mux.HandleFunc("GET /api/targets", r.handleTargets)
	mux.HandleFunc("GET /api/preferences/theme", r.handleGetTheme)
	mux.HandleFunc("PUT /api/preferences/theme", r.handlePutTheme)

	if r.gateway != nil {
		mux.Handle(r.cfg.Gateway.Path, r.gateway)
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type chatBody struct {
	Message   *string `json:"message"`
	SessionID string  `json:"session_id,omitempty"`
}

func (r *Runtime) handleChat(w http.ResponseWriter, req *http.Request) {
	if r.chat == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"message": "Chat is disabled"})
		return
	}
	var body chatBody
	if err := decodeBody(req, &body); err != nil || body.Message == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Please provide a message"})
		return
	}

	resp, err := r.chat.Reply(req.Context(), protocol.ChatRequest{SessionID: body.SessionID, Message: *body.Message})
	if errors.Is(err, router.ErrEmptyMessage) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Please provide a valid message"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": err.Error()})
		return
	}
	status := http.StatusOK
	if resp.Error != "" {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"message": resp.Message, "session_id": resp.SessionID})
}

type speakBody struct {
	Text string `json:"text"`
}

func (r *Runtime) handleSpeak(w http.ResponseWriter, req *http.Request) {
	var body speakBody
	if err := decodeBody(req, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	r.sequencer.Speak(body.Text)
	writeJSON(w, http.StatusAccepted, router.StateMessage(r.sequencer.State(), ""))
}

func (r *Runtime) handleStop(w http.ResponseWriter, _ *http.Request) {
	r.sequencer.Stop()
	writeJSON(w, http.StatusOK, router.StateMessage(r.sequencer.State(), ""))
}

func (r *Runtime) handleToggle(w http.ResponseWriter, _ *http.Request) {
	enabled := r.sequencer.Toggle()
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, router.StateMessage(r.sequencer.State(), ""))
}

type sessionEvent struct {
	Type      string          `json:"type"`
	Index     int             `json:"index"`
	Total     int             `json:"total"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (r *Runtime) handleSession(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	sess, err := r.store.GetSession(req.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	if err != nil {
		r.logger.Warn("session lookup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	events, err := r.store.ListSessionEvents(req.Context(), id, 0)
	if err != nil {
		r.logger.Warn("session events lookup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	out := make([]sessionEvent, 0, len(events))
	for _, e := range events {
		out = append(out, sessionEvent{Type: e.Type, Index: e.ChunkIndex, Total: e.Total, Payload: e.Payload, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sess.SessionID,
		"text":       sess.Text,
		"chunks":     sess.Chunks,
		"outcome":    sess.Outcome,
		"events":     out,
	})
}

func (r *Runtime) handleTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.registry.Targets())
}

type themeBody struct {
	Theme string `json:"theme"`
}

func (r *Runtime) handleGetTheme(w http.ResponseWriter, req *http.Request) {
	theme, err := r.store.GetPreference(req.Context(), themeKey)
	if errors.Is(err, eventstore.ErrNotFound) {
		theme, err = defaultTheme, nil
	}
	if err != nil {
		r.logger.Warn("theme lookup failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, themeBody{Theme: theme})
}

func (r *Runtime) handlePutTheme(w http.ResponseWriter, req *http.Request) {
	var body themeBody
	if err := decodeBody(req, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	theme := strings.ToLower(strings.TrimSpace(body.Theme))
	if theme != "light" && theme != "dark" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "theme must be light or dark"})
		return
	}
	if err := r.store.SetPreference(req.Context(), themeKey, theme); err != nil {
		r.logger.Warn("theme update failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "update failed"})
		return
	}
	writeJSON(w, http.StatusOK, themeBody{Theme: theme})
}

func decodeBody(req *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
