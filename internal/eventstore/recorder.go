package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/speech"
)

const recorderBuffer = 256

// Recorder persists sequencer events without blocking the sequencer. Events
// are queued and written by a single goroutine; when the queue is full the
// event is dropped and logged.
type Recorder struct {
	store  *Store
	log    *slog.Logger
	events chan speech.Event

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		log:    log.With(slog.String("component", "speech-recorder")),
		events: make(chan speech.Event, recorderBuffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) SpeechEvent(evt speech.Event) {
	if evt.SessionID == "" {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- evt:
	default:
		r.log.Warn("speech event dropped", slog.String("type", string(evt.Type)), slog.String("session_id", evt.SessionID))
	}
}

// Close drains queued events and stops the writer.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for evt := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.record(ctx, evt); err != nil {
			r.log.Warn("failed to record speech event", slog.String("type", string(evt.Type)), slog.String("error", err.Error()))
		}
		cancel()
	}
}

func (r *Recorder) record(ctx context.Context, evt speech.Event) error {
	if evt.Type == speech.EventSessionStarted {
		if err := r.store.AppendSession(ctx, Session{SessionID: evt.SessionID, Text: evt.Text, Chunks: evt.Total, CreatedAt: evt.Timestamp}); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := r.store.AppendEvent(ctx, Event{
		SessionID:  evt.SessionID,
		Type:       string(evt.Type),
		ChunkIndex: evt.Index,
		Total:      evt.Total,
		Payload:    payload,
		CreatedAt:  evt.Timestamp,
	}); err != nil {
		return err
	}
	switch evt.Type {
	case speech.EventSessionCompleted:
		return r.store.FinishSession(ctx, evt.SessionID, "completed")
	case speech.EventSessionCancelled:
		return r.store.FinishSession(ctx, evt.SessionID, "cancelled")
	}
	return nil
}
