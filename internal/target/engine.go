package target

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/nats-io/nats.go"
)

// ErrUtteranceTimeout is reported when a target never confirms an utterance.
var ErrUtteranceTimeout = errors.New("playback target did not finish utterance in time")

// Engine speaks through a remote playback target over the bus. The target
// runs the actual synthesizer (for a browser, the Web Speech API) and
// reports back when each utterance ends.
type Engine struct {
	target  string
	timeout time.Duration
	bus     *bus.Client
	reg     *Registry
	log     *slog.Logger
	sub     *nats.Subscription

	mu      sync.Mutex
	pending map[string]*pendingUtterance
}

type pendingUtterance struct {
	done  func(error)
	timer *time.Timer
	stop  func() bool
}

func NewEngine(target string, cfg config.TargetsConfig, busClient *bus.Client, reg *Registry, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		target:  target,
		timeout: time.Duration(cfg.UtteranceTimeout) * time.Millisecond,
		bus:     busClient,
		reg:     reg,
		log:     log.With(slog.String("component", "target-engine"), slog.String("target", target)),
		pending: make(map[string]*pendingUtterance),
	}
	sub, err := busClient.Conn().Subscribe(protocol.SubjectUtteranceDone, e.handleDone)
	if err != nil {
		return nil, fmt.Errorf("subscribe utterance done: %w", err)
	}
	e.sub = sub
	return e, nil
}

func (e *Engine) Close() {
	if e.sub != nil {
		_ = e.sub.Drain()
	}
	e.mu.Lock()
	for id, p := range e.pending {
		p.release()
		delete(e.pending, id)
	}
	e.mu.Unlock()
}

func (e *Engine) Voices(context.Context) ([]speech.Voice, error) {
	return FromProtocolVoices(e.reg.Voices(e.target)), nil
}

func (e *Engine) OnVoicesChanged(fn func()) {
	e.reg.OnVoicesChanged(e.target, fn)
}

func (e *Engine) Speak(ctx context.Context, u speech.Utterance, done func(error)) error {
	p := &pendingUtterance{done: done}

	e.mu.Lock()
	e.pending[u.ID] = p
	if e.timeout > 0 {
		p.timer = time.AfterFunc(e.timeout, func() { e.finish(u.ID, ErrUtteranceTimeout) })
	}
	// Forget the utterance once its session is gone; nobody waits for it.
	p.stop = context.AfterFunc(ctx, func() { e.forget(u.ID) })
	e.mu.Unlock()

	if err := e.bus.PublishJSON(protocol.UtteranceSubject(e.target), ToProtocolUtterance(u)); err != nil {
		e.forget(u.ID)
		return fmt.Errorf("publish utterance: %w", err)
	}
	return nil
}

func (e *Engine) Cancel() {
	msg := protocol.CancelSpeech{Target: e.target, Timestamp: time.Now().UTC()}
	if err := e.bus.PublishJSON(protocol.CancelSubject(e.target), msg); err != nil {
		e.log.Warn("failed to publish cancel", slog.String("error", err.Error()))
	}
}

func (e *Engine) handleDone(msg *nats.Msg) {
	var done protocol.UtteranceDone
	if err := json.Unmarshal(msg.Data, &done); err != nil {
		e.log.Warn("invalid utterance done message", slog.String("error", err.Error()))
		return
	}
	if done.Target != "" && done.Target != e.target {
		return
	}
	var err error
	if done.Error != "" {
		err = errors.New(done.Error)
	}
	e.finish(done.ID, err)
}

func (e *Engine) finish(id string, err error) {
	e.mu.Lock()
	p, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if !ok {
		return
	}
	p.release()
	p.done(err)
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	p, ok := e.pending[id]
	delete(e.pending, id)
	e.mu.Unlock()
	if ok {
		p.release()
	}
}

func (p *pendingUtterance) release() {
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.stop != nil {
		p.stop()
	}
}

// Pending reports how many utterances await a done message.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func ToProtocolUtterance(u speech.Utterance) protocol.Utterance {
	out := protocol.Utterance{
		ID:        u.ID,
		SessionID: u.SessionID,
		Index:     u.Index,
		Text:      u.Text,
		Rate:      u.Rate,
		Pitch:     u.Pitch,
		Volume:    u.Volume,
	}
	if u.Voice != nil {
		v := protocol.Voice(*u.Voice)
		out.Voice = &v
	}
	return out
}

func FromProtocolVoices(voices []protocol.Voice) []speech.Voice {
	if len(voices) == 0 {
		return nil
	}
	out := make([]speech.Voice, 0, len(voices))
	for _, v := range voices {
		out = append(out, speech.Voice(v))
	}
	return out
}
