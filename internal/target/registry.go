package target

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Info describes a playback target such as a browser tab.
type Info struct {
	ID       string           `json:"id"`
	Voices   []protocol.Voice `json:"voices"`
	LastSeen time.Time        `json:"last_seen"`
	Healthy  bool             `json:"healthy"`
}

// Registry tracks playback targets from their announce and heartbeat
// messages, and notifies listeners when a target's voice list changes.
type Registry struct {
	cfg       config.TargetsConfig
	log       *slog.Logger
	bus       *bus.Client
	clock     func() time.Time
	mu        sync.RWMutex
	targets   map[string]*Info
	listeners map[string][]func()
	cancel    context.CancelFunc
	subs      []*nats.Subscription
	meter     metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.TargetsConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:       cfg,
		log:       log.With(slog.String("component", "target-registry")),
		bus:       busClient,
		clock:     time.Now,
		targets:   make(map[string]*Info),
		listeners: make(map[string][]func()),
		meter:     otel.Meter("github.com/loqalabs/loqa-speech/target"),
		cancel:    cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)
	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectTargetAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectTargetHeartbeat, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	interval := time.Duration(r.cfg.SweepInterval) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.TargetAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Target == "" {
		return
	}
	r.Announce(announcement)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.TargetHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Target == "" {
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.clock().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.targets[hb.Target]
	if !ok {
		target = &Info{ID: hb.Target}
		r.targets[hb.Target] = target
	}
	target.LastSeen = hb.Timestamp
	target.Healthy = true
}

// Announce records a target and its voices. Listeners registered for the
// target run when the voice list differs from the previous announcement.
func (r *Registry) Announce(a protocol.TargetAnnounce) {
	if a.Timestamp.IsZero() {
		a.Timestamp = r.clock().UTC()
	}

	r.mu.Lock()
	target, ok := r.targets[a.Target]
	if !ok {
		target = &Info{ID: a.Target}
		r.targets[a.Target] = target
	}
	changed := !slices.Equal(target.Voices, a.Voices)
	target.Voices = append([]protocol.Voice(nil), a.Voices...)
	target.LastSeen = a.Timestamp
	target.Healthy = true
	var listeners []func()
	if changed {
		listeners = append(listeners, r.listeners[a.Target]...)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Info("playback target connected", slog.String("target", a.Target), slog.Int("voices", len(a.Voices)))
	}
	for _, fn := range listeners {
		fn()
	}
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.clock()
	for _, target := range r.targets {
		if target.Healthy && now.Sub(target.LastSeen) > timeout {
			target.Healthy = false
			r.log.Warn("playback target missed heartbeats", slog.String("target", target.ID))
		}
	}
}

// OnVoicesChanged registers fn to run whenever target announces a
// different voice list.
func (r *Registry) OnVoicesChanged(target string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[target] = append(r.listeners[target], fn)
}

// Voices returns the last voice list target announced.
func (r *Registry) Voices(target string) []protocol.Voice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.targets[target]; ok {
		return append([]protocol.Voice(nil), t.Voices...)
	}
	return nil
}

// Healthy reports whether target has been heard from recently.
func (r *Registry) Healthy(target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.targets[target]
	return ok && t.Healthy
}

// Targets returns a snapshot sorted by id.
func (r *Registry) Targets() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]Info, 0, len(r.targets))
	for _, t := range r.targets {
		copy := *t
		copy.Voices = append([]protocol.Voice(nil), t.Voices...)
		results = append(results, copy)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	gauge, err := r.meter.Int64ObservableGauge("speech.targets.healthy", metric.WithDescription("Playback targets heard from recently"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, r.healthyCount())
		return nil
	}, gauge)
	return err
}

func (r *Registry) healthyCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, t := range r.targets {
		if t.Healthy {
			n++
		}
	}
	return n
}
