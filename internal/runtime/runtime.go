package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/gateway"
	"github.com/loqalabs/loqa-speech/internal/llm"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/router"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/loqalabs/loqa-speech/internal/target"
	"github.com/loqalabs/loqa-speech/internal/tts"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	metrics       http.Handler
	tracerClose   func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	recorder  *eventstore.Recorder
	registry  *target.Registry
	engine    speech.Engine
	voices    *speech.VoiceSelector
	sequencer *speech.Sequencer
	chat      *router.Service
	gateway   *gateway.Gateway

	closers []func()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && r.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.metrics)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("engine", r.cfg.Speech.Engine))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.teardown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// setup builds every component in dependency order. Each one registers its
// closer so teardown can unwind a partial start.
func (r *Runtime) setup(ctx context.Context) error {
	cfg := r.cfg

	ns, err := natsserver.Start(cfg.Bus, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	r.onClose(ns.Shutdown)

	busCfg := cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.onClose(r.bus.Close)

	r.store, err = eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose(func() {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	})
	r.recorder = eventstore.NewRecorder(r.store, r.logger)
	r.onClose(r.recorder.Close)

	r.registry, err = target.NewRegistry(ctx, cfg.Targets, r.bus, r.logger)
	if err != nil {
		return err
	}
	r.onClose(r.registry.Close)

	if err := r.setupEngine(); err != nil {
		return err
	}

	r.voices = speech.NewVoiceSelector(r.engine, cfg.Speech.Language, cfg.Speech.PreferredProvider, r.logger)
	sink := speech.MultiSink{r.recorder, router.NewStatePublisher(r.bus, r.logger)}
	r.sequencer = speech.NewSequencer(cfg.Speech, r.engine, r.voices, sink, r.logger)
	r.onClose(r.sequencer.Stop)
	go r.resolveVoice(ctx)

	if cfg.Chat.Enabled {
		generator, err := llm.NewGenerator(cfg.LLM)
		if err != nil {
			return err
		}
		r.chat = router.NewService(ctx, cfg.Chat, cfg.LLM, r.bus, generator, r.sequencer, r.logger)
		r.chat.SetHistory(r.store)
		if err := r.chat.Start(); err != nil {
			return err
		}
		r.onClose(r.chat.Close)
	}

	if cfg.Gateway.Enabled {
		r.gateway = gateway.New(ctx, cfg.Gateway, r.bus, r.logger)
		r.onClose(r.gateway.Close)
	}
	return nil
}

func (r *Runtime) setupEngine() error {
	switch r.cfg.Speech.Engine {
	case "synth":
		synth, err := tts.NewSynthesizer(r.cfg.TTS)
		if err != nil {
			return fmt.Errorf("create synthesizer: %w", err)
		}
		engine := tts.NewEngine(r.cfg.TTS, synth, r.bus, r.logger)
		r.engine = engine
		r.onClose(engine.Close)
	default:
		engine, err := target.NewEngine(r.cfg.Speech.Target, r.cfg.Targets, r.bus, r.registry, r.logger)
		if err != nil {
			return err
		}
		r.engine = engine
		r.onClose(engine.Close)
	}
	return nil
}

// resolveVoice picks the voice up front when the engine already knows its
// voices. Remote targets usually announce later and are picked up through
// the voices-changed callback.
func (r *Runtime) resolveVoice(ctx context.Context) {
	timeout := time.Duration(r.cfg.Speech.VoicesTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, ok, err := r.voices.Resolve(ctx); err != nil {
		r.logger.Warn("voice resolution failed", slog.String("error", err.Error()))
	} else if !ok {
		r.logger.Info("no voices available yet, using platform default")
	}
}

func (r *Runtime) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Runtime) teardown() {
	closers := r.closers
	r.closers = nil
	for _, fn := range slices.Backward(closers) {
		fn()
	}
}

func (r *Runtime) healthy() bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.chat != nil && !r.chat.Healthy() {
		return false
	}
	return true
}
