package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/nats-io/nats.go"
)

const (
	maxFrameBytes = 64 << 10
	sendBuffer    = 32
)

// Gateway lets a browser act as a playback target. Utterances and cancels
// published for the target are pushed down the socket; announces,
// heartbeats and completion reports from the browser are relayed to the
// bus.
type Gateway struct {
	cfg      config.GatewayConfig
	bus      *bus.Client
	logger   *slog.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	active atomic.Int64
}

func New(parent context.Context, cfg config.GatewayConfig, busClient *bus.Client, logger *slog.Logger) *Gateway {
	ctx, cancel := context.WithCancel(parent)
	g := &Gateway{
		cfg:    cfg,
		bus:    busClient,
		logger: logger.With(slog.String("component", "gateway")),
		ctx:    ctx,
		cancel: cancel,
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// Close disconnects every client and waits for their loops to exit.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

// Connections reports the number of live sockets.
func (g *Gateway) Connections() int {
	return int(g.active.Load())
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(g.cfg.AllowedOrigins, "*") || slices.Contains(g.cfg.AllowedOrigins, origin)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := strings.TrimSpace(r.URL.Query().Get("target"))
	if target == "" {
		target = "default"
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", slogError(err))
		return
	}

	c := &client{
		gw:     g,
		conn:   conn,
		target: target,
		send:   make(chan protocol.Envelope, sendBuffer),
		logger: g.logger.With(slog.String("target", target)),
	}
	if err := c.subscribe(); err != nil {
		c.logger.Warn("failed to subscribe target subjects", slogError(err))
		_ = conn.Close()
		return
	}

	g.active.Add(1)
	g.wg.Add(2)
	ctx, cancel := context.WithCancel(g.ctx)
	go func() {
		defer g.wg.Done()
		c.writeLoop(ctx)
		_ = conn.Close()
	}()
	go func() {
		defer g.wg.Done()
		defer g.active.Add(-1)
		defer cancel()
		defer c.unsubscribe()
		c.readLoop()
	}()
	c.logger.Info("playback target connected")
}

type client struct {
	gw     *Gateway
	conn   *websocket.Conn
	target string
	send   chan protocol.Envelope
	logger *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

func (c *client) subscribe() error {
	nc := c.gw.bus.Conn()
	forward := func(frame string) nats.MsgHandler {
		return func(msg *nats.Msg) {
			c.enqueue(protocol.Envelope{Type: frame, Data: json.RawMessage(msg.Data)})
		}
	}
	sub, err := nc.Subscribe(protocol.UtteranceSubject(c.target), forward(protocol.FrameUtterance))
	if err != nil {
		return fmt.Errorf("subscribe utterances: %w", err)
	}
	subCancel, err := nc.Subscribe(protocol.CancelSubject(c.target), forward(protocol.FrameCancel))
	if err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("subscribe cancels: %w", err)
	}
	c.mu.Lock()
	c.subs = []*nats.Subscription{sub, subCancel}
	c.mu.Unlock()
	return nc.Flush()
}

func (c *client) unsubscribe() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	c.logger.Info("playback target disconnected")
}

// enqueue never blocks the bus callback; a client that cannot keep up
// loses frames and will time out utterances on the engine side.
func (c *client) enqueue(env protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		c.logger.Warn("dropping frame for slow client", slog.String("type", env.Type))
	}
}

func (c *client) writeLoop(ctx context.Context) {
	ping := time.Duration(c.gw.cfg.PingIntervalMS) * time.Millisecond
	if ping <= 0 {
		ping = 5 * time.Second
	}
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(c.writeTimeout())
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case env := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout()))
			if err := c.conn.WriteJSON(env); err != nil {
				c.logger.Warn("websocket write failed", slogError(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout())); err != nil {
				return
			}
		}
	}
}

func (c *client) readLoop() {
	c.conn.SetReadLimit(maxFrameBytes)
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.logger.Debug("websocket read ended", slogError(err))
			}
			return
		}
		if err := c.relay(env); err != nil {
			c.logger.Warn("failed to relay frame", slog.String("type", env.Type), slogError(err))
		}
	}
}

// relay stamps frames with the connection's target so a browser cannot
// speak for another target.
func (c *client) relay(env protocol.Envelope) error {
	now := time.Now().UTC()
	switch env.Type {
	case protocol.FrameAnnounce:
		var msg protocol.TargetAnnounce
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return err
		}
		msg.Target = c.target
		msg.Timestamp = now
		return c.gw.bus.PublishJSON(protocol.SubjectTargetAnnounce, msg)
	case protocol.FrameHeartbeat:
		return c.gw.bus.PublishJSON(protocol.SubjectTargetHeartbeat, protocol.TargetHeartbeat{Target: c.target, Timestamp: now})
	case protocol.FrameDone:
		var msg protocol.UtteranceDone
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return err
		}
		msg.Target = c.target
		return c.gw.bus.PublishJSON(protocol.SubjectUtteranceDone, msg)
	default:
		return fmt.Errorf("unknown frame type %q", env.Type)
	}
}

func (c *client) writeTimeout() time.Duration {
	if c.gw.cfg.WriteTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.gw.cfg.WriteTimeoutMS) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
