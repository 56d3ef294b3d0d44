package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/llm"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"github.com/loqalabs/loqa-speech/internal/speech"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// ErrEmptyMessage is returned for chat requests with no text.
var ErrEmptyMessage = errors.New("empty chat message")

const fallbackReply = "I'm not sure how to help with that. Try asking me about weather, reminders, or other tasks!"

// Speaker is the part of the speech sequencer the router drives.
type Speaker interface {
	Speak(text string)
	Stop()
	Toggle() bool
	State() speech.State
}

// History records each handled chat message.
type History interface {
	AppendChat(ctx context.Context, entry eventstore.ChatEntry) error
}

// Service answers chat messages with the configured generator and hands
// each reply to the speaker. It also accepts speech commands from the bus.
type Service struct {
	cfg       config.ChatConfig
	llmCfg    config.LLMConfig
	bus       *bus.Client
	generator llm.Generator
	speaker   Speaker
	history   History
	logger    *slog.Logger

	subChat    *nats.Subscription
	subCommand *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	mu         sync.Mutex
}

func NewService(parent context.Context, cfg config.ChatConfig, llmCfg config.LLMConfig, busClient *bus.Client, generator llm.Generator, speaker Speaker, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		llmCfg:    llmCfg,
		bus:       busClient,
		generator: generator,
		speaker:   speaker,
		logger:    logger.With(slog.String("component", "chat-router")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetHistory installs the chat history log. It must be called before Start.
func (s *Service) SetHistory(h History) {
	s.history = h
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectChatRequest, s.handleChat)
	if err != nil {
		return fmt.Errorf("subscribe chat requests: %w", err)
	}
	subCommand, err := s.bus.Conn().Subscribe(protocol.SubjectSpeechCommand, s.handleCommand)
	if err != nil {
		_ = sub.Drain()
		return fmt.Errorf("subscribe speech commands: %w", err)
	}

	s.mu.Lock()
	s.subChat = sub
	s.subCommand = subCommand
	s.mu.Unlock()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	subs := []*nats.Subscription{s.subChat, s.subCommand}
	s.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			_ = sub.Drain()
		}
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subChat != nil && s.subCommand != nil
}

// Reply generates the assistant's answer to req, publishes it on
// chat.response and speaks it. Generation failures are turned into an
// apology that is spoken like any other reply; only an empty message is
// returned as an error.
func (s *Service) Reply(ctx context.Context, req protocol.ChatRequest) (protocol.ChatResponse, error) {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return protocol.ChatResponse{}, ErrEmptyMessage
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := otel.Tracer("github.com/loqalabs/loqa-speech/router").Start(ctx, "chat.reply")
	span.SetAttributes(attribute.String("session_id", req.SessionID))
	defer span.End()

	tier := req.Tier
	if tier == "" {
		tier = s.cfg.Tier
	}
	genReq := llm.RequestFromConfig(s.llmCfg, tier)
	genReq.SessionID = req.SessionID
	genReq.Prompt = message

	start := time.Now()
	resp := protocol.ChatResponse{SessionID: req.SessionID}
	text, err := llm.Complete(ctx, s.generator, genReq)
	switch {
	case err != nil:
		s.logger.Warn("chat generation failed", slog.String("session_id", req.SessionID), slogError(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		resp.Message = fmt.Sprintf("Sorry, I encountered an error: %v", err)
		resp.Error = err.Error()
	case text == "":
		resp.Message = fallbackReply
	default:
		resp.Message = text
	}
	resp.LatencyMS = time.Since(start).Milliseconds()
	resp.Timestamp = time.Now().UTC()
	s.recordHistory(ctx, message, resp)

	if s.bus != nil {
		if err := s.bus.PublishJSON(protocol.SubjectChatResponse, resp); err != nil {
			s.logger.Warn("failed to publish chat response", slogError(err))
		}
	}
	if s.cfg.Speak && s.speaker != nil {
		s.speaker.Speak(resp.Message)
	}
	return resp, nil
}

func (s *Service) recordHistory(ctx context.Context, message string, resp protocol.ChatResponse) {
	if s.history == nil {
		return
	}
	entry := eventstore.ChatEntry{
		SessionID: resp.SessionID,
		Message:   message,
		Success:   resp.Error == "",
		LatencyMS: resp.LatencyMS,
		CreatedAt: resp.Timestamp,
	}
	// A timed out generation must still be logged.
	if err := s.history.AppendChat(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Warn("failed to record chat history", slog.String("session_id", resp.SessionID), slogError(err))
	}
}

func (s *Service) handleChat(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode chat request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		resp, err := s.Reply(s.ctx, req)
		if err != nil {
			resp = protocol.ChatResponse{SessionID: req.SessionID, Message: err.Error(), Error: err.Error(), Timestamp: time.Now().UTC()}
		}
		if msg.Reply != "" {
			s.respond(msg, resp)
		}
	}()
}

// Command applies a speech command and returns the resulting state.
func (s *Service) Command(cmd protocol.SpeechCommand) (speech.State, error) {
	switch cmd.Action {
	case "speak":
		s.speaker.Speak(cmd.Text)
	case "stop":
		s.speaker.Stop()
	case "toggle":
		s.speaker.Toggle()
	case "state":
	default:
		return speech.State{}, fmt.Errorf("unknown speech action %q", cmd.Action)
	}
	return s.speaker.State(), nil
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.SpeechCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode speech command", slogError(err))
		return
	}
	st, err := s.Command(cmd)
	if err != nil {
		s.logger.Warn("rejected speech command", slogError(err))
		return
	}
	if msg.Reply != "" {
		s.respond(msg, StateMessage(st, ""))
	}
}

func (s *Service) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
