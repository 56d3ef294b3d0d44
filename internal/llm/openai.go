package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = openai.GPT4oMini

type openAIGenerator struct {
	client        *openai.Client
	modelFast     string
	modelBalanced string
}

// NewOpenAIGenerator streams chat completions from an OpenAI-compatible
// API. baseURL may be empty to use the public endpoint.
func NewOpenAIGenerator(apiKey, baseURL, fastModel, balancedModel string) Generator {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &openAIGenerator{
		client:        openai.NewClientWithConfig(cfg),
		modelFast:     fastModel,
		modelBalanced: balancedModel,
	}
}

func (g *openAIGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	stream, err := g.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       modelForTier(req.Tier, g.modelFast, g.modelBalanced, defaultOpenAIModel),
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      true,
	})
	if err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	start := time.Now()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return consumer(Chunk{SessionID: req.SessionID, Latency: time.Since(start)})
		}
		if err != nil {
			return fmt.Errorf("openai recv: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			Content:   resp.Choices[0].Delta.Content,
			Partial:   true,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
}
