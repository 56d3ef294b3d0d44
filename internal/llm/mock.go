package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

// NewMockGenerator answers every prompt with a canned reply that exercises
// the speech path: two sentences and some markup.
func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
	}
	content := "**You said:** " + strings.TrimSpace(req.Prompt) + "\nThis is a mock reply."
	return consumer(Chunk{
		SessionID: req.SessionID,
		Content:   content,
		Latency:   m.delay,
	})
}
