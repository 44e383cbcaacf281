package llm

import (
	"context"
	"strings"
	"time"
)

// mockGenerator echoes the prompt back one word at a time, ending with a
// period so the sentence splitter downstream sees a boundary.
type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator {
	return &mockGenerator{delay: 10 * time.Millisecond}
}

func (g *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	start := time.Now()
	words := strings.Fields("you said " + req.Prompt + " .")
	for i, word := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.delay):
		}
		if err := consumer(Chunk{
			SessionID: req.SessionID,
			TurnID:    req.TurnID,
			Content:   word + " ",
			Final:     i == len(words)-1,
			Latency:   time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
