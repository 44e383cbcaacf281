package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

// Request describes one generation call for a sealed utterance.
type Request struct {
	SessionID   string
	TurnID      string
	Prompt      string
	History     []protocol.HistoryTurn
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID string
	TurnID    string
	Content   string
	Final     bool
	Latency   time.Duration
}

// Generator defines a pluggable generation backend. Generate streams chunks
// to the consumer until the end marker or an error; a consumer error aborts
// the stream.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}
