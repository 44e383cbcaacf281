package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-gateway/internal/bus"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

// busGenerator publishes a generation request on the bus and relays the
// streamed fragments for the matching turn back to the consumer.
type busGenerator struct {
	bus    *bus.Client
	logger *slog.Logger
	depth  int
}

func NewBusGenerator(busClient *bus.Client, queueDepth int, logger *slog.Logger) Generator {
	return &busGenerator{
		bus:    busClient,
		logger: logger.With(slog.String("component", "llm-bus")),
		depth:  queueDepth,
	}
}

func (g *busGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	fragments := make(chan protocol.GenerationFragment, g.depth)
	sub, err := g.bus.Conn().Subscribe(protocol.SubjectGenerationStream, func(msg *nats.Msg) {
		var frag protocol.GenerationFragment
		if err := json.Unmarshal(msg.Data, &frag); err != nil {
			g.logger.Warn("failed to decode generation fragment", slog.String("error", err.Error()))
			return
		}
		if frag.TurnID != req.TurnID {
			return
		}
		select {
		case fragments <- frag:
		default:
			g.logger.Warn("generation fragment dropped", slog.String("turn_id", req.TurnID))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe generation stream: %w", err)
	}
	defer sub.Drain()

	request := protocol.GenerationRequest{
		SessionID:   req.SessionID,
		TurnID:      req.TurnID,
		Prompt:      req.Prompt,
		History:     req.History,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Timestamp:   time.Now().UTC(),
	}
	data, err := json.Marshal(request)
	if err != nil {
		return err
	}
	if err := g.bus.Conn().Publish(protocol.SubjectGenerationRequest, data); err != nil {
		return fmt.Errorf("publish generation request: %w", err)
	}

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frag := <-fragments:
			if err := consumer(Chunk{
				SessionID: frag.SessionID,
				TurnID:    frag.TurnID,
				Content:   frag.Content,
				Final:     frag.Final,
				Latency:   time.Since(start),
			}); err != nil {
				return err
			}
			if frag.Final {
				return nil
			}
		}
	}
}
