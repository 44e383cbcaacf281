package tts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-gateway/internal/bus"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

// busSynth publishes a synthesis request on the bus and relays the audio
// chunks for the matching unit.
type busSynth struct {
	bus      *bus.Client
	logger   *slog.Logger
	depth    int
	channels int
}

func NewBusSynth(busClient *bus.Client, queueDepth, channels int, logger *slog.Logger) Synthesizer {
	return &busSynth{
		bus:      busClient,
		logger:   logger.With(slog.String("component", "tts-bus")),
		depth:    queueDepth,
		channels: channels,
	}
}

func (s *busSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, s.depth)
	errs := make(chan error, 1)

	inbound := make(chan protocol.SynthesisChunk, s.depth)
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthesisAudio, func(msg *nats.Msg) {
		var chunk protocol.SynthesisChunk
		if err := json.Unmarshal(msg.Data, &chunk); err != nil {
			s.logger.Warn("failed to decode synthesis chunk", slog.String("error", err.Error()))
			return
		}
		if chunk.UnitID != req.UnitID {
			return
		}
		select {
		case inbound <- chunk:
		default:
			s.logger.Warn("synthesis chunk dropped", slog.String("unit_id", req.UnitID))
		}
	})
	if err != nil {
		errs <- fmt.Errorf("subscribe synthesis audio: %w", err)
		close(chunks)
		close(errs)
		return chunks, errs
	}

	go func() {
		defer close(chunks)
		defer close(errs)
		defer sub.Drain()

		request := protocol.SynthesisRequest{
			SessionID:  req.SessionID,
			UnitID:     req.UnitID,
			Text:       req.Text,
			Voice:      req.Voice,
			Language:   req.Language,
			SampleRate: req.SampleRate,
		}
		data, err := json.Marshal(request)
		if err != nil {
			errs <- err
			return
		}
		if err := s.bus.Conn().Publish(protocol.SubjectSynthesisRequest, data); err != nil {
			errs <- fmt.Errorf("publish synthesis request: %w", err)
			return
		}

		for {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case chunk := <-inbound:
				out := SynthChunk{
					SessionID:  chunk.SessionID,
					UnitID:     chunk.UnitID,
					Sequence:   chunk.Sequence,
					SampleRate: chunk.SampleRate,
					Channels:   chunk.Channels,
					PCM:        chunk.PCM,
					Final:      chunk.Final,
				}
				select {
				case chunks <- out:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				if chunk.Final {
					return
				}
			}
		}
	}()
	return chunks, errs
}
