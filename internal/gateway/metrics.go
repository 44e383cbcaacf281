package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-gateway/internal/eventstore"
	"github.com/loqalabs/loqa-gateway/internal/session"
)

// Histogram buckets tuned for voice latency stages, in seconds. Sub-second
// readings are the interesting range; anything past a few seconds is already
// a bad turn.
var (
	stageBuckets = []float64{0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1.0, 1.5, 2.0, 3.0, 5.0}
	e2eBuckets   = []float64{0.5, 1.0, 1.5, 2.0, 3.0, 5.0, 7.5, 10.0, 15.0, 20.0, 30.0}
)

// pipelineHooks implements session.Hooks: per-stage latency histograms and
// session/error counters via OTel, plus a diagnostic timeline in the event
// store. Observations never block the coordinator: the store write runs on
// its own goroutine.
type pipelineHooks struct {
	logger *slog.Logger
	store  *eventstore.Store

	activeSessions  metric.Int64UpDownCounter
	sessionsStarted metric.Int64Counter
	sessionsEnded   metric.Int64Counter
	turnsCompleted  metric.Int64Counter
	turnsFailed     metric.Int64Counter
	bargeIns        metric.Int64Counter
	backpressure    metric.Int64Counter
	finalityLatency metric.Float64Histogram
	firstTokenLat   metric.Float64Histogram
	firstAudioLat   metric.Float64Histogram
	endToEndLatency metric.Float64Histogram
}

func newPipelineHooks(store *eventstore.Store, logger *slog.Logger) (*pipelineHooks, error) {
	meter := otel.Meter("loqa-gateway/pipeline")
	h := &pipelineHooks{logger: logger.With(slog.String("component", "hooks")), store: store}

	var err error
	if h.activeSessions, err = meter.Int64UpDownCounter("voice_sessions_active",
		metric.WithDescription("Live voice sessions")); err != nil {
		return nil, err
	}
	if h.sessionsStarted, err = meter.Int64Counter("voice_sessions_started_total",
		metric.WithDescription("Sessions accepted")); err != nil {
		return nil, err
	}
	if h.sessionsEnded, err = meter.Int64Counter("voice_sessions_ended_total",
		metric.WithDescription("Sessions closed, labelled by reason")); err != nil {
		return nil, err
	}
	if h.turnsCompleted, err = meter.Int64Counter("voice_turns_completed_total",
		metric.WithDescription("Turns that delivered a full response")); err != nil {
		return nil, err
	}
	if h.turnsFailed, err = meter.Int64Counter("voice_turns_failed_total",
		metric.WithDescription("Turns aborted by backend failure, labelled by stage")); err != nil {
		return nil, err
	}
	if h.bargeIns, err = meter.Int64Counter("voice_barge_ins_total",
		metric.WithDescription("Confirmed interruptions during assistant turns")); err != nil {
		return nil, err
	}
	if h.backpressure, err = meter.Int64Counter("voice_backpressure_drops_total",
		metric.WithDescription("Inbound audio chunks dropped because the ring was full")); err != nil {
		return nil, err
	}
	if h.finalityLatency, err = meter.Float64Histogram("voice_asr_finality_seconds",
		metric.WithDescription("First audio to recognition finality"),
		metric.WithExplicitBucketBoundaries(stageBuckets...)); err != nil {
		return nil, err
	}
	if h.firstTokenLat, err = meter.Float64Histogram("voice_llm_first_token_seconds",
		metric.WithDescription("First audio to first generated token"),
		metric.WithExplicitBucketBoundaries(stageBuckets...)); err != nil {
		return nil, err
	}
	if h.firstAudioLat, err = meter.Float64Histogram("voice_tts_first_byte_seconds",
		metric.WithDescription("First audio to first synthesized byte out"),
		metric.WithExplicitBucketBoundaries(stageBuckets...)); err != nil {
		return nil, err
	}
	if h.endToEndLatency, err = meter.Float64Histogram("voice_turn_e2e_seconds",
		metric.WithDescription("First audio in to turn complete"),
		metric.WithExplicitBucketBoundaries(e2eBuckets...)); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *pipelineHooks) SessionStarted(sessionID string) {
	ctx := context.Background()
	h.activeSessions.Add(ctx, 1)
	h.sessionsStarted.Add(ctx, 1)
	h.record(sessionID, "", "session_started", nil)
}

func (h *pipelineHooks) SessionEnded(sessionID, reason string) {
	ctx := context.Background()
	h.activeSessions.Add(ctx, -1)
	h.sessionsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	h.record(sessionID, "", "session_ended", []byte(reason))
}

func (h *pipelineHooks) TurnCompleted(sessionID string, timings session.TurnTimings) {
	ctx := context.Background()
	h.turnsCompleted.Add(ctx, 1)
	if d := timings.TimeToFinality(); d > 0 {
		h.finalityLatency.Record(ctx, d.Seconds())
	}
	if d := timings.TimeToFirstToken(); d > 0 {
		h.firstTokenLat.Record(ctx, d.Seconds())
	}
	if d := timings.TimeToFirstSynthAudio(); d > 0 {
		h.firstAudioLat.Record(ctx, d.Seconds())
	}
	if d := timings.EndToEnd(); d > 0 {
		h.endToEndLatency.Record(ctx, d.Seconds())
	}
	payload, _ := json.Marshal(timings)
	h.record(sessionID, timings.TurnID, "turn_completed", payload)
}

func (h *pipelineHooks) TurnFailed(sessionID, stage string) {
	h.turnsFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("stage", stage)))
	h.record(sessionID, "", "turn_failed", []byte(stage))
}

func (h *pipelineHooks) BargeIn(sessionID string) {
	h.bargeIns.Add(context.Background(), 1)
	h.record(sessionID, "", "barge_in", nil)
}

func (h *pipelineHooks) BackpressureDrop(sessionID string) {
	h.backpressure.Add(context.Background(), 1)
}

func (h *pipelineHooks) record(sessionID, turnID, eventType string, payload []byte) {
	if h.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if eventType == "session_started" {
			if err := h.store.AppendSession(ctx, sessionID, 0, 0); err != nil {
				h.logger.Warn("failed to record session", slog.String("error", err.Error()))
				return
			}
		}
		ev := eventstore.Event{SessionID: sessionID, TurnID: turnID, Type: eventType, Payload: payload}
		if err := h.store.AppendEvent(ctx, ev); err != nil {
			h.logger.Warn("failed to record timeline event", slog.String("error", err.Error()))
		}
	}()
}
