package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-gateway/internal/bus"
	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

// busRecognizer bridges the recognition contract onto the NATS bus: audio
// frames go out on a per-session subject, transcripts come back on the
// partial/final subjects.
type busRecognizer struct {
	bus    *bus.Client
	logger *slog.Logger
	depth  int
}

func NewBusRecognizer(busClient *bus.Client, queueDepth int, logger *slog.Logger) Recognizer {
	return &busRecognizer{
		bus:    busClient,
		logger: logger.With(slog.String("component", "asr-bus")),
		depth:  queueDepth,
	}
}

type busStream struct {
	parent    *busRecognizer
	sessionID string
	format    protocol.AudioFormat
	events    chan TranscriptEvent
	subs      []*nats.Subscription
	sequence  int
	opened    time.Time
	closeOnce sync.Once
	mu        sync.Mutex
}

func (r *busRecognizer) OpenStream(ctx context.Context, format protocol.AudioFormat, sessionID string) (Stream, error) {
	s := &busStream{
		parent:    r,
		sessionID: sessionID,
		format:    format,
		events:    make(chan TranscriptEvent, r.depth),
		opened:    time.Now(),
	}

	for _, subject := range []string{protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal} {
		sub, err := r.bus.Conn().Subscribe(subject, s.handleTranscript)
		if err != nil {
			s.drainSubs()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	return s, nil
}

func (s *busStream) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.parent.logger.Warn("failed to decode transcript", slog.String("error", err.Error()))
		return
	}
	if transcript.SessionID != s.sessionID {
		return
	}
	ev := TranscriptEvent{
		Text:       transcript.Text,
		Final:      !transcript.Partial,
		Offset:     time.Duration(transcript.OffsetMS) * time.Millisecond,
		Confidence: transcript.Confidence,
	}
	// Drop rather than block the bus callback: a stalled consumer must not
	// back up unrelated sessions.
	select {
	case s.events <- ev:
	default:
		s.parent.logger.Warn("transcript event dropped", slog.String("session_id", s.sessionID))
	}
}

func (s *busStream) SendAudio(ctx context.Context, pcm []byte, final bool) error {
	s.mu.Lock()
	seq := s.sequence
	s.sequence++
	s.mu.Unlock()

	frame := protocol.AudioFrame{
		SessionID:  s.sessionID,
		Sequence:   seq,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		PCM:        pcm,
		Final:      final,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	subject := protocol.SubjectAudioFramePrefix + "." + s.sessionID
	if err := s.parent.bus.Conn().Publish(subject, data); err != nil {
		return fmt.Errorf("publish audio frame: %w", err)
	}
	return nil
}

func (s *busStream) Events() <-chan TranscriptEvent {
	return s.events
}

func (s *busStream) Close() error {
	s.closeOnce.Do(func() {
		s.drainSubs()
		close(s.events)
	})
	return nil
}

func (s *busStream) drainSubs() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}
