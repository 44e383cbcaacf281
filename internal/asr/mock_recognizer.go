package asr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

// mockRecognizer emits a synthetic transcript describing the audio it saw.
// Used in development and tests when no recognition backend is wired up.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

type mockStream struct {
	events    chan TranscriptEvent
	opened    time.Time
	total     int
	mu        sync.Mutex
	closeOnce sync.Once
}

func (m *mockRecognizer) OpenStream(_ context.Context, _ protocol.AudioFormat, _ string) (Stream, error) {
	return &mockStream{
		events: make(chan TranscriptEvent, 8),
		opened: time.Now(),
	}, nil
}

func (s *mockStream) SendAudio(_ context.Context, pcm []byte, final bool) error {
	s.mu.Lock()
	s.total += len(pcm)
	total := s.total
	s.mu.Unlock()

	mode := "partial"
	if final {
		mode = "final"
	}
	ev := TranscriptEvent{
		Text:   fmt.Sprintf("[%s transcript bytes=%d]", mode, total),
		Final:  final,
		Offset: time.Since(s.opened),
	}
	select {
	case s.events <- ev:
	default:
	}
	return nil
}

func (s *mockStream) Events() <-chan TranscriptEvent {
	return s.events
}

func (s *mockStream) Close() error {
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
