package asr

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

// TranscriptEvent is one incremental recognition result. A non-final event
// supersedes all previous partials for the same utterance.
type TranscriptEvent struct {
	Text       string
	Final      bool
	Offset     time.Duration
	Confidence float64
}

// Stream is one live bidirectional recognition stream.
type Stream interface {
	// SendAudio forwards a PCM chunk. final marks the end of the utterance.
	SendAudio(ctx context.Context, pcm []byte, final bool) error
	// Events delivers partial and final transcripts. Closed when the stream
	// ends or fails.
	Events() <-chan TranscriptEvent
	Close() error
}

// Recognizer abstracts the recognition backend.
type Recognizer interface {
	OpenStream(ctx context.Context, format protocol.AudioFormat, sessionID string) (Stream, error)
}
