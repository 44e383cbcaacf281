package tts

import (
	"context"
	"time"
)

// mockSynth emits a short burst of silence per requested sentence, sized
// roughly proportional to the text length.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 4)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		n := len(req.Text)
		if n == 0 {
			n = 1
		}
		parts := n/16 + 1
		for i := 0; i < parts; i++ {
			select {
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			case <-time.After(10 * time.Millisecond):
			}
			out := SynthChunk{
				SessionID:  req.SessionID,
				UnitID:     req.UnitID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        make([]byte, 320),
				Final:      i == parts-1,
			}
			// The consumer stops reading when a turn is cancelled; the send
			// must not outlive the context.
			select {
			case chunks <- out:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}
