package tts

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMockSynthStreamsProportionalAudio(t *testing.T) {
	s := NewMockSynth(22050, 1)
	chunks, errs := s.Synthesize(context.Background(), SynthRequest{
		SessionID: "s1",
		UnitID:    "u1",
		Text:      "This sentence is long enough for several chunks.",
	})

	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(got))
	}
	for i, c := range got {
		if c.UnitID != "u1" || c.Sequence != i {
			t.Fatalf("chunk %d has wrong identity: %+v", i, c)
		}
		if c.SampleRate != 22050 || len(c.PCM) == 0 {
			t.Fatalf("chunk %d malformed: %+v", i, c)
		}
		if c.Final != (i == len(got)-1) {
			t.Fatalf("final marker misplaced at %d", i)
		}
	}
}

func TestMockSynthUnblocksWhenConsumerStops(t *testing.T) {
	s := NewMockSynth(22050, 1)
	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := s.Synthesize(ctx, SynthRequest{
		UnitID: "u1",
		Text:   strings.Repeat("a rather long sentence ", 10),
	})

	// Read nothing: the producer fills its buffer and blocks on the send.
	// Cancelling must still release it.
	time.Sleep(80 * time.Millisecond)
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-chunks:
			if !ok {
				if err := <-errs; err == nil {
					t.Fatal("expected context error after cancel")
				}
				return
			}
		case <-deadline:
			t.Fatal("producer did not exit after cancel")
		}
	}
}

func TestMockSynthStopsOnCancel(t *testing.T) {
	s := NewMockSynth(22050, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chunks, errs := s.Synthesize(ctx, SynthRequest{UnitID: "u1", Text: "ignored"})

	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Fatal("expected context error")
	}
}
