package asr

import (
	"context"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-gateway/internal/protocol"
)

func TestMockRecognizerEmitsPartialsAndFinal(t *testing.T) {
	r := NewMockRecognizer()
	st, err := r.OpenStream(context.Background(), protocol.AudioFormat{SampleRate: 16000, Channels: 1}, "s1")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer st.Close()

	if err := st.SendAudio(context.Background(), make([]byte, 640), false); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	ev := <-st.Events()
	if ev.Final || !strings.Contains(ev.Text, "partial") {
		t.Fatalf("expected partial event, got %+v", ev)
	}

	if err := st.SendAudio(context.Background(), make([]byte, 640), true); err != nil {
		t.Fatalf("send final audio: %v", err)
	}
	ev = <-st.Events()
	if !ev.Final || !strings.Contains(ev.Text, "bytes=1280") {
		t.Fatalf("expected final event with byte count, got %+v", ev)
	}
}

func TestMockStreamCloseIsIdempotent(t *testing.T) {
	r := NewMockRecognizer()
	st, err := r.OpenStream(context.Background(), protocol.AudioFormat{}, "s1")
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-st.Events(); ok {
		t.Fatal("expected events channel closed")
	}
}
