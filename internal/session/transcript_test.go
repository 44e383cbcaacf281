package session

import (
	"testing"
	"time"
)

func TestUtterancePartialsSupersede(t *testing.T) {
	u := NewUtterance("u1", time.Now())
	u.AddPartial("turn")
	u.AddPartial("turn on")
	u.AddPartial("turn on the lights")
	if got := u.Text(); got != "turn on the lights" {
		t.Fatalf("expected last partial, got %q", got)
	}
}

func TestUtteranceSealFreezes(t *testing.T) {
	u := NewUtterance("u1", time.Now())
	u.AddPartial("turn on")
	sealedAt := time.Now()
	u.Seal("turn on the lights", sealedAt)

	if !u.Sealed() {
		t.Fatal("expected sealed")
	}
	if u.SealedAt != sealedAt {
		t.Fatalf("expected sealed timestamp recorded")
	}
	if u.AddPartial("late partial") {
		t.Fatal("partial after seal must be rejected")
	}
	if got := u.Text(); got != "turn on the lights" {
		t.Fatalf("expected final text, got %q", got)
	}

	// Re-sealing is a no-op.
	u.Seal("something else", time.Now())
	if got := u.Text(); got != "turn on the lights" {
		t.Fatalf("seal must be idempotent, got %q", got)
	}
}

func TestUtteranceSealTruncatedKeepsLastPartial(t *testing.T) {
	u := NewUtterance("u1", time.Now())
	u.AddPartial("what is the")
	u.SealTruncated(time.Now())

	if !u.Sealed() || !u.Truncated() {
		t.Fatal("expected sealed and truncated")
	}
	if got := u.Text(); got != "what is the" {
		t.Fatalf("truncated seal must keep best partial, got %q", got)
	}
}

func TestUtteranceEmpty(t *testing.T) {
	u := NewUtterance("u1", time.Now())
	u.SealTruncated(time.Now())
	if got := u.Text(); got != "" {
		t.Fatalf("expected empty text, got %q", got)
	}
}
