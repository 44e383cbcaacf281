package session

import "testing"

func TestMachineFullTurnCycle(t *testing.T) {
	m := NewMachine()
	steps := []State{StateListening, StateProcessing, StateSpeaking, StateListening}
	for _, to := range steps {
		if err := m.Transition(to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if m.State() != StateListening {
		t.Fatalf("expected listening, got %s", m.State())
	}
}

func TestMachineRejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		from State
		to   State
	}{
		{StateIdle, StateProcessing},
		{StateIdle, StateSpeaking},
		{StateListening, StateSpeaking},
		{StateSpeaking, StateProcessing},
		{StateListening, StateListening},
	}
	for _, tc := range cases {
		m := &Machine{state: tc.from}
		if err := m.Transition(tc.to); err == nil {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
		if m.State() != tc.from {
			t.Fatalf("state mutated on rejected transition: %s", m.State())
		}
	}
}

func TestMachineIdleAlwaysReachable(t *testing.T) {
	for _, from := range []State{StateIdle, StateListening, StateProcessing, StateSpeaking} {
		m := &Machine{state: from}
		if err := m.Transition(StateIdle); err != nil {
			t.Fatalf("transition %s -> idle: %v", from, err)
		}
	}
}

func TestMachineProcessingBackToListening(t *testing.T) {
	m := &Machine{state: StateProcessing}
	if err := m.Transition(StateListening); err != nil {
		t.Fatalf("barge-in during processing must be legal: %v", err)
	}
}
