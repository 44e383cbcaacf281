package session

import "fmt"

// State is the turn-taking state of one conversation.
type State int

const (
	StateIdle State = iota
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Machine enforces the legal turn-taking transitions. It is owned exclusively
// by the session's coordinator goroutine and needs no locking. Teardown is not
// a machine state; the manager handles it.
type Machine struct {
	state State
}

func NewMachine() *Machine {
	return &Machine{state: StateIdle}
}

func (m *Machine) State() State {
	return m.state
}

var legalTransitions = map[State][]State{
	StateIdle:       {StateListening},
	StateListening:  {StateProcessing},
	StateProcessing: {StateSpeaking, StateListening},
	StateSpeaking:   {StateListening},
}

// Transition moves to the target state. A move to IDLE is always legal
// (stream close, turn failure, playback complete); everything else must be
// one of the turn-taking edges.
func (m *Machine) Transition(to State) error {
	if to == StateIdle {
		m.state = StateIdle
		return nil
	}
	for _, next := range legalTransitions[m.state] {
		if next == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.state, to)
}
