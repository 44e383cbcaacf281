package session

import "github.com/loqalabs/loqa-gateway/internal/protocol"

// ClientStream is the coordinator's view of the client connection. Both
// methods must be safe for concurrent use; the delivery worker and the
// coordinator write independently.
type ClientStream interface {
	SendAudio(pcm []byte) error
	SendEvent(ev protocol.ClientEvent) error
}

// Hooks receives session lifecycle and per-turn observations. Implementations
// must not block: the coordinator calls them inline.
type Hooks interface {
	SessionStarted(sessionID string)
	SessionEnded(sessionID, reason string)
	TurnCompleted(sessionID string, timings TurnTimings)
	TurnFailed(sessionID, stage string)
	BargeIn(sessionID string)
	BackpressureDrop(sessionID string)
}

// NopHooks discards all observations.
type NopHooks struct{}

func (NopHooks) SessionStarted(string)             {}
func (NopHooks) SessionEnded(string, string)       {}
func (NopHooks) TurnCompleted(string, TurnTimings) {}
func (NopHooks) TurnFailed(string, string)         {}
func (NopHooks) BargeIn(string)                    {}
func (NopHooks) BackpressureDrop(string)           {}
