package protocol

import "time"

// AudioFormat describes the PCM format negotiated for a session.
type AudioFormat struct {
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Encoding   string `json:"encoding"`
}

// AudioFrame represents PCM audio data streamed between the gateway and the
// recognition backend.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// Transcript represents recognition output broadcast on the bus.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	OffsetMS   int64     `json:"offset_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// HistoryTurn is one prior exchange passed as generation context.
type HistoryTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationRequest asks the generation backend for a streamed response.
type GenerationRequest struct {
	SessionID   string        `json:"session_id"`
	TurnID      string        `json:"turn_id"`
	Prompt      string        `json:"prompt"`
	History     []HistoryTurn `json:"history,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// GenerationFragment is one streamed piece of generated text.
type GenerationFragment struct {
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Content   string    `json:"content"`
	Final     bool      `json:"final"`
	Timestamp time.Time `json:"timestamp"`
}

// SynthesisRequest asks the synthesis backend to speak one sentence.
type SynthesisRequest struct {
	SessionID  string `json:"session_id"`
	UnitID     string `json:"unit_id"`
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
}

// SynthesisChunk is one streamed piece of synthesized audio.
type SynthesisChunk struct {
	SessionID  string `json:"session_id"`
	UnitID     string `json:"unit_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// NATS subjects for the bus-backed backend implementations. Audio frames are
// published per session so backend workers can subscribe selectively.
const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTranscriptPartial = "asr.text.partial"
	SubjectTranscriptFinal   = "asr.text.final"
	SubjectGenerationRequest = "gen.request"
	SubjectGenerationStream  = "gen.stream"
	SubjectSynthesisRequest  = "synth.request"
	SubjectSynthesisAudio    = "synth.audio"
)

// Client-facing event types carried in WebSocket text frames.
const (
	ClientEventSessionCreated  = "session_created"
	ClientEventTranscript      = "transcript"
	ClientEventResponseText    = "response_text"
	ClientEventStatus          = "status"
	ClientEventError           = "error"
	ClientEventPong            = "pong"
	ClientEventHistoryCleared  = "history_cleared"
	ClientEventState           = "state"
	ClientEventLanguageChanged = "language_changed"
)

// Status reason codes. The client always receives an explicit reason; a
// stream is never closed silently.
const (
	ReasonTurnFailed         = "turn_failed"
	ReasonServiceUnavailable = "service_unavailable"
	ReasonDraining           = "draining"
	ReasonCapacity           = "capacity_exhausted"
	ReasonBargeIn            = "barge_in"
)

// Control actions accepted from the client.
const (
	ControlStart          = "start"
	ControlCancel         = "cancel"
	ControlPing           = "ping"
	ControlClearHistory   = "clear_history"
	ControlGetState       = "get_state"
	ControlChangeLanguage = "change_language"
)

// ControlMessage is a JSON text frame from the client.
type ControlMessage struct {
	Action     string `json:"action"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Language   string `json:"language,omitempty"`
}

// ClientEvent is a JSON text frame to the client.
type ClientEvent struct {
	Type      string       `json:"type"`
	SessionID string       `json:"session_id,omitempty"`
	Text      string       `json:"text,omitempty"`
	Final     bool         `json:"is_final,omitempty"`
	State     string       `json:"state,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Message   string       `json:"message,omitempty"`
	Language  string       `json:"language,omitempty"`
	Format    *AudioFormat `json:"format,omitempty"`
}
