package tts

import "context"

// SynthRequest contains parameters to synthesize one sentence.
type SynthRequest struct {
	SessionID  string
	UnitID     string
	Text       string
	Voice      string
	Language   string
	SampleRate int
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	SessionID  string
	UnitID     string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio. The chunk channel closes
// when the unit is complete; a terminal failure arrives on the error channel.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
