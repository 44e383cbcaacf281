package session

import (
	"github.com/loqalabs/loqa-gateway/internal/interrupt"
	"github.com/loqalabs/loqa-gateway/internal/tts"
)

// GenerationTurn is one assistant response in flight. It owns the
// cancellation token every downstream stage observes, and the ordered queue
// of synthesis units whose audio is serialized toward the client.
type GenerationTurn struct {
	ID        string
	Utterance *Utterance
	Token     *interrupt.Token

	text      []string
	unitCount int
	unitQueue chan *SynthesisUnit
	genDone   bool
}

func newGenerationTurn(id string, utt *Utterance, queueDepth int) *GenerationTurn {
	return &GenerationTurn{
		ID:        id,
		Utterance: utt,
		Token:     interrupt.NewToken(),
		unitQueue: make(chan *SynthesisUnit, queueDepth),
	}
}

// AppendText records a generation fragment for the final response text.
func (t *GenerationTurn) AppendText(fragment string) {
	t.text = append(t.text, fragment)
}

// Text is the accumulated response so far.
func (t *GenerationTurn) Text() string {
	var total int
	for _, s := range t.text {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range t.text {
		buf = append(buf, s...)
	}
	return string(buf)
}

// SynthesisUnit is one sentence submitted to the synthesis engine. Audio is
// produced into its private channel by the synthesis worker and drained by
// the turn's delivery worker, preserving sentence order for the client.
type SynthesisUnit struct {
	ID       string
	TurnID   string
	Index    int
	Text     string
	Language string
	Token    *interrupt.Token

	audio chan tts.SynthChunk
	err   chan error
}

func newSynthesisUnit(id string, turn *GenerationTurn, text, language string, depth int) *SynthesisUnit {
	return &SynthesisUnit{
		ID:       id,
		TurnID:   turn.ID,
		Index:    turn.unitCount,
		Text:     text,
		Language: language,
		Token:    turn.Token,
		audio:    make(chan tts.SynthChunk, depth),
		err:      make(chan error, 1),
	}
}
