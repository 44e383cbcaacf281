package session

import (
	"sync"
	"time"
)

// TurnTimings holds the stage-boundary timestamps for one turn. Zero values
// mean the stage was never reached.
type TurnTimings struct {
	TurnID          string
	FirstAudio      time.Time
	FirstPartial    time.Time
	Finality        time.Time
	FirstToken      time.Time
	FirstSynthAudio time.Time
	Completed       time.Time
	Truncated       bool
}

// TimeToFirstPartial is first audio in -> first partial transcript.
func (t TurnTimings) TimeToFirstPartial() time.Duration {
	return stageDelta(t.FirstAudio, t.FirstPartial)
}

// TimeToFinality is first audio in -> recognition finality.
func (t TurnTimings) TimeToFinality() time.Duration {
	return stageDelta(t.FirstAudio, t.Finality)
}

// TimeToFirstToken is first audio in -> first generated token.
func (t TurnTimings) TimeToFirstToken() time.Duration {
	return stageDelta(t.FirstAudio, t.FirstToken)
}

// TimeToFirstSynthAudio is first audio in -> first synthesized byte out.
func (t TurnTimings) TimeToFirstSynthAudio() time.Duration {
	return stageDelta(t.FirstAudio, t.FirstSynthAudio)
}

// EndToEnd is first audio in -> turn complete.
func (t TurnTimings) EndToEnd() time.Duration {
	return stageDelta(t.FirstAudio, t.Completed)
}

func stageDelta(from, to time.Time) time.Duration {
	if from.IsZero() || to.IsZero() {
		return 0
	}
	return to.Sub(from)
}

// Recorder collects per-turn timings for one session. The coordinator is the
// only writer; snapshot readers never block it beyond a brief copy under the
// mutex, and the coordinator never waits on a reader.
type Recorder struct {
	mu        sync.Mutex
	current   TurnTimings
	active    bool
	completed []TurnTimings
	keep      int
}

func NewRecorder(keep int) *Recorder {
	if keep <= 0 {
		keep = 32
	}
	return &Recorder{keep: keep}
}

func (r *Recorder) BeginTurn(turnID string, firstAudio time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = TurnTimings{TurnID: turnID, FirstAudio: firstAudio}
	r.active = true
}

func (r *Recorder) MarkFirstPartial(at time.Time) {
	r.mark(func(t *TurnTimings) {
		if t.FirstPartial.IsZero() {
			t.FirstPartial = at
		}
	})
}

func (r *Recorder) MarkFinality(at time.Time, truncated bool) {
	r.mark(func(t *TurnTimings) {
		if t.Finality.IsZero() {
			t.Finality = at
			t.Truncated = truncated
		}
	})
}

func (r *Recorder) MarkFirstToken(at time.Time) {
	r.mark(func(t *TurnTimings) {
		if t.FirstToken.IsZero() {
			t.FirstToken = at
		}
	})
}

func (r *Recorder) MarkFirstSynthAudio(at time.Time) {
	r.mark(func(t *TurnTimings) {
		if t.FirstSynthAudio.IsZero() {
			t.FirstSynthAudio = at
		}
	})
}

// CompleteTurn closes out the active turn and returns its timings.
func (r *Recorder) CompleteTurn(at time.Time) (TurnTimings, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.active {
		return TurnTimings{}, false
	}
	r.current.Completed = at
	r.active = false
	r.completed = append(r.completed, r.current)
	if len(r.completed) > r.keep {
		r.completed = r.completed[len(r.completed)-r.keep:]
	}
	return r.current, true
}

// AbandonTurn drops the active turn without recording completion, for
// cancelled or failed turns.
func (r *Recorder) AbandonTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
}

func (r *Recorder) mark(fn func(*TurnTimings)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		fn(&r.current)
	}
}

// Snapshot returns the completed turn history plus the in-flight turn, if
// any. Safe for concurrent callers.
func (r *Recorder) Snapshot() []TurnTimings {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TurnTimings, 0, len(r.completed)+1)
	out = append(out, r.completed...)
	if r.active {
		out = append(out, r.current)
	}
	return out
}
