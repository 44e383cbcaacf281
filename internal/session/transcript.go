package session

import "time"

// Utterance accumulates recognition events for one user turn. Each partial
// supersedes the previous one. Sealing freezes the utterance; further
// mutation attempts are ignored.
type Utterance struct {
	ID         string
	partials   []string
	sealed     bool
	truncated  bool
	FirstAudio time.Time
	SealedAt   time.Time
}

func NewUtterance(id string, firstAudio time.Time) *Utterance {
	return &Utterance{ID: id, FirstAudio: firstAudio}
}

// AddPartial records an incremental transcript. Returns false once sealed.
func (u *Utterance) AddPartial(text string) bool {
	if u.sealed {
		return false
	}
	u.partials = append(u.partials, text)
	return true
}

// Seal declares finality with the definitive text. Idempotent.
func (u *Utterance) Seal(text string, at time.Time) {
	if u.sealed {
		return
	}
	if text != "" {
		u.partials = append(u.partials, text)
	}
	u.sealed = true
	u.SealedAt = at
}

// SealTruncated force-finalizes an utterance whose recognition never
// declared finality within the ceiling.
func (u *Utterance) SealTruncated(at time.Time) {
	if u.sealed {
		return
	}
	u.sealed = true
	u.truncated = true
	u.SealedAt = at
}

// Text returns the best transcript so far: the latest partial, or the final
// text once sealed.
func (u *Utterance) Text() string {
	if len(u.partials) == 0 {
		return ""
	}
	return u.partials[len(u.partials)-1]
}

func (u *Utterance) Sealed() bool    { return u.sealed }
func (u *Utterance) Truncated() bool { return u.truncated }
