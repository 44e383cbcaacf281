package interrupt

import (
	"encoding/binary"
	"math"
	"time"
)

// Detector decides whether audio arriving while the assistant is processing
// or speaking is a genuine interruption. It requires sustained high-energy
// input for at least the debounce window before declaring barge-in, so echo
// and transient noise do not cut the assistant off.
//
// The detector is a small state machine of its own, kept separate from the
// session state machine: it only counts evidence, it never transitions the
// session.
type Detector struct {
	threshold     float64
	window        time.Duration
	frameDuration time.Duration

	streak    time.Duration
	triggered bool
}

func NewDetector(threshold float64, window, frameDuration time.Duration) *Detector {
	if frameDuration <= 0 {
		frameDuration = 20 * time.Millisecond
	}
	return &Detector{
		threshold:     threshold,
		window:        window,
		frameDuration: frameDuration,
	}
}

// Retune replaces the threshold and window, keeping the current streak. Used
// on config hot reload.
func (d *Detector) Retune(threshold float64, window time.Duration) {
	d.threshold = threshold
	d.window = window
}

// Observe feeds one candidate chunk. It returns true exactly once per
// episode, at the moment the accumulated high-energy streak crosses the
// debounce window.
func (d *Detector) Observe(pcm []byte) bool {
	if RMS(pcm) < d.threshold {
		d.streak = 0
		return false
	}
	d.streak += d.frameDuration
	if d.streak >= d.window && !d.triggered {
		d.triggered = true
		return true
	}
	return false
}

// Reset clears the evidence streak, typically on a state change.
func (d *Detector) Reset() {
	d.streak = 0
	d.triggered = false
}

// RMS computes the root-mean-square amplitude of little-endian 16-bit PCM.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(n))
}
