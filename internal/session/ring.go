package session

// audioRing is the bounded hand-off between the client transport goroutine
// and the coordinator. Push never blocks: when full, the oldest unconsumed
// chunk is dropped so the client transport is never stalled by a slow
// pipeline.
type audioRing struct {
	ch chan []byte
}

func newAudioRing(size int) *audioRing {
	if size <= 0 {
		size = 64
	}
	return &audioRing{ch: make(chan []byte, size)}
}

// Push enqueues a chunk, evicting the oldest entry if necessary. Returns
// true when an eviction happened.
func (r *audioRing) Push(pcm []byte) bool {
	select {
	case r.ch <- pcm:
		return false
	default:
	}
	dropped := false
	select {
	case <-r.ch:
		dropped = true
	default:
	}
	select {
	case r.ch <- pcm:
	default:
		dropped = true
	}
	return dropped
}

func (r *audioRing) Chan() <-chan []byte {
	return r.ch
}

// Pending reports whether undelivered audio remains buffered.
func (r *audioRing) Pending() bool {
	return len(r.ch) > 0
}
