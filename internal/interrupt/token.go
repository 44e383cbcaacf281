package interrupt

import "sync"

// Token is a cooperative cancellation handle shared by every stage working on
// one generation turn. Cancellation is monotonic: once cancelled a token never
// returns to live. Cancel is safe to call from any goroutine and is a no-op
// after the first call.
type Token struct {
	once sync.Once
	done chan struct{}
}

func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel flips the token. Idempotent.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether the token has been cancelled.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation, for use in select loops.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
