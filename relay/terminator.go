package relay

import "sync"

// terminator is the one-shot latch guarding a connection's terminal
// transition. Close and error triggers can arrive from either read loop, any
// of the three timers, or a process-wide drain; only the first trip wins.
type terminator struct {
	mu      sync.Mutex
	tripped bool
}

func newTerminator() *terminator {
	return &terminator{}
}

// trip latches the terminator. It can be called multiple times; it returns
// true only for the first caller, which then owns the cleanup side effects.
func (t *terminator) trip() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tripped {
		return false
	}
	t.tripped = true
	return true
}

// isTripped checks the terminator without blocking.
func (t *terminator) isTripped() bool {
	t.mu.Lock()
	tripped := t.tripped
	t.mu.Unlock()
	return tripped
}
