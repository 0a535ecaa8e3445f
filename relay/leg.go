package relay

import (
	"sync"

	"github.com/gorilla/websocket"
)

// leg wraps one side of the bridge: a websocket connection, a write pump
// draining an ordered frame queue, and a read gate for advisory flow
// control. The queue's byte count is the "outbound buffered bytes" figure
// observed by the backpressure controller.
type leg struct {
	name string
	conn *websocket.Conn

	mu sync.Mutex
	c  *sync.Cond

	queue       [][]byte
	queuedBytes int

	// paused stops the read loop before its next read; set when the
	// opposite leg's queue crosses the backpressure threshold.
	paused bool

	closed bool

	// onDrain observes the remaining buffered byte count after each pump
	// write. Set once by the engine; read under mu.
	onDrain func(queuedBytes int)
}

func newLeg(name string, conn *websocket.Conn) *leg {
	l := &leg{name: name, conn: conn}
	l.c = sync.NewCond(&l.mu)
	return l
}

// enqueue appends a binary frame for the write pump and reports the
// resulting buffered byte count. Frames are written in enqueue order.
func (l *leg) enqueue(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrLegClosed
	}
	l.queue = append(l.queue, p)
	l.queuedBytes += len(p)
	l.c.Broadcast()
	return l.queuedBytes, nil
}

// writePump drains the queue until the leg is shut. Runs in its own
// goroutine; a write error stops the pump and is reported through errFn,
// leaving teardown to the leg's read loop.
func (l *leg) writePump(errFn func(error)) {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.c.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		p := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		err := l.conn.WriteMessage(websocket.BinaryMessage, p)

		l.mu.Lock()
		l.queuedBytes -= len(p)
		remaining := l.queuedBytes
		drain := l.onDrain
		l.mu.Unlock()

		if err != nil {
			errFn(err)
			return
		}
		if drain != nil {
			drain(remaining)
		}
	}
}

// setOnDrain installs the drain observer consulted by the write pump.
func (l *leg) setOnDrain(f func(queuedBytes int)) {
	l.mu.Lock()
	l.onDrain = f
	l.mu.Unlock()
}

// pause stops inbound consumption on this leg before its next read. This is
// advisory flow control, not a close.
func (l *leg) pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
}

// resume lifts a pause and wakes the blocked read loop.
func (l *leg) resume() {
	l.mu.Lock()
	l.paused = false
	l.c.Broadcast()
	l.mu.Unlock()
}

// gate blocks while the leg is paused. It returns false once the leg has
// been shut, telling the read loop to exit.
func (l *leg) gate() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.paused && !l.closed {
		l.c.Wait()
	}
	return !l.closed
}

// shut releases the write pump and any read loop blocked on the gate. It
// does not close the websocket; the engine owns socket closure.
func (l *leg) shut() {
	l.mu.Lock()
	l.closed = true
	l.c.Broadcast()
	l.mu.Unlock()
}
