package relay

import (
	"sync"

	"github.com/cakson/tg-ws-relay/metrics"
)

// flowControllable is an inbound-data source that can be paused and resumed.
// Both relay legs satisfy it.
type flowControllable interface {
	pause()
	resume()
}

// backpressure governs one forwarding direction. After each frame forwarded
// into the receiver it observes the receiver's outbound buffered bytes and
// pauses the sender past the threshold; on drain it resumes the sender once
// the buffer falls below half the threshold. The half-threshold hysteresis
// band prevents pause/resume oscillation at the boundary.
//
// Pause and resume signals are edge-triggered: paused flips true only when
// previously false, and back only when previously true.
type backpressure struct {
	direction string
	threshold int
	sender    flowControllable

	mu     sync.Mutex
	paused bool
}

func newBackpressure(direction string, threshold int, sender flowControllable) *backpressure {
	return &backpressure{direction: direction, threshold: threshold, sender: sender}
}

// onForwarded observes the receiver's buffered byte count after a frame was
// forwarded into it. Returns true if this crossing paused the sender.
func (b *backpressure) onForwarded(queuedBytes int) bool {
	b.mu.Lock()
	trip := !b.paused && queuedBytes > b.threshold
	if trip {
		b.paused = true
	}
	b.mu.Unlock()

	if trip {
		metrics.BackpressurePauses.WithLabelValues(b.direction).Inc()
		b.sender.pause()
	}
	return trip
}

// onDrain observes the receiver's buffered byte count after its write pump
// delivered a frame. Returns true if this crossing resumed the sender.
func (b *backpressure) onDrain(queuedBytes int) bool {
	b.mu.Lock()
	clear := b.paused && queuedBytes < b.threshold/2
	if clear {
		b.paused = false
	}
	b.mu.Unlock()

	if clear {
		b.sender.resume()
	}
	return clear
}
