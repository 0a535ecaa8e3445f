package relay

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTerminatorTripsOnce(t *testing.T) {
	term := newTerminator()
	if term.isTripped() {
		t.Fatal("new terminator must not be tripped")
	}

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if term.trip() {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning trip, got %d", wins)
	}
	if !term.isTripped() {
		t.Fatal("terminator should be tripped")
	}
}
