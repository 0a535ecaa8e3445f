package relay

import (
	"testing"
	"time"
)

func TestLegEnqueueAccounting(t *testing.T) {
	l := newLeg("downstream", nil)

	n, err := l.enqueue(make([]byte, 100))
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Fatalf("expected 100 queued bytes, got %d", n)
	}
	n, err = l.enqueue(make([]byte, 50))
	if err != nil {
		t.Fatal(err)
	}
	if n != 150 {
		t.Fatalf("expected 150 queued bytes, got %d", n)
	}
}

func TestLegEnqueueAfterShut(t *testing.T) {
	l := newLeg("upstream", nil)
	l.shut()
	if _, err := l.enqueue([]byte("x")); err != ErrLegClosed {
		t.Fatalf("expected ErrLegClosed, got %v", err)
	}
}

func TestLegGateBlocksWhilePaused(t *testing.T) {
	l := newLeg("downstream", nil)
	l.pause()

	passed := make(chan bool, 1)
	go func() {
		passed <- l.gate()
	}()

	select {
	case <-passed:
		t.Fatal("gate passed while paused")
	case <-time.After(50 * time.Millisecond):
	}

	l.resume()
	select {
	case ok := <-passed:
		if !ok {
			t.Fatal("gate reported closed after resume")
		}
	case <-time.After(time.Second):
		t.Fatal("gate did not pass after resume")
	}
}

func TestLegShutUnblocksGate(t *testing.T) {
	l := newLeg("downstream", nil)
	l.pause()

	passed := make(chan bool, 1)
	go func() {
		passed <- l.gate()
	}()

	l.shut()
	select {
	case ok := <-passed:
		if ok {
			t.Fatal("gate must report closed after shut")
		}
	case <-time.After(time.Second):
		t.Fatal("shut did not unblock the gate")
	}
}
