package safego

import (
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestGo_RunsFunction(t *testing.T) {
	ran := make(chan struct{})
	Go(func() { close(ran) })
	waitFor(t, ran, "background function")
}

func TestGo_RecoversPanic(t *testing.T) {
	finished := make(chan struct{})

	// The panic must be swallowed by the launcher, not crash the process.
	Go(func() {
		defer close(finished)
		panic("intentional panic in background worker")
	})

	waitFor(t, finished, "panicking function")
}

func TestGo_PanicDoesNotBlockLaterWork(t *testing.T) {
	var completed atomic.Int32
	done := make(chan struct{})

	Go(func() {
		defer completed.Add(1)
		panic("first worker dies")
	})
	Go(func() {
		defer close(done)
		completed.Add(1)
	})

	waitFor(t, done, "second background function")
	// Both deferred increments run even though the first worker panicked.
	deadline := time.Now().Add(2 * time.Second)
	for completed.Load() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 2 completions, got %d", completed.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
