package latch

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestTripOnce(t *testing.T) {
	l := New()
	if l.Tripped() {
		t.Fatalf("new latch should not be tripped")
	}
	if !l.Trip() {
		t.Fatalf("first trip should win")
	}
	if l.Trip() {
		t.Fatalf("second trip should be a no-op")
	}
	select {
	case <-l.Done():
	default:
		t.Fatalf("done channel should be closed")
	}
}

func TestConcurrentTripWinsOnce(t *testing.T) {
	l := New()
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Trip() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := winners.Load(); got != 1 {
		t.Fatalf("winners: got %d want 1", got)
	}
}
