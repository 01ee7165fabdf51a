package realtime

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestReconnectorBackoff(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := newReconnector(fc, Config{
		MaxReconnectAttempts: 4,
		ReconnectBaseDelay:   100 * time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		StableAfter:          time.Minute,
	})

	wantMin := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond}
	for i, lo := range wantMin {
		if !r.shouldReconnect() {
			t.Fatalf("attempt %d refused", i)
		}
		d := r.nextDelay()
		hi := lo + 50*time.Millisecond
		if hi > time.Second {
			hi = time.Second
		}
		if d < lo || d > hi {
			t.Fatalf("attempt %d delay = %v, want in [%v, %v]", i, d, lo, hi)
		}
	}
	if r.shouldReconnect() {
		t.Fatal("allowed a fifth attempt")
	}
}

func TestReconnectorCapsDelay(t *testing.T) {
	r := newReconnector(clockwork.NewFakeClock(), Config{
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  3 * time.Second,
		StableAfter:        time.Minute,
	})
	for i := 0; i < 10; i++ {
		if d := r.nextDelay(); d > 3*time.Second {
			t.Fatalf("delay %v exceeds cap", d)
		}
	}
	if !r.shouldReconnect() {
		t.Fatal("unbounded reconnector refused")
	}
}

func TestReconnectorResetsAfterStableConnection(t *testing.T) {
	fc := clockwork.NewFakeClock()
	r := newReconnector(fc, Config{
		MaxReconnectAttempts: 2,
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    time.Second,
		StableAfter:          time.Minute,
	})

	r.nextDelay()
	r.nextDelay()
	if r.shouldReconnect() {
		t.Fatal("attempts not exhausted")
	}

	r.markConnected()
	fc.Advance(30 * time.Second)
	if r.shouldReconnect() {
		t.Fatal("short-lived connection reset the attempt count")
	}

	r.markConnected()
	fc.Advance(2 * time.Minute)
	if !r.shouldReconnect() {
		t.Fatal("stable connection did not reset the attempt count")
	}
	if r.attempt != 0 {
		t.Fatalf("attempt = %d after reset", r.attempt)
	}
}
