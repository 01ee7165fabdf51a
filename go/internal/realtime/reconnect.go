package realtime

import (
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"
)

// reconnector computes exponential backoff with jitter and bounds the number of
// consecutive attempts. A connection that stayed up for stableAfter resets the count.
type reconnector struct {
	clock       clockwork.Clock
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	stableAfter time.Duration

	attempt     int
	connectedAt time.Time
}

func newReconnector(clock clockwork.Clock, config Config) *reconnector {
	return &reconnector{
		clock:       clock,
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
		stableAfter: config.StableAfter,
	}
}

// shouldReconnect reports whether another attempt is allowed. Zero maxAttempts is unbounded.
func (r *reconnector) shouldReconnect() bool {
	r.resetIfStable()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = r.clock.Now()
}

func (r *reconnector) resetIfStable() {
	if !r.connectedAt.IsZero() && r.clock.Since(r.connectedAt) >= r.stableAfter {
		r.attempt = 0
		r.connectedAt = time.Time{}
	}
}

func (r *reconnector) nextDelay() time.Duration {
	r.resetIfStable()
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
