package deadline

import "time"

// Remaining returns how long is left until expiresAt, never less than zero.
func Remaining(now, expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	remaining := expiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RemainingSeconds is Remaining rounded up to whole seconds, for countdown display.
func RemainingSeconds(now, expiresAt time.Time) int {
	remaining := Remaining(now, expiresAt)
	secs := int(remaining / time.Second)
	if remaining%time.Second > 0 {
		secs++
	}
	return secs
}

// Elapsed reports whether expiresAt has been reached.
func Elapsed(now, expiresAt time.Time) bool {
	return !expiresAt.IsZero() && !now.Before(expiresAt)
}

// RemainingPtr is Remaining for optional deadlines; nil yields zero.
func RemainingPtr(now time.Time, expiresAt *time.Time) time.Duration {
	if expiresAt == nil {
		return 0
	}
	return Remaining(now, *expiresAt)
}
