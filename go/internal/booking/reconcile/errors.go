package reconcile

import (
	"errors"
	"fmt"
)

// ErrStaleEvent is returned for an event older than state already applied. Stale events
// are expected under out-of-order delivery and are dropped quietly.
var ErrStaleEvent = errors.New("stale event")

// ErrInvalidEvent is returned for an event that cannot be applied at all.
var ErrInvalidEvent = errors.New("invalid event")

// MismatchedBookingError is returned for an event addressed to another booking.
type MismatchedBookingError struct {
	Expected string
	Got      string
}

func (e *MismatchedBookingError) Error() string {
	return fmt.Sprintf("event for booking %q delivered to booking %q", e.Got, e.Expected)
}
