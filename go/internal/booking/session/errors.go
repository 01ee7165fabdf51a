package session

import "errors"

var (
	// ErrActionNotAllowed is returned when the booking's current status does not permit
	// the requested action.
	ErrActionNotAllowed = errors.New("action not allowed in current status")
	ErrSessionClosed    = errors.New("booking session closed")
)
