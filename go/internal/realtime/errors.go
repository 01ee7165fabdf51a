package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrReconnectExhausted is returned by Run when the bounded reconnect attempts are used up.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrSessionExpired is returned by Run when the bearer token has expired; reconnecting
	// cannot succeed until the user signs in again.
	ErrSessionExpired = errors.New("session expired")
	ErrNotConnected   = errors.New("not connected")
	ErrConnClosed     = errors.New("connection closed")
	ErrManagerClosed  = errors.New("connection manager closed")
)

// TransportError reports a push channel failure. It is never fatal to a booking session:
// sessions degrade to polling while the channel is down.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
