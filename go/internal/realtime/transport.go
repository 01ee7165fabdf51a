package realtime

import (
	"context"

	"github.com/mcdev12/bookingsync/go/internal/booking/events"
)

// Transport opens push channel connections. It keeps no subscription state across
// connections; the Manager re-joins every booking after each dial.
type Transport interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live push channel connection. Read is called from a single goroutine and
// unblocks with an error once Close is called or the connection drops.
type Conn interface {
	Read() (events.Envelope, error)
	Write(ctx context.Context, env events.Envelope) error
	Close() error
}
