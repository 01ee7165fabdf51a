package session

import (
	"context"

	"github.com/mcdev12/bookingsync/go/internal/booking/events"
	"github.com/mcdev12/bookingsync/go/internal/models"
	"github.com/mcdev12/bookingsync/go/internal/realtime"
)

// API is the booking platform's REST surface used by sessions.
type API interface {
	GetBooking(ctx context.Context, bookingID string) (*models.Booking, error)
	GetHistory(ctx context.Context, bookingID string) ([]models.HistoryEntry, error)
	GetMessages(ctx context.Context, bookingID string) ([]models.Message, error)

	Cancel(ctx context.Context, bookingID, reason string) error
	AcceptScope(ctx context.Context, bookingID string) error
	DeclineScope(ctx context.Context, bookingID, reason string) error
	ConfirmStart(ctx context.Context, bookingID string) error
	ConfirmComplete(ctx context.Context, bookingID string) error
	Pay(ctx context.Context, bookingID, phone string) error
}

// Connection is the part of the push channel a session uses. *realtime.Manager
// implements it.
type Connection interface {
	Subscribe(bookingID string, names []events.Name, handler realtime.Handler)
	Unsubscribe(bookingID string, names []events.Name)
	IsConnected() bool
	Emit(ctx context.Context, name events.Name, bookingID string, payload interface{}) error
}
