package events

import (
	"encoding/json"
	"time"
)

// Name identifies a push event on the realtime channel.
type Name string

// Server to client.
const (
	NewMessage           Name = "new-message"
	BookingStatusChanged Name = "booking-status-changed"
	UserTyping           Name = "user-typing"
	MessageRead          Name = "message-read"
	Notification         Name = "notification"
	PaymentConfirmed     Name = "payment-confirmed"
	PaymentFailed        Name = "payment-failed"
	Reassignment         Name = "reassignment"
	ProviderAssigned     Name = "provider-assigned"
	JobStartRequest      Name = "job-start-request"
	JobCompleteRequest   Name = "job-complete-request"
)

// Client to server.
const (
	JoinBooking  Name = "join-booking"
	LeaveBooking Name = "leave-booking"
	SendMessage  Name = "send-message"
	Typing       Name = "typing"
	MarkRead     Name = "mark-read"
)

// BookingEvents are the push events a booking session subscribes to.
var BookingEvents = []Name{
	NewMessage, BookingStatusChanged, UserTyping, MessageRead, Notification,
	PaymentConfirmed, PaymentFailed, Reassignment, ProviderAssigned,
	JobStartRequest, JobCompleteRequest,
}

// Reconciled reports whether events of this name carry booking fields.
func (n Name) Reconciled() bool {
	switch n {
	case BookingStatusChanged, PaymentConfirmed, PaymentFailed, Reassignment,
		ProviderAssigned, JobStartRequest, JobCompleteRequest:
		return true
	}
	return false
}

// Envelope is the wire format of every message on the realtime channel.
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Event     Name            `json:"event"`
	BookingID string          `json:"booking_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}
