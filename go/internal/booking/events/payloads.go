package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/bookingsync/go/internal/booking/reconcile"
	"github.com/mcdev12/bookingsync/go/internal/models"
)

// StatusChangedPayload is the payload for booking-status-changed. Only the fields
// present are authoritative.
type StatusChangedPayload struct {
	BookingID             string               `json:"booking_id"`
	Status                *string              `json:"status,omitempty"`
	LimboState            *string              `json:"limbo_state,omitempty"`
	LimboTimeoutAt        *time.Time           `json:"limbo_timeout_at,omitempty"`
	AssignmentCount       *int                 `json:"assignment_count,omitempty"`
	QuotationAmount       *models.Money        `json:"quotation_amount,omitempty"`
	QuotedDurationMinutes *int                 `json:"quoted_duration_minutes,omitempty"`
	Revision              *int64               `json:"revision,omitempty"`
	Provider              *models.ProviderInfo `json:"provider,omitempty"`
	Note                  string               `json:"note,omitempty"`
	ChangedAt             *time.Time           `json:"changed_at,omitempty"`
}

// ReassignmentPayload is the payload for reassignment.
type ReassignmentPayload struct {
	BookingID       string     `json:"booking_id"`
	AssignmentCount *int       `json:"assignment_count,omitempty"`
	Status          *string    `json:"status,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	ReassignedAt    *time.Time `json:"reassigned_at,omitempty"`
}

// ProviderAssignedPayload is the payload for provider-assigned.
type ProviderAssignedPayload struct {
	BookingID  string               `json:"booking_id"`
	Provider   *models.ProviderInfo `json:"provider,omitempty"`
	Status     *string              `json:"status,omitempty"`
	AssignedAt *time.Time           `json:"assigned_at,omitempty"`
}

// PaymentPayload is the payload for payment-confirmed and payment-failed.
type PaymentPayload struct {
	BookingID   string        `json:"booking_id"`
	Status      *string       `json:"status,omitempty"`
	Amount      *models.Money `json:"amount,omitempty"`
	Reference   string        `json:"reference,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
}

// JobRequestPayload is the payload for job-start-request and job-complete-request.
type JobRequestPayload struct {
	BookingID   string     `json:"booking_id"`
	ProviderID  string     `json:"provider_id,omitempty"`
	RequestedAt *time.Time `json:"requested_at,omitempty"`
}

// NewMessagePayload is the payload for new-message.
type NewMessagePayload struct {
	ID        string    `json:"id"`
	BookingID string    `json:"booking_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

// MessageReadPayload is the payload for message-read.
type MessageReadPayload struct {
	BookingID  string    `json:"booking_id"`
	MessageIDs []string  `json:"message_ids"`
	ReaderID   string    `json:"reader_id"`
	ReadAt     time.Time `json:"read_at"`
}

// TypingPayload is the payload for user-typing and the typing command.
type TypingPayload struct {
	BookingID string `json:"booking_id"`
	UserID    string `json:"user_id,omitempty"`
	IsTyping  bool   `json:"is_typing"`
}

// NotificationPayload is the payload for notification.
type NotificationPayload struct {
	ID        string    `json:"id,omitempty"`
	BookingID string    `json:"booking_id,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SendMessageCommand is emitted with send-message.
type SendMessageCommand struct {
	ClientID  string `json:"client_id"`
	BookingID string `json:"booking_id"`
	Body      string `json:"body"`
}

// MarkReadCommand is emitted with mark-read.
type MarkReadCommand struct {
	BookingID  string   `json:"booking_id"`
	MessageIDs []string `json:"message_ids"`
}

// BookingRoomCommand is emitted with join-booking and leave-booking.
type BookingRoomCommand struct {
	BookingID string `json:"booking_id"`
}

// ParsePayload parses event data into the payload struct for its name.
func ParsePayload(name Name, data json.RawMessage) (interface{}, error) {
	var target interface{}
	switch name {
	case BookingStatusChanged:
		target = &StatusChangedPayload{}
	case Reassignment:
		target = &ReassignmentPayload{}
	case ProviderAssigned:
		target = &ProviderAssignedPayload{}
	case PaymentConfirmed, PaymentFailed:
		target = &PaymentPayload{}
	case JobStartRequest, JobCompleteRequest:
		target = &JobRequestPayload{}
	case NewMessage:
		target = &NewMessagePayload{}
	case MessageRead:
		target = &MessageReadPayload{}
	case UserTyping:
		target = &TypingPayload{}
	case Notification:
		target = &NotificationPayload{}
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if len(data) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", name, err)
	}
	return target, nil
}

// ResolveBookingID returns the envelope's booking id, falling back to the one inside
// the payload.
func (e Envelope) ResolveBookingID() string {
	if e.BookingID != "" {
		return e.BookingID
	}
	var probe struct {
		BookingID string `json:"booking_id"`
	}
	if len(e.Data) > 0 && json.Unmarshal(e.Data, &probe) == nil {
		return probe.BookingID
	}
	return ""
}

// ToReconcileEvent converts a push envelope that carries booking fields into a
// reconciler event. Only the fields present in the payload are declared, plus the
// status implied by the event name. observedAt is receivedAt, on the same clock as pull
// issue times; the server time carried by the payload or envelope is kept as ServerAt.
func ToReconcileEvent(env Envelope, receivedAt time.Time) (reconcile.Event, error) {
	if !env.Event.Reconciled() {
		return reconcile.Event{}, fmt.Errorf("%w: %s carries no booking fields", reconcile.ErrInvalidEvent, env.Event)
	}
	payload, err := ParsePayload(env.Event, env.Data)
	if err != nil {
		return reconcile.Event{}, fmt.Errorf("%w: %w", reconcile.ErrInvalidEvent, err)
	}

	ev := reconcile.Event{
		ID:         env.ID,
		BookingID:  env.ResolveBookingID(),
		Kind:       string(env.Event),
		Source:     models.SourcePush,
		ObservedAt: receivedAt,
		ServerAt:   serverTime(nil, env.Timestamp),
	}

	switch p := payload.(type) {
	case *StatusChangedPayload:
		ev.ServerAt = serverTime(p.ChangedAt, env.Timestamp)
		ev.Note = p.Note
		if ev.Patch.Status, err = parseStatus(p.Status); err != nil {
			return reconcile.Event{}, err
		}
		if p.LimboState != nil {
			ev.Patch.Limbo = &reconcile.Limbo{State: models.LimboState(*p.LimboState), TimeoutAt: p.LimboTimeoutAt}
		}
		ev.Patch.AssignmentCount = p.AssignmentCount
		ev.Patch.QuotationAmount = p.QuotationAmount
		ev.Patch.QuotedDurationMinutes = p.QuotedDurationMinutes
		ev.Patch.Revision = p.Revision
		ev.Patch.Provider = p.Provider

	case *ReassignmentPayload:
		ev.ServerAt = serverTime(p.ReassignedAt, env.Timestamp)
		ev.Note = p.Reason
		if ev.Patch.Status, err = parseStatus(p.Status); err != nil {
			return reconcile.Event{}, err
		}
		ev.Patch.AssignmentCount = p.AssignmentCount

	case *ProviderAssignedPayload:
		ev.ServerAt = serverTime(p.AssignedAt, env.Timestamp)
		if ev.Patch.Status, err = parseStatus(p.Status); err != nil {
			return reconcile.Event{}, err
		}
		ev.Patch.Provider = p.Provider

	case *PaymentPayload:
		ev.ServerAt = serverTime(p.ProcessedAt, env.Timestamp)
		ev.Note = p.Reason
		if ev.Patch.Status, err = parseStatus(p.Status); err != nil {
			return reconcile.Event{}, err
		}
		if env.Event == PaymentConfirmed && ev.Patch.Status == nil {
			paid := models.StatusPaid
			ev.Patch.Status = &paid
		}

	case *JobRequestPayload:
		ev.ServerAt = serverTime(p.RequestedAt, env.Timestamp)
		status := models.StatusJobStartRequested
		if env.Event == JobCompleteRequest {
			status = models.StatusJobCompleteRequested
		}
		ev.Patch.Status = &status
	}

	if ev.BookingID == "" {
		return reconcile.Event{}, fmt.Errorf("%w: %s without booking id", reconcile.ErrInvalidEvent, env.Event)
	}
	return ev, nil
}

func parseStatus(raw *string) (*models.Status, error) {
	if raw == nil {
		return nil, nil
	}
	s, err := models.ParseStatus(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", reconcile.ErrInvalidEvent, err)
	}
	return &s, nil
}

func serverTime(payload *time.Time, envelope time.Time) time.Time {
	if payload != nil && !payload.IsZero() {
		return *payload
	}
	return envelope
}
