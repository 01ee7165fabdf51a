package models

import "time"

// EventSource tells where a fact about a booking came from.
type EventSource string

const (
	SourcePush    EventSource = "push"
	SourcePull    EventSource = "pull"
	SourceTimeout EventSource = "timeout"
)

// HistoryEntry is one status change in a booking timeline.
type HistoryEntry struct {
	BookingID  string      `json:"booking_id"`
	FromStatus Status      `json:"from_status,omitempty"`
	ToStatus   Status      `json:"to_status"`
	Note       string      `json:"note,omitempty"`
	ChangedAt  time.Time   `json:"changed_at"`
	Source     EventSource `json:"source,omitempty"`
	Synthetic  bool        `json:"synthetic,omitempty"`
}

// Message is a chat message exchanged on a booking.
type Message struct {
	ID        string     `json:"id"`
	BookingID string     `json:"booking_id"`
	SenderID  string     `json:"sender_id"`
	Body      string     `json:"body"`
	SentAt    time.Time  `json:"sent_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}
