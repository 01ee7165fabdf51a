package reconcile

import (
	"time"

	"github.com/mcdev12/bookingsync/go/internal/models"
)

// Field is a unit of booking state with its own authority stamp.
type Field string

const (
	FieldStatus          Field = "status"
	FieldLimbo           Field = "limbo"
	FieldAssignmentCount Field = "assignment_count"
	FieldQuotation       Field = "quotation_amount"
	FieldQuotedDuration  Field = "quoted_duration_minutes"
	FieldRevision        Field = "revision"
	FieldDetails         Field = "details"
)

// AllFields lists every reconciled field; a pull snapshot covers all of them.
var AllFields = []Field{
	FieldStatus, FieldLimbo, FieldAssignmentCount, FieldQuotation,
	FieldQuotedDuration, FieldRevision, FieldDetails,
}

// Kinds produced outside the push vocabulary.
const (
	KindSnapshot = "snapshot"
	KindTimeout  = "timeout"
)

// Limbo is the limbo state and its deadline, reconciled as one field so the two can
// never disagree.
type Limbo struct {
	State     models.LimboState
	TimeoutAt *time.Time
	Expired   bool
}

// Patch declares the fields a push or timeout event is authoritative for. Nil means
// the event says nothing about that field.
type Patch struct {
	Status                *models.Status
	Limbo                 *Limbo
	AssignmentCount       *int
	QuotationAmount       *models.Money
	QuotedDurationMinutes *int
	Revision              *int64
	Provider              *models.ProviderInfo
}

// Fields returns the fields declared by p.
func (p Patch) Fields() []Field {
	var fields []Field
	if p.Status != nil {
		fields = append(fields, FieldStatus)
	}
	if p.Limbo != nil {
		fields = append(fields, FieldLimbo)
	}
	if p.AssignmentCount != nil {
		fields = append(fields, FieldAssignmentCount)
	}
	if p.QuotationAmount != nil {
		fields = append(fields, FieldQuotation)
	}
	if p.QuotedDurationMinutes != nil {
		fields = append(fields, FieldQuotedDuration)
	}
	if p.Revision != nil {
		fields = append(fields, FieldRevision)
	}
	if p.Provider != nil {
		fields = append(fields, FieldDetails)
	}
	return fields
}

// Event is one incoming fact about a booking.
type Event struct {
	ID         string
	BookingID  string
	Kind       string
	Source     models.EventSource
	ObservedAt time.Time
	// ServerAt is the server's own timestamp for a push, if it sent one. It dates the
	// timeline entry but never orders events: ObservedAt is always on the local clock.
	ServerAt time.Time

	// Snapshot is the full booking for pull events.
	Snapshot *models.Booking
	// Patch carries the declared fields of push and timeout events.
	Patch Patch
	// Deadline is the limbo deadline a timeout event refers to.
	Deadline *time.Time
	Note     string
}

// NewSnapshotEvent wraps a pulled booking. observedAt should be the instant the fetch
// was issued: the server view includes everything that happened before it.
func NewSnapshotEvent(b *models.Booking, observedAt time.Time) Event {
	return Event{
		BookingID:  b.ID,
		Kind:       KindSnapshot,
		Source:     models.SourcePull,
		ObservedAt: observedAt,
		Snapshot:   b,
	}
}

// NewTimeoutEvent reports that the limbo deadline expiresAt has elapsed.
func NewTimeoutEvent(bookingID string, expiresAt time.Time) Event {
	d := expiresAt
	return Event{
		BookingID:  bookingID,
		Kind:       KindTimeout,
		Source:     models.SourceTimeout,
		ObservedAt: expiresAt,
		Patch: Patch{
			Limbo: &Limbo{State: models.LimboNone, Expired: true},
		},
		Deadline: &d,
		Note:     "limbo deadline elapsed",
	}
}

// sourceRank breaks observedAt ties: a complete pull view outranks a push, which
// outranks a locally synthesized timeout.
func sourceRank(s models.EventSource) int {
	switch s {
	case models.SourcePull:
		return 3
	case models.SourcePush:
		return 2
	case models.SourceTimeout:
		return 1
	}
	return 0
}

type stamp struct {
	at     time.Time
	source models.EventSource
}

func (a stamp) newerThan(b stamp) bool {
	if a.at.After(b.at) {
		return true
	}
	if a.at.Equal(b.at) {
		return sourceRank(a.source) > sourceRank(b.source)
	}
	return false
}
