package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownStatus is returned when a status string is not part of the server vocabulary.
var ErrUnknownStatus = errors.New("unknown booking status")

// Status defines the lifecycle status of a booking as reported by the server.
type Status string

const (
	StatusPending              Status = "pending"
	StatusPendingAssignment    Status = "pending_assignment"
	StatusWaitingApproval      Status = "waiting_approval"
	StatusWaitingQuote         Status = "waiting_quote"
	StatusWaitingAcceptance    Status = "waiting_acceptance"
	StatusAccepted             Status = "accepted"
	StatusQuotationSent        Status = "quotation_sent"
	StatusRejected             Status = "rejected"
	StatusPaid                 Status = "paid"
	StatusOnTheWay             Status = "on_the_way"
	StatusJobStartRequested    Status = "job_start_requested"
	StatusJobStarted           Status = "job_started"
	StatusJobCompleteRequested Status = "job_complete_requested"
	StatusCompleted            Status = "completed"
	StatusCancelled            Status = "cancelled"
	StatusQuoteRejected        Status = "quote_rejected"
	StatusQuoteExpired         Status = "quote_expired"
	StatusFailed               Status = "failed"
)

var knownStatuses = map[Status]struct{}{
	StatusPending: {}, StatusPendingAssignment: {}, StatusWaitingApproval: {},
	StatusWaitingQuote: {}, StatusWaitingAcceptance: {}, StatusAccepted: {},
	StatusQuotationSent: {}, StatusRejected: {}, StatusPaid: {}, StatusOnTheWay: {},
	StatusJobStartRequested: {}, StatusJobStarted: {}, StatusJobCompleteRequested: {},
	StatusCompleted: {}, StatusCancelled: {}, StatusQuoteRejected: {},
	StatusQuoteExpired: {}, StatusFailed: {},
}

// ParseStatus validates a raw status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
	}
	return st, nil
}

// Valid reports whether s is one of the server statuses.
func (s Status) Valid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// IsTerminal reports whether no further progress is expected for a booking in this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusFailed, StatusCompleted,
		StatusQuoteRejected, StatusQuoteExpired:
		return true
	}
	return false
}

// IsSearching reports whether the platform is still looking for a provider.
func (s Status) IsSearching() bool {
	return s == StatusPendingAssignment || s == StatusWaitingApproval
}

// LimboState names a waiting condition that carries an expiry deadline.
type LimboState string

const (
	LimboNone              LimboState = ""
	LimboWaitingApproval   LimboState = "waiting_approval"
	LimboWaitingQuote      LimboState = "waiting_quote"
	LimboWaitingAcceptance LimboState = "waiting_acceptance"
)

// Valid reports whether l is a known limbo state.
func (l LimboState) Valid() bool {
	switch l {
	case LimboNone, LimboWaitingApproval, LimboWaitingQuote, LimboWaitingAcceptance:
		return true
	}
	return false
}

// LimboFor returns the only limbo state a booking in status s may carry.
func LimboFor(s Status) LimboState {
	switch s {
	case StatusWaitingApproval:
		return LimboWaitingApproval
	case StatusWaitingQuote:
		return LimboWaitingQuote
	case StatusWaitingAcceptance:
		return LimboWaitingAcceptance
	}
	return LimboNone
}

// Money is an amount in minor units.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) String() string {
	return fmt.Sprintf("%d.%02d %s", m.Amount/100, m.Amount%100, m.Currency)
}

// ServiceInfo, ProviderInfo and Address are display-only.
type ServiceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

type ProviderInfo struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Phone  string  `json:"phone,omitempty"`
	Rating float64 `json:"rating,omitempty"`
}

type Address struct {
	Line1     string  `json:"line1"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
}

// Booking is the client-side model of a server booking.
type Booking struct {
	ID                    string        `json:"id"`
	Status                Status        `json:"status"`
	LimboState            LimboState    `json:"limbo_state,omitempty"`
	LimboTimeoutAt        *time.Time    `json:"limbo_timeout_at,omitempty"`
	LimboExpired          bool          `json:"limbo_expired,omitempty"`
	AssignmentCount       int           `json:"assignment_count"`
	QuotationAmount       *Money        `json:"quotation_amount,omitempty"`
	QuotedDurationMinutes *int          `json:"quoted_duration_minutes,omitempty"`
	Revision              int64         `json:"revision"`
	Service               *ServiceInfo  `json:"service,omitempty"`
	Provider              *ProviderInfo `json:"provider,omitempty"`
	Address               *Address      `json:"address,omitempty"`
	UpdatedAt             *time.Time    `json:"updated_at,omitempty"`
}

// Validate checks the invariants every reconciled booking must hold.
func (b *Booking) Validate() error {
	if b.ID == "" {
		return errors.New("booking id is required")
	}
	if !b.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, b.Status)
	}
	if !b.LimboState.Valid() {
		return fmt.Errorf("unknown limbo state %q", b.LimboState)
	}
	if (b.LimboState != LimboNone) != (b.LimboTimeoutAt != nil) {
		return fmt.Errorf("limbo state %q and limbo timeout must be set together", b.LimboState)
	}
	if b.AssignmentCount < 0 {
		return fmt.Errorf("negative assignment count %d", b.AssignmentCount)
	}
	return nil
}

// Clone returns a deep copy of b.
func (b *Booking) Clone() *Booking {
	if b == nil {
		return nil
	}
	c := *b
	if b.LimboTimeoutAt != nil {
		t := *b.LimboTimeoutAt
		c.LimboTimeoutAt = &t
	}
	if b.QuotationAmount != nil {
		m := *b.QuotationAmount
		c.QuotationAmount = &m
	}
	if b.QuotedDurationMinutes != nil {
		d := *b.QuotedDurationMinutes
		c.QuotedDurationMinutes = &d
	}
	if b.Service != nil {
		s := *b.Service
		c.Service = &s
	}
	if b.Provider != nil {
		p := *b.Provider
		c.Provider = &p
	}
	if b.Address != nil {
		a := *b.Address
		c.Address = &a
	}
	if b.UpdatedAt != nil {
		u := *b.UpdatedAt
		c.UpdatedAt = &u
	}
	return &c
}
