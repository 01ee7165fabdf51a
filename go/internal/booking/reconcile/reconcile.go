package reconcile

import (
	"fmt"
	"sort"
	"time"

	"github.com/mcdev12/bookingsync/go/internal/models"
)

// State is the canonical view of one booking plus the bookkeeping needed to merge
// facts that arrive out of order.
type State struct {
	Booking models.Booking

	// LastPullAt and LastPullRevision describe the newest pull applied so far.
	LastPullAt       time.Time
	LastPullRevision int64

	// Timeline holds the synthetic status-change entries produced by reconciliation.
	Timeline []models.HistoryEntry

	stamps map[Field]stamp
}

// NewState returns an empty state for bookingID. Its status stays empty until the
// first event that declares one.
func NewState(bookingID string) *State {
	return &State{
		Booking: models.Booking{ID: bookingID},
		stamps:  make(map[Field]stamp),
	}
}

// Known reports whether a status has been reconciled yet.
func (s *State) Known() bool {
	return s != nil && s.Booking.Status != ""
}

// Stamp returns the observedAt and source of the fact that last set field.
func (s *State) Stamp(field Field) (time.Time, models.EventSource, bool) {
	st, ok := s.stamps[field]
	return st.at, st.source, ok
}

func (s *State) clone() *State {
	c := &State{
		Booking:          *s.Booking.Clone(),
		LastPullAt:       s.LastPullAt,
		LastPullRevision: s.LastPullRevision,
		stamps:           make(map[Field]stamp, len(s.stamps)),
	}
	for f, st := range s.stamps {
		c.stamps[f] = st
	}
	if s.Timeline != nil {
		c.Timeline = append([]models.HistoryEntry(nil), s.Timeline...)
	}
	return c
}

// Result describes what a reconciliation changed.
type Result struct {
	Applied      []Field
	StatusChange *models.HistoryEntry
	LimboChanged bool
}

// Changed reports whether any field was overwritten.
func (r Result) Changed() bool {
	return len(r.Applied) > 0
}

// Touched reports whether field was overwritten.
func (r Result) Touched(field Field) bool {
	for _, f := range r.Applied {
		if f == field {
			return true
		}
	}
	return false
}

// Reconcile merges ev into current and returns the new state. current is never
// modified; nil starts from an empty state for ev.BookingID.
//
// A field is overwritten only when ev is newer than the fact that last set it. A pull
// snapshot covers every field. A pull older than the newest applied pull is rejected
// wholesale, as is a push or timeout older than it. Applying the same event twice
// yields the same state as applying it once.
func Reconcile(current *State, ev Event) (*State, Result, error) {
	if ev.BookingID == "" {
		return current, Result{}, fmt.Errorf("%w: missing booking id", ErrInvalidEvent)
	}
	if current == nil {
		current = NewState(ev.BookingID)
	}
	if current.Booking.ID != "" && current.Booking.ID != ev.BookingID {
		return current, Result{}, &MismatchedBookingError{Expected: current.Booking.ID, Got: ev.BookingID}
	}

	switch ev.Source {
	case models.SourcePull:
		return reconcilePull(current, ev)
	case models.SourcePush, models.SourceTimeout:
		return reconcilePatch(current, ev)
	default:
		return current, Result{}, fmt.Errorf("%w: unknown source %q", ErrInvalidEvent, ev.Source)
	}
}

func reconcilePull(current *State, ev Event) (*State, Result, error) {
	snap := ev.Snapshot
	if snap == nil {
		return current, Result{}, fmt.Errorf("%w: pull without snapshot", ErrInvalidEvent)
	}
	if snap.ID != ev.BookingID {
		return current, Result{}, &MismatchedBookingError{Expected: ev.BookingID, Got: snap.ID}
	}
	if !snap.Status.Valid() {
		return current, Result{}, fmt.Errorf("%w: %w: %q", ErrInvalidEvent, models.ErrUnknownStatus, snap.Status)
	}
	if ev.ObservedAt.Before(current.LastPullAt) {
		return current, Result{}, fmt.Errorf("%w: pull observed %s before last pull %s",
			ErrStaleEvent, ev.ObservedAt.Format(time.RFC3339Nano), current.LastPullAt.Format(time.RFC3339Nano))
	}
	if snap.Revision > 0 && current.LastPullRevision > 0 && snap.Revision < current.LastPullRevision {
		return current, Result{}, fmt.Errorf("%w: pull revision %d below applied revision %d",
			ErrStaleEvent, snap.Revision, current.LastPullRevision)
	}

	next := current.clone()
	key := stamp{at: ev.ObservedAt, source: ev.Source}
	var res Result
	prevStatus := next.Booking.Status

	limbo := normalizeLimbo(snap.LimboState, snap.LimboTimeoutAt, snap.LimboExpired)

	next.apply(FieldStatus, key, &res, func(b *models.Booking) { b.Status = snap.Status })
	next.apply(FieldLimbo, key, &res, func(b *models.Booking) { setLimbo(b, limbo) })
	next.apply(FieldAssignmentCount, key, &res, func(b *models.Booking) {
		b.AssignmentCount = max(b.AssignmentCount, snap.AssignmentCount)
	})
	next.apply(FieldQuotation, key, &res, func(b *models.Booking) {
		b.QuotationAmount = cloneMoney(snap.QuotationAmount)
	})
	next.apply(FieldQuotedDuration, key, &res, func(b *models.Booking) {
		b.QuotedDurationMinutes = cloneInt(snap.QuotedDurationMinutes)
	})
	next.apply(FieldRevision, key, &res, func(b *models.Booking) {
		b.Revision = max(b.Revision, snap.Revision)
	})
	next.apply(FieldDetails, key, &res, func(b *models.Booking) {
		c := snap.Clone()
		b.Service, b.Provider, b.Address, b.UpdatedAt = c.Service, c.Provider, c.Address, c.UpdatedAt
	})

	next.LastPullAt = ev.ObservedAt
	if snap.Revision > next.LastPullRevision {
		next.LastPullRevision = snap.Revision
	}

	next.afterStatus(prevStatus, key, ev, &res, res.Touched(FieldLimbo))
	return next, res, nil
}

func reconcilePatch(current *State, ev Event) (*State, Result, error) {
	if !current.LastPullAt.IsZero() && ev.ObservedAt.Before(current.LastPullAt) {
		return current, Result{}, fmt.Errorf("%w: %s observed %s before last pull %s",
			ErrStaleEvent, ev.Source, ev.ObservedAt.Format(time.RFC3339Nano), current.LastPullAt.Format(time.RFC3339Nano))
	}

	p := ev.Patch
	if p.Revision != nil && current.LastPullRevision > 0 && *p.Revision < current.LastPullRevision {
		return current, Result{}, fmt.Errorf("%w: %s revision %d below pulled revision %d",
			ErrStaleEvent, ev.Source, *p.Revision, current.LastPullRevision)
	}
	if p.Status != nil && !p.Status.Valid() {
		return current, Result{}, fmt.Errorf("%w: %w: %q", ErrInvalidEvent, models.ErrUnknownStatus, *p.Status)
	}
	if ev.Source == models.SourceTimeout {
		// A timeout only speaks for the deadline it was armed with.
		cur := current.Booking.LimboTimeoutAt
		if ev.Deadline == nil || cur == nil || !cur.Equal(*ev.Deadline) {
			return current, Result{}, fmt.Errorf("%w: timeout for a deadline no longer armed", ErrStaleEvent)
		}
	}

	next := current.clone()
	key := stamp{at: ev.ObservedAt, source: ev.Source}
	var res Result
	prevStatus := next.Booking.Status

	if p.Status != nil {
		status := *p.Status
		next.apply(FieldStatus, key, &res, func(b *models.Booking) { b.Status = status })
	}
	if p.Limbo != nil {
		limbo := normalizeLimbo(p.Limbo.State, p.Limbo.TimeoutAt, p.Limbo.Expired)
		next.apply(FieldLimbo, key, &res, func(b *models.Booking) { setLimbo(b, limbo) })
	}
	if p.AssignmentCount != nil {
		n := *p.AssignmentCount
		next.apply(FieldAssignmentCount, key, &res, func(b *models.Booking) {
			b.AssignmentCount = max(b.AssignmentCount, n)
		})
	}
	if p.QuotationAmount != nil {
		next.apply(FieldQuotation, key, &res, func(b *models.Booking) {
			b.QuotationAmount = cloneMoney(p.QuotationAmount)
		})
	}
	if p.QuotedDurationMinutes != nil {
		next.apply(FieldQuotedDuration, key, &res, func(b *models.Booking) {
			b.QuotedDurationMinutes = cloneInt(p.QuotedDurationMinutes)
		})
	}
	if p.Revision != nil {
		rev := *p.Revision
		next.apply(FieldRevision, key, &res, func(b *models.Booking) { b.Revision = max(b.Revision, rev) })
	}
	if p.Provider != nil {
		next.apply(FieldDetails, key, &res, func(b *models.Booking) {
			prov := *p.Provider
			b.Provider = &prov
		})
	}

	next.afterStatus(prevStatus, key, ev, &res, res.Touched(FieldLimbo))
	return next, res, nil
}

// apply runs set when key is newer than field's stamp, and records the overwrite.
func (s *State) apply(field Field, key stamp, res *Result, set func(b *models.Booking)) {
	if !key.newerThan(s.stamps[field]) {
		return
	}
	before := s.Booking.Clone()
	set(&s.Booking)
	s.stamps[field] = key
	res.Applied = append(res.Applied, field)
	if field == FieldLimbo && limboDiffers(before, &s.Booking) {
		res.LimboChanged = true
	}
}

// afterStatus records the status transition and ends a limbo the new status cannot
// carry, unless this same event set the limbo explicitly.
func (s *State) afterStatus(prev models.Status, key stamp, ev Event, res *Result, limboSet bool) {
	status := s.Booking.Status
	if status == prev {
		return
	}

	if !limboSet && s.Booking.LimboState != models.LimboNone && models.LimboFor(status) != s.Booking.LimboState {
		before := s.Booking.Clone()
		setLimbo(&s.Booking, Limbo{State: models.LimboNone})
		s.stamps[FieldLimbo] = key
		res.Applied = append(res.Applied, FieldLimbo)
		if limboDiffers(before, &s.Booking) {
			res.LimboChanged = true
		}
	}

	changedAt := ev.ObservedAt
	if !ev.ServerAt.IsZero() {
		changedAt = ev.ServerAt
	}
	entry := models.HistoryEntry{
		BookingID:  s.Booking.ID,
		FromStatus: prev,
		ToStatus:   status,
		Note:       ev.Note,
		ChangedAt:  changedAt,
		Source:     ev.Source,
		Synthetic:  true,
	}
	s.Timeline = append(s.Timeline, entry)
	res.StatusChange = &entry
}

// normalizeLimbo enforces "timeout present iff state is not none". A state without a
// deadline cannot be counted down and is treated as no limbo.
func normalizeLimbo(state models.LimboState, timeoutAt *time.Time, expired bool) Limbo {
	if state == models.LimboNone || timeoutAt == nil || !state.Valid() {
		return Limbo{State: models.LimboNone, Expired: expired}
	}
	t := *timeoutAt
	return Limbo{State: state, TimeoutAt: &t}
}

func setLimbo(b *models.Booking, l Limbo) {
	b.LimboState = l.State
	b.LimboExpired = l.Expired
	if l.TimeoutAt != nil {
		t := *l.TimeoutAt
		b.LimboTimeoutAt = &t
	} else {
		b.LimboTimeoutAt = nil
	}
}

func limboDiffers(a, b *models.Booking) bool {
	if a.LimboState != b.LimboState || a.LimboExpired != b.LimboExpired {
		return true
	}
	if (a.LimboTimeoutAt == nil) != (b.LimboTimeoutAt == nil) {
		return true
	}
	return a.LimboTimeoutAt != nil && !a.LimboTimeoutAt.Equal(*b.LimboTimeoutAt)
}

func cloneMoney(m *models.Money) *models.Money {
	if m == nil {
		return nil
	}
	c := *m
	return &c
}

func cloneInt(n *int) *int {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}

// MergeTimeline combines the pulled status log with synthetic entries. The pulled log
// is authoritative; synthetic entries survive only when newer than its last entry.
func MergeTimeline(pulled, synthetic []models.HistoryEntry) []models.HistoryEntry {
	merged := append([]models.HistoryEntry(nil), pulled...)
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].ChangedAt.Before(merged[j].ChangedAt) })

	var last time.Time
	var lastStatus models.Status
	if n := len(merged); n > 0 {
		last = merged[n-1].ChangedAt
		lastStatus = merged[n-1].ToStatus
	}
	for _, e := range synthetic {
		if !e.ChangedAt.After(last) || e.ToStatus == lastStatus {
			continue
		}
		merged = append(merged, e)
		last, lastStatus = e.ChangedAt, e.ToStatus
	}
	return merged
}
