package inspect

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bookingsync/go/internal/booking/deadline"
	"github.com/mcdev12/bookingsync/go/internal/booking/session"
	"github.com/mcdev12/bookingsync/go/internal/realtime"
)

// RealtimeStats is implemented by *realtime.Manager.
type RealtimeStats interface {
	Stats() realtime.Stats
}

// SessionStateProvider implements StateProvider over the open sessions of a service
type SessionStateProvider struct {
	service  *session.Service
	realtime RealtimeStats
	clock    clockwork.Clock
}

// NewSessionStateProvider creates a new session state provider. rt may be nil.
func NewSessionStateProvider(service *session.Service, rt RealtimeStats, clock clockwork.Clock) *SessionStateProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &SessionStateProvider{
		service:  service,
		realtime: rt,
		clock:    clock,
	}
}

func (p *SessionStateProvider) lookup(bookingID string) (*session.Session, error) {
	s, ok := p.service.Session(bookingID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookingNotFound, bookingID)
	}
	return s, nil
}

// GetBookingState returns the current view of an open session
func (p *SessionStateProvider) GetBookingState(ctx context.Context, bookingID string) (*session.View, error) {
	s, err := p.lookup(bookingID)
	if err != nil {
		return nil, err
	}
	v := s.View()
	return &v, nil
}

// RefreshBooking pulls the booking and returns the reconciled view. A failed pull still
// returns the last good view alongside the error.
func (p *SessionStateProvider) RefreshBooking(ctx context.Context, bookingID string) (*session.View, error) {
	s, err := p.lookup(bookingID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh booking %s: %w", bookingID, err)
	}
	v := s.View()
	return &v, nil
}

// GetActiveBookings summarizes every open session
func (p *SessionStateProvider) GetActiveBookings(ctx context.Context) ([]BookingSummary, error) {
	sessions := p.service.Sessions()
	summaries := make([]BookingSummary, 0, len(sessions))
	now := p.clock.Now()
	for _, s := range sessions {
		summaries = append(summaries, summarize(s.View(), now))
	}
	return summaries, nil
}

// GetStats combines service and push channel statistics
func (p *SessionStateProvider) GetStats(ctx context.Context) (*StatsResponse, error) {
	resp := &StatsResponse{Sessions: p.service.Stats()}
	if p.realtime != nil {
		resp.Realtime = p.realtime.Stats()
	}
	return resp, nil
}

func summarize(v session.View, now time.Time) BookingSummary {
	summary := BookingSummary{
		BookingID:     v.BookingID,
		Status:        string(v.Status()),
		Loaded:        v.Loaded,
		Terminal:      v.Terminal,
		SearchFailed:  v.SearchFailed,
		ProviderFound: v.ProviderFound,
		LastUpdatedAt: v.UpdatedAt,
	}
	if b := v.Booking; b != nil {
		summary.LimboState = string(b.LimboState)
		summary.AssignmentCount = b.AssignmentCount
		if b.LimboTimeoutAt != nil {
			remaining := deadline.RemainingSeconds(now, *b.LimboTimeoutAt)
			summary.TimeRemaining = &remaining
		}
	}
	for _, m := range v.Messages {
		if m.ReadAt == nil {
			summary.UnreadMessages++
		}
	}
	return summary
}

var _ StateProvider = (*SessionStateProvider)(nil)
