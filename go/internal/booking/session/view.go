package session

import (
	"sort"
	"time"

	"github.com/mcdev12/bookingsync/go/internal/booking/deadline"
	"github.com/mcdev12/bookingsync/go/internal/booking/events"
	"github.com/mcdev12/bookingsync/go/internal/booking/reconcile"
	"github.com/mcdev12/bookingsync/go/internal/models"
)

// View is the UI-facing snapshot of a booking session. Slices are shared and must be
// treated as read-only.
type View struct {
	BookingID        string                      `json:"booking_id"`
	Booking          *models.Booking             `json:"booking,omitempty"`
	Guards           Guards                      `json:"guards"`
	Timeline         []models.HistoryEntry       `json:"timeline"`
	Messages         []models.Message            `json:"messages"`
	Typing           []string                    `json:"typing,omitempty"`
	SearchFailed     bool                        `json:"search_failed"`
	ProviderFound    bool                        `json:"provider_found"`
	Terminal         bool                        `json:"terminal"`
	LimboRemaining   time.Duration               `json:"limbo_remaining"`
	Loaded           bool                        `json:"loaded"`
	LoadErr          error                       `json:"-"`
	LoadError        string                      `json:"load_error,omitempty"`
	Connected        bool                        `json:"connected"`
	PaymentError     string                      `json:"payment_error,omitempty"`
	LastNotification *events.NotificationPayload `json:"last_notification,omitempty"`
	UpdatedAt        time.Time                   `json:"updated_at"`
}

// Status returns the booking status, or the empty status before the first load.
func (v View) Status() models.Status {
	if v.Booking == nil {
		return ""
	}
	return v.Booking.Status
}

// buildView assembles the view from loop-owned state. Called on the loop goroutine.
func (s *Session) buildView(now time.Time) View {
	v := View{
		BookingID:     s.id,
		Timeline:      reconcile.MergeTimeline(s.history, s.state.Timeline),
		Messages:      s.sortedMessages(),
		Typing:        s.activeTypers(now),
		ProviderFound: s.found.Tripped(),
		Loaded:        s.loaded,
		LoadErr:       s.loadErr,
		PaymentError:  s.paymentError,
		UpdatedAt:     now,
	}
	if s.loadErr != nil {
		v.LoadError = s.loadErr.Error()
	}
	if s.notification != nil {
		n := *s.notification
		v.LastNotification = &n
	}
	if s.state.Known() {
		b := s.state.Booking.Clone()
		v.Booking = b
		v.Guards = GuardsFor(b)
		v.SearchFailed = SearchFailed(b, s.config.MaxAssignments)
		v.Terminal = b.Status.IsTerminal()
		v.LimboRemaining = deadline.RemainingPtr(now, b.LimboTimeoutAt)
	}
	return v
}

func (s *Session) sortedMessages() []models.Message {
	out := make([]models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SentAt.Equal(out[j].SentAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out
}

func (s *Session) activeTypers(now time.Time) []string {
	var out []string
	for user, until := range s.typing {
		if now.Before(until) {
			out = append(out, user)
		}
	}
	sort.Strings(out)
	return out
}

// publish stores the current view and offers it on the updates channel, replacing an
// unread older view.
func (s *Session) publish() {
	v := s.buildView(s.clock.Now())

	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()

	for {
		select {
		case s.updates <- v:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// View returns the latest view with time-dependent fields evaluated now.
func (s *Session) View() View {
	s.viewMu.RLock()
	v := s.view
	s.viewMu.RUnlock()

	now := s.clock.Now()
	v.Booking = v.Booking.Clone()
	if v.Booking != nil {
		v.LimboRemaining = deadline.RemainingPtr(now, v.Booking.LimboTimeoutAt)
	}
	v.Connected = s.svc.conn.IsConnected()
	return v
}

// Updates delivers views as they change. Only the latest unread view is kept. The
// channel is closed when the session closes.
func (s *Session) Updates() <-chan View {
	return s.updates
}
