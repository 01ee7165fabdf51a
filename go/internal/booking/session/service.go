package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bookingsync/go/internal/booking/dedup"
	"github.com/mcdev12/bookingsync/go/internal/booking/scheduler"
	"github.com/mcdev12/bookingsync/go/internal/models"
)

// Service owns the infrastructure shared by all booking sessions: the REST API, the push
// connection, the deadline scheduler and the fetch dedup groups.
type Service struct {
	api    API
	conn   Connection
	sched  *scheduler.Scheduler
	clock  clockwork.Clock
	config Config

	details  *dedup.Group[pulledBooking]
	history  *dedup.Group[[]models.HistoryEntry]
	messages *dedup.Group[[]models.Message]

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// Stats is a point-in-time summary of the service for the inspector.
type Stats struct {
	Sessions       int    `json:"sessions"`
	ArmedDeadlines int    `json:"armed_deadlines"`
	DetailCalls    uint64 `json:"detail_calls"`
	HistoryCalls   uint64 `json:"history_calls"`
	MessageCalls   uint64 `json:"message_calls"`
}

// NewService creates a Service. The scheduler must be started by the caller.
func NewService(api API, conn Connection, sched *scheduler.Scheduler, clock clockwork.Clock, config Config) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	config = config.withDefaults()
	return &Service{
		api:      api,
		conn:     conn,
		sched:    sched,
		clock:    clock,
		config:   config,
		details:  dedup.NewGroup[pulledBooking](config.FetchTimeout),
		history:  dedup.NewGroup[[]models.HistoryEntry](config.FetchTimeout),
		messages: dedup.NewGroup[[]models.Message](config.FetchTimeout),
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for bookingID, starting one if none is open. The initial
// load runs in the background; use WaitLoaded to wait for it. The session outlives ctx
// and ends with Close.
func (svc *Service) Open(ctx context.Context, bookingID string) (*Session, error) {
	if bookingID == "" {
		return nil, errors.New("open session: empty booking id")
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := svc.sessions[bookingID]; ok {
		return s, nil
	}

	s := newSession(ctx, svc, bookingID)
	svc.sessions[bookingID] = s
	s.start()
	return s, nil
}

// Session returns the open session for bookingID.
func (svc *Service) Session(bookingID string) (*Session, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s, ok := svc.sessions[bookingID]
	return s, ok
}

// Sessions returns the open sessions ordered by booking id.
func (svc *Service) Sessions() []*Session {
	svc.mu.Lock()
	out := make([]*Session, 0, len(svc.sessions))
	for _, s := range svc.sessions {
		out = append(out, s)
	}
	svc.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Stats summarizes open sessions and fetch activity.
func (svc *Service) Stats() Stats {
	svc.mu.Lock()
	n := len(svc.sessions)
	svc.mu.Unlock()

	return Stats{
		Sessions:       n,
		ArmedDeadlines: svc.sched.Len(),
		DetailCalls:    svc.details.Calls(),
		HistoryCalls:   svc.history.Calls(),
		MessageCalls:   svc.messages.Calls(),
	}
}

// Close closes every open session. Open fails afterwards.
func (svc *Service) Close() {
	svc.mu.Lock()
	svc.closed = true
	svc.mu.Unlock()

	for _, s := range svc.Sessions() {
		s.Close()
	}
}

func (svc *Service) remove(s *Session) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if cur, ok := svc.sessions[s.id]; ok && cur == s {
		delete(svc.sessions, s.id)
	}
}
