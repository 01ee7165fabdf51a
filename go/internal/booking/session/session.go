package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bookingsync/go/internal/booking/dedup"
	"github.com/mcdev12/bookingsync/go/internal/booking/events"
	"github.com/mcdev12/bookingsync/go/internal/booking/latch"
	"github.com/mcdev12/bookingsync/go/internal/booking/reconcile"
	"github.com/mcdev12/bookingsync/go/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// pulledBooking is a detail snapshot with the instant its request was issued.
type pulledBooking struct {
	booking  *models.Booking
	issuedAt time.Time
}

// Session keeps one booking consistent while push events, pull snapshots and limbo
// timeouts arrive concurrently. All of them are funnelled into a single loop goroutine
// and reconciled one at a time; everything below "loop-owned" is touched only there.
type Session struct {
	id     string
	svc    *Service
	clock  clockwork.Clock
	config Config

	ctx      context.Context
	cancel   context.CancelFunc
	inbox    chan func()
	timeouts chan time.Time
	ticker   clockwork.Ticker
	loopDone chan struct{}

	loadSettled     chan struct{}
	loadSettledOnce sync.Once
	closeOnce       sync.Once
	missedPush      atomic.Bool

	found      *latch.Latch
	foundMu    sync.Mutex
	foundBook  models.Booking
	onFound    []func(models.Booking)

	updates chan View
	viewMu  sync.RWMutex
	view    View

	// loop-owned
	state        *reconcile.State
	history      []models.HistoryEntry
	messages     map[string]models.Message
	typing       map[string]time.Time
	wasSearching bool
	armed        *time.Time
	fired        *time.Time
	loaded       bool
	loadErr      error
	lastPushAt   time.Time
	paymentError string
	notification *events.NotificationPayload
	dirty        bool
}

func newSession(ctx context.Context, svc *Service, bookingID string) *Session {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	now := svc.clock.Now()
	s := &Session{
		id:          bookingID,
		svc:         svc,
		clock:       svc.clock,
		config:      svc.config,
		ctx:         ctx,
		cancel:      cancel,
		inbox:       make(chan func(), svc.config.InboxSize),
		timeouts:    make(chan time.Time, 1),
		loopDone:    make(chan struct{}),
		loadSettled: make(chan struct{}),
		found:       latch.New(),
		updates:     make(chan View, 1),
		state:       reconcile.NewState(bookingID),
		messages:    make(map[string]models.Message),
		typing:      make(map[string]time.Time),
		lastPushAt:  now,
	}
	s.view = View{BookingID: bookingID, UpdatedAt: now}
	return s
}

// start subscribes before loading so no push between the two is missed.
func (s *Session) start() {
	s.svc.conn.Subscribe(s.id, events.BookingEvents, s)
	s.ticker = s.clock.NewTicker(s.config.PollInterval)
	go s.loop()

	go func() {
		if err := s.load(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Warn().Err(err).Str("booking_id", s.id).Msg("initial booking load failed")
		}
	}()

	log.Info().Str("booking_id", s.id).Msg("booking session opened")
}

// ID returns the booking id.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) loop() {
	defer close(s.loopDone)
	defer s.shutdown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case fn := <-s.inbox:
			fn()
		case d := <-s.timeouts:
			s.handleTimeout(d)
		case <-s.ticker.Chan():
			s.poll()
		}
		s.flush()
	}
}

func (s *Session) flush() {
	if s.dirty {
		s.dirty = false
		s.publish()
	}
}

func (s *Session) shutdown() {
	s.ticker.Stop()
	if s.armed != nil {
		s.svc.sched.Disarm(s.id)
		s.armed = nil
	}
	close(s.updates)
}

// deliver hands fn to the loop. It reports false once the session is closed.
func (s *Session) deliver(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// do runs fn on the loop and waits until its effect is published. Never call it from
// the loop itself.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	if !s.deliver(func() {
		fn()
		s.flush()
		close(done)
	}) {
		return ErrSessionClosed
	}
	select {
	case <-done:
		return nil
	case <-s.ctx.Done():
		return ErrSessionClosed
	}
}

// bind derives a context that also ends when the session closes.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// HandlePush is called by the connection manager's read loop and never blocks. When the
// inbox is full the event is dropped and the next poll tick refreshes instead.
func (s *Session) HandlePush(env events.Envelope) {
	receivedAt := s.clock.Now()
	select {
	case <-s.ctx.Done():
		return
	default:
	}
	select {
	case s.inbox <- func() { s.handlePush(env, receivedAt) }:
	default:
		s.missedPush.Store(true)
		log.Warn().
			Str("booking_id", s.id).
			Str("event", string(env.Event)).
			Msg("session inbox full, dropping push event")
	}
}

// HandleConnectionState catches up with a refresh after the channel comes back.
func (s *Session) HandleConnectionState(connected bool) {
	select {
	case s.inbox <- func() {
		s.dirty = true
		if connected {
			s.refreshAsync(false, true)
		}
	}:
	default:
		s.missedPush.Store(true)
	}
}

func (s *Session) handlePush(env events.Envelope, receivedAt time.Time) {
	s.lastPushAt = receivedAt
	s.dirty = true

	if env.Event.Reconciled() {
		ev, err := events.ToReconcileEvent(env, receivedAt)
		if err != nil {
			log.Warn().Err(err).Str("booking_id", s.id).Str("event", string(env.Event)).Msg("discarding push event")
			return
		}
		s.apply(ev)
	}

	switch env.Event {
	case events.ProviderAssigned:
		status := s.state.Booking.Status
		if s.wasSearching && (status.IsSearching() || providerFound(status)) {
			s.tripProviderFound()
		}
		s.refreshAsync(true, false)

	case events.Reassignment:
		s.refreshAsync(true, false)

	case events.PaymentConfirmed:
		s.paymentError = ""
		s.refreshAsync(true, false)

	case events.PaymentFailed:
		s.paymentError = "payment failed"
		if p, err := events.ParsePayload(env.Event, env.Data); err == nil {
			if reason := p.(*events.PaymentPayload).Reason; reason != "" {
				s.paymentError = reason
			}
		}
		s.refreshAsync(false, false)

	case events.NewMessage, events.MessageRead, events.UserTyping, events.Notification:
		s.handleChatPush(env, receivedAt)
	}
}

// apply reconciles ev into the canonical state. Stale and mismatched events are
// absorbed here and never reach the UI.
func (s *Session) apply(ev reconcile.Event) error {
	next, res, err := reconcile.Reconcile(s.state, ev)
	if err != nil {
		var mismatch *reconcile.MismatchedBookingError
		switch {
		case errors.Is(err, reconcile.ErrStaleEvent):
			log.Debug().Err(err).Str("booking_id", s.id).Str("kind", ev.Kind).Msg("stale event ignored")
		case errors.As(err, &mismatch):
			log.Warn().Err(err).Str("booking_id", s.id).Msg("event for another booking discarded")
		default:
			log.Warn().Err(err).Str("booking_id", s.id).Str("kind", ev.Kind).Msg("event rejected")
		}
		return err
	}

	s.state = next
	if !res.Changed() {
		return nil
	}
	s.dirty = true
	if s.state.Known() {
		if err := s.state.Booking.Validate(); err != nil {
			log.Warn().Err(err).Str("booking_id", s.id).Str("kind", ev.Kind).Msg("reconciled booking breaks an invariant")
		}
	}

	if change := res.StatusChange; change != nil {
		log.Info().
			Str("booking_id", s.id).
			Str("from", string(change.FromStatus)).
			Str("to", string(change.ToStatus)).
			Str("source", string(change.Source)).
			Msg("booking status changed")
		if change.FromStatus != "" {
			go s.fetchHistory(s.ctx, false)
		}
	}

	b := &s.state.Booking
	if b.Status.IsSearching() {
		s.wasSearching = true
	}
	if s.wasSearching && providerFound(b.Status) {
		s.tripProviderFound()
	}
	s.syncDeadline()
	return nil
}

// syncDeadline keeps the scheduler slot in step with the limbo deadline. A deadline
// that already fired is never armed again.
func (s *Session) syncDeadline() {
	at := s.state.Booking.LimboTimeoutAt

	if at == nil || (s.fired != nil && s.fired.Equal(*at)) {
		if s.armed != nil {
			s.svc.sched.Disarm(s.id)
			s.armed = nil
		}
		return
	}
	if s.armed != nil && s.armed.Equal(*at) {
		return
	}

	d := *at
	s.svc.sched.Arm(s.id, d, func() { s.offerTimeout(d) })
	s.armed = &d
}

// offerTimeout runs on the scheduler goroutine. It never blocks and keeps only the
// newest undelivered deadline.
func (s *Session) offerTimeout(d time.Time) {
	for {
		select {
		case s.timeouts <- d:
			return
		default:
		}
		select {
		case <-s.timeouts:
		default:
		}
	}
}

func (s *Session) handleTimeout(d time.Time) {
	if s.armed != nil && s.armed.Equal(d) {
		s.armed = nil
	}
	fired := d
	s.fired = &fired

	cur := s.state.Booking.LimboTimeoutAt
	if cur == nil || !cur.Equal(d) {
		log.Debug().Str("booking_id", s.id).Time("deadline", d).Msg("timeout for a replaced deadline ignored")
		return
	}

	log.Info().Str("booking_id", s.id).Str("limbo", string(s.state.Booking.LimboState)).Msg("limbo deadline elapsed")
	s.apply(reconcile.NewTimeoutEvent(s.id, d))
	s.refreshAsync(true, false)
}

// poll is the fallback path: it refreshes only while the push channel is down, has been
// silent for PushSilence, or dropped events.
func (s *Session) poll() {
	now := s.clock.Now()
	if s.expireTypers(now) {
		s.dirty = true
	}
	if s.state.Known() && s.state.Booking.Status.IsTerminal() {
		return
	}

	connected := s.svc.conn.IsConnected()
	silent := now.Sub(s.lastPushAt) >= s.config.PushSilence
	missed := s.missedPush.Swap(false)
	if connected && !silent && !missed {
		return
	}

	log.Debug().
		Str("booking_id", s.id).
		Bool("connected", connected).
		Bool("silent", silent).
		Bool("missed", missed).
		Msg("polling booking")
	s.refreshAsync(false, false)
}

func (s *Session) tripProviderFound() {
	s.foundMu.Lock()
	if !s.found.Trip() {
		s.foundMu.Unlock()
		return
	}
	s.foundBook = *s.state.Booking.Clone()
	callbacks := slices.Clone(s.onFound)
	b := s.foundBook
	s.foundMu.Unlock()

	s.dirty = true
	log.Info().Str("booking_id", s.id).Str("status", string(b.Status)).Msg("provider found")
	for _, fn := range callbacks {
		go fn(b)
	}
}

// ProviderFound is closed the first time the booking leaves the searching phase for
// a found status.
func (s *Session) ProviderFound() <-chan struct{} {
	return s.found.Done()
}

// OnProviderFound registers fn to run exactly once, on its own goroutine, when the
// provider is found. fn runs immediately if that already happened.
func (s *Session) OnProviderFound(fn func(models.Booking)) {
	s.foundMu.Lock()
	defer s.foundMu.Unlock()
	if s.found.Tripped() {
		go fn(s.foundBook)
		return
	}
	s.onFound = append(s.onFound, fn)
}

// refreshAsync starts background pulls from the loop. A detail call already in flight
// is joined rather than replaced; see refreshDetail.
func (s *Session) refreshAsync(history, messages bool) {
	trigger := s.clock.Now()
	go func() {
		if err := s.refreshDetail(s.ctx, trigger); err != nil && !errors.Is(err, ErrSessionClosed) {
			log.Debug().Err(err).Str("booking_id", s.id).Msg("background refresh failed")
		}
	}()
	if history {
		go s.fetchHistory(s.ctx, false)
	}
	if messages {
		go s.fetchMessages(s.ctx)
	}
}

// refreshDetail joins any in-flight detail call. When the joined call was issued before
// trigger it may predate what triggered the refresh, so one follow-up call is made after
// it settles. Concurrent follow-ups share a call like any other.
func (s *Session) refreshDetail(ctx context.Context, trigger time.Time) error {
	res, err := s.pullDetail(ctx, false)
	if err != nil || !res.issuedAt.Before(trigger) {
		return err
	}
	_, err = s.pullDetail(ctx, false)
	return err
}

// fetchDetail pulls and reconciles the booking detail. force drops the in-flight call
// so the snapshot is requested after this point; only mutating actions use it.
func (s *Session) fetchDetail(ctx context.Context, force bool) (*models.Booking, error) {
	res, err := s.pullDetail(ctx, force)
	if err != nil {
		return nil, err
	}
	return res.booking.Clone(), nil
}

func (s *Session) pullDetail(ctx context.Context, force bool) (pulledBooking, error) {
	key := dedup.DetailKey(s.id)
	if force {
		s.svc.details.Forget(key)
	}

	res, _, err := s.svc.details.Run(ctx, key, func(ctx context.Context) (pulledBooking, error) {
		issuedAt := s.clock.Now()
		b, err := s.svc.api.GetBooking(ctx, s.id)
		if err != nil {
			return pulledBooking{}, err
		}
		return pulledBooking{booking: b, issuedAt: issuedAt}, nil
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return pulledBooking{}, ErrSessionClosed
		}
		if ctx.Err() == nil {
			s.do(func() { s.detailFailed(err) })
		}
		return pulledBooking{}, err
	}

	if err := s.do(func() { s.applyPull(res) }); err != nil {
		return pulledBooking{}, err
	}
	return res, nil
}

func (s *Session) applyPull(res pulledBooking) {
	err := s.apply(reconcile.NewSnapshotEvent(res.booking, res.issuedAt))
	if err != nil && !errors.Is(err, reconcile.ErrStaleEvent) {
		s.detailFailed(err)
		return
	}
	if !s.loaded || s.loadErr != nil {
		s.dirty = true
	}
	s.loaded = true
	s.loadErr = nil
	s.settleLoad()
}

// detailFailed surfaces the error only while no snapshot has ever loaded; later
// refresh failures keep the last good snapshot.
func (s *Session) detailFailed(err error) {
	if s.loaded {
		log.Debug().Err(err).Str("booking_id", s.id).Msg("refresh failed, keeping last snapshot")
		return
	}
	s.loadErr = err
	s.dirty = true
	s.settleLoad()
}

// settleLoad publishes before releasing WaitLoaded so waiters observe the outcome.
func (s *Session) settleLoad() {
	s.loadSettledOnce.Do(func() {
		s.publish()
		close(s.loadSettled)
	})
}

func (s *Session) fetchHistory(ctx context.Context, force bool) error {
	key := dedup.HistoryKey(s.id)
	if force {
		s.svc.history.Forget(key)
	}
	entries, _, err := s.svc.history.Run(ctx, key, func(ctx context.Context) ([]models.HistoryEntry, error) {
		return s.svc.api.GetHistory(ctx, s.id)
	})
	if err != nil {
		log.Debug().Err(err).Str("booking_id", s.id).Msg("history refresh failed")
		return err
	}
	return s.do(func() {
		s.history = entries
		s.dirty = true
	})
}

func (s *Session) fetchMessages(ctx context.Context) error {
	msgs, _, err := s.svc.messages.Run(ctx, dedup.MessagesKey(s.id), func(ctx context.Context) ([]models.Message, error) {
		return s.svc.api.GetMessages(ctx, s.id)
	})
	if err != nil {
		log.Debug().Err(err).Str("booking_id", s.id).Msg("messages refresh failed")
		return err
	}
	return s.do(func() { s.mergeMessages(msgs) })
}

// load fetches detail, history and messages concurrently. Only the detail error is
// returned; the other two degrade silently.
func (s *Session) load(ctx context.Context) error {
	ctx, cancel := s.bind(ctx)
	defer cancel()

	var g errgroup.Group
	var detailErr error
	g.Go(func() error {
		_, detailErr = s.fetchDetail(ctx, false)
		return detailErr
	})
	g.Go(func() error { return s.fetchHistory(ctx, false) })
	g.Go(func() error { return s.fetchMessages(ctx) })

	if err := g.Wait(); err != nil && detailErr == nil {
		log.Debug().Err(err).Str("booking_id", s.id).Msg("secondary booking data failed to load")
	}
	return detailErr
}

// Refresh pulls the booking detail, joining a refresh already in flight, and returns
// once the snapshot has been reconciled.
func (s *Session) Refresh(ctx context.Context) (*models.Booking, error) {
	if s.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	b, err := s.fetchDetail(ctx, false)
	if err != nil && s.ctx.Err() != nil {
		return nil, ErrSessionClosed
	}
	return b, err
}

// RefreshHistory pulls the status log.
func (s *Session) RefreshHistory(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	return s.fetchHistory(ctx, false)
}

// WaitLoaded blocks until the initial load settles and returns its error, if any.
func (s *Session) WaitLoaded(ctx context.Context) error {
	select {
	case <-s.loadSettled:
		return s.View().LoadErr
	case <-s.ctx.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry repeats the full load after an initial load failure.
func (s *Session) Retry(ctx context.Context) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	return s.load(ctx)
}

// Close unsubscribes, stops the loop and disarms the limbo deadline. In-flight pulls
// are abandoned, not cancelled; their completions are dropped. Close is idempotent.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.svc.conn.Unsubscribe(s.id, events.BookingEvents)
		s.cancel()
		<-s.loopDone
		s.svc.remove(s)
		log.Info().Str("booking_id", s.id).Msg("booking session closed")
	})
}
