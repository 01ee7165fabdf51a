package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bookingsync/go/internal/booking/dedup"
	"github.com/mcdev12/bookingsync/go/internal/booking/events"
	"github.com/mcdev12/bookingsync/go/internal/booking/scheduler"
	"github.com/mcdev12/bookingsync/go/internal/models"
	"github.com/mcdev12/bookingsync/go/internal/realtime"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

const bookingID = "b-1"

type fakeAPI struct {
	mu        sync.Mutex
	booking   models.Booking
	history   []models.HistoryEntry
	messages  []models.Message
	detailErr error
	gate      chan struct{}
	actions   []string

	detailCalls atomic.Int32
}

func newFakeAPI(b models.Booking) *fakeAPI {
	return &fakeAPI{booking: b}
}

func (f *fakeAPI) set(fn func(b *models.Booking)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.booking)
}

func (f *fakeAPI) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailErr = err
}

func (f *fakeAPI) setGate(gate chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = gate
}

func (f *fakeAPI) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	f.detailCalls.Add(1)
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return f.booking.Clone(), nil
}

func (f *fakeAPI) GetHistory(ctx context.Context, id string) ([]models.HistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.HistoryEntry(nil), f.history...), nil
}

func (f *fakeAPI) GetMessages(ctx context.Context, id string) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Message(nil), f.messages...), nil
}

func (f *fakeAPI) record(action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return nil
}

func (f *fakeAPI) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeAPI) Cancel(ctx context.Context, id, reason string) error       { return f.record("cancel") }
func (f *fakeAPI) AcceptScope(ctx context.Context, id string) error          { return f.record("accept") }
func (f *fakeAPI) DeclineScope(ctx context.Context, id, reason string) error { return f.record("decline") }
func (f *fakeAPI) ConfirmStart(ctx context.Context, id string) error         { return f.record("start") }
func (f *fakeAPI) ConfirmComplete(ctx context.Context, id string) error      { return f.record("complete") }
func (f *fakeAPI) Pay(ctx context.Context, id, phone string) error           { return f.record("pay") }

type emitted struct {
	name    events.Name
	payload interface{}
}

type fakeConn struct {
	mu           sync.Mutex
	handlers     map[string]realtime.Handler
	unsubscribed []string
	emitted      []emitted
	connected    atomic.Bool
}

func newFakeConn(connected bool) *fakeConn {
	c := &fakeConn{handlers: make(map[string]realtime.Handler)}
	c.connected.Store(connected)
	return c
}

func (c *fakeConn) Subscribe(id string, names []events.Name, h realtime.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[id] = h
}

func (c *fakeConn) Unsubscribe(id string, names []events.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, id)
	c.unsubscribed = append(c.unsubscribed, id)
}

func (c *fakeConn) IsConnected() bool {
	return c.connected.Load()
}

func (c *fakeConn) Emit(ctx context.Context, name events.Name, id string, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, emitted{name: name, payload: payload})
	return nil
}

func (c *fakeConn) handler(id string) realtime.Handler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers[id]
}

func (c *fakeConn) emittedNames() []events.Name {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Name
	for _, e := range c.emitted {
		out = append(out, e.name)
	}
	return out
}

func testConfig() Config {
	return Config{
		PollInterval:   time.Hour,
		PushSilence:    2 * time.Hour,
		MaxAssignments: 3,
		TypingTTL:      5 * time.Second,
		FetchTimeout:   5 * time.Second,
		InboxSize:      32,
	}
}

type harness struct {
	api   *fakeAPI
	conn  *fakeConn
	clock *clockwork.FakeClock
	sched *scheduler.Scheduler
	svc   *Service
}

func newHarness(t *testing.T, b models.Booking, cfg Config, connected bool) *harness {
	t.Helper()
	fc := clockwork.NewFakeClockAt(t0)
	sched := scheduler.New(fc, time.Second)
	sched.Start(context.Background())
	t.Cleanup(sched.Stop)

	h := &harness{
		api:   newFakeAPI(b),
		conn:  newFakeConn(connected),
		clock: fc,
		sched: sched,
	}
	h.svc = NewService(h.api, h.conn, sched, fc, cfg)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) open(t *testing.T) *Session {
	t.Helper()
	s, err := h.svc.Open(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitLoaded(ctx); err != nil {
		t.Fatalf("WaitLoaded: %v", err)
	}
	return s
}

func waitView(t *testing.T, s *Session, what string, cond func(View) bool) View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v := s.View()
		if cond(v) {
			return v
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last view status=%q booking=%+v", what, v.Status(), v.Booking)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// deliver hands env to the session one second after the previous event, the way the
// connection manager would on a live channel.
func (h *harness) deliver(s *Session, env events.Envelope) {
	h.clock.Advance(time.Second)
	s.HandlePush(env)
}

func push(t *testing.T, name events.Name, at time.Time, data map[string]interface{}) events.Envelope {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return events.Envelope{Event: name, BookingID: bookingID, Timestamp: at, Data: raw}
}

func statusPush(t *testing.T, status models.Status, at time.Time) events.Envelope {
	return push(t, events.BookingStatusChanged, at, map[string]interface{}{
		"booking_id": bookingID,
		"status":     string(status),
		"changed_at": at,
	})
}

func searching() models.Booking {
	return models.Booking{ID: bookingID, Status: models.StatusPendingAssignment, AssignmentCount: 1}
}

func awaitingAcceptance(deadline time.Time) models.Booking {
	return models.Booking{
		ID:              bookingID,
		Status:          models.StatusWaitingAcceptance,
		LimboState:      models.LimboWaitingAcceptance,
		LimboTimeoutAt:  &deadline,
		AssignmentCount: 1,
		QuotationAmount: &models.Money{Amount: 250000, Currency: "KES"},
	}
}

func TestInitialLoad(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	h.api.history = []models.HistoryEntry{{BookingID: bookingID, ToStatus: models.StatusPendingAssignment, ChangedAt: t0.Add(-time.Minute), Source: models.SourcePull}}
	h.api.messages = []models.Message{{ID: "m-1", SenderID: "p-1", Body: "hello", SentAt: t0.Add(-time.Minute)}}

	s := h.open(t)

	v := waitView(t, s, "history and messages", func(v View) bool {
		return len(v.Messages) == 1 && len(v.Timeline) >= 1
	})
	if !v.Loaded || v.LoadErr != nil {
		t.Fatalf("Loaded = %v, LoadErr = %v", v.Loaded, v.LoadErr)
	}
	if v.Status() != models.StatusPendingAssignment {
		t.Fatalf("status = %q", v.Status())
	}
	if !v.Guards.CanCancel || v.Guards.CanChat {
		t.Fatalf("guards = %+v", v.Guards)
	}
	if !v.Connected {
		t.Fatal("view should report connected")
	}
	if h.conn.handler(bookingID) == nil {
		t.Fatal("session did not subscribe")
	}

	again, err := h.svc.Open(context.Background(), bookingID)
	if err != nil || again != s {
		t.Fatalf("second Open returned %p, %v; want existing session %p", again, err, s)
	}
}

func TestProviderFoundFiresOnce(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)

	var calls atomic.Int32
	s.OnProviderFound(func(models.Booking) { calls.Add(1) })

	// Provider-assigned implies the transition before any status arrives.
	h.deliver(s, push(t, events.ProviderAssigned, t0.Add(time.Second), map[string]interface{}{
		"booking_id":  bookingID,
		"provider":    map[string]interface{}{"id": "p-1", "name": "Jane"},
		"assigned_at": t0.Add(time.Second),
	}))
	select {
	case <-s.ProviderFound():
	case <-time.After(2 * time.Second):
		t.Fatal("provider found signal did not fire")
	}

	// The same transition reported by a status push and by a later pull.
	h.deliver(s, statusPush(t, models.StatusWaitingQuote, t0.Add(2*time.Second)))
	h.api.set(func(b *models.Booking) { b.Status = models.StatusWaitingQuote })
	h.clock.Advance(3 * time.Second)
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	waitView(t, s, "waiting_quote", func(v View) bool { return v.Status() == models.StatusWaitingQuote })

	// Late registrations still run once.
	late := make(chan models.Booking, 1)
	s.OnProviderFound(func(b models.Booking) { late <- b })
	select {
	case <-late:
	case <-time.After(2 * time.Second):
		t.Fatal("late OnProviderFound callback did not run")
	}

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("provider found callback ran %d times, want 1", got)
	}
	if !s.View().ProviderFound {
		t.Fatal("view should report provider found")
	}
}

func TestProviderFoundFiresOnceInArrivalOrder(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)

	var calls atomic.Int32
	s.OnProviderFound(func(models.Booking) { calls.Add(1) })

	// Status push first, then the pull that confirms it, then provider-assigned.
	h.deliver(s, statusPush(t, models.StatusWaitingQuote, h.clock.Now()))
	select {
	case <-s.ProviderFound():
	case <-time.After(2 * time.Second):
		t.Fatal("provider found signal did not fire")
	}

	h.api.set(func(b *models.Booking) {
		b.Status = models.StatusWaitingQuote
		b.Provider = &models.ProviderInfo{ID: "p-1", Name: "Jane"}
	})
	h.clock.Advance(time.Second)
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	h.deliver(s, push(t, events.ProviderAssigned, h.clock.Now(), map[string]interface{}{
		"booking_id": bookingID,
		"provider":   map[string]interface{}{"id": "p-1", "name": "Jane"},
	}))
	if err := s.do(func() {}); err != nil {
		t.Fatalf("session closed: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("provider found callback ran %d times, want 1", got)
	}
}

func TestProviderFoundNeedsSearching(t *testing.T) {
	b := searching()
	b.Status = models.StatusPaid
	h := newHarness(t, b, testConfig(), true)
	s := h.open(t)

	h.deliver(s, statusPush(t, models.StatusOnTheWay, t0.Add(time.Second)))
	waitView(t, s, "on_the_way", func(v View) bool { return v.Status() == models.StatusOnTheWay })

	select {
	case <-s.ProviderFound():
		t.Fatal("provider found fired without a searching phase")
	default:
	}
}

func TestConcurrentRefreshSharesOneCall(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)
	before := h.api.detailCalls.Load()

	gate := make(chan struct{})
	h.api.setGate(gate)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Refresh(context.Background())
			errs <- err
		}()
	}

	waitFor(t, "detail call in flight", func() bool { return h.svc.details.InFlight(dedup.DetailKey(bookingID)) })
	time.Sleep(50 * time.Millisecond)
	h.api.setGate(nil)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	if got := h.api.detailCalls.Load() - before; got != 1 {
		t.Fatalf("detail calls = %d, want 1", got)
	}
}

func TestQuoteAcceptanceDisarmsDeadline(t *testing.T) {
	deadline := t0.Add(time.Minute)
	h := newHarness(t, awaitingAcceptance(deadline), testConfig(), true)
	s := h.open(t)

	waitFor(t, "deadline armed", func() bool {
		at, ok := h.sched.Armed(bookingID)
		return ok && at.Equal(deadline)
	})
	if !s.View().Guards.CanAcceptOrDeclineQuote {
		t.Fatal("quote should be actionable while waiting for acceptance")
	}

	h.deliver(s, statusPush(t, models.StatusAccepted, t0.Add(30*time.Second)))
	v := waitView(t, s, "accepted", func(v View) bool { return v.Status() == models.StatusAccepted })
	if v.Guards.CanAcceptOrDeclineQuote {
		t.Fatal("accept/decline still allowed after acceptance")
	}
	if v.Booking.LimboState != models.LimboNone || v.Booking.LimboTimeoutAt != nil {
		t.Fatalf("limbo not cleared: %+v", v.Booking)
	}
	waitFor(t, "deadline disarmed", func() bool {
		_, ok := h.sched.Armed(bookingID)
		return !ok
	})

	calls := h.api.detailCalls.Load()
	h.clock.Advance(2 * time.Minute)
	time.Sleep(50 * time.Millisecond)

	v = s.View()
	if v.Status() != models.StatusAccepted || v.Booking.LimboExpired {
		t.Fatalf("view after deadline = %+v", v.Booking)
	}
	if got := h.api.detailCalls.Load(); got != calls {
		t.Fatalf("detail calls went from %d to %d after a disarmed deadline", calls, got)
	}
}

func TestLimboTimeoutRefreshes(t *testing.T) {
	deadline := t0.Add(time.Minute)
	h := newHarness(t, awaitingAcceptance(deadline), testConfig(), true)
	s := h.open(t)

	waitFor(t, "deadline armed", func() bool {
		_, ok := h.sched.Armed(bookingID)
		return ok
	})
	if got := s.View().LimboRemaining; got != time.Minute {
		t.Fatalf("LimboRemaining = %v, want 1m", got)
	}

	h.api.set(func(b *models.Booking) {
		b.Status = models.StatusQuoteExpired
		b.LimboState = models.LimboNone
		b.LimboTimeoutAt = nil
	})
	h.clock.Advance(time.Minute)

	v := waitView(t, s, "quote_expired", func(v View) bool { return v.Status() == models.StatusQuoteExpired })
	if !v.Terminal {
		t.Fatal("quote_expired should be terminal")
	}
	if v.LimboRemaining != 0 {
		t.Fatalf("LimboRemaining = %v after expiry", v.LimboRemaining)
	}
	if _, ok := h.sched.Armed(bookingID); ok {
		t.Fatal("deadline still armed after firing")
	}
}

func TestInitialLoadFailureThenRetry(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	h.api.setErr(errors.New("network unreachable"))

	s, err := h.svc.Open(context.Background(), bookingID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.WaitLoaded(ctx); err == nil {
		t.Fatal("WaitLoaded should report the load error")
	}
	v := s.View()
	if v.Loaded || v.LoadErr == nil || v.LoadError == "" {
		t.Fatalf("view after failed load: Loaded=%v LoadErr=%v", v.Loaded, v.LoadErr)
	}

	h.api.setErr(nil)
	if err := s.Retry(ctx); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	v = waitView(t, s, "loaded", func(v View) bool { return v.Loaded })
	if v.LoadErr != nil || v.Status() != models.StatusPendingAssignment {
		t.Fatalf("view after retry: LoadErr=%v status=%q", v.LoadErr, v.Status())
	}
}

func TestRefreshFailureKeepsSnapshot(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)

	h.api.setErr(errors.New("gateway timeout"))
	if _, err := s.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh should return the fetch error")
	}

	time.Sleep(20 * time.Millisecond)
	v := s.View()
	if !v.Loaded || v.LoadErr != nil {
		t.Fatalf("refresh failure surfaced: Loaded=%v LoadErr=%v", v.Loaded, v.LoadErr)
	}
	if v.Status() != models.StatusPendingAssignment {
		t.Fatalf("status = %q", v.Status())
	}
}

func TestStalePushIgnored(t *testing.T) {
	b := searching()
	b.Revision = 5
	h := newHarness(t, b, testConfig(), true)
	s := h.open(t)

	h.deliver(s, push(t, events.BookingStatusChanged, t0, map[string]interface{}{
		"booking_id": bookingID,
		"status":     string(models.StatusCancelled),
		"revision":   4,
	}))
	h.deliver(s, push(t, events.BookingStatusChanged, t0, map[string]interface{}{
		"booking_id": bookingID,
		"status":     string(models.StatusWaitingQuote),
		"revision":   6,
	}))

	v := waitView(t, s, "waiting_quote", func(v View) bool { return v.Status() == models.StatusWaitingQuote })
	for _, e := range v.Timeline {
		if e.ToStatus == models.StatusCancelled {
			t.Fatalf("stale push reached the timeline: %+v", e)
		}
	}
	if v.Booking.Revision != 6 {
		t.Fatalf("revision = %d, want 6", v.Booking.Revision)
	}
}

func TestServerClockAheadKeepsPullAuthority(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)

	serverNow := h.clock.Now().Add(time.Minute)
	h.deliver(s, statusPush(t, models.StatusWaitingQuote, serverNow))
	waitView(t, s, "waiting_quote", func(v View) bool { return v.Status() == models.StatusWaitingQuote })

	h.api.set(func(b *models.Booking) { b.Status = models.StatusCancelled })
	h.clock.Advance(10 * time.Second)
	if _, err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := s.View().Status(); got != models.StatusCancelled {
		t.Fatalf("status after later pull = %q, want cancelled", got)
	}
}

func TestServerClockBehindAcceptsFreshPush(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)

	h.clock.Advance(4 * time.Second)
	serverNow := h.clock.Now().Add(-30 * time.Second)
	h.deliver(s, statusPush(t, models.StatusWaitingQuote, serverNow))
	waitView(t, s, "waiting_quote", func(v View) bool { return v.Status() == models.StatusWaitingQuote })
}

func TestPushRefreshesJoinInFlightCall(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)
	before := h.api.detailCalls.Load()

	first := make(chan struct{})
	h.api.setGate(first)
	errc := make(chan error, 1)
	go func() {
		_, err := s.Refresh(context.Background())
		errc <- err
	}()
	waitFor(t, "detail call in flight", func() bool { return h.svc.details.InFlight(dedup.DetailKey(bookingID)) })

	h.deliver(s, push(t, events.Reassignment, t0, map[string]interface{}{
		"booking_id":       bookingID,
		"assignment_count": 2,
	}))
	h.deliver(s, push(t, events.ProviderAssigned, t0, map[string]interface{}{
		"booking_id": bookingID,
		"provider":   map[string]interface{}{"id": "p-1", "name": "Jane"},
	}))
	time.Sleep(50 * time.Millisecond)
	if got := h.api.detailCalls.Load() - before; got != 1 {
		t.Fatalf("detail calls while one was in flight = %d, want 1", got)
	}

	// The joined call was issued before both pushes, so exactly one follow-up runs.
	second := make(chan struct{})
	h.api.setGate(second)
	close(first)
	if err := <-errc; err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	waitFor(t, "follow-up call", func() bool { return h.api.detailCalls.Load()-before == 2 })
	time.Sleep(50 * time.Millisecond)
	if got := h.api.detailCalls.Load() - before; got != 2 {
		t.Fatalf("detail calls after follow-up = %d, want 2", got)
	}
	h.api.setGate(nil)
	close(second)
}

type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBrokenInvariantIsLogged(t *testing.T) {
	logs := &logBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(logs)
	t.Cleanup(func() { log.Logger = prev })

	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)

	// A limbo state without its deadline cannot come out of reconciliation on its own.
	if err := s.do(func() { s.state.Booking.LimboState = models.LimboWaitingQuote }); err != nil {
		t.Fatalf("session closed: %v", err)
	}
	h.deliver(s, push(t, events.Reassignment, t0, map[string]interface{}{
		"booking_id":       bookingID,
		"assignment_count": 2,
	}))

	waitFor(t, "invariant warning", func() bool {
		return strings.Contains(logs.String(), "reconciled booking breaks an invariant")
	})
}

func TestActionGuards(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)
	ctx := context.Background()

	if err := s.AcceptScope(ctx); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("AcceptScope err = %v, want ErrActionNotAllowed", err)
	}
	if err := s.Pay(ctx, "+254700000000"); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("Pay err = %v, want ErrActionNotAllowed", err)
	}
	if _, err := s.SendMessage(ctx, "hi"); !errors.Is(err, ErrActionNotAllowed) {
		t.Fatalf("SendMessage err = %v, want ErrActionNotAllowed", err)
	}
	if got := h.api.recorded(); len(got) != 0 {
		t.Fatalf("rejected actions reached the API: %v", got)
	}

	h.api.set(func(b *models.Booking) { b.Status = models.StatusCancelled })
	h.clock.Advance(time.Second)
	calls := h.api.detailCalls.Load()
	if err := s.Cancel(ctx, "changed plans"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := h.api.recorded(); len(got) != 1 || got[0] != "cancel" {
		t.Fatalf("actions = %v", got)
	}
	if h.api.detailCalls.Load() <= calls {
		t.Fatal("action did not refresh the booking")
	}
	if v := s.View(); v.Status() != models.StatusCancelled || v.Guards.CanCancel {
		t.Fatalf("after cancel: status=%q guards=%+v", v.Status(), v.Guards)
	}
}

func TestPaymentFailedSurfacesReason(t *testing.T) {
	deadline := t0.Add(time.Hour)
	h := newHarness(t, awaitingAcceptance(deadline), testConfig(), true)
	s := h.open(t)

	if err := s.Pay(context.Background(), "+254700000000"); err != nil {
		t.Fatalf("Pay: %v", err)
	}
	h.deliver(s, push(t, events.PaymentFailed, t0.Add(time.Second), map[string]interface{}{
		"booking_id": bookingID,
		"reason":     "insufficient funds",
	}))
	v := waitView(t, s, "payment error", func(v View) bool { return v.PaymentError != "" })
	if v.PaymentError != "insufficient funds" {
		t.Fatalf("PaymentError = %q", v.PaymentError)
	}
	if v.Status() != models.StatusWaitingAcceptance {
		t.Fatalf("payment failure changed status to %q", v.Status())
	}
}

func TestPollingWhenDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 15 * time.Second
	h := newHarness(t, searching(), cfg, false)
	s := h.open(t)

	h.api.set(func(b *models.Booking) { b.Status = models.StatusWaitingQuote })
	h.clock.Advance(15 * time.Second)

	waitView(t, s, "polled status", func(v View) bool { return v.Status() == models.StatusWaitingQuote })
}

func TestNoPollingWhileConnected(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 15 * time.Second
	cfg.PushSilence = time.Hour
	h := newHarness(t, searching(), cfg, true)
	s := h.open(t)
	waitFor(t, "initial load settled", func() bool { return s.View().Loaded })
	time.Sleep(20 * time.Millisecond)

	calls := h.api.detailCalls.Load()
	h.clock.Advance(15 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if got := h.api.detailCalls.Load(); got != calls {
		t.Fatalf("detail calls went from %d to %d while connected", calls, got)
	}
}

func TestSearchFailedAfterReassignments(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)

	h.deliver(s, push(t, events.Reassignment, t0.Add(time.Second), map[string]interface{}{
		"booking_id":       bookingID,
		"assignment_count": 3,
		"reassigned_at":    t0.Add(time.Second),
	}))
	v := waitView(t, s, "search failed", func(v View) bool { return v.SearchFailed })
	if v.Booking.AssignmentCount != 3 {
		t.Fatalf("assignment count = %d", v.Booking.AssignmentCount)
	}
}

func TestChat(t *testing.T) {
	b := searching()
	b.Status = models.StatusWaitingQuote
	h := newHarness(t, b, testConfig(), true)
	s := h.open(t)
	ctx := context.Background()

	h.deliver(s, push(t, events.UserTyping, t0, map[string]interface{}{
		"booking_id": bookingID, "user_id": "p-1", "is_typing": true,
	}))
	waitView(t, s, "typing", func(v View) bool { return len(v.Typing) == 1 && v.Typing[0] == "p-1" })

	h.deliver(s, push(t, events.NewMessage, t0, map[string]interface{}{
		"id": "m-1", "booking_id": bookingID, "sender_id": "p-1", "body": "on my way", "sent_at": t0,
	}))
	v := waitView(t, s, "message", func(v View) bool { return len(v.Messages) == 1 })
	if len(v.Typing) != 0 {
		t.Fatalf("typing indicator survived the message: %v", v.Typing)
	}

	if err := s.MarkRead(ctx, "m-1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if v := s.View(); v.Messages[0].ReadAt == nil {
		t.Fatal("message not marked read")
	}

	id, err := s.SendMessage(ctx, "  thanks  ")
	if err != nil || id == "" {
		t.Fatalf("SendMessage = %q, %v", id, err)
	}
	if _, err := s.SendMessage(ctx, "   "); err == nil {
		t.Fatal("empty message should be rejected")
	}

	names := h.conn.emittedNames()
	if len(names) != 2 || names[0] != events.MarkRead || names[1] != events.SendMessage {
		t.Fatalf("emitted = %v", names)
	}
}

func TestTypingExpires(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Second
	b := searching()
	b.Status = models.StatusWaitingQuote
	h := newHarness(t, b, cfg, true)
	s := h.open(t)

	h.deliver(s, push(t, events.UserTyping, t0, map[string]interface{}{
		"booking_id": bookingID, "user_id": "p-1", "is_typing": true,
	}))
	waitView(t, s, "typing", func(v View) bool { return len(v.Typing) == 1 })

	h.clock.Advance(10 * time.Second)
	waitView(t, s, "typing expired", func(v View) bool { return len(v.Typing) == 0 })
}

func TestUpdatesDeliversLatestView(t *testing.T) {
	h := newHarness(t, searching(), testConfig(), true)
	s := h.open(t)

	h.deliver(s, statusPush(t, models.StatusWaitingQuote, t0.Add(time.Second)))
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-s.Updates():
			if !ok {
				t.Fatal("updates closed early")
			}
			if v.Status() == models.StatusWaitingQuote {
				return
			}
		case <-timeout:
			t.Fatal("no update with the pushed status")
		}
	}
}

func TestCloseDropsLateCompletions(t *testing.T) {
	deadline := t0.Add(time.Minute)
	h := newHarness(t, awaitingAcceptance(deadline), testConfig(), true)
	s := h.open(t)
	waitFor(t, "deadline armed", func() bool {
		_, ok := h.sched.Armed(bookingID)
		return ok
	})

	gate := make(chan struct{})
	h.api.setGate(gate)
	errc := make(chan error, 1)
	go func() {
		_, err := s.Refresh(context.Background())
		errc <- err
	}()
	waitFor(t, "detail call in flight", func() bool { return h.svc.details.InFlight(dedup.DetailKey(bookingID)) })

	s.Close()
	s.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("Refresh err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Refresh did not return after Close")
	}

	h.api.set(func(b *models.Booking) { b.Status = models.StatusCancelled })
	h.api.setGate(nil)
	close(gate)
	time.Sleep(20 * time.Millisecond)

	if s.View().Status() != models.StatusWaitingAcceptance {
		t.Fatalf("late completion applied after close: %q", s.View().Status())
	}
	if _, ok := h.sched.Armed(bookingID); ok {
		t.Fatal("deadline still armed after close")
	}
	if _, ok := h.svc.Session(bookingID); ok {
		t.Fatal("closed session still registered")
	}
	if h.conn.handler(bookingID) != nil {
		t.Fatal("closed session still subscribed")
	}
	for range s.Updates() {
	}
	if err := s.Cancel(context.Background(), ""); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Cancel after close err = %v", err)
	}
}
