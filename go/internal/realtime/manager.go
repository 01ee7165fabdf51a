package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bookingsync/go/internal/auth"
	"github.com/mcdev12/bookingsync/go/internal/booking/events"
	"github.com/rs/zerolog/log"
)

// Handler receives push events routed to a subscription. Both methods are called from the
// manager's read loop and must not block; implementations enqueue and return.
// Implementations must be comparable (pointer receivers).
type Handler interface {
	HandlePush(env events.Envelope)
	HandleConnectionState(connected bool)
}

// Subscription routes one event name for one booking to a handler.
type Subscription struct {
	BookingID string
	EventName events.Name
	Handler   Handler
	Active    bool
}

type subscriptionKey struct {
	bookingID string
	event     events.Name
}

// Config holds connection manager configuration
type Config struct {
	MaxReconnectAttempts int // 0 means unbounded
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	StableAfter          time.Duration
	WriteTimeout         time.Duration
}

// DefaultConfig returns default connection manager configuration
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 10,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxDelay:    30 * time.Second,
		StableAfter:          time.Minute,
		WriteTimeout:         5 * time.Second,
	}
}

// Stats is a point-in-time view of the manager for diagnostics.
type Stats struct {
	Transport       string    `json:"transport"`
	Connected       bool      `json:"connected"`
	ConnectionID    string    `json:"connection_id,omitempty"`
	Subscriptions   int       `json:"subscriptions"`
	Bookings        int       `json:"bookings"`
	Connects        int64     `json:"connects"`
	Received        int64     `json:"received"`
	Dispatched      int64     `json:"dispatched"`
	Unrouted        int64     `json:"unrouted"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	// Degraded is set once reconnect attempts are exhausted and cleared on the next
	// successful connect. Sessions keep polling meanwhile.
	Degraded bool `json:"degraded"`
}

// Manager owns the single shared push channel connection of an authenticated user.
// Booking sessions only add and remove subscriptions; the connection itself is driven
// by Run. Create one per signed-in user and Close it on logout.
type Manager struct {
	transport Transport
	token     *auth.Token
	clock     clockwork.Clock
	config    Config

	mu       sync.RWMutex
	subs     map[subscriptionKey]*Subscription
	bookings map[string]int
	conn     Conn
	connID   string
	stats    Stats
	cancel   context.CancelFunc
	closed   bool
}

// NewManager creates a connection manager. token may be nil for anonymous transports.
func NewManager(transport Transport, token *auth.Token, clock clockwork.Clock, config Config) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		transport: transport,
		token:     token,
		clock:     clock,
		config:    config,
		subs:      make(map[subscriptionKey]*Subscription),
		bookings:  make(map[string]int),
		stats:     Stats{Transport: transport.Name()},
	}
}

// Subscribe registers handler for each event name of bookingID. An existing
// subscription for the same (booking, event) pair is replaced. The first subscription of
// a booking joins its room on the live connection.
func (m *Manager) Subscribe(bookingID string, names []events.Name, handler Handler) {
	m.mu.Lock()
	before := m.bookings[bookingID]
	for _, name := range names {
		key := subscriptionKey{bookingID: bookingID, event: name}
		if _, exists := m.subs[key]; exists {
			log.Debug().
				Str("booking_id", bookingID).
				Str("event", string(name)).
				Msg("replacing subscription")
		} else {
			m.bookings[bookingID]++
		}
		m.subs[key] = &Subscription{
			BookingID: bookingID,
			EventName: name,
			Handler:   handler,
			Active:    m.conn != nil,
		}
	}
	conn := m.conn
	join := before == 0 && m.bookings[bookingID] > 0
	m.mu.Unlock()

	if join && conn != nil {
		m.writeRoomCommand(conn, events.JoinBooking, bookingID)
	}
}

// Unsubscribe removes the subscriptions of bookingID for names, or all of them when names
// is empty. Removing the last subscription of a booking leaves its room.
func (m *Manager) Unsubscribe(bookingID string, names []events.Name) {
	m.mu.Lock()
	before := m.bookings[bookingID]
	if len(names) == 0 {
		for key := range m.subs {
			if key.bookingID == bookingID {
				delete(m.subs, key)
			}
		}
		delete(m.bookings, bookingID)
	} else {
		for _, name := range names {
			key := subscriptionKey{bookingID: bookingID, event: name}
			if _, exists := m.subs[key]; !exists {
				continue
			}
			delete(m.subs, key)
			m.bookings[bookingID]--
		}
		if m.bookings[bookingID] <= 0 {
			delete(m.bookings, bookingID)
		}
	}
	conn := m.conn
	leave := before > 0 && m.bookings[bookingID] == 0
	m.mu.Unlock()

	if leave && conn != nil {
		m.writeRoomCommand(conn, events.LeaveBooking, bookingID)
	}
}

// Subscriptions returns copies of the registered subscriptions of bookingID.
func (m *Manager) Subscriptions(bookingID string) []Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Subscription
	for key, sub := range m.subs {
		if key.bookingID == bookingID {
			out = append(out, *sub)
		}
	}
	return out
}

// IsConnected reports whether the push channel is currently up.
func (m *Manager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

// Emit sends a client command (send-message, typing, mark-read) on the live connection.
func (m *Manager) Emit(ctx context.Context, name events.Name, bookingID string, payload interface{}) error {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return &TransportError{Transport: m.transport.Name(), Op: "emit " + string(name), Err: ErrNotConnected}
	}

	env := events.Envelope{
		ID:        uuid.New().String(),
		Event:     name,
		BookingID: bookingID,
		Timestamp: m.clock.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", name, err)
		}
		env.Data = data
	}

	if err := conn.Write(ctx, env); err != nil {
		return &TransportError{Transport: m.transport.Name(), Op: "emit " + string(name), Err: err}
	}
	return nil
}

// Stats returns connection statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.stats
	s.Connected = m.conn != nil
	s.ConnectionID = m.connID
	s.Subscriptions = len(m.subs)
	s.Bookings = len(m.bookings)
	return s
}

// Run connects and keeps the connection alive until ctx ends, Close is called, the
// reconnect attempts are exhausted or the session token expires.
func (m *Manager) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	m.cancel = cancel
	m.mu.Unlock()

	recon := newReconnector(m.clock, m.config)
	log.Info().Str("transport", m.transport.Name()).Msg("connection manager started")

	for {
		if m.token != nil && m.token.Expired(m.clock.Now()) {
			log.Warn().Msg("session token expired, not reconnecting")
			return ErrSessionExpired
		}

		op := "dial"
		conn, err := m.transport.Dial(ctx)
		if err == nil {
			op = "read"
			recon.markConnected()
			m.attach(conn)
			err = m.readLoop(ctx, conn)
			m.detach(conn)
		}
		if ctx.Err() != nil {
			return m.stopErr(ctx)
		}

		terr := &TransportError{Transport: m.transport.Name(), Op: op, Err: err}
		m.recordError(terr)
		if !recon.shouldReconnect() {
			log.Error().Err(terr).Int("attempts", recon.attempt).Msg("giving up on push channel")
			m.mu.Lock()
			m.stats.Degraded = true
			m.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrReconnectExhausted, terr)
		}

		delay := recon.nextDelay()
		log.Warn().
			Err(terr).
			Int("attempt", recon.attempt).
			Dur("delay", delay).
			Msg("push channel down, reconnecting")

		select {
		case <-ctx.Done():
			return m.stopErr(ctx)
		case <-m.clock.After(delay):
		}
	}
}

func (m *Manager) stopErr(ctx context.Context) error {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return ErrManagerClosed
	}
	return ctx.Err()
}

// Close stops Run and drops the connection. Subscriptions are discarded.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	m.subs = make(map[subscriptionKey]*Subscription)
	m.bookings = make(map[string]int)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	log.Info().Msg("connection manager closed")
}

// attach installs a fresh connection, re-joins every subscribed booking and tells the
// handlers the channel is up.
func (m *Manager) attach(conn Conn) {
	m.mu.Lock()
	m.conn = conn
	m.connID = uuid.New().String()
	m.stats.Connects++
	m.stats.Degraded = false
	m.stats.LastConnectedAt = m.clock.Now()
	bookingIDs := make([]string, 0, len(m.bookings))
	for id := range m.bookings {
		bookingIDs = append(bookingIDs, id)
	}
	for _, sub := range m.subs {
		sub.Active = true
	}
	handlers := m.handlersLocked()
	connID := m.connID
	m.mu.Unlock()

	for _, id := range bookingIDs {
		m.writeRoomCommand(conn, events.JoinBooking, id)
	}

	log.Info().
		Str("connection_id", connID).
		Int("bookings", len(bookingIDs)).
		Msg("push channel connected")

	for _, h := range handlers {
		h.HandleConnectionState(true)
	}
}

func (m *Manager) detach(conn Conn) {
	conn.Close()

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	connID := m.connID
	m.connID = ""
	for _, sub := range m.subs {
		sub.Active = false
	}
	handlers := m.handlersLocked()
	m.mu.Unlock()

	log.Info().Str("connection_id", connID).Msg("push channel disconnected")

	for _, h := range handlers {
		h.HandleConnectionState(false)
	}
}

func (m *Manager) handlersLocked() []Handler {
	seen := make(map[Handler]struct{}, len(m.subs))
	handlers := make([]Handler, 0, len(m.subs))
	for _, sub := range m.subs {
		if _, ok := seen[sub.Handler]; ok {
			continue
		}
		seen[sub.Handler] = struct{}{}
		handlers = append(handlers, sub.Handler)
	}
	return handlers
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		env, err := conn.Read()
		if err != nil {
			if errors.Is(err, ErrConnClosed) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		m.dispatch(env)
	}
}

func (m *Manager) dispatch(env events.Envelope) {
	bookingID := env.ResolveBookingID()
	key := subscriptionKey{bookingID: bookingID, event: env.Event}

	m.mu.Lock()
	m.stats.Received++
	sub, ok := m.subs[key]
	var handler Handler
	if ok {
		handler = sub.Handler
		m.stats.Dispatched++
	} else {
		m.stats.Unrouted++
	}
	m.mu.Unlock()

	if handler == nil {
		log.Debug().
			Str("booking_id", bookingID).
			Str("event", string(env.Event)).
			Msg("no subscription for push event")
		return
	}
	handler.HandlePush(env)
}

func (m *Manager) writeRoomCommand(conn Conn, name events.Name, bookingID string) {
	timeout := m.config.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	data, _ := json.Marshal(events.BookingRoomCommand{BookingID: bookingID})
	env := events.Envelope{
		ID:        uuid.New().String(),
		Event:     name,
		BookingID: bookingID,
		Timestamp: m.clock.Now().UTC(),
		Data:      data,
	}
	if err := conn.Write(ctx, env); err != nil {
		log.Warn().
			Err(err).
			Str("booking_id", bookingID).
			Str("event", string(name)).
			Msg("failed to send room command")
		return
	}
	log.Debug().Str("booking_id", bookingID).Str("event", string(name)).Msg("room command sent")
}

func (m *Manager) recordError(err error) {
	m.mu.Lock()
	m.stats.LastError = err.Error()
	m.mu.Unlock()
}
