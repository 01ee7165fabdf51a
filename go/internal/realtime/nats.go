package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mcdev12/bookingsync/go/internal/auth"
	"github.com/mcdev12/bookingsync/go/internal/booking/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds configuration for the NATS relay transport
type NATSConfig struct {
	URL            string
	SubjectPrefix  string // e.g., "bookings"
	Name           string
	ConnectTimeout time.Duration
	Buffer         int
}

// DefaultNATSConfig returns default NATS relay configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "bookings",
		Name:           "bookingsync",
		ConnectTimeout: 5 * time.Second,
		Buffer:         256,
	}
}

// EventSubject is where the relay publishes push events for one booking.
func (c NATSConfig) EventSubject(bookingID string) string {
	return fmt.Sprintf("%s.%s.events", c.SubjectPrefix, bookingID)
}

// CommandSubject is where client commands for one booking are published.
func (c NATSConfig) CommandSubject(bookingID string, name events.Name) string {
	if bookingID == "" {
		bookingID = "_"
	}
	return fmt.Sprintf("%s.%s.commands.%s", c.SubjectPrefix, bookingID, name)
}

// bookingFromSubject extracts the booking id from an event subject.
func (c NATSConfig) bookingFromSubject(subject string) string {
	rest := strings.TrimPrefix(subject, c.SubjectPrefix+".")
	if rest == subject {
		return ""
	}
	id, _, _ := strings.Cut(rest, ".")
	return id
}

// NATSTransport receives push events through a NATS relay instead of the websocket
// endpoint. join-booking and leave-booking map to subject subscriptions; every other
// command is published on the booking's command subject.
type NATSTransport struct {
	config NATSConfig
	token  *auth.Token
}

func NewNATSTransport(config NATSConfig, token *auth.Token) *NATSTransport {
	return &NATSTransport{config: config, token: token}
}

func (t *NATSTransport) Name() string {
	return "nats"
}

// Dial connects without NATS-level reconnects; the Manager owns the reconnect policy.
func (t *NATSTransport) Dial(ctx context.Context) (Conn, error) {
	buffer := t.config.Buffer
	if buffer <= 0 {
		buffer = 256
	}
	c := &natsConn{
		config: t.config,
		msgs:   make(chan *nats.Msg, buffer),
		closed: make(chan struct{}),
		subs:   make(map[string]*nats.Subscription),
	}

	timeout := t.config.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout || timeout <= 0 {
			timeout = d
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = nats.DefaultTimeout
	}

	opts := []nats.Option{
		nats.Name(t.config.Name),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS relay disconnected")
			}
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.markClosed()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS relay error")
		}),
	}
	if t.token != nil && t.token.Raw != "" {
		opts = append(opts, nats.Token(t.token.Raw))
	}

	nc, err := nats.Connect(t.config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	c.nc = nc

	log.Debug().Str("url", nc.ConnectedUrl()).Msg("NATS relay connected")
	return c, nil
}

type natsConn struct {
	nc     *nats.Conn
	config NATSConfig

	msgs      chan *nats.Msg
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

func (c *natsConn) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *natsConn) Read() (events.Envelope, error) {
	for {
		select {
		case <-c.closed:
			if err := c.nc.LastError(); err != nil {
				return events.Envelope{}, err
			}
			return events.Envelope{}, ErrConnClosed
		case msg := <-c.msgs:
			var env events.Envelope
			if err := json.Unmarshal(msg.Data, &env); err != nil {
				log.Warn().Err(err).Str("subject", msg.Subject).Msg("discarding undecodable relay message")
				continue
			}
			if env.BookingID == "" {
				env.BookingID = c.config.bookingFromSubject(msg.Subject)
			}
			return env, nil
		}
	}
}

func (c *natsConn) Write(ctx context.Context, env events.Envelope) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	switch env.Event {
	case events.JoinBooking:
		return c.join(env.BookingID)
	case events.LeaveBooking:
		return c.leave(env.BookingID)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}
	if err := c.nc.Publish(c.config.CommandSubject(env.BookingID, env.Event), data); err != nil {
		return fmt.Errorf("publish %s: %w", env.Event, err)
	}
	return nil
}

func (c *natsConn) join(bookingID string) error {
	subject := c.config.EventSubject(bookingID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subject]; ok {
		return nil
	}
	sub, err := c.nc.ChanSubscribe(subject, c.msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

func (c *natsConn) leave(bookingID string) error {
	subject := c.config.EventSubject(bookingID)

	c.mu.Lock()
	sub, ok := c.subs[subject]
	delete(c.subs, subject)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", subject, err)
	}
	return nil
}

func (c *natsConn) Close() error {
	c.nc.Close()
	c.markClosed()
	return nil
}
