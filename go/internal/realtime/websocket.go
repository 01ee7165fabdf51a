package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/bookingsync/go/internal/auth"
	"github.com/mcdev12/bookingsync/go/internal/booking/events"
	"github.com/rs/zerolog/log"
)

// WebSocketConfig holds configuration for the websocket push channel
type WebSocketConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
	SendBuffer       int
}

// DefaultWebSocketConfig returns default websocket configuration
func DefaultWebSocketConfig(url string) WebSocketConfig {
	return WebSocketConfig{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   64 * 1024,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		SendBuffer:       64,
	}
}

// WebSocketTransport dials the booking platform's websocket endpoint.
type WebSocketTransport struct {
	config WebSocketConfig
	token  *auth.Token
	dialer *websocket.Dialer
}

func NewWebSocketTransport(config WebSocketConfig, token *auth.Token) *WebSocketTransport {
	return &WebSocketTransport{
		config: config,
		token:  token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
	}
}

func (t *WebSocketTransport) Name() string {
	return "websocket"
}

// Dial performs the websocket handshake and starts the write pump.
func (t *WebSocketTransport) Dial(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if h := t.token.Header(); h != "" {
		header.Set("Authorization", h)
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.config.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", t.config.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", t.config.URL, err)
	}

	c := newWSConn(conn, t.config)
	go c.writePump()

	log.Debug().
		Str("connection_id", c.id).
		Str("url", t.config.URL).
		Msg("websocket connection established")

	return c, nil
}

type wsConn struct {
	id     string
	conn   *websocket.Conn
	config WebSocketConfig

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, config WebSocketConfig) *wsConn {
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}
	c := &wsConn{
		id:     uuid.New().String(),
		conn:   conn,
		config: config,
		send:   make(chan []byte, config.SendBuffer),
		done:   make(chan struct{}),
	}

	if config.MaxMessageSize > 0 {
		conn.SetReadLimit(config.MaxMessageSize)
	}
	c.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})
	return c
}

func (c *wsConn) extendReadDeadline() {
	if c.config.ReadTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

func (c *wsConn) Read() (events.Envelope, error) {
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.id).
					Msg("unexpected websocket close")
			}
			return events.Envelope{}, err
		}
		c.extendReadDeadline()

		var env events.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			log.Warn().
				Err(err).
				Str("connection_id", c.id).
				Msg("discarding undecodable push message")
			continue
		}
		return env, nil
	}
}

func (c *wsConn) Write(ctx context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", env.Event, err)
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = c.conn.Close()
	})
	return err
}

// writePump serializes writes and keeps the connection alive with pings
func (c *wsConn) writePump() {
	interval := c.config.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to write message to websocket")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.id).
					Msg("failed to send ping")
				return
			}
		}
	}
}
