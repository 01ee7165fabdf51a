package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mcdev12/bookingsync/go/internal/auth"
	"github.com/mcdev12/bookingsync/go/internal/booking/events"
)

// echoRoomServer acknowledges every join-booking with a booking-status-changed push.
func echoRoomServer(t *testing.T, authHeader chan<- string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			var cmd events.Envelope
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			if cmd.Event != events.JoinBooking {
				continue
			}
			push := events.Envelope{
				ID:        "srv-1",
				Event:     events.BookingStatusChanged,
				BookingID: cmd.BookingID,
				Timestamp: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
				Data:      json.RawMessage(`{"status":"waiting_quote"}`),
			}
			if err := conn.WriteJSON(push); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	authHeader := make(chan string, 1)
	srv := echoRoomServer(t, authHeader)

	cfg := DefaultWebSocketConfig("ws" + strings.TrimPrefix(srv.URL, "http"))
	tr := NewWebSocketTransport(cfg, &auth.Token{Raw: "abc"})

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	conn, err := tr.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if got := <-authHeader; got != "Bearer abc" {
		t.Fatalf("Authorization = %q", got)
	}

	join := events.Envelope{Event: events.JoinBooking, BookingID: "b1"}
	if err := conn.Write(ctx, join); err != nil {
		t.Fatalf("Write: %v", err)
	}

	env, err := conn.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if env.Event != events.BookingStatusChanged || env.BookingID != "b1" {
		t.Fatalf("read %s/%s", env.Event, env.BookingID)
	}

	conn.Close()
	if _, err := conn.Read(); err == nil {
		t.Fatal("Read after Close returned no error")
	}
	if err := conn.Write(ctx, join); err != ErrConnClosed {
		t.Fatalf("Write after Close err = %v, want ErrConnClosed", err)
	}
}

func TestWebSocketTransportDialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr := NewWebSocketTransport(DefaultWebSocketConfig("ws"+strings.TrimPrefix(srv.URL, "http")), nil)
	_, err := tr.Dial(context.Background())
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("Dial err = %v, want handshake failure with status", err)
	}
}

func TestManagerOverWebSocket(t *testing.T) {
	authHeader := make(chan string, 4)
	srv := echoRoomServer(t, authHeader)

	tr := NewWebSocketTransport(DefaultWebSocketConfig("ws"+strings.TrimPrefix(srv.URL, "http")), nil)
	m := NewManager(tr, nil, nil, testConfig())
	h := newRecordingHandler()
	m.Subscribe("b1", []events.Name{events.BookingStatusChanged}, h)

	runManager(t, m)
	h.expectState(t, true)
	h.expectPush(t, events.BookingStatusChanged)
}
