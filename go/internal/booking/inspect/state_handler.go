package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bookingsync/go/internal/booking/deadline"
	"github.com/mcdev12/bookingsync/go/internal/booking/session"
	"github.com/rs/zerolog/log"
)

// ErrBookingNotFound is returned when no session is open for a booking.
var ErrBookingNotFound = errors.New("booking session not found")

// StateProvider interface defines methods for retrieving booking session state
type StateProvider interface {
	GetBookingState(ctx context.Context, bookingID string) (*session.View, error)
	GetActiveBookings(ctx context.Context) ([]BookingSummary, error)
	RefreshBooking(ctx context.Context, bookingID string) (*session.View, error)
	GetStats(ctx context.Context) (*StatsResponse, error)
}

// BookingSummary represents a summary of an open booking session
type BookingSummary struct {
	BookingID       string    `json:"booking_id"`
	Status          string    `json:"status"`
	Loaded          bool      `json:"loaded"`
	Terminal        bool      `json:"terminal"`
	SearchFailed    bool      `json:"search_failed"`
	ProviderFound   bool      `json:"provider_found"`
	LimboState      string    `json:"limbo_state,omitempty"`
	TimeRemaining   *int      `json:"time_remaining_sec,omitempty"`
	AssignmentCount int       `json:"assignment_count"`
	UnreadMessages  int       `json:"unread_messages"`
	LastUpdatedAt   time.Time `json:"last_updated_at"`
}

// StatsResponse combines session and push channel statistics
type StatsResponse struct {
	Sessions session.Stats `json:"sessions"`
	Realtime interface{}   `json:"realtime,omitempty"`
}

// StateHandler handles HTTP requests for booking session state
type StateHandler struct {
	stateProvider StateProvider
	clock         clockwork.Clock
}

// NewStateHandler creates a new state handler
func NewStateHandler(provider StateProvider, clock clockwork.Clock) *StateHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &StateHandler{
		stateProvider: provider,
		clock:         clock,
	}
}

// stateResponse adds the countdown in whole seconds to the view.
type stateResponse struct {
	*session.View
	TimeRemaining *int `json:"time_remaining_sec,omitempty"`
}

func (h *StateHandler) respondState(w http.ResponseWriter, bookingID string, view *session.View) {
	resp := stateResponse{View: view}
	if view.Booking != nil && view.Booking.LimboTimeoutAt != nil {
		remaining := deadline.RemainingSeconds(h.clock.Now(), *view.Booking.LimboTimeoutAt)
		resp.TimeRemaining = &remaining
	}
	writeJSON(w, http.StatusOK, resp, "booking_id", bookingID)
}

// HandleGetBookingState handles GET /api/bookings/{id}/state
func (h *StateHandler) HandleGetBookingState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bookingID := extractBookingIDFromPath(r.URL.Path, "/state")
	if bookingID == "" {
		http.Error(w, "Booking ID is required", http.StatusBadRequest)
		return
	}

	view, err := h.stateProvider.GetBookingState(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, bookingID, "failed to get booking state", err)
		return
	}
	h.respondState(w, bookingID, view)
}

// HandleRefreshBooking handles POST /api/bookings/{id}/refresh
func (h *StateHandler) HandleRefreshBooking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bookingID := extractBookingIDFromPath(r.URL.Path, "/refresh")
	if bookingID == "" {
		http.Error(w, "Booking ID is required", http.StatusBadRequest)
		return
	}

	view, err := h.stateProvider.RefreshBooking(r.Context(), bookingID)
	if err != nil {
		h.writeError(w, bookingID, "failed to refresh booking", err)
		return
	}
	h.respondState(w, bookingID, view)
}

// HandleGetActiveBookings handles GET /api/bookings/active
func (h *StateHandler) HandleGetActiveBookings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	bookings, err := h.stateProvider.GetActiveBookings(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get active bookings")
		http.Error(w, "Failed to get active bookings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, bookings)
}

// HandleGetStats handles GET /api/stats
func (h *StateHandler) HandleGetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats, err := h.stateProvider.GetStats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get stats")
		http.Error(w, "Failed to get stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RegisterRoutes registers the inspector HTTP routes
func (h *StateHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/bookings/active", h.HandleGetActiveBookings)
	mux.HandleFunc("/api/stats", h.HandleGetStats)

	mux.HandleFunc("/api/bookings/", func(w http.ResponseWriter, r *http.Request) {
		log.Debug().Str("path", r.URL.Path).Msg("state handler received request")

		switch {
		case strings.HasSuffix(r.URL.Path, "/state"):
			h.HandleGetBookingState(w, r)
		case strings.HasSuffix(r.URL.Path, "/refresh"):
			h.HandleRefreshBooking(w, r)
		default:
			http.NotFound(w, r)
		}
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
}

func (h *StateHandler) writeError(w http.ResponseWriter, bookingID, msg string, err error) {
	if errors.Is(err, ErrBookingNotFound) || errors.Is(err, session.ErrSessionClosed) {
		http.Error(w, "Booking session not found", http.StatusNotFound)
		return
	}
	log.Error().Err(err).Str("booking_id", bookingID).Msg(msg)
	http.Error(w, "Failed to get booking state", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, fields ...string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		ev := log.Error().Err(err)
		for i := 0; i+1 < len(fields); i += 2 {
			ev = ev.Str(fields[i], fields[i+1])
		}
		ev.Msg("failed to encode response")
	}
}

// extractBookingIDFromPath extracts the booking ID from a path like /api/bookings/{id}/state
func extractBookingIDFromPath(path, suffix string) string {
	const prefix = "/api/bookings/"

	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}

	id := path[len(prefix) : len(path)-len(suffix)]
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}
