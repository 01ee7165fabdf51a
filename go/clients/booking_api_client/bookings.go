package booking_api_client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mcdev12/bookingsync/go/internal/models"
)

// Response is the envelope every endpoint answers with.
type Response[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type DeclineScopeRequest struct {
	Reason string `json:"reason"`
}

type PayRequest struct {
	Phone string `json:"phone"`
}

func endpoint(format, bookingID string) string {
	return fmt.Sprintf(format, url.PathEscape(bookingID))
}

func decode[T any](body []byte) (T, error) {
	var response Response[T]
	if err := json.Unmarshal(body, &response); err != nil {
		var zero T
		return zero, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	if response.Error != "" {
		var zero T
		return zero, fmt.Errorf("API returned error: %s", response.Error)
	}
	return response.Data, nil
}

// GetBooking fetches the full booking snapshot.
func (c *BookingApiClient) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	body, err := c.Get(ctx, endpoint(BookingEndpoint, bookingID))
	if err != nil {
		return nil, fmt.Errorf("failed to get booking %s: %w", bookingID, err)
	}
	booking, err := decode[*models.Booking](body)
	if err != nil {
		return nil, err
	}
	if booking == nil {
		return nil, fmt.Errorf("booking %s: empty response", bookingID)
	}
	return booking, nil
}

// GetHistory fetches the ordered status-change log.
func (c *BookingApiClient) GetHistory(ctx context.Context, bookingID string) ([]models.HistoryEntry, error) {
	body, err := c.Get(ctx, endpoint(HistoryEndpoint, bookingID))
	if err != nil {
		return nil, fmt.Errorf("failed to get history for %s: %w", bookingID, err)
	}
	entries, err := decode[[]models.HistoryEntry](body)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].BookingID == "" {
			entries[i].BookingID = bookingID
		}
		entries[i].Source = models.SourcePull
	}
	return entries, nil
}

// GetMessages fetches the chat messages of a booking.
func (c *BookingApiClient) GetMessages(ctx context.Context, bookingID string) ([]models.Message, error) {
	body, err := c.Get(ctx, endpoint(MessagesEndpoint, bookingID))
	if err != nil {
		return nil, fmt.Errorf("failed to get messages for %s: %w", bookingID, err)
	}
	return decode[[]models.Message](body)
}

func (c *BookingApiClient) Cancel(ctx context.Context, bookingID, reason string) error {
	return c.action(ctx, "cancel", endpoint(CancelEndpoint, bookingID), CancelRequest{Reason: reason})
}

func (c *BookingApiClient) AcceptScope(ctx context.Context, bookingID string) error {
	return c.action(ctx, "accept scope", endpoint(AcceptScopeEndpoint, bookingID), nil)
}

func (c *BookingApiClient) DeclineScope(ctx context.Context, bookingID, reason string) error {
	return c.action(ctx, "decline scope", endpoint(DeclineScopeEndpoint, bookingID), DeclineScopeRequest{Reason: reason})
}

func (c *BookingApiClient) ConfirmStart(ctx context.Context, bookingID string) error {
	return c.action(ctx, "confirm start", endpoint(ConfirmStartEndpoint, bookingID), nil)
}

func (c *BookingApiClient) ConfirmComplete(ctx context.Context, bookingID string) error {
	return c.action(ctx, "confirm complete", endpoint(ConfirmCompleteEndpoint, bookingID), nil)
}

func (c *BookingApiClient) Pay(ctx context.Context, bookingID, phone string) error {
	return c.action(ctx, "pay", endpoint(PayEndpoint, bookingID), PayRequest{Phone: phone})
}

func (c *BookingApiClient) action(ctx context.Context, name, path string, payload interface{}) error {
	var reqBody []byte
	if payload != nil {
		var err error
		reqBody, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", name, err)
		}
	} else {
		reqBody = []byte("{}")
	}

	body, err := c.Post(ctx, path, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to %s: %w", name, err)
	}
	if len(body) == 0 {
		return nil
	}
	if _, err := decode[json.RawMessage](body); err != nil {
		return fmt.Errorf("failed to %s: %w", name, err)
	}
	return nil
}
