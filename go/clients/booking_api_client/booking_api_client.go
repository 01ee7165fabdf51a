package booking_api_client

import (
	"github.com/mcdev12/bookingsync/go/clients"
)

type BookingApiClient struct {
	*clients.BaseClient
}

func NewBookingApiClient(baseURL, token string) *BookingApiClient {
	client := &BookingApiClient{
		BaseClient: clients.NewBaseClient(baseURL),
	}

	client.SetBearerToken(token)
	client.SetRateLimit(DefaultRequestsPerSecond, DefaultBurst)

	return client
}
