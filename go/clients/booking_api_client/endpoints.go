package booking_api_client

const (
	// API Endpoints, formatted with the booking id
	BookingEndpoint         = "/api/bookings/%s"
	HistoryEndpoint         = "/api/bookings/%s/history"
	MessagesEndpoint        = "/api/bookings/%s/messages"
	CancelEndpoint          = "/api/bookings/%s/cancel"
	AcceptScopeEndpoint     = "/api/bookings/%s/scope/accept"
	DeclineScopeEndpoint    = "/api/bookings/%s/scope/decline"
	ConfirmStartEndpoint    = "/api/bookings/%s/confirm-start"
	ConfirmCompleteEndpoint = "/api/bookings/%s/confirm-complete"
	PayEndpoint             = "/api/bookings/%s/pay"

	// Rate limiting
	DefaultRequestsPerSecond = 10
	DefaultBurst             = 5
)
