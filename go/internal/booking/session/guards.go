package session

import "github.com/mcdev12/bookingsync/go/internal/models"

// Guards are the actions the UI may offer for the booking's current status.
type Guards struct {
	CanCancel               bool `json:"can_cancel"`
	CanChat                 bool `json:"can_chat"`
	CanCall                 bool `json:"can_call"`
	CanConfirmStart         bool `json:"can_confirm_start"`
	CanConfirmComplete      bool `json:"can_confirm_complete"`
	CanAcceptOrDeclineQuote bool `json:"can_accept_or_decline_quote"`
	CanPay                  bool `json:"can_pay"`
}

func statusIn(s models.Status, set ...models.Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// GuardsFor evaluates the guard table for b. An unknown booking allows nothing.
func GuardsFor(b *models.Booking) Guards {
	if b == nil || !b.Status.Valid() {
		return Guards{}
	}
	s := b.Status
	return Guards{
		CanCancel: statusIn(s,
			models.StatusPendingAssignment, models.StatusWaitingApproval, models.StatusWaitingQuote,
			models.StatusWaitingAcceptance, models.StatusPaid, models.StatusOnTheWay,
			models.StatusJobStartRequested),
		CanChat: statusIn(s,
			models.StatusWaitingQuote, models.StatusWaitingAcceptance, models.StatusPaid,
			models.StatusOnTheWay, models.StatusJobStartRequested, models.StatusJobStarted,
			models.StatusJobCompleteRequested),
		CanCall: statusIn(s,
			models.StatusPaid, models.StatusOnTheWay, models.StatusJobStartRequested,
			models.StatusJobStarted, models.StatusJobCompleteRequested),
		CanConfirmStart:         s == models.StatusJobStartRequested,
		CanConfirmComplete:      s == models.StatusJobCompleteRequested,
		CanAcceptOrDeclineQuote: s == models.StatusWaitingAcceptance,
		CanPay: b.QuotationAmount != nil && statusIn(s,
			models.StatusAccepted, models.StatusQuotationSent, models.StatusWaitingAcceptance),
	}
}

// providerFound reports whether s means a provider has taken the booking.
func providerFound(s models.Status) bool {
	return statusIn(s,
		models.StatusWaitingQuote, models.StatusWaitingAcceptance, models.StatusAccepted,
		models.StatusPaid, models.StatusOnTheWay, models.StatusJobStarted,
		models.StatusJobStartRequested, models.StatusJobCompleteRequested, models.StatusCompleted)
}

// SearchFailed reports whether the provider search has failed: the booking failed, or
// it is still searching after maxAssignments assignment attempts.
func SearchFailed(b *models.Booking, maxAssignments int) bool {
	if b == nil {
		return false
	}
	if b.Status == models.StatusFailed {
		return true
	}
	return maxAssignments > 0 && b.Status.IsSearching() && b.AssignmentCount >= maxAssignments
}
