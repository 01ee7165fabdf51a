package session

import (
	"context"
	"fmt"

	"github.com/mcdev12/bookingsync/go/internal/booking/dedup"
	"github.com/mcdev12/bookingsync/go/internal/models"
	"github.com/rs/zerolog/log"
)

// act checks the guard against the current view, performs the REST call and then
// refreshes detail and history so the UI sees the result without waiting for a push.
func (s *Session) act(ctx context.Context, name string, allowed func(Guards) bool, call func(ctx context.Context) error) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	v := s.View()
	if !allowed(v.Guards) {
		return fmt.Errorf("%w: %s in status %q", ErrActionNotAllowed, name, v.Status())
	}

	ctx, cancel := s.bind(ctx)
	defer cancel()

	if err := call(ctx); err != nil {
		log.Warn().Err(err).Str("booking_id", s.id).Str("action", name).Msg("booking action failed")
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Info().Str("booking_id", s.id).Str("action", name).Msg("booking action succeeded")

	s.svc.history.Forget(dedup.HistoryKey(s.id))
	if _, err := s.fetchDetail(ctx, true); err != nil {
		log.Debug().Err(err).Str("booking_id", s.id).Str("action", name).Msg("refresh after action failed")
	}
	go s.fetchHistory(s.ctx, false)
	return nil
}

// Cancel cancels the booking.
func (s *Session) Cancel(ctx context.Context, reason string) error {
	return s.act(ctx, "cancel",
		func(g Guards) bool { return g.CanCancel },
		func(ctx context.Context) error { return s.svc.api.Cancel(ctx, s.id, reason) })
}

// AcceptScope accepts the provider's quotation.
func (s *Session) AcceptScope(ctx context.Context) error {
	return s.act(ctx, "accept scope",
		func(g Guards) bool { return g.CanAcceptOrDeclineQuote },
		func(ctx context.Context) error { return s.svc.api.AcceptScope(ctx, s.id) })
}

// DeclineScope rejects the provider's quotation.
func (s *Session) DeclineScope(ctx context.Context, reason string) error {
	return s.act(ctx, "decline scope",
		func(g Guards) bool { return g.CanAcceptOrDeclineQuote },
		func(ctx context.Context) error { return s.svc.api.DeclineScope(ctx, s.id, reason) })
}

// ConfirmStart confirms the provider's job start request.
func (s *Session) ConfirmStart(ctx context.Context) error {
	return s.act(ctx, "confirm start",
		func(g Guards) bool { return g.CanConfirmStart },
		func(ctx context.Context) error { return s.svc.api.ConfirmStart(ctx, s.id) })
}

// ConfirmComplete confirms the provider's job completion request.
func (s *Session) ConfirmComplete(ctx context.Context) error {
	return s.act(ctx, "confirm complete",
		func(g Guards) bool { return g.CanConfirmComplete },
		func(ctx context.Context) error { return s.svc.api.ConfirmComplete(ctx, s.id) })
}

// Pay starts a mobile payment for the quoted amount. The outcome arrives later as a
// payment-confirmed or payment-failed push.
func (s *Session) Pay(ctx context.Context, phone string) error {
	if phone == "" {
		return fmt.Errorf("pay: phone number required")
	}
	return s.act(ctx, "pay",
		func(g Guards) bool { return g.CanPay },
		func(ctx context.Context) error { return s.svc.api.Pay(ctx, s.id, phone) })
}

// Booking returns a copy of the reconciled booking, or nil before the first load.
func (s *Session) Booking() *models.Booking {
	return s.View().Booking
}
