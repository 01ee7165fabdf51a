package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/bookingsync/go/clients/booking_api_client"
	"github.com/mcdev12/bookingsync/go/internal/auth"
	"github.com/mcdev12/bookingsync/go/internal/booking/scheduler"
	"github.com/mcdev12/bookingsync/go/internal/booking/session"
	"github.com/mcdev12/bookingsync/go/internal/realtime"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type Services struct {
	Clock     clockwork.Clock
	Token     *auth.Token
	API       *booking_api_client.BookingApiClient
	Realtime  *realtime.Manager
	Scheduler *scheduler.Scheduler
	Bookings  *session.Service

	// RealtimeRetry is how long the push channel stays down after its reconnect attempts
	// are exhausted before a fresh round starts.
	RealtimeRetry time.Duration
}

func setupServices(config *Config) (*Services, error) {
	// Wire up dependency injection chain
	// Token → REST client + push transport → connection manager → booking sessions
	clock := clockwork.NewRealClock()

	token, err := auth.Parse(config.API.Token)
	if err != nil {
		return nil, fmt.Errorf("invalid API token: %w", err)
	}
	if token.Expired(clock.Now()) {
		return nil, fmt.Errorf("%w: token expired at %s", realtime.ErrSessionExpired, token.ExpiresAt)
	}

	// REST
	api := booking_api_client.NewBookingApiClient(config.API.BaseURL, token.Raw)
	if config.API.Timeout > 0 {
		api.SetTimeout(config.API.Timeout)
	}
	if config.API.RateLimit > 0 {
		api.SetRateLimit(config.API.RateLimit, config.API.Burst)
	}

	// Push channel
	transport := setupTransport(config, token)
	rtConfig := realtime.DefaultConfig()
	rtConfig.MaxReconnectAttempts = config.Realtime.MaxReconnectAttempts
	if config.Realtime.ReconnectBaseDelay > 0 {
		rtConfig.ReconnectBaseDelay = config.Realtime.ReconnectBaseDelay
	}
	if config.Realtime.ReconnectMaxDelay > 0 {
		rtConfig.ReconnectMaxDelay = config.Realtime.ReconnectMaxDelay
	}
	manager := realtime.NewManager(transport, token, clock, rtConfig)

	// Booking sessions
	sched := scheduler.New(clock, scheduler.DefaultTickInterval)
	sessionConfig := session.DefaultConfig()
	if config.Session.PollInterval > 0 {
		sessionConfig.PollInterval = config.Session.PollInterval
	}
	if config.Session.PushSilence > 0 {
		sessionConfig.PushSilence = config.Session.PushSilence
	}
	if config.Session.MaxAssignments > 0 {
		sessionConfig.MaxAssignments = config.Session.MaxAssignments
	}
	if config.Session.FetchTimeout > 0 {
		sessionConfig.FetchTimeout = config.Session.FetchTimeout
	}
	bookings := session.NewService(api, manager, sched, clock, sessionConfig)

	log.Info().
		Str("api", config.API.BaseURL).
		Str("transport", transport.Name()).
		Str("subject", token.Subject).
		Msg("services configured")

	return &Services{
		Clock:         clock,
		Token:         token,
		API:           api,
		Realtime:      manager,
		Scheduler:     sched,
		Bookings:      bookings,
		RealtimeRetry: config.Realtime.RetryAfterExhausted,
	}, nil
}

func setupTransport(config *Config, token *auth.Token) realtime.Transport {
	if config.Realtime.Transport == "nats" {
		natsConfig := realtime.DefaultNATSConfig()
		natsConfig.URL = config.Realtime.NATSURL
		if config.Realtime.SubjectPrefix != "" {
			natsConfig.SubjectPrefix = config.Realtime.SubjectPrefix
		}
		return realtime.NewNATSTransport(natsConfig, token)
	}

	wsConfig := realtime.DefaultWebSocketConfig(config.Realtime.URL)
	if config.Realtime.PingInterval > 0 {
		wsConfig.PingInterval = config.Realtime.PingInterval
	}
	return realtime.NewWebSocketTransport(wsConfig, token)
}

// Start launches the deadline scheduler. Call it before opening sessions.
func (s *Services) Start(ctx context.Context) {
	s.Scheduler.Start(ctx)
}

// Run drives the push channel and blocks until ctx ends or the session token expires.
// A push channel that gives up only degrades the app: sessions keep polling and a new
// round of reconnects starts after RealtimeRetry. Sessions and the scheduler are stopped
// before Run returns.
func (s *Services) Run(ctx context.Context) error {
	defer s.Scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.superviseRealtime(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		s.Bookings.Close()
		s.Realtime.Close()
		return nil
	})

	err := g.Wait()
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, realtime.ErrManagerClosed) {
		return nil
	}
	return err
}

func (s *Services) superviseRealtime(ctx context.Context) error {
	for {
		err := s.Realtime.Run(ctx)
		if !errors.Is(err, realtime.ErrReconnectExhausted) {
			if err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("realtime connection stopped")
			}
			return err
		}

		log.Warn().
			Err(err).
			Dur("retry_in", s.RealtimeRetry).
			Int("sessions", len(s.Bookings.Sessions())).
			Msg("push channel unavailable, sessions fall back to polling")
		if s.RealtimeRetry <= 0 {
			<-ctx.Done()
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Clock.After(s.RealtimeRetry):
		}
	}
}
