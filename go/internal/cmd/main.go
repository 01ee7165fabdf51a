package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mcdev12/bookingsync/go/internal/booking/session"
	"github.com/mcdev12/bookingsync/go/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	config     *Config
)

var rootCmd = &cobra.Command{
	Use:   "bookingsync",
	Short: "Keeps booking state in sync with the booking platform",
	Long: `bookingsync follows bookings through their lifecycle. It merges realtime push events
and REST snapshots into one consistent view per booking, counts down limbo deadlines
and falls back to polling while the push channel is down.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Load .env file if it exists
		if err := godotenv.Load(); err != nil {
			log.Debug().Err(err).Msg("could not load .env file")
		}

		var err error
		config, err = loadConfig(configPath)
		if err != nil {
			return err
		}
		setupLogging(config.LogLevel)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+defaultConfigPath+")")
	rootCmd.AddCommand(newWatchCmd(), newServeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch BOOKING_ID...",
		Short: "Follow bookings and log every state change",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := setupServices(config)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			services.Start(ctx)

			for _, id := range args {
				if err := watchBooking(ctx, services.Bookings, id); err != nil {
					return err
				}
			}
			return services.Run(ctx)
		},
	}
}

func newServeCmd() *cobra.Command {
	var watch []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the inspector HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			services, err := setupServices(config)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()
			services.Start(ctx)

			for _, id := range watch {
				if err := watchBooking(ctx, services.Bookings, id); err != nil {
					return err
				}
			}

			server := setupServer(services, config.Inspector.Port)
			go func() {
				log.Info().Str("addr", server.Addr).Msg("inspector server starting")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("inspector server failed")
					cancel()
				}
			}()

			runErr := services.Run(ctx)

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("inspector server shutdown failed")
			}

			log.Info().Msg("bookingsync shutdown complete")
			return runErr
		},
	}
	cmd.Flags().StringSliceVar(&watch, "watch", nil, "booking ids to open at startup")
	return cmd
}

// watchBooking opens a session and logs its views until the session closes.
func watchBooking(ctx context.Context, svc *session.Service, bookingID string) error {
	s, err := svc.Open(ctx, bookingID)
	if err != nil {
		return fmt.Errorf("open booking %s: %w", bookingID, err)
	}

	s.OnProviderFound(func(b models.Booking) {
		log.Info().
			Str("booking_id", b.ID).
			Str("status", string(b.Status)).
			Msg("provider found")
	})

	go func() {
		var last models.Status
		for v := range s.Updates() {
			if v.LoadErr != nil {
				log.Warn().Err(v.LoadErr).Str("booking_id", bookingID).Msg("booking not loaded")
				continue
			}
			if v.Status() == last {
				continue
			}
			last = v.Status()

			ev := log.Info().
				Str("booking_id", bookingID).
				Str("status", string(v.Status())).
				Bool("search_failed", v.SearchFailed).
				Bool("terminal", v.Terminal)
			if v.LimboRemaining > 0 {
				ev = ev.Dur("limbo_remaining", v.LimboRemaining)
			}
			ev.Msg("booking updated")
		}
	}()
	return nil
}
