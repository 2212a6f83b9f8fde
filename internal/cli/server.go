package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/example/randevu-watch/internal/appointment"
	"github.com/example/randevu-watch/internal/auth"
	"github.com/example/randevu-watch/internal/config"
	"github.com/example/randevu-watch/internal/crypto"
	"github.com/example/randevu-watch/internal/db"
	"github.com/example/randevu-watch/internal/dispatch"
	"github.com/example/randevu-watch/internal/engine"
	"github.com/example/randevu-watch/internal/migrate"
	"github.com/example/randevu-watch/internal/notify"
	"github.com/example/randevu-watch/internal/runner"
	"github.com/example/randevu-watch/internal/scheduler"
	"github.com/example/randevu-watch/internal/session"
	"github.com/example/randevu-watch/internal/store"
	"github.com/example/randevu-watch/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool
	var startScheduler bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the API server, monitor scheduler and session pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
			if cfg.IsDev() {
				logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			d, err := db.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer d.Close()

			if err := d.Ping(ctx); err != nil {
				return fmt.Errorf("db ping: %w", err)
			}

			if migrateUp {
				if err := migrate.Up(ctx, d); err != nil {
					return err
				}
			}

			box, err := crypto.New(cfg.CredentialKey)
			if err != nil {
				return fmt.Errorf("CREDENTIAL_KEY: %w", err)
			}

			authStore := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			patients := store.NewPatients(d, box)
			monitors := store.NewMonitors(d)

			eng := engine.NewRemote(cfg.EngineURL)
			regs := session.NewRegistry()
			pool := session.NewPool(eng, regs, session.PoolConfig{
				ProfileDir:       cfg.ProfileDir,
				Headless:         cfg.Headless,
				TimeoutMS:        int(cfg.EngineTimeout.Milliseconds()),
				CaptchaAPIKey:    cfg.CaptchaAPIKey,
				IdleTimeout:      cfg.SessionIdleTimeout,
				EvictionInterval: cfg.EvictionInterval,
			}, logger)
			go pool.RunEviction(ctx)
			defer pool.CloseAll(context.Background())

			coordinator := runner.NewCoordinator(pool, regs, eng, logger)
			cancels := runner.NewCancelRegistry()

			telegram := notify.NewClient(cfg.TelegramToken, cfg.TelegramChatID)
			dispatcher := &dispatch.Dispatcher{
				Notifier: telegram,
				Monitors: monitors,
				Booker:   coordinator,
				Log:      logger,
			}

			sched := &scheduler.Scheduler{
				Monitors:   monitors,
				Patients:   patients,
				Runner:     coordinator,
				Dispatcher: dispatcher,
				Cancels:    cancels,
				Interval:   cfg.SchedulerInterval,
				Log:        logger,
			}
			if startScheduler {
				sched.Start()
				defer sched.Stop()
			}

			poller := &notify.Poller{
				Client: telegram,
				Log:    logger,
				Book: func(ctx context.Context, patientID int64, target appointment.BookTarget) {
					p, err := patients.Get(ctx, patientID)
					if err != nil {
						logger.Error().Err(err).Int64("patient_id", patientID).Msg("booking request for unknown patient")
						return
					}
					// appointment type and search text are not encoded in the
					// button payload; the booking run navigates by target only
					dispatcher.Book(ctx, p, "", "internet randevu", target)
				},
			}
			go poller.Run(ctx)

			ws := &web.Server{
				Auth:       authStore,
				Patients:   patients,
				Monitors:   monitors,
				Pool:       pool,
				Runner:     coordinator,
				Dispatcher: dispatcher,
				Cancels:    cancels,
				Sched:      sched,
				Log:        logger,
			}
			return web.Start(ctx, cfg.ListenAddr, ws.Routes(), logger)
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&startScheduler, "scheduler", true, "start the monitor scheduler on boot")
	return cmd
}
