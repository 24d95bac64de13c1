package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/example/gym-autobook/internal/auth"
	"github.com/example/gym-autobook/internal/config"
	"github.com/example/gym-autobook/internal/crypto"
	"github.com/example/gym-autobook/internal/db"
	"github.com/example/gym-autobook/internal/jobs"
	"github.com/example/gym-autobook/internal/logging"
	"github.com/example/gym-autobook/internal/migrate"
	"github.com/example/gym-autobook/internal/outcome"
	"github.com/example/gym-autobook/internal/pool"
	"github.com/example/gym-autobook/internal/rules"
	"github.com/example/gym-autobook/internal/scheduler"
	"github.com/example/gym-autobook/internal/session"
	"github.com/example/gym-autobook/internal/target"
	"github.com/example/gym-autobook/internal/vault"
	"github.com/example/gym-autobook/internal/web"
)

func newServerCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the booking scheduler and JSON API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			log := logging.New(cfg.LogLevel, cfg.LogJSON)

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

			aead, err := crypto.New(cfg.CredEncKey)
			if err != nil {
				return err
			}

			authStore := auth.NewStore(d, cfg.CookieHashKey, cfg.CookieBlockKey)
			credVault := vault.New(vault.NewPGStore(d), aead)
			site := target.NewSite(cfg.TargetBaseURL)
			sessions := session.NewManager(session.NewPGStore(d), credVault, site, aead, cfg.SessionMaxAge, log)
			ruleStore := rules.NewStore(d)
			jobStore := jobs.NewStore(d)

			recorder := outcome.NewRecorder(jobStore, outcome.LogNotifier{Log: log}, cfg.DebugDir, log)
			defer recorder.Close()

			workers := pool.New(pool.Config{
				Workers:        cfg.Workers,
				QueueSize:      cfg.QueueSize,
				AttemptTimeout: cfg.AttemptTimeout,
				RetryMax:       cfg.RetryMax,
			}, sessions, site, recorder, log)
			workers.Start(ctx)

			sched := scheduler.New(scheduler.Config{
				Interval: cfg.PollInterval,
				Grace:    cfg.DispatchGrace,
				Lead:     cfg.BookingLead,
			}, ruleStore, jobStore, workers, log)
			go func() { _ = sched.Run(ctx) }()

			// Background re-login keeps portal sessions warm so the 48h
			// fire moment never pays login latency.
			cronJobs := cron.New()
			if _, err := cronJobs.AddFunc(cfg.RefreshSpec, func() {
				sessions.RefreshAll(ctx, cfg.RefreshParallel)
			}); err != nil {
				return fmt.Errorf("refresh spec %q: %w", cfg.RefreshSpec, err)
			}
			if _, err := cronJobs.AddFunc(cfg.SweepSpec, scheduler.SweepAbandoned(jobStore, cfg.SweepAge, log)); err != nil {
				return fmt.Errorf("sweep spec %q: %w", cfg.SweepSpec, err)
			}
			cronJobs.Start()
			defer cronJobs.Stop()

			ws := &web.Server{
				Auth:     authStore,
				Accounts: authStore,
				Vault:    credVault,
				Gym:      site,
				Sessions: sessions,
				Rules:    ruleStore,
				Jobs:     jobStore,
				Log:      log,
			}
			err = web.Start(ctx, cfg.HTTPAddr, ws.Routes(), log)
			// A listen failure returns before the signal context fires;
			// release the workers or Wait blocks forever.
			cancel()
			workers.Wait()
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
