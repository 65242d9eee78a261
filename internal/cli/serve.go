package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/internal/transport"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API until interrupted",
		Long: `Start the processing scheduler and, when enabled, the HTTP server with
health, readiness, metrics, letter determination and the run trigger.

SIGINT or SIGTERM stops accepting requests, lets an in-flight run finish
within server.shutdown_timeout, then closes the store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, rootOpts *RootOptions) error {
	cfg, err := loadConfig(rootOpts)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	logger := a.logger

	sched, err := a.newScheduler()
	if err != nil {
		a.Close(context.Background())
		return err
	}

	// Build the HTTP server.
	var srv *http.Server
	if cfg.Server.Enabled {
		authenticate, err := triggerAuthenticator(a)
		if err != nil {
			a.Close(context.Background())
			return err
		}

		readiness := observability.ReadinessChecks{
			SchedulerStarted: sched.Started,
			Store:            a.store,
			Mail:             a.mailer,
		}
		if a.lockHealth != nil {
			readiness.Lock = a.lockHealth
		}

		router := transport.NewRouter(transport.Dependencies{
			Config:       cfg,
			Logger:       logger,
			Metrics:      a.metrics,
			Gatherer:     a.registry,
			Readiness:    readiness,
			Engine:       a.engine,
			Runs:         sched,
			Authenticate: authenticate,
		})
		srv = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		}
	}

	// Start the scheduler, then the HTTP server. Runs outlive the signal
	// until Stop gives up on them.
	sched.Start(context.WithoutCancel(ctx))
	logger.Info("scheduler started",
		zap.String("schedule", cfg.Scheduler.Schedule),
		zap.Bool("run_on_start", cfg.Scheduler.RunOnStart),
		zap.Int("workers", cfg.Processing.Workers),
		zap.String("business_unit", cfg.Processing.BusinessUnit),
	)

	errCh := make(chan error, 1)
	if srv != nil {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", observability.Version),
			zap.String("commit", observability.Commit),
		)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()
	}

	// Wait for shutdown signal or server error.
	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err, ok := <-errCh:
		if ok {
			logger.Error("server error", zap.Error(err))
			serveErr = WrapExitError(ExitFailure, "http server", err)
		}
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	// Let the current run finish, or cancel it at the deadline.
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler stopped before the current run finished", zap.Error(err))
	}

	logger.Info("shutdown complete")
	if err := a.Close(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "letterd: shutdown: %v\n", err)
	}
	return serveErr
}

// triggerAuthenticator returns the bearer token middleware for the run
// trigger, or nil when no signing secret is configured.
func triggerAuthenticator(a *app) (func(http.Handler) http.Handler, error) {
	trigger := a.cfg.Trigger
	if !trigger.Enabled || trigger.SecretEnv == "" {
		if trigger.Enabled {
			a.logger.Warn("run trigger enabled without authentication")
		}
		return nil, nil
	}
	secret := os.Getenv(trigger.SecretEnv)
	if secret == "" {
		return nil, NewExitError(ExitCommandError,
			fmt.Sprintf("trigger: %s environment variable not set", trigger.SecretEnv))
	}
	return transport.TriggerAuthenticator([]byte(secret), trigger.Issuer), nil
}
