package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/internal/document"
	"github.com/pitabwire/detention-letters/internal/letters"
	"github.com/pitabwire/detention-letters/internal/mail"
	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/internal/report"
	"github.com/pitabwire/detention-letters/internal/scheduler"
	"github.com/pitabwire/detention-letters/internal/store"
	"github.com/pitabwire/detention-letters/internal/workflow"
)

const serviceName = "letterd"

// app is the wired processing pipeline shared by serve and run-once.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	store   store.Store
	reports *report.Client
	mailer  *mail.SMTPMailer
	engine  *letters.Engine
	runner  *workflow.Runner

	locker     scheduler.Locker
	lockHealth observability.HealthChecker

	tracingShutdown func(context.Context) error
	closers         []func() error
}

// loadConfig reads the configuration named by the --config flag.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load config", err)
	}
	return cfg, nil
}

// newApp builds every component of the processing pipeline from cfg. The
// caller must Close the returned app.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	// Step 1: Initialize logger.
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "create logger", err)
	}
	a := &app{cfg: cfg, logger: logger}

	// Step 2: Initialize tracing.
	shutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, serviceName, observability.Version)
	if err != nil {
		logger.Warn("tracing init failed, continuing without tracing", zap.Error(err))
		shutdown = func(context.Context) error { return nil }
	}
	a.tracingShutdown = shutdown

	// Step 3: Initialize metrics on a private registry.
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.InitMetrics(a.registry)

	// Step 4: Open the order store.
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		a.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "open store", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	logger.Info("store opened", zap.String("driver", cfg.Store.Driver))

	// Step 5: Report service, supplementary documents and mail.
	a.reports, err = report.NewClient(cfg.Report, a.metrics, logger)
	if err != nil {
		a.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "create report client", err)
	}
	docs := document.NewResolver(cfg.Documents.SupplementaryDir)
	if missing := docs.Missing(); len(missing) > 0 {
		logger.Warn("supplementary documents missing", zap.Strings("paths", missing))
	}
	a.mailer = mail.NewSMTPMailer(cfg.Mail, logger)

	// Step 6: Letter engine and order workflow.
	a.engine = letters.NewEngine(nil)
	processor := workflow.NewProcessor(workflow.Deps{
		Orders:    st,
		History:   st,
		Users:     st,
		Reports:   a.reports,
		Documents: docs,
		Mailer:    a.mailer,
	}, a.engine, workflow.Options{
		From:    cfg.Mail.From,
		Metrics: a.metrics,
		Logger:  logger,
	})
	a.runner = workflow.NewRunner(st, processor, workflow.RunnerOptions{
		Workers:      cfg.Processing.Workers,
		BusinessUnit: cfg.Processing.BusinessUnit,
		OrderTimeout: cfg.Processing.OrderTimeout,
		Metrics:      a.metrics,
		Logger:       logger,
	})

	// Step 7: Run lock.
	if err := a.buildLocker(); err != nil {
		a.Close(ctx)
		return nil, WrapExitError(ExitCommandError, "create run lock", err)
	}

	return a, nil
}

// buildLocker selects the run re-entrancy guard. The redis lock is shared
// by every replica pointed at the same key.
func (a *app) buildLocker() error {
	switch a.cfg.Lock.Driver {
	case "redis":
		addr := os.Getenv(a.cfg.Lock.AddrEnv)
		if addr == "" {
			return fmt.Errorf("%s environment variable not set", a.cfg.Lock.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: a.cfg.Lock.DB})
		locker := scheduler.NewRedisLocker(client, a.cfg.Lock.Key, a.cfg.Lock.TTL)
		a.locker = locker
		a.lockHealth = locker
		a.closers = append(a.closers, client.Close)
		a.logger.Info("using redis run lock", zap.String("key", a.cfg.Lock.Key), zap.Duration("ttl", a.cfg.Lock.TTL))
	default:
		a.locker = scheduler.NewLocalLocker()
	}
	return nil
}

// newScheduler wraps the runner in a scheduler using the app's lock.
func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	sched, err := scheduler.New(a.runner, a.locker, a.cfg.Scheduler, scheduler.Options{
		Metrics: a.metrics,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "create scheduler", err)
	}
	return sched, nil
}

// Close releases the app's resources in reverse order of acquisition and
// flushes traces and logs.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.tracingShutdown != nil {
		if err := a.tracingShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		a.tracingShutdown = nil
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
