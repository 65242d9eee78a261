// Package scheduler starts processing runs on a cron schedule and on demand,
// guarding every run with a Locker so that runs never overlap.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron"
	"go.uber.org/zap"

	"github.com/pitabwire/detention-letters/internal/config"
	"github.com/pitabwire/detention-letters/internal/observability"
	"github.com/pitabwire/detention-letters/internal/workflow"
	"github.com/pitabwire/detention-letters/model"
)

// unlockTimeout bounds lock release after a run.
const unlockTimeout = 5 * time.Second

// RunOncer executes one processing run.
type RunOncer interface {
	RunOnce(ctx context.Context) workflow.Summary
}

// Options tune a Scheduler. Metrics and Logger may be nil.
type Options struct {
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Scheduler hosts the processing loop.
type Scheduler struct {
	runner     RunOncer
	locker     Locker
	schedule   cron.Schedule
	spec       string
	runOnStart bool
	metrics    *observability.Metrics
	logger     *zap.Logger

	cron    *cron.Cron
	started atomic.Bool

	mu       sync.Mutex
	stopping bool
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// New creates a Scheduler. The schedule is a six-field cron expression
// (seconds first) or a descriptor such as "@every 5m" or "@hourly".
func New(runner RunOncer, locker Locker, cfg config.SchedulerConfig, opts Options) (*Scheduler, error) {
	spec := strings.TrimSpace(cfg.Schedule)
	schedule, err := cron.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:     runner,
		locker:     locker,
		schedule:   schedule,
		spec:       spec,
		runOnStart: cfg.RunOnStart,
		metrics:    opts.Metrics,
		logger:     logger,
	}, nil
}

// ErrStopped is returned by Launch once Stop has been called.
var ErrStopped = model.NewBackendUnavailableError("scheduler")

// Trigger runs one processing cycle now unless a run is already in
// progress, in which case it returns ErrRunInProgress.
func (s *Scheduler) Trigger(ctx context.Context, source string) (workflow.Summary, error) {
	unlock, err := s.lock(ctx, source)
	if err != nil {
		return workflow.Summary{}, err
	}
	return s.run(ctx, source, unlock), nil
}

// Launch takes the run lock and starts a run in the background under the
// scheduler's context, so Stop waits for it and cancels it at its deadline.
// It returns once the run owns the lock, or ErrRunInProgress if it could
// not. The returned channel receives the summary when the run finishes.
func (s *Scheduler) Launch(source string) (<-chan workflow.Summary, error) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil, ErrStopped
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	unlock, err := s.lock(ctx, source)
	if err != nil {
		s.inflight.Done()
		return nil, err
	}
	done := make(chan workflow.Summary, 1)
	go func() {
		defer s.inflight.Done()
		done <- s.run(ctx, source, unlock)
	}()
	return done, nil
}

func (s *Scheduler) lock(ctx context.Context, source string) (UnlockFunc, error) {
	unlock, err := s.locker.TryLock(ctx)
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, ErrRunInProgress) {
		s.metrics.RecordRun("skipped", 0, 0)
		s.logger.Info("run skipped, another run is in progress", zap.String("source", source))
	} else {
		s.logger.Error("failed to take run lock", zap.String("source", source), zap.Error(err))
	}
	return nil, err
}

func (s *Scheduler) run(ctx context.Context, source string, unlock UnlockFunc) workflow.Summary {
	defer func() {
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unlockTimeout)
		defer cancel()
		if err := unlock(uctx); err != nil {
			s.logger.Warn("failed to release run lock", zap.Error(err))
		}
	}()

	s.logger.Debug("run triggered", zap.String("source", source))
	sum := s.runner.RunOnce(ctx)
	if sum.Err != nil {
		s.logger.Warn("run failed",
			zap.String("source", source),
			zap.String("run_id", sum.RunID),
			zap.Error(sum.Err),
		)
	}
	return sum
}

// Start schedules runs until Stop is called. Runs started by the schedule
// inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron = cron.New()
	s.cron.Schedule(s.schedule, cron.FuncJob(func() { s.fire("schedule") }))
	s.cron.Start()
	s.started.Store(true)

	s.logger.Info("scheduler started",
		zap.String("schedule", s.spec),
		zap.Bool("run_on_start", s.runOnStart),
	)
	if s.runOnStart {
		go s.fire("startup")
	}
}

// Started reports whether Start has been called and Stop has not.
func (s *Scheduler) Started() bool {
	return s.started.Load()
}

// Stop halts the schedule and waits for an in-flight run. If ctx ends
// first, the run is cancelled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	if cancel == nil {
		cancel = func() {}
	}
	s.mu.Unlock()

	s.started.Store(false)
	if s.cron != nil {
		s.cron.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		cancel()
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done
		s.logger.Warn("scheduler stop timed out, in-flight run cancelled")
		return ctx.Err()
	}
}

func (s *Scheduler) fire(source string) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	ctx := s.ctx
	s.mu.Unlock()
	defer s.inflight.Done()

	_, _ = s.Trigger(ctx, source)
}
