package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/synthlab/crucible/internal/store"
)

// RunLauncher is the interface the scheduler uses to launch synthesis runs.
// Satisfied by the orchestrator wiring in cmd (avoids import cycle).
type RunLauncher interface {
	LaunchRun(ctx context.Context, name string, domainSpec map[string]any) error
}

// Scheduler polls the store for due scheduled runs and launches them.
type Scheduler struct {
	store    store.Store
	launcher RunLauncher
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // scheduled run IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler. A non-positive poll interval defaults
// to 60s.
func NewScheduler(s store.Store, launcher RunLauncher, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{
		store:    s,
		launcher: launcher,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		interval: interval,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Duration("poll_interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial tick immediately. Runs that missed their next_run_at
	// while the process was down come back as due and fire here once.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches every due scheduled run. Exposed for one-shot invocation.
func (s *Scheduler) Tick(ctx context.Context) {
	due, err := s.store.DueScheduledRuns(ctx)
	if err != nil {
		s.logger.Error("failed to list due scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range due {
		if !s.tryAcquire(run.ID) {
			continue // already running (dedup)
		}
		if err := s.fire(ctx, run, now); err != nil {
			s.logger.Error("failed to fire scheduled run",
				slog.String("scheduled_run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release(run.ID)
	}
}

// fire launches one scheduled run and advances its timestamps.
func (s *Scheduler) fire(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("firing scheduled run",
		slog.String("scheduled_run_id", run.ID),
		slog.String("name", run.Name),
	)

	if err := s.launcher.LaunchRun(ctx, run.Name, run.DomainSpec); err != nil {
		s.logger.Error("scheduled run failed",
			slog.String("scheduled_run_id", run.ID),
			slog.String("error", err.Error()),
		)
	}

	// Timestamps advance even when the launch failed, so a broken domain
	// spec does not refire every tick.
	nextRun, err := s.CalculateNextRun(run.CronExpr, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}
	return s.store.MarkScheduledRun(ctx, run.ID, now, nextRun)
}

// tryAcquire returns true and marks the run as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
