package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/synthlab/crucible/internal/budget"
	"github.com/synthlab/crucible/internal/bus"
	"github.com/synthlab/crucible/internal/config"
	"github.com/synthlab/crucible/internal/engine"
	"github.com/synthlab/crucible/internal/store"
	"github.com/synthlab/crucible/internal/strategies"
	"github.com/synthlab/crucible/internal/tasks"
	"github.com/synthlab/crucible/internal/telemetry"
	"github.com/synthlab/crucible/internal/validation"
	"github.com/synthlab/crucible/pkg/schema"
)

// launcher assembles a fresh orchestrator per run. Strategies hold per-run
// state (the proposer walks the document's attempts), so nothing here is
// shared across runs except the store, the bus and the validator.
type launcher struct {
	cfg       config.Config
	store     store.Store
	bus       *bus.Bus
	validator validation.Validator
	logger    *slog.Logger
}

// Launch runs one domain spec document to a terminal phase and persists the
// run summary. Implements the MCP server's Launcher.
func (l *launcher) Launch(ctx context.Context, domainSpec map[string]any) (*engine.State, error) {
	proposer, err := strategies.NewProposer(l.cfg.Proposer, domainSpec)
	if err != nil {
		return nil, err
	}
	verifier, err := strategies.NewVerifier(l.cfg.Verifier, l.cfg.MaxConcurrentTasks)
	if err != nil {
		return nil, err
	}
	refiner, err := strategies.NewRefiner(l.cfg.Refiner, "")
	if err != nil {
		return nil, err
	}
	explorer, err := strategies.NewExplorer(l.cfg.Explorer, domainSpec, 0)
	if err != nil {
		return nil, err
	}

	thresholds := budget.Thresholds{
		Warning:  l.cfg.WarningThreshold,
		Critical: l.cfg.CriticalThreshold,
		Overrun:  1.0,
	}
	budgetMgr := budget.NewManager(budget.Config{
		Thresholds: thresholds,
		Bus:        l.bus,
		Logger:     l.logger,
		Seed:       l.cfg.Seed,
	})
	taskSched := tasks.NewScheduler(tasks.Config{
		MaxConcurrent:  l.cfg.MaxConcurrentTasks,
		DefaultTimeout: l.cfg.TaskTimeout,
		Retry: tasks.RetryPolicy{
			MaxRetries: l.cfg.RetryMax,
			Delay:      l.cfg.RetryDelay,
			Base:       l.cfg.RetryBase,
			Jitter:     l.cfg.RetryJitter,
		},
		CancellationTimeout: l.cfg.CancellationTimeout,
		Bus:                 l.bus,
		Logger:              l.logger,
		Seed:                l.cfg.Seed,
	})

	eng := engine.NewEngine(proposer, verifier, refiner, engine.Config{
		MaxIterations:      l.cfg.MaxIterations,
		MaxStableNoImprove: l.cfg.MaxStableNoImprove,
		ProposeTimeout:     l.cfg.ProposeTimeout,
		VerifyTimeout:      l.cfg.VerifyTimeout,
		RefineTimeout:      l.cfg.RefineTimeout,
		Seed:               l.cfg.Seed,
		Bus:                l.bus,
		Logger:             l.logger,
		Budget:             budgetMgr,
	})
	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
		Engine:             eng,
		Explorer:           explorer,
		Audit:              l.store,
		Budget:             budgetMgr,
		Scheduler:          taskSched,
		Validator:          l.validator,
		Bus:                l.bus,
		Logger:             l.logger,
		ExplorationTimeout: l.cfg.ExplorationTimeout,
	})

	budgets := map[schema.ResourceType]float64{}
	if l.cfg.BudgetAPICalls > 0 {
		budgets[schema.ResourceAPICalls] = l.cfg.BudgetAPICalls
	}
	if l.cfg.BudgetTimeSeconds > 0 {
		budgets[schema.ResourceTime] = l.cfg.BudgetTimeSeconds
	}

	runCtx, span := telemetry.StartRunSpan(ctx)
	state, runErr := orch.Run(runCtx, domainSpec, budgets, thresholds)
	if state != nil {
		telemetry.TagRun(span, state.RunID, state.TraceID)
	}
	span.End()

	if state != nil {
		l.saveSummary(ctx, state)
	}
	return state, runErr
}

// LaunchRun implements the cron scheduler's RunLauncher.
func (l *launcher) LaunchRun(ctx context.Context, name string, domainSpec map[string]any) error {
	l.logger.Info("launching scheduled run", slog.String("name", name))
	_, err := l.Launch(ctx, domainSpec)
	return err
}

func (l *launcher) saveSummary(ctx context.Context, state *engine.State) {
	summary := &store.RunSummary{
		ID:        state.RunID,
		TraceID:   state.TraceID,
		Phase:     string(state.Phase),
		Results:   len(state.Results),
		Metrics:   state.Metrics,
		StartedAt: state.StartTime,
	}
	if !state.EndTime.IsZero() {
		end := state.EndTime
		summary.EndedAt = &end
	}
	if err := l.store.SaveRun(ctx, summary); err != nil {
		l.logger.Error("save run summary",
			slog.String("run_id", state.RunID),
			slog.String("error", err.Error()),
		)
	}
}

// runOnce reads a domain spec file, runs it, and prints the outcome as JSON.
func runOnce(ctx context.Context, l *launcher, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read spec file: %w", err)
	}
	var domainSpec map[string]any
	if err := json.Unmarshal(raw, &domainSpec); err != nil {
		return fmt.Errorf("parse spec file: %w", err)
	}

	start := time.Now()
	state, runErr := l.Launch(ctx, domainSpec)
	if runErr != nil {
		return runErr
	}

	out, err := json.MarshalIndent(map[string]any{
		"run_id":      state.RunID,
		"phase":       state.Phase,
		"results":     state.Results,
		"incidents":   state.Incidents,
		"metrics":     state.Metrics,
		"duration_ms": time.Since(start).Milliseconds(),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
