package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthlab/crucible/internal/bus"
	"github.com/synthlab/crucible/internal/config"
	"github.com/synthlab/crucible/internal/store"
	"github.com/synthlab/crucible/internal/validation"
	"github.com/synthlab/crucible/pkg/schema"
)

func newTestLauncher(t *testing.T) (*launcher, *store.LibSQLStore) {
	t.Helper()

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "crucible.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	eventBus := bus.New(bus.Config{})
	t.Cleanup(func() { _ = eventBus.Close() })

	validator, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	cfg := config.Config{
		MaxIterations:       10,
		MaxStableNoImprove:  3,
		Seed:                42,
		ExplorationTimeout:  5 * time.Second,
		MaxConcurrentTasks:  4,
		TaskTimeout:         5 * time.Second,
		CancellationTimeout: time.Second,
	}

	return &launcher{
		cfg:       cfg,
		store:     st,
		bus:       eventBus,
		validator: validator,
		logger:    slog.New(slog.DiscardHandler),
	}, st
}

func sumSpec() map[string]any {
	return map[string]any{
		"intent":      "positive sum below ten",
		"constraints": []any{"x > 0", "x + y < 10"},
		"attempts": []any{
			map[string]any{"x": 0, "y": 1},
			map[string]any{"x": 9, "y": 9},
			map[string]any{"x": 2, "y": 3},
		},
		"concepts": []any{"positivity"},
	}
}

func TestLaunchConvergesAndPersists(t *testing.T) {
	l, st := newTestLauncher(t)
	ctx := context.Background()

	state, err := l.Launch(ctx, sumSpec())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, schema.PhaseCompleted, state.Phase)
	require.Len(t, state.Results, 1)
	assert.True(t, state.Results[0].Valid)

	// Summary persisted for crucible.status.
	summary, err := st.GetRun(ctx, state.RunID)
	require.NoError(t, err)
	assert.Equal(t, "completed", summary.Phase)
	assert.Equal(t, 1, summary.Results)
	require.NotNil(t, summary.EndedAt)

	// Terminal audit record persisted in order.
	records, err := st.ListRecords(ctx, state.RunID)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, "run_terminal", records[len(records)-1].Kind)
}

func TestLaunchRejectsInvalidSpec(t *testing.T) {
	l, st := newTestLauncher(t)
	ctx := context.Background()

	state, err := l.Launch(ctx, map[string]any{"constraints": []any{"x > 0"}})
	require.Error(t, err)
	require.NotNil(t, state)
	assert.Equal(t, schema.PhaseFailed, state.Phase)

	// Failed runs are persisted too.
	summary, sumErr := st.GetRun(ctx, state.RunID)
	require.NoError(t, sumErr)
	assert.Equal(t, "failed", summary.Phase)
}

func TestLaunchExhaustionCompletesWithIncidents(t *testing.T) {
	l, st := newTestLauncher(t)
	ctx := context.Background()

	doc := sumSpec()
	doc["attempts"] = []any{map[string]any{"x": 0, "y": 1}}
	doc["constraints"] = []any{"x > 0"}
	l.cfg.MaxIterations = 3
	l.cfg.MaxStableNoImprove = 2

	state, err := l.Launch(ctx, doc)
	require.NoError(t, err)
	assert.Equal(t, schema.PhaseCompleted, state.Phase)
	assert.Empty(t, state.Results)
	require.NotEmpty(t, state.Incidents)

	incidents, listErr := st.ListIncidents(ctx, state.RunID)
	require.NoError(t, listErr)
	assert.NotEmpty(t, incidents)
}

func TestLaunchRunAdapterForScheduler(t *testing.T) {
	l, _ := newTestLauncher(t)
	assert.NoError(t, l.LaunchRun(context.Background(), "nightly", sumSpec()))
}
