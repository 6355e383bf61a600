package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synthlab/crucible/internal/budget"
	"github.com/synthlab/crucible/pkg/schema"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	return NewScheduler(Config{
		MaxConcurrent:       4,
		CancellationTimeout: 500 * time.Millisecond,
		Seed:                1,
	})
}

func TestExecuteConcurrentAllComplete(t *testing.T) {
	s := newTestScheduler(t)

	tasks := make([]Task, 20)
	for i := range tasks {
		i := i
		tasks[i] = Task{
			Name: "t",
			Op: func(ctx context.Context) (any, error) {
				return i, nil
			},
		}
	}

	results := s.ExecuteConcurrent(context.Background(), tasks)
	require.Len(t, results, 20)
	for i, r := range results {
		assert.Equal(t, schema.TaskStatusCompleted, r.Status)
		assert.Equal(t, i, r.Value, "results keep input order")
	}

	stats := s.Stats()
	assert.Equal(t, int64(20), stats.Total)
	assert.Equal(t, int64(20), stats.Completed)
}

func TestFailureDoesNotCancelSiblings(t *testing.T) {
	s := newTestScheduler(t)

	tasks := []Task{
		{Name: "ok-1", Op: func(ctx context.Context) (any, error) { return "a", nil }},
		{Name: "boom", Retry: &RetryPolicy{MaxRetries: 0}, Op: func(ctx context.Context) (any, error) {
			return nil, errors.New("boom")
		}},
		{Name: "ok-2", Op: func(ctx context.Context) (any, error) { return "b", nil }},
	}

	results := s.ExecuteConcurrent(context.Background(), tasks)
	assert.Equal(t, schema.TaskStatusCompleted, results[0].Status)
	assert.Equal(t, schema.TaskStatusFailed, results[1].Status)
	assert.Equal(t, schema.TaskStatusCompleted, results[2].Status)
}

func TestTimeoutIsTerminalWithoutRetry(t *testing.T) {
	s := newTestScheduler(t)

	var attempts atomic.Int32
	results := s.ExecuteConcurrent(context.Background(), []Task{{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Retry:   &RetryPolicy{MaxRetries: 5, Delay: time.Millisecond},
		Op: func(ctx context.Context) (any, error) {
			attempts.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}})

	assert.Equal(t, schema.TaskStatusTimeout, results[0].Status)
	assert.Equal(t, int32(1), attempts.Load(), "timeout must not be retried")

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.TimedOut)
}

func TestRetryExhaustionRecordsCount(t *testing.T) {
	s := newTestScheduler(t)

	var delays []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) {
		delays = append(delays, d)
	}

	var attempts atomic.Int32
	results := s.ExecuteConcurrent(context.Background(), []Task{{
		Name:  "flaky",
		Retry: &RetryPolicy{MaxRetries: 3, Delay: 10 * time.Millisecond, Base: 2.0},
		Op: func(ctx context.Context) (any, error) {
			attempts.Add(1)
			return nil, errors.New("transient")
		},
	}})

	require.Equal(t, schema.TaskStatusFailed, results[0].Status)
	assert.Equal(t, int32(4), attempts.Load(), "initial attempt plus max_retries")
	assert.Equal(t, 3, results[0].Metadata["retry_count"])
	assert.Equal(t, []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
	}, delays)
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	s := newTestScheduler(t)
	s.sleep = func(ctx context.Context, d time.Duration) {}

	var attempts atomic.Int32
	results := s.ExecuteConcurrent(context.Background(), []Task{{
		Name:  "eventually",
		Retry: &RetryPolicy{MaxRetries: 5, Delay: time.Millisecond},
		Op: func(ctx context.Context) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, errors.New("not yet")
			}
			return "done", nil
		},
	}})

	assert.Equal(t, schema.TaskStatusCompleted, results[0].Status)
	assert.Equal(t, "done", results[0].Value)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	s := newTestScheduler(t)
	s.sleep = func(ctx context.Context, d time.Duration) {}

	var attempts atomic.Int32
	results := s.ExecuteConcurrent(context.Background(), []Task{{
		Name:  "invalid",
		Retry: &RetryPolicy{MaxRetries: 5, Delay: time.Millisecond},
		Op: func(ctx context.Context) (any, error) {
			attempts.Add(1)
			return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
		},
	}})

	assert.Equal(t, schema.TaskStatusFailed, results[0].Status)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestStopCancelsRunningTasks(t *testing.T) {
	s := newTestScheduler(t)

	started := make(chan struct{}, 4)
	tasks := make([]Task, 3)
	for i := range tasks {
		tasks[i] = Task{
			Name: "blocker",
			Op: func(ctx context.Context) (any, error) {
				started <- struct{}{}
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
	}

	var results []*Result
	done := make(chan struct{})
	go func() {
		results = s.ExecuteConcurrent(context.Background(), tasks)
		close(done)
	}()

	for range tasks {
		<-started
	}
	require.NoError(t, s.Stop())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("batch did not finish after Stop")
	}

	for _, r := range results {
		assert.Equal(t, schema.TaskStatusCancelled, r.Status)
	}
	assert.Equal(t, 0, s.ActiveCount())
	assert.Equal(t, int64(3), s.Stats().Cancelled)
}

func TestStopBoundedByGracePeriod(t *testing.T) {
	s := NewScheduler(Config{
		MaxConcurrent:       2,
		CancellationTimeout: 100 * time.Millisecond,
		Seed:                1,
	})

	started := make(chan struct{})
	block := make(chan struct{})
	defer close(block)

	done := make(chan []*Result, 1)
	go func() {
		done <- s.ExecuteConcurrent(context.Background(), []Task{{
			Name: "stuck",
			Op: func(ctx context.Context) (any, error) {
				close(started)
				<-block
				return nil, nil
			},
		}})
	}()

	<-started
	stopStart := time.Now()
	require.NoError(t, s.Stop())
	assert.Less(t, time.Since(stopStart), time.Second, "Stop must not wait for the stuck body")
	assert.Equal(t, 0, s.ActiveCount())

	results := <-done
	assert.Equal(t, schema.TaskStatusCancelled, results[0].Status)
}

func TestExecuteWithBudgetOverrun(t *testing.T) {
	s := newTestScheduler(t)
	bm := budget.NewManager(budget.Config{Seed: 1})

	var mu sync.Mutex
	var ran int
	tasks := make([]Task, 6)
	for i := range tasks {
		tasks[i] = Task{
			Name: "charged",
			Op: func(ctx context.Context) (any, error) {
				mu.Lock()
				ran++
				mu.Unlock()
				return "ok", nil
			},
		}
	}

	results := s.ExecuteWithBudget(context.Background(), tasks,
		map[schema.ResourceType]float64{schema.ResourceAPICalls: 3}, bm)

	var completed, failed int
	for _, r := range results {
		switch r.Status {
		case schema.TaskStatusCompleted:
			completed++
			assert.Equal(t, "ok", r.Value, "completed results preserved after overrun")
		case schema.TaskStatusFailed:
			failed++
		}
	}
	assert.True(t, bm.Overrun())
	assert.Positive(t, completed)
	assert.Positive(t, failed)
	assert.Equal(t, len(tasks), completed+failed)
}

func TestStatsUpdateOncePerTerminalState(t *testing.T) {
	s := newTestScheduler(t)
	s.sleep = func(ctx context.Context, d time.Duration) {}

	tasks := []Task{
		{Name: "ok", Op: func(ctx context.Context) (any, error) { return nil, nil }},
		{Name: "fail", Retry: &RetryPolicy{MaxRetries: 2, Delay: time.Millisecond}, Op: func(ctx context.Context) (any, error) {
			return nil, errors.New("always")
		}},
		{Name: "slow", Timeout: 10 * time.Millisecond, Op: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}

	s.ExecuteConcurrent(context.Background(), tasks)

	stats := s.Stats()
	assert.Equal(t, int64(3), stats.Total, "each task counted exactly once despite retries")
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(1), stats.TimedOut)
}
