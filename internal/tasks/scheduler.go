package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/synthlab/crucible/internal/budget"
	"github.com/synthlab/crucible/internal/bus"
	"github.com/synthlab/crucible/internal/metrics"
	"github.com/synthlab/crucible/pkg/schema"
)

// Operation is the body of a scheduled task.
type Operation func(ctx context.Context) (any, error)

// RetryPolicy bounds the retries applied to a failing task body.
// Timeout and cancellation are terminal and never retried.
type RetryPolicy struct {
	MaxRetries int
	Delay      time.Duration
	Base       float64
	Jitter     time.Duration
}

// Task is one transient unit of scheduled work.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Retry   *RetryPolicy
	Op      Operation
}

// Result is the terminal outcome of one task.
type Result struct {
	TaskID        string            `json:"task_id"`
	Name          string            `json:"name,omitempty"`
	Status        schema.TaskStatus `json:"status"`
	Value         any               `json:"result,omitempty"`
	Err           string            `json:"error,omitempty"`
	ExecutionTime time.Duration     `json:"execution_time"`
	Metadata      map[string]any    `json:"metadata,omitempty"`
}

// Stats is a snapshot of scheduler counters. Each task contributes exactly
// once, at its terminal-state transition.
type Stats struct {
	Total            int64         `json:"total"`
	Completed        int64         `json:"completed"`
	Failed           int64         `json:"failed"`
	Cancelled        int64         `json:"cancelled"`
	TimedOut         int64         `json:"timed_out"`
	AverageExecution time.Duration `json:"average_execution"`
}

// DefaultCancellationTimeout is the grace period Stop waits for in-flight
// tasks before abandoning them.
const DefaultCancellationTimeout = 2 * time.Second

// Config holds scheduler construction options.
type Config struct {
	MaxConcurrent       int
	DefaultTimeout      time.Duration
	Retry               RetryPolicy
	CancellationTimeout time.Duration
	Bus                 *bus.Bus
	Logger              *slog.Logger
	Seed                int64
}

// Scheduler runs batches of independent operations concurrently with per-task
// timeout, bounded retries and safe mass cancellation. One task's failure or
// timeout never cancels its siblings.
type Scheduler struct {
	sem    chan struct{}
	cfg    Config
	logger *slog.Logger
	bus    *bus.Bus

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	rng     *rand.Rand
	stopped bool

	statsMu   sync.Mutex
	total     int64
	completed int64
	failed    int64
	cancelled int64
	timedOut  int64
	totalExec time.Duration

	inflight sync.WaitGroup

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration)
}

// NewScheduler creates a Scheduler.
func NewScheduler(cfg Config) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.CancellationTimeout <= 0 {
		cfg.CancellationTimeout = DefaultCancellationTimeout
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = 2.0
	}
	if cfg.Retry.Delay <= 0 {
		cfg.Retry.Delay = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Scheduler{
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		cfg:    cfg,
		logger: cfg.Logger,
		bus:    cfg.Bus,
		active: make(map[string]context.CancelFunc),
		rng:    rand.New(rand.NewSource(seed)),
		sleep:  sleepCtx,
	}
}

// ExecuteConcurrent launches every task independently and waits for all of
// them to reach a terminal state. Results are returned in input order.
func (s *Scheduler) ExecuteConcurrent(ctx context.Context, tasks []Task) []*Result {
	results := make([]*Result, len(tasks))
	var wg sync.WaitGroup

	for i := range tasks {
		task := tasks[i]
		if task.ID == "" {
			task.ID = uuid.New().String()
		}

		// Bounded concurrency: acquire a slot, respecting cancellation.
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			results[i] = s.finalize(task, &Result{
				TaskID: task.ID,
				Name:   task.Name,
				Status: schema.TaskStatusCancelled,
				Err:    context.Cause(ctx).Error(),
			}, time.Now())
			continue
		}

		wg.Add(1)
		s.inflight.Add(1)
		go func(i int, task Task) {
			defer func() {
				<-s.sem
				s.inflight.Done()
				wg.Done()
			}()
			results[i] = s.run(ctx, task)
		}(i, task)
	}

	wg.Wait()
	return results
}

// ExecuteWithBudget installs the given limits on the budget manager, runs the
// batch while charging one api_call plus execution seconds per task, and
// inspects the overall status afterward. An overrun triggers mass
// cancellation; results of already-completed tasks are preserved.
func (s *Scheduler) ExecuteWithBudget(ctx context.Context, tasks []Task, limits map[schema.ResourceType]float64, bm *budget.Manager) []*Result {
	bm.SetBudget(limits)

	wrapped := make([]Task, len(tasks))
	for i, task := range tasks {
		op := task.Op
		task.Op = func(ctx context.Context) (any, error) {
			if !bm.Consume(ctx, schema.ResourceAPICalls, 1, "task:"+task.Name) {
				return nil, schema.NewError(schema.ErrCodeAPICallLimitExceeded,
					"api call budget exhausted").WithComponent("tasks")
			}
			start := time.Now()
			value, err := op(ctx)
			bm.Consume(ctx, schema.ResourceTime, time.Since(start).Seconds(), "task:"+task.Name)
			return value, err
		}
		wrapped[i] = task
	}

	results := s.ExecuteConcurrent(ctx, wrapped)

	if bm.Overrun() {
		s.logger.Warn("budget overrun after batch; cancelling remaining tasks")
		_ = s.Stop()
	}
	return results
}

// run drives one task from pending to a terminal state, applying the retry
// policy for retryable failures. Timeout and cancellation are terminal
// immediately and never retried.
func (s *Scheduler) run(ctx context.Context, task Task) *Result {
	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return s.finalize(task, &Result{
			TaskID: task.ID,
			Name:   task.Name,
			Status: schema.TaskStatusCancelled,
			Err:    "scheduler stopped",
		}, time.Now())
	}
	s.active[task.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, task.ID)
		s.mu.Unlock()
	}()

	retry := s.retryPolicy(task)
	start := time.Now()

	var last *Result
	for attempt := 0; ; attempt++ {
		last = s.runAttempt(taskCtx, task)

		switch last.Status {
		case schema.TaskStatusCompleted, schema.TaskStatusTimeout, schema.TaskStatusCancelled:
			return s.finalize(task, last, start)
		}

		// Failed: retry unless exhausted or the error is known non-retryable.
		if attempt >= retry.MaxRetries || !retryable(last) {
			last.Metadata = mergeMeta(last.Metadata, map[string]any{"retry_count": attempt})
			return s.finalize(task, last, start)
		}

		delay := s.backoffDelay(retry, attempt+1)
		s.sleep(taskCtx, delay)
		if taskCtx.Err() != nil {
			last.Status = schema.TaskStatusCancelled
			last.Err = taskCtx.Err().Error()
			return s.finalize(task, last, start)
		}
	}
}

// runAttempt executes the task body once, racing it against the per-task
// timeout and cancellation. Whichever finishes first sets the outcome; a
// straggling body goroutine is abandoned, not joined.
func (s *Scheduler) runAttempt(ctx context.Context, task Task) *Result {
	attemptCtx := ctx
	var cancel context.CancelFunc
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()
		value, err := task.Op(attemptCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil {
			return &Result{TaskID: task.ID, Name: task.Name, Status: schema.TaskStatusCompleted, Value: out.value}
		}
		if errors.Is(out.err, context.Canceled) || ctx.Err() == context.Canceled {
			return &Result{TaskID: task.ID, Name: task.Name, Status: schema.TaskStatusCancelled, Err: out.err.Error()}
		}
		if errors.Is(out.err, context.DeadlineExceeded) {
			return &Result{TaskID: task.ID, Name: task.Name, Status: schema.TaskStatusTimeout, Err: out.err.Error()}
		}
		return &Result{TaskID: task.ID, Name: task.Name, Status: schema.TaskStatusFailed, Err: out.err.Error(), Metadata: errMeta(out.err)}

	case <-attemptCtx.Done():
		if ctx.Err() == context.Canceled {
			return &Result{TaskID: task.ID, Name: task.Name, Status: schema.TaskStatusCancelled, Err: context.Canceled.Error()}
		}
		return &Result{TaskID: task.ID, Name: task.Name, Status: schema.TaskStatusTimeout,
			Err: fmt.Sprintf("task %s timed out after %s", task.Name, timeout)}
	}
}

// Stop signals cancellation to all running tasks, waits up to the configured
// grace period for them to observe it, then unconditionally clears the active
// set. Stragglers are abandoned rather than blocking shutdown.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	s.stopped = true
	cancels := make([]context.CancelFunc, 0, len(s.active))
	for _, cancel := range s.active {
		cancels = append(cancels, cancel)
	}
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.CancellationTimeout):
		s.logger.Warn("cancellation grace period elapsed; abandoning stragglers",
			slog.Duration("grace", s.cfg.CancellationTimeout))
	}

	s.mu.Lock()
	s.active = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	return nil
}

// Resume clears the stopped flag so the scheduler accepts new batches.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
}

// ActiveCount returns the number of currently registered tasks.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	stats := Stats{
		Total:     s.total,
		Completed: s.completed,
		Failed:    s.failed,
		Cancelled: s.cancelled,
		TimedOut:  s.timedOut,
	}
	if s.total > 0 {
		stats.AverageExecution = s.totalExec / time.Duration(s.total)
	}
	return stats
}

// finalize stamps execution time, updates stats exactly once and emits the
// terminal bus event.
func (s *Scheduler) finalize(task Task, result *Result, start time.Time) *Result {
	result.ExecutionTime = time.Since(start)

	s.statsMu.Lock()
	s.total++
	s.totalExec += result.ExecutionTime
	var eventType string
	switch result.Status {
	case schema.TaskStatusCompleted:
		s.completed++
		eventType = schema.EventTaskCompleted
	case schema.TaskStatusFailed:
		s.failed++
		eventType = schema.EventTaskFailed
	case schema.TaskStatusCancelled:
		s.cancelled++
		eventType = schema.EventTaskCancelled
	case schema.TaskStatusTimeout:
		s.timedOut++
		eventType = schema.EventTaskTimedOut
	}
	s.statsMu.Unlock()

	metrics.ObserveTaskDuration(result.ExecutionTime)
	if s.bus != nil {
		s.bus.Publish(&schema.Event{
			Type: eventType,
			Payload: map[string]any{
				"task_id": task.ID,
				"name":    task.Name,
				"status":  string(result.Status),
				"error":   result.Err,
			},
			Timings: &schema.Timings{DurMS: result.ExecutionTime.Milliseconds()},
		})
	}
	return result
}

func (s *Scheduler) retryPolicy(task Task) RetryPolicy {
	if task.Retry != nil {
		retry := *task.Retry
		if retry.Base <= 0 {
			retry.Base = s.cfg.Retry.Base
		}
		if retry.Delay <= 0 {
			retry.Delay = s.cfg.Retry.Delay
		}
		return retry
	}
	return s.cfg.Retry
}

// backoffDelay computes delay = retry_delay * base^(attempt-1) + jitter.
func (s *Scheduler) backoffDelay(retry RetryPolicy, attempt int) time.Duration {
	delay := time.Duration(float64(retry.Delay) * math.Pow(retry.Base, float64(attempt-1)))
	if retry.Jitter > 0 {
		s.mu.Lock()
		delay += time.Duration(s.rng.Int63n(int64(retry.Jitter)))
		s.mu.Unlock()
	}
	return delay
}

// retryable consults the structured error taxonomy when the task body failed
// with a CrucibleError; plain errors default to retryable.
func retryable(result *Result) bool {
	if result.Metadata == nil {
		return true
	}
	if v, ok := result.Metadata["retryable"].(bool); ok {
		return v
	}
	return true
}

func errMeta(err error) map[string]any {
	var cerr *schema.CrucibleError
	if errors.As(err, &cerr) {
		return map[string]any{
			"code":      cerr.Code,
			"retryable": cerr.IsRetryable(),
		}
	}
	return nil
}

func mergeMeta(dst, src map[string]any) map[string]any {
	if dst == nil {
		return src
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
