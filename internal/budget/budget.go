package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/synthlab/crucible/internal/bus"
	"github.com/synthlab/crucible/internal/metrics"
	"github.com/synthlab/crucible/pkg/schema"
)

// Thresholds are consumption fractions at which the manager escalates.
type Thresholds struct {
	Warning  float64
	Critical float64
	Overrun  float64
}

// DefaultThresholds returns the standard 0.8 / 0.95 / 1.0 escalation points.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.8, Critical: 0.95, Overrun: 1.0}
}

// BackoffConfig controls the exponential backoff applied in the critical band.
type BackoffConfig struct {
	Initial time.Duration
	Base    float64
	Max     time.Duration
	Jitter  time.Duration
}

// DefaultBackoffConfig returns a sensible default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial: 100 * time.Millisecond,
		Base:    2.0,
		Max:     5 * time.Second,
		Jitter:  50 * time.Millisecond,
	}
}

// Budget tracks consumption of one resource against its declared limit.
type Budget struct {
	Resource  schema.ResourceType `json:"resource"`
	Limit     float64             `json:"limit"`
	Current   float64             `json:"current"`
	StartTime time.Time           `json:"start_time"`
}

// Status is the derived view of one budget, recomputed on every Consume.
type Status struct {
	Resource      schema.ResourceType `json:"resource"`
	Limit         float64             `json:"limit"`
	Current       float64             `json:"current"`
	Percentage    float64             `json:"percentage"`
	Level         schema.BudgetLevel  `json:"level"`
	TimeRemaining time.Duration       `json:"time_remaining,omitempty"`
	Suggestions   []string            `json:"suggestions,omitempty"`
}

// Callback is invoked when a budget crosses the warning or overrun threshold.
type Callback func(resource schema.ResourceType, status Status)

// Config holds budget manager construction options.
type Config struct {
	Thresholds Thresholds
	Backoff    BackoffConfig
	Bus        *bus.Bus
	Logger     *slog.Logger
	Seed       int64
}

// Manager gates resource-consuming operations against declared ceilings.
// All mutation funnels through Consume under one lock, so the counters stay
// correct no matter how many logical tasks share them.
type Manager struct {
	mu         sync.Mutex
	budgets    map[schema.ResourceType]*Budget
	delays     map[schema.ResourceType]time.Duration
	thresholds Thresholds
	backoff    BackoffConfig
	rng        *rand.Rand
	warnCbs    []Callback
	overrunCbs []Callback
	bus        *bus.Bus
	logger     *slog.Logger

	// sleep is swapped out by tests to observe backoff without waiting.
	sleep func(ctx context.Context, d time.Duration)
}

// NewManager creates a Manager with no budgets set. Until SetBudget is called
// every resource is unlimited.
func NewManager(cfg Config) *Manager {
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoffConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Manager{
		budgets:    make(map[schema.ResourceType]*Budget),
		delays:     make(map[schema.ResourceType]time.Duration),
		thresholds: cfg.Thresholds,
		backoff:    cfg.Backoff,
		rng:        rand.New(rand.NewSource(seed)),
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		sleep:      sleepCtx,
	}
}

// OnWarning registers a callback invoked (non-blocking) when a budget enters
// the warning band.
func (m *Manager) OnWarning(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnCbs = append(m.warnCbs, cb)
}

// OnOverrun registers a callback invoked when a budget overruns.
func (m *Manager) OnOverrun(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrunCbs = append(m.overrunCbs, cb)
}

// SetThresholds replaces the warning/critical/overrun fractions for all
// subsequent status computations.
func (m *Manager) SetThresholds(t Thresholds) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.Warning > 0 {
		m.thresholds = t
	}
}

// SetBudget (re)initializes one Budget per declared resource type with zero
// consumption and start time now. Resources absent from limits are unlimited.
func (m *Manager) SetBudget(limits map[schema.ResourceType]float64) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	m.budgets = make(map[schema.ResourceType]*Budget, len(limits))
	m.delays = make(map[schema.ResourceType]time.Duration)
	for resource, limit := range limits {
		m.budgets[resource] = &Budget{
			Resource:  resource,
			Limit:     limit,
			StartTime: now,
		}
	}
}

// Consume records `amount` against the resource's budget and reacts to the
// resulting status:
//
//   - overrun: backoff pinned to max, overrun callbacks fire, returns false
//     and the caller must treat the operation as rejected;
//   - critical: exponential backoff sleep (delay*base up to max, plus jitter),
//     returns true;
//   - warning: warning callbacks fire without blocking, returns true;
//   - ok: returns true immediately.
//
// Unknown resource types are unlimited and always accepted.
func (m *Manager) Consume(ctx context.Context, resource schema.ResourceType, amount float64, op string) bool {
	m.mu.Lock()
	b, ok := m.budgets[resource]
	if !ok {
		m.mu.Unlock()
		metrics.AddBudgetConsumed(resource, amount)
		return true
	}

	b.Current += amount
	status := m.statusLocked(b)
	metrics.AddBudgetConsumed(resource, amount)

	switch status.Level {
	case schema.BudgetLevelOverrun:
		m.delays[resource] = m.backoff.Max
		cbs := append([]Callback(nil), m.overrunCbs...)
		m.mu.Unlock()

		m.logger.Warn("budget overrun",
			slog.String("resource", string(resource)),
			slog.String("op", op),
			slog.Float64("current", status.Current),
			slog.Float64("limit", status.Limit))
		m.publish(schema.EventBudgetOverrun, resource, status, op)
		for _, cb := range cbs {
			cb(resource, status)
		}
		return false

	case schema.BudgetLevelCritical:
		prev := m.delays[resource]
		if prev <= 0 {
			prev = m.backoff.Initial
		} else {
			prev = time.Duration(float64(prev) * m.backoff.Base)
		}
		if prev > m.backoff.Max {
			prev = m.backoff.Max
		}
		m.delays[resource] = prev
		delay := prev
		if m.backoff.Jitter > 0 {
			delay += time.Duration(m.rng.Int63n(int64(m.backoff.Jitter)))
		}
		m.mu.Unlock()

		m.publish(schema.EventBudgetCritical, resource, status, op)
		m.sleep(ctx, delay)
		return true

	case schema.BudgetLevelWarning:
		cbs := append([]Callback(nil), m.warnCbs...)
		m.mu.Unlock()

		m.publish(schema.EventBudgetWarning, resource, status, op)
		for _, cb := range cbs {
			go cb(resource, status)
		}
		return true

	default:
		m.mu.Unlock()
		return true
	}
}

// CheckAvailable is a read-only pre-flight check: would consuming `amount`
// stay under the limit? No state is mutated.
func (m *Manager) CheckAvailable(resource schema.ResourceType, amount float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.budgets[resource]
	if !ok {
		return true
	}
	if b.Limit <= 0 {
		return true
	}
	used := m.usedLocked(b)
	return used+amount < b.Limit
}

// Reset zeroes consumption and backoff for the given resources, or for all
// budgets when called with no arguments. Independent of run lifecycle.
func (m *Manager) Reset(resources ...schema.ResourceType) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(resources) == 0 {
		for _, b := range m.budgets {
			b.Current = 0
			b.StartTime = now
		}
		m.delays = make(map[schema.ResourceType]time.Duration)
		return
	}
	for _, resource := range resources {
		if b, ok := m.budgets[resource]; ok {
			b.Current = 0
			b.StartTime = now
		}
		delete(m.delays, resource)
	}
}

// Status returns the derived status for one resource.
func (m *Manager) Status(resource schema.ResourceType) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.budgets[resource]
	if !ok {
		return Status{}, false
	}
	return m.statusLocked(b), true
}

// Statuses returns the derived status of every declared budget, ordered by
// resource name for deterministic output.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.budgets))
	for _, b := range m.budgets {
		out = append(out, m.statusLocked(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

// Overrun reports whether any declared budget is in the overrun band.
func (m *Manager) Overrun() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.budgets {
		if m.statusLocked(b).Level == schema.BudgetLevelOverrun {
			return true
		}
	}
	return false
}

// usedLocked returns the effective consumption. Time budgets are measured
// against the wall clock: limit is in seconds, usage is elapsed time or
// explicitly consumed amount, whichever is larger.
func (m *Manager) usedLocked(b *Budget) float64 {
	used := b.Current
	if b.Resource == schema.ResourceTime {
		if elapsed := time.Since(b.StartTime).Seconds(); elapsed > used {
			used = elapsed
		}
	}
	return used
}

func (m *Manager) statusLocked(b *Budget) Status {
	status := Status{
		Resource: b.Resource,
		Limit:    b.Limit,
		Current:  b.Current,
		Level:    schema.BudgetLevelOK,
	}
	if b.Limit <= 0 {
		return status
	}

	used := m.usedLocked(b)
	status.Percentage = used / b.Limit

	switch {
	case status.Percentage >= m.thresholds.Overrun:
		status.Level = schema.BudgetLevelOverrun
		status.Suggestions = []string{
			"abort or degrade: the " + string(b.Resource) + " budget is exhausted",
			"raise the limit or reduce per-iteration cost before retrying",
		}
	case status.Percentage >= m.thresholds.Critical:
		status.Level = schema.BudgetLevelCritical
		status.Suggestions = []string{
			"finish in-flight work only; avoid starting new iterations",
		}
	case status.Percentage >= m.thresholds.Warning:
		status.Level = schema.BudgetLevelWarning
		status.Suggestions = []string{
			fmt.Sprintf("consumption past %.0f%%; consider cheaper strategies", m.thresholds.Warning*100),
		}
	}

	if b.Resource == schema.ResourceTime {
		remaining := time.Duration(b.Limit*float64(time.Second)) - time.Since(b.StartTime)
		if remaining < 0 {
			remaining = 0
		}
		status.TimeRemaining = remaining
	}
	return status
}

func (m *Manager) publish(eventType string, resource schema.ResourceType, status Status, op string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&schema.Event{
		Type:  eventType,
		Level: levelFor(status.Level),
		Payload: map[string]any{
			"resource":   string(resource),
			"op":         op,
			"current":    status.Current,
			"limit":      status.Limit,
			"percentage": status.Percentage,
		},
	})
}

func levelFor(level schema.BudgetLevel) string {
	switch level {
	case schema.BudgetLevelOverrun:
		return "error"
	case schema.BudgetLevelCritical:
		return "warn"
	case schema.BudgetLevelWarning:
		return "warn"
	default:
		return "info"
	}
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
