package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/synthlab/crucible/internal/budget"
	"github.com/synthlab/crucible/internal/logging"
	"github.com/synthlab/crucible/internal/metrics"
	"github.com/synthlab/crucible/internal/tasks"
	"github.com/synthlab/crucible/pkg/schema"
)

// Incident types raised by the orchestrator.
const (
	IncidentPhaseTimeout      = "phase_timeout"
	IncidentExplorationFailed = "exploration_failure"
	IncidentEngineFailed      = "engine_failure"
	IncidentUnhandledFault    = "unhandled_fault"
	IncidentSpecRejected      = "specification_rejected"
)

// SpecValidator checks a domain specification document before a run starts.
type SpecValidator interface {
	ValidateSpec(doc map[string]any) error
}

// Releaser is implemented by components holding resources the orchestrator
// must release during cleanup.
type Releaser interface {
	Stop() error
}

// TaskRunner executes phase work as scheduled tasks, enforcing the timeout
// the orchestrator assigns, and releases its resources on Stop.
type TaskRunner interface {
	ExecuteConcurrent(ctx context.Context, batch []tasks.Task) []*tasks.Result
	Releaser
}

// OrchestratorConfig wires the orchestrator's collaborators.
type OrchestratorConfig struct {
	Engine             *Engine
	Explorer           Explorer
	Audit              AuditSink
	Budget             *budget.Manager
	Scheduler          TaskRunner
	Validator          SpecValidator
	Bus                EventPublisher
	Logger             *slog.Logger
	ExplorationTimeout time.Duration
	FlushTimeout       time.Duration
}

// State is the single source of truth for one run. It is written only by the
// orchestrator; callers receive it after the run reaches a terminal phase.
type State struct {
	RunID        string                    `json:"run_id"`
	TraceID      string                    `json:"trace_id"`
	Phase        schema.Phase              `json:"phase"`
	Exploration  *schema.ExplorationResult `json:"exploration,omitempty"`
	Outcome      *Outcome                  `json:"-"`
	Results      []*schema.Verdict         `json:"results"`
	Incidents    []*schema.Incident        `json:"incidents"`
	AuditRecords []*schema.AuditRecord     `json:"audit_records"`
	FailReason   *schema.FailReason        `json:"fail_reason,omitempty"`
	Metrics      map[string]any            `json:"metrics"`
	StartTime    time.Time                 `json:"start_time"`
	EndTime      time.Time                 `json:"end_time"`
}

// Orchestrator sequences exploration then the synthesis loop under global
// budgets and ends every run with one terminal audit record.
type Orchestrator struct {
	cfg    OrchestratorConfig
	fsm    *PhaseFSM
	logger *slog.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ExplorationTimeout <= 0 {
		cfg.ExplorationTimeout = 30 * time.Second
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = tasks.NewScheduler(tasks.Config{Logger: cfg.Logger})
	}
	return &Orchestrator{
		cfg:    cfg,
		fsm:    NewPhaseFSM(cfg.Bus),
		logger: cfg.Logger,
	}
}

// Run drives one run through initializing, exploration, the synthesis loop
// and a terminal phase. Exploration failure is fatal; loop exhaustion is not.
// A run that finds no solution still completes, with incidents explaining
// why. Unhandled faults persist a critical incident, run cleanup, and
// re-raise.
func (o *Orchestrator) Run(ctx context.Context, domainSpec map[string]any, budgets map[schema.ResourceType]float64, thresholds budget.Thresholds) (state *State, err error) {
	state = &State{
		RunID:     uuid.New().String(),
		TraceID:   uuid.New().String(),
		Phase:     schema.PhaseInitializing,
		Metrics:   make(map[string]any),
		StartTime: time.Now().UTC(),
	}
	ctx = logging.WithRunID(ctx, state.RunID)
	ctx = logging.WithTraceID(ctx, state.TraceID)
	logger := logging.LogWith(ctx, o.logger)

	defer func() {
		if r := recover(); r != nil {
			o.faulted(ctx, state, r)
			o.cleanup(ctx, state)
			panic(r)
		}
		o.cleanup(ctx, state)
	}()

	logger.Info("run starting")
	o.publish(state, schema.EventRunStarted, map[string]any{"budgets": budgetPayload(budgets)})

	if o.cfg.Budget != nil {
		o.cfg.Budget.SetThresholds(thresholds)
		o.cfg.Budget.SetBudget(budgets)
	}

	if o.cfg.Validator != nil {
		if verr := o.cfg.Validator.ValidateSpec(domainSpec); verr != nil {
			o.recordIncident(ctx, state, &schema.Incident{
				Type:     IncidentSpecRejected,
				Severity: schema.SeverityHigh,
				Context:  map[string]any{"error": verr.Error()},
			})
			err = o.fail(ctx, state, schema.NewErrorf(schema.ErrCodeValidation,
				"domain specification rejected: %s", verr.Error()).WithCause(verr))
			return state, err
		}
	}

	if terr := o.toPhase(state, schema.PhaseExploration); terr != nil {
		return state, o.fail(ctx, state, terr)
	}
	if xerr := o.explore(ctx, state); xerr != nil {
		return state, o.fail(ctx, state, xerr)
	}

	if terr := o.toPhase(state, schema.PhaseCegis); terr != nil {
		return state, o.fail(ctx, state, terr)
	}
	cctx := logging.WithStepID(ctx, string(schema.PhaseCegis))
	outcome, eerr := o.cfg.Engine.Run(cctx, state.RunID, state.TraceID)
	if eerr != nil {
		o.recordIncident(ctx, state, &schema.Incident{
			Type:     IncidentEngineFailed,
			Severity: schema.SeverityHigh,
			Context:  map[string]any{"error": eerr.Error()},
		})
		return state, o.fail(ctx, state, eerr)
	}

	state.Outcome = outcome
	for _, incident := range outcome.Incidents {
		o.recordIncident(ctx, state, incident)
	}
	if outcome.Verdict != nil {
		state.Results = append(state.Results, outcome.Verdict)
	}
	state.Metrics["iterations"] = outcome.Iterations
	state.Metrics["stable_no_improve"] = outcome.StableNoImprove
	state.Metrics["candidates"] = len(outcome.Candidates)
	state.Metrics["results"] = len(state.Results)

	// Exhaustion is normal completion: no solution found is not a crash.
	if terr := o.toPhase(state, schema.PhaseCompleted); terr != nil {
		return state, o.fail(ctx, state, terr)
	}
	o.finish(ctx, state)
	logger.Info("run completed",
		slog.Int("results", len(state.Results)),
		slog.Int("incidents", len(state.Incidents)))
	return state, nil
}

// explore runs the exploration step as a scheduled task, so the phase
// timeout is the task scheduler's to enforce. Any failure is fatal: the loop
// cannot run without exploration results. Exploration is never retried; a
// failed lattice would fail identically on a second attempt.
func (o *Orchestrator) explore(ctx context.Context, state *State) error {
	ctx = logging.WithStepID(ctx, string(schema.PhaseExploration))
	results := o.cfg.Scheduler.ExecuteConcurrent(ctx, []tasks.Task{{
		Name:    "exploration",
		Timeout: o.cfg.ExplorationTimeout,
		Retry:   &tasks.RetryPolicy{},
		Op: func(ctx context.Context) (any, error) {
			return o.cfg.Explorer.Step(ctx)
		},
	}})
	res := results[0]

	if res.Status == schema.TaskStatusTimeout {
		o.recordIncident(ctx, state, &schema.Incident{
			Type:     IncidentPhaseTimeout,
			Severity: schema.SeverityHigh,
			Context: map[string]any{
				"phase":   string(schema.PhaseExploration),
				"timeout": o.cfg.ExplorationTimeout.String(),
			},
		})
		o.publish(state, schema.EventPhaseTimedOut, map[string]any{
			"phase": string(schema.PhaseExploration),
		})
		return schema.NewErrorf(schema.ErrCodeTimeoutExceeded,
			"exploration exceeded %s", o.cfg.ExplorationTimeout).WithComponent("orchestrator")
	}

	result, _ := res.Value.(*schema.ExplorationResult)
	if res.Status != schema.TaskStatusCompleted || result == nil || !result.Success {
		reason := res.Err
		if result != nil && !result.Success {
			reason = result.Error
		}
		o.recordIncident(ctx, state, &schema.Incident{
			Type:     IncidentExplorationFailed,
			Severity: schema.SeverityHigh,
			Context:  map[string]any{"error": reason},
		})
		return schema.NewErrorf(schema.ErrCodeExecution,
			"exploration failed: %s", reason).WithComponent("orchestrator")
	}

	state.Exploration = result
	o.publish(state, schema.EventExplorationCompleted, map[string]any{
		"concepts":     len(result.Concepts),
		"implications": len(result.Implications),
	})
	return nil
}

// recordIncident stamps, stores, publishes and persists one incident. All
// incidents reach the audit sink before the terminal record is built.
func (o *Orchestrator) recordIncident(ctx context.Context, state *State, incident *schema.Incident) {
	if incident.ID == "" {
		incident.ID = uuid.New().String()
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = time.Now().UTC()
	}
	state.Incidents = append(state.Incidents, incident)
	metrics.IncIncidents(incident.Severity)
	o.publish(state, schema.EventIncidentRecorded, map[string]any{
		"incident_id": incident.ID,
		"type":        incident.Type,
		"severity":    string(incident.Severity),
	})

	if o.cfg.Audit == nil {
		return
	}
	if err := o.cfg.Audit.PersistIncident(ctx, state.RunID, incident); err != nil {
		o.logger.Error("persist incident",
			slog.String("incident_id", incident.ID),
			slog.String("error", err.Error()))
	}
}

// finish seals a completed run: one terminal audit record after every
// incident has been persisted, then the audit pack manifest.
func (o *Orchestrator) finish(ctx context.Context, state *State) {
	state.EndTime = time.Now().UTC()
	state.Metrics["duration_ms"] = state.EndTime.Sub(state.StartTime).Milliseconds()
	metrics.IncRunPhase(state.Phase)

	if o.cfg.Audit == nil {
		return
	}

	record := &schema.AuditRecord{
		ID:    uuid.New().String(),
		RunID: state.RunID,
		Kind:  "run_terminal",
		Payload: map[string]any{
			"phase":     string(state.Phase),
			"results":   len(state.Results),
			"incidents": len(state.Incidents),
			"metrics":   state.Metrics,
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := o.cfg.Audit.PersistRecord(ctx, state.RunID, record); err != nil {
		o.logger.Error("persist terminal record", slog.String("error", err.Error()))
		return
	}
	state.AuditRecords = append(state.AuditRecords, record)

	manifest, err := o.cfg.Audit.BuildAuditPack(ctx, state.RunID, state.Metrics)
	if err != nil {
		o.logger.Error("build audit pack", slog.String("error", err.Error()))
		return
	}
	o.publish(state, schema.EventAuditPackBuilt, map[string]any{
		"integrity_hash": manifest.IntegrityHash,
		"records":        manifest.RecordCount,
	})
}

// fail drives the run to the failed phase, seals it, and returns the cause.
func (o *Orchestrator) fail(ctx context.Context, state *State, cause error) error {
	if !terminalPhase(state.Phase) {
		if terr := o.toPhase(state, schema.PhaseFailed); terr != nil {
			o.logger.Error("transition to failed", slog.String("error", terr.Error()))
			state.Phase = schema.PhaseFailed
		}
	}
	state.FailReason = failReason(cause)
	o.finish(ctx, state)
	return cause
}

// faulted handles an unhandled panic: critical incident, failed phase, seal.
func (o *Orchestrator) faulted(ctx context.Context, state *State, r any) {
	o.recordIncident(ctx, state, &schema.Incident{
		Type:     IncidentUnhandledFault,
		Severity: schema.SeverityCritical,
		Context:  map[string]any{"panic": fmt.Sprint(r)},
	})
	_ = o.fail(ctx, state, schema.NewErrorf(schema.ErrCodeExecution,
		"unhandled fault: %v", r).WithSeverity(schema.SeverityCritical))
}

// cleanup releases collaborator resources in order. Each step is isolated so
// one failure never blocks the others.
func (o *Orchestrator) cleanup(ctx context.Context, state *State) {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"scheduler", func() error {
			if o.cfg.Scheduler == nil {
				return nil
			}
			return o.cfg.Scheduler.Stop()
		}},
		{"budget", func() error {
			if o.cfg.Budget != nil {
				o.cfg.Budget.Reset()
			}
			return nil
		}},
		{"bus", func() error {
			flusher, ok := o.cfg.Bus.(interface{ Flush(time.Duration) error })
			if !ok {
				return nil
			}
			timeout := o.cfg.FlushTimeout
			if timeout <= 0 {
				timeout = 2 * time.Second
			}
			return flusher.Flush(timeout)
		}},
	}

	for _, step := range steps {
		func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("cleanup step panicked",
						slog.String("step", step.name), slog.Any("panic", r))
				}
			}()
			if err := step.fn(); err != nil {
				o.logger.Warn("cleanup step failed",
					slog.String("step", step.name), slog.String("error", err.Error()))
			}
		}()
	}
}

func (o *Orchestrator) toPhase(state *State, to schema.Phase) error {
	if err := o.fsm.Transition(state.RunID, state.TraceID, state.Phase, to); err != nil {
		return err
	}
	state.Phase = to
	return nil
}

func (o *Orchestrator) publish(state *State, eventType string, payload map[string]any) {
	if o.cfg.Bus == nil {
		return
	}
	o.cfg.Bus.Publish(&schema.Event{
		RunID:   state.RunID,
		TraceID: state.TraceID,
		Phase:   string(state.Phase),
		Type:    eventType,
		Payload: payload,
	})
}

func terminalPhase(p schema.Phase) bool {
	return p == schema.PhaseCompleted || p == schema.PhaseFailed
}

func failReason(err error) *schema.FailReason {
	reason := &schema.FailReason{
		ID:       uuid.New().String(),
		Code:     schema.ErrCodeUnknown,
		Severity: schema.SeverityHigh,
		Message:  err.Error(),
	}
	var cerr *schema.CrucibleError
	if errors.As(err, &cerr) {
		reason.Code = cerr.Code
		reason.Severity = cerr.Severity
		reason.Component = cerr.Component
		reason.Operation = cerr.Operation
		reason.Suggestions = cerr.Suggestions
		reason.Context = cerr.Details
	}
	return reason
}

func budgetPayload(budgets map[schema.ResourceType]float64) map[string]any {
	payload := make(map[string]any, len(budgets))
	for resource, limit := range budgets {
		payload[string(resource)] = limit
	}
	return payload
}
