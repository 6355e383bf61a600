package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/synthlab/crucible/internal/budget"
	"github.com/synthlab/crucible/internal/metrics"
	"github.com/synthlab/crucible/pkg/schema"
)

// Incident types raised by the loop. All of them are non-fatal to the run.
const (
	IncidentStability      = "stability_exhaustion"
	IncidentMaxIterations  = "max_iterations_reached"
	IncidentVerifyTimeout  = "verification_timeout"
	IncidentBudgetExceeded = "budget_exceeded"
)

// Config holds engine construction options.
type Config struct {
	MaxIterations      int
	MaxStableNoImprove int
	ProposeTimeout     time.Duration
	VerifyTimeout      time.Duration
	RefineTimeout      time.Duration
	Seed               int64
	Bus                EventPublisher
	Logger             *slog.Logger
	Budget             *budget.Manager
}

// Outcome is the result of one full loop run. Exhaustion is a normal outcome:
// State is exhausted, Verdict nil, and Incidents explains why.
type Outcome struct {
	State           schema.CegisState
	Verdict         *schema.Verdict
	Winner          *schema.Candidate
	Iterations      int
	StableNoImprove int
	Candidates      []*schema.Candidate
	Counterexamples []*schema.Counterexample
	Incidents       []*schema.Incident
}

// Engine drives the propose/verify/refine loop to convergence or exhaustion.
// It holds no cross-run state; each Run owns its loop context exclusively.
type Engine struct {
	proposer Proposer
	verifier Verifier
	refiner  Refiner
	cfg      Config
	fsm      *CegisFSM
	logger   *slog.Logger
}

// NewEngine creates an Engine from the given capabilities.
func NewEngine(proposer Proposer, verifier Verifier, refiner Refiner, cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		proposer: proposer,
		verifier: verifier,
		refiner:  refiner,
		cfg:      cfg,
		fsm:      NewCegisFSM(cfg.Bus),
		logger:   cfg.Logger,
	}
}

// history is the cross-iteration state carried through the loop. The three
// shapes make illegal combinations unrepresentable: a counterexample never
// exists without the candidate it rejects.
type history interface {
	isHistory()
}

type noHistory struct{}

type withCandidate struct {
	candidate *schema.Candidate
}

type withCounterexample struct {
	candidate *schema.Candidate
	cex       *schema.Counterexample
}

func (noHistory) isHistory()          {}
func (withCandidate) isHistory()      {}
func (withCounterexample) isHistory() {}

// loopCtx is the mutable state of one run, owned exclusively by that run's
// driving goroutine.
type loopCtx struct {
	runID   string
	traceID string
	state   schema.CegisState
	hist    history
	spec    *schema.Specification

	iteration int
	stable    int
	rng       *rand.Rand

	candidates      []*schema.Candidate
	counterexamples []*schema.Counterexample
	incidents       []*schema.Incident
}

// Run executes the loop until convergence or exhaustion. Exhaustion paths
// (stability, max iterations, budget) return a nil error with the explanatory
// incidents in the Outcome; only capability and transition failures error.
func (e *Engine) Run(ctx context.Context, runID, traceID string) (*Outcome, error) {
	lc := &loopCtx{
		runID:   runID,
		traceID: traceID,
		state:   schema.CegisStateProposing,
		hist:    noHistory{},
		rng:     rand.New(rand.NewSource(e.cfg.Seed)),
	}

	candidate, err := e.propose(ctx, lc)
	if err != nil {
		return nil, err
	}

	for {
		e.publishIteration(lc)

		if !e.charge(ctx, "verify") {
			return e.exhaust(lc, IncidentBudgetExceeded, "resource budget exhausted before verification")
		}
		verdict, cex, err := e.verify(ctx, lc, candidate)
		if err != nil {
			return nil, err
		}

		if verdict != nil {
			if err := e.transition(lc, schema.CegisStateConverged); err != nil {
				return nil, err
			}
			return e.outcome(lc, verdict, candidate), nil
		}

		// Any counterexample counts as non-improvement, whether or not its
		// evidence differs from the previous one.
		lc.stable++
		lc.counterexamples = append(lc.counterexamples, cex)
		lc.hist = withCounterexample{candidate: candidate, cex: cex}
		e.publish(lc, schema.EventCandidateRejected, map[string]any{
			"candidate_id":      candidate.ID,
			"counterexample_id": cex.ID,
			"failing_property":  cex.FailingProperty,
			"stable_no_improve": lc.stable,
		})

		if lc.iteration+1 >= e.cfg.MaxIterations {
			return e.exhaust(lc, IncidentMaxIterations,
				fmt.Sprintf("no valid candidate after %d iterations", e.cfg.MaxIterations))
		}

		if !e.charge(ctx, "refine") {
			return e.exhaust(lc, IncidentBudgetExceeded, "resource budget exhausted before refinement")
		}
		candidate, err = e.refine(ctx, lc, candidate, cex)
		if err != nil {
			return nil, err
		}

		if e.cfg.MaxStableNoImprove > 0 && lc.stable >= e.cfg.MaxStableNoImprove {
			return e.exhaust(lc, IncidentStability,
				fmt.Sprintf("%d consecutive refinements without improvement", lc.stable))
		}
	}
}

// propose asks the proposer for the initial specification and implementation.
// Only the first iteration proposes; all later candidates come from refine.
func (e *Engine) propose(ctx context.Context, lc *loopCtx) (*schema.Candidate, error) {
	if !e.charge(ctx, "propose") {
		return nil, schema.NewError(schema.ErrCodeAPICallLimitExceeded,
			"resource budget exhausted before initial proposal").WithComponent("engine")
	}

	pctx, cancel := e.capabilityCtx(ctx, e.cfg.ProposeTimeout)
	defer cancel()

	spec, err := e.proposer.GenerateSpecification(pctx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSynthesisFailed,
			"generate specification: %s", err.Error()).WithCause(err).WithComponent("engine")
	}
	impl, err := e.proposer.GenerateImplementation(pctx, spec, spec.Constraints, nil, nil)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSynthesisFailed,
			"generate implementation: %s", err.Error()).WithCause(err).WithComponent("engine")
	}

	lc.spec = spec
	candidate := e.newCandidate(lc, spec, impl, "", "")
	lc.hist = withCandidate{candidate: candidate}

	if err := e.transition(lc, schema.CegisStateVerifying); err != nil {
		return nil, err
	}
	e.publish(lc, schema.EventCandidateProposed, map[string]any{"candidate_id": candidate.ID})
	return candidate, nil
}

// verify invokes the verifier under the configured timeout. A timeout is not
// a fatal engine error: it yields a synthetic counterexample so the loop can
// refine around it.
func (e *Engine) verify(ctx context.Context, lc *loopCtx, candidate *schema.Candidate) (*schema.Verdict, *schema.Counterexample, error) {
	vctx, cancel := e.capabilityCtx(ctx, e.cfg.VerifyTimeout)
	defer cancel()

	start := time.Now()
	verdict, cex, err := e.verifier.VerifyCandidate(vctx, candidate, lc.spec, lc.spec.Constraints)
	metrics.ObserveVerifyDuration(time.Since(start))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			synthetic := &schema.Counterexample{
				ID:              e.cexID(lc),
				CandidateID:     candidate.ID,
				FailingProperty: IncidentVerifyTimeout,
				Evidence:        map[string]any{"timeout": e.cfg.VerifyTimeout.String()},
				Suggestions:     []string{"simplify the candidate", "raise the verify timeout"},
			}
			e.logger.Warn("verification timed out; continuing with synthetic counterexample",
				slog.String("candidate_id", candidate.ID))
			return nil, synthetic, nil
		}
		return nil, nil, schema.NewErrorf(schema.ErrCodeOracleFailed,
			"verify candidate %s: %s", candidate.ID, err.Error()).WithCause(err).WithComponent("engine")
	}

	if verdict != nil {
		e.publish(lc, schema.EventCandidateVerified, map[string]any{
			"candidate_id": candidate.ID,
			"confidence":   verdict.Confidence,
		})
	}
	return verdict, cex, nil
}

// refine specializes the specification from the counterexample's evidence,
// re-synthesizes an implementation, and links the new candidate to its parent
// and triggering counterexample.
func (e *Engine) refine(ctx context.Context, lc *loopCtx, parent *schema.Candidate, cex *schema.Counterexample) (*schema.Candidate, error) {
	if err := e.transition(lc, schema.CegisStateRefining); err != nil {
		return nil, err
	}

	rctx, cancel := e.capabilityCtx(ctx, e.cfg.RefineTimeout)
	defer cancel()

	refined, err := e.refiner.RefineSpecification(rctx, lc.spec, cex)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSynthesisFailed,
			"refine specification: %s", err.Error()).WithCause(err).WithComponent("engine")
	}
	impl, err := e.proposer.GenerateImplementation(rctx, refined, refined.Constraints, &parent.Impl, cex)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSynthesisFailed,
			"re-synthesize implementation: %s", err.Error()).WithCause(err).WithComponent("engine")
	}

	lc.spec = refined
	lc.iteration++
	candidate := e.newCandidate(lc, refined, impl, parent.ID, cex.ID)
	lc.hist = withCandidate{candidate: candidate}

	if err := e.transition(lc, schema.CegisStateProposing); err != nil {
		return nil, err
	}
	if err := e.transition(lc, schema.CegisStateVerifying); err != nil {
		return nil, err
	}
	e.publish(lc, schema.EventCandidateRefined, map[string]any{
		"candidate_id":      candidate.ID,
		"parent_id":         parent.ID,
		"counterexample_id": cex.ID,
		"iteration":         lc.iteration,
	})
	return candidate, nil
}

// newCandidate mints a candidate with a seeded, reproducible ID. Lineage is
// acyclic: a parent's iteration is strictly smaller than its child's.
func (e *Engine) newCandidate(lc *loopCtx, spec *schema.Specification, impl *schema.Implementation, parentID, cexID string) *schema.Candidate {
	candidate := &schema.Candidate{
		ID:   fmt.Sprintf("cand-%d-%08x", lc.iteration, lc.rng.Uint32()),
		Spec: *spec,
		Impl: *impl,
		Meta: schema.CandidateMeta{
			Iteration:    lc.iteration,
			ParentID:     parentID,
			TriggerCexID: cexID,
			CreatedAt:    time.Now().UTC(),
		},
	}
	lc.candidates = append(lc.candidates, candidate)
	return candidate
}

func (e *Engine) cexID(lc *loopCtx) string {
	return fmt.Sprintf("cex-%d-%08x", lc.iteration, lc.rng.Uint32())
}

// exhaust ends the loop in the exhausted state with an explanatory incident.
func (e *Engine) exhaust(lc *loopCtx, incidentType, message string) (*Outcome, error) {
	if err := e.transition(lc, schema.CegisStateExhausted); err != nil {
		return nil, err
	}
	incident := &schema.Incident{
		ID:       uuid.New().String(),
		Type:     incidentType,
		Severity: schema.SeverityMedium,
		Context: map[string]any{
			"run_id":            lc.runID,
			"iterations":        lc.iteration + 1,
			"stable_no_improve": lc.stable,
		},
		Evidence:  []string{message},
		CreatedAt: time.Now().UTC(),
	}
	lc.incidents = append(lc.incidents, incident)
	return e.outcome(lc, nil, nil), nil
}

func (e *Engine) outcome(lc *loopCtx, verdict *schema.Verdict, winner *schema.Candidate) *Outcome {
	return &Outcome{
		State:           lc.state,
		Verdict:         verdict,
		Winner:          winner,
		Iterations:      lc.iteration + 1,
		StableNoImprove: lc.stable,
		Candidates:      lc.candidates,
		Counterexamples: lc.counterexamples,
		Incidents:       lc.incidents,
	}
}

func (e *Engine) transition(lc *loopCtx, to schema.CegisState) error {
	if err := e.fsm.Transition(lc.runID, lc.traceID, lc.iteration, lc.state, to); err != nil {
		return err
	}
	lc.state = to
	return nil
}

// charge consumes one API call and reports whether the loop may proceed.
// The time budget is consulted on every charge: elapsed wall clock counts as
// usage, so a declared time ceiling stops the loop between capability calls.
func (e *Engine) charge(ctx context.Context, op string) bool {
	if e.cfg.Budget == nil {
		return true
	}
	if !e.cfg.Budget.Consume(ctx, schema.ResourceAPICalls, 1, "engine:"+op) {
		return false
	}
	return e.cfg.Budget.Consume(ctx, schema.ResourceTime, 0, "engine:"+op)
}

func (e *Engine) capabilityCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (e *Engine) publishIteration(lc *loopCtx) {
	metrics.IncIterations()
	e.publish(lc, schema.EventIterationStarted, map[string]any{
		"iteration":         lc.iteration,
		"stable_no_improve": lc.stable,
	})
}

func (e *Engine) publish(lc *loopCtx, eventType string, payload map[string]any) {
	if e.cfg.Bus == nil {
		return
	}
	e.cfg.Bus.Publish(&schema.Event{
		RunID:   lc.runID,
		TraceID: lc.traceID,
		Phase:   string(schema.PhaseCegis),
		Type:    eventType,
		Payload: payload,
	})
}
