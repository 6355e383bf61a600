package engine

import (
	"sync"
	"time"

	"github.com/synthlab/crucible/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// --- Phase FSM ---

type phaseHookKey struct {
	from, to schema.Phase
}

// PhaseFSM guards the orchestrated run lifecycle. Transitions outside the
// table are rejected; every accepted transition emits a correlated event.
type PhaseFSM struct {
	mu     sync.Mutex
	pub    EventPublisher
	before map[phaseHookKey][]TransitionHook
	after  map[phaseHookKey][]TransitionHook
}

// NewPhaseFSM creates a PhaseFSM that emits events via the given publisher.
func NewPhaseFSM(pub EventPublisher) *PhaseFSM {
	return &PhaseFSM{
		pub:    pub,
		before: make(map[phaseHookKey][]TransitionHook),
		after:  make(map[phaseHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a phase transition.
func (f *PhaseFSM) OnBefore(from, to schema.Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phaseHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a phase transition.
func (f *PhaseFSM) OnAfter(from, to schema.Phase, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := phaseHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a phase transition, emitting the
// corresponding event stamped with the run's correlation IDs.
func (f *PhaseFSM) Transition(runID, traceID string, from, to schema.Phase) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidPhaseTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid phase transition: %s -> %s", from, to).
			WithComponent("orchestrator").
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	key := phaseHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := phaseEventType(to); eventType != "" && f.pub != nil {
		f.pub.Publish(&schema.Event{
			RunID:   runID,
			TraceID: traceID,
			Phase:   string(to),
			Type:    eventType,
			Payload: map[string]any{"from": string(from), "to": string(to)},
		})
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidPhaseTransition(from, to schema.Phase) bool {
	allowed, ok := ValidPhaseTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func phaseEventType(to schema.Phase) string {
	switch to {
	case schema.PhaseExploration, schema.PhaseCegis:
		return schema.EventPhaseStarted
	case schema.PhaseCompleted:
		return schema.EventRunCompleted
	case schema.PhaseFailed:
		return schema.EventRunFailed
	default:
		return ""
	}
}

// --- CEGIS FSM ---

type cegisHookKey struct {
	from, to schema.CegisState
}

// CegisFSM guards the propose/verify/refine convergence loop. Converged and
// exhausted are final.
type CegisFSM struct {
	mu     sync.Mutex
	pub    EventPublisher
	before map[cegisHookKey][]TransitionHook
	after  map[cegisHookKey][]TransitionHook
}

// NewCegisFSM creates a CegisFSM that emits events via the given publisher.
func NewCegisFSM(pub EventPublisher) *CegisFSM {
	return &CegisFSM{
		pub:    pub,
		before: make(map[cegisHookKey][]TransitionHook),
		after:  make(map[cegisHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a loop transition.
func (f *CegisFSM) OnBefore(from, to schema.CegisState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cegisHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a loop transition.
func (f *CegisFSM) OnAfter(from, to schema.CegisState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := cegisHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a loop state transition.
func (f *CegisFSM) Transition(runID, traceID string, iteration int, from, to schema.CegisState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidCegisTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid loop transition: %s -> %s", from, to).
			WithComponent("engine").
			WithDetails(map[string]any{"run_id": runID, "iteration": iteration})
	}

	key := cegisHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := cegisEventType(to); eventType != "" && f.pub != nil {
		f.pub.Publish(&schema.Event{
			RunID:   runID,
			TraceID: traceID,
			Phase:   string(schema.PhaseCegis),
			Type:    eventType,
			TS:      time.Now().UnixNano(),
			Payload: map[string]any{"iteration": iteration, "from": string(from), "to": string(to)},
		})
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidCegisTransition(from, to schema.CegisState) bool {
	allowed, ok := ValidCegisTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func cegisEventType(to schema.CegisState) string {
	switch to {
	case schema.CegisStateConverged:
		return schema.EventCegisConverged
	case schema.CegisStateExhausted:
		return schema.EventCegisExhausted
	default:
		return ""
	}
}

// ValidPhaseTransitions defines the allowed run phase transitions.
// Exploration may fail the run directly; the loop never may, so completed is
// reachable from cegis regardless of convergence.
var ValidPhaseTransitions = map[schema.Phase][]schema.Phase{
	schema.PhaseInitializing: {schema.PhaseExploration, schema.PhaseFailed},
	schema.PhaseExploration:  {schema.PhaseCegis, schema.PhaseFailed},
	schema.PhaseCegis:        {schema.PhaseCompleted, schema.PhaseFailed},
	schema.PhaseCompleted:    {},
	schema.PhaseFailed:       {},
}

// ValidCegisTransitions defines the allowed loop state transitions.
var ValidCegisTransitions = map[schema.CegisState][]schema.CegisState{
	schema.CegisStateProposing: {schema.CegisStateVerifying},
	schema.CegisStateVerifying: {schema.CegisStateConverged, schema.CegisStateRefining, schema.CegisStateExhausted},
	schema.CegisStateRefining:  {schema.CegisStateProposing, schema.CegisStateExhausted},
	schema.CegisStateConverged: {},
	schema.CegisStateExhausted: {},
}
