package schema

// Event type constants for the telemetry bus and journal.
const (
	EventRunStarted     = "run_started"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
	EventPhaseStarted   = "phase_started"
	EventPhaseCompleted = "phase_completed"
	EventPhaseTimedOut  = "phase_timed_out"

	EventExplorationCompleted = "exploration_completed"

	EventIterationStarted  = "cegis_iteration_started"
	EventCandidateProposed = "candidate_proposed"
	EventCandidateVerified = "candidate_verified"
	EventCandidateRejected = "candidate_rejected"
	EventCandidateRefined  = "candidate_refined"
	EventCegisConverged    = "cegis_converged"
	EventCegisExhausted    = "cegis_exhausted"

	EventBudgetWarning  = "budget_warning"
	EventBudgetCritical = "budget_critical"
	EventBudgetOverrun  = "budget_overrun"

	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskCancelled = "task_cancelled"
	EventTaskTimedOut  = "task_timed_out"

	EventIncidentRecorded = "incident_recorded"
	EventAuditPackBuilt   = "audit_pack_built"
)

// Phase represents the lifecycle state of an orchestrated run.
type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseExploration  Phase = "exploration"
	PhaseCegis        Phase = "cegis"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// CegisState represents the convergence state of the CEGIS loop.
type CegisState string

const (
	CegisStateProposing CegisState = "proposing"
	CegisStateVerifying CegisState = "verifying"
	CegisStateRefining  CegisState = "refining"
	CegisStateConverged CegisState = "converged"
	CegisStateExhausted CegisState = "exhausted"
)

// TaskStatus represents the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	return s != TaskStatusPending && s != TaskStatusRunning
}

// ResourceType identifies a budgeted resource.
type ResourceType string

const (
	ResourceTime     ResourceType = "time"
	ResourceTokens   ResourceType = "tokens"
	ResourceAPICalls ResourceType = "api_calls"
	ResourceMemory   ResourceType = "memory"
	ResourceCustom   ResourceType = "custom"
)

// BudgetLevel classifies consumption against a limit.
type BudgetLevel string

const (
	BudgetLevelOK       BudgetLevel = "ok"
	BudgetLevelWarning  BudgetLevel = "warning"
	BudgetLevelCritical BudgetLevel = "critical"
	BudgetLevelOverrun  BudgetLevel = "overrun"
)
