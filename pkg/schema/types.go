package schema

import "time"

// EventVersion is the wire format version stamped on every published event.
const EventVersion = 1

// Timings carries optional start/end timing for the operation an event describes.
type Timings struct {
	StartNS int64 `json:"start_ns,omitempty"`
	EndNS   int64 `json:"end_ns,omitempty"`
	DurMS   int64 `json:"dur_ms,omitempty"`
}

// Event is one immutable record on the telemetry bus. The sequence number is
// assigned at enqueue time and is monotonic per bus instance. Serialized as one
// line-delimited JSON object per record; consumers must tolerate unknown
// payload keys and missing timing fields.
type Event struct {
	Version int            `json:"version"`
	TS      int64          `json:"ts"` // unix nanoseconds
	Level   string         `json:"level,omitempty"`
	TraceID string         `json:"trace_id,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Phase   string         `json:"phase,omitempty"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Timings *Timings       `json:"timings,omitempty"`
	Seq     uint64         `json:"seq"`
}

// Specification is the synthesis target a candidate claims to satisfy.
// Constraints are boolean expressions understood by the configured verifier
// engine (expr or CEL).
type Specification struct {
	Intent      string         `json:"intent,omitempty"`
	Constraints []string       `json:"constraints"`
	Params      map[string]any `json:"params,omitempty"`
}

// Implementation is a proposed realization of a specification. Env holds the
// bindings constraint expressions are evaluated against.
type Implementation struct {
	Source string         `json:"source,omitempty"`
	Env    map[string]any `json:"env,omitempty"`
}

// CandidateMeta records lineage for a candidate.
type CandidateMeta struct {
	Iteration      int       `json:"iteration"`
	ParentID       string    `json:"parent_id,omitempty"`
	TriggerCexID   string    `json:"trigger_counterexample_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Candidate is one propose/refine product. Immutable once created; verdicts
// and counterexamples reference it by ID.
type Candidate struct {
	ID   string         `json:"id"`
	Spec Specification  `json:"specification"`
	Impl Implementation `json:"implementation"`
	Meta CandidateMeta  `json:"metadata"`
}

// Verdict is the terminal success outcome for one candidate.
type Verdict struct {
	CandidateID string         `json:"candidate_id"`
	Valid       bool           `json:"valid"`
	Confidence  float64        `json:"confidence"`
	Evidence    map[string]any `json:"evidence,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
}

// Counterexample is the terminal failure outcome for one candidate and the
// input to the next refinement.
type Counterexample struct {
	ID              string         `json:"id"`
	CandidateID     string         `json:"candidate_id"`
	FailingProperty string         `json:"failing_property"`
	Evidence        map[string]any `json:"evidence,omitempty"`
	Suggestions     []string       `json:"suggestions,omitempty"`
}

// Incident is an append-only record of an abnormal run condition.
type Incident struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Severity    Severity       `json:"severity"`
	Context     map[string]any `json:"context,omitempty"`
	Evidence    []string       `json:"evidence,omitempty"`
	Remediation []string       `json:"remediation,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// FailReason is a taxonomy-tagged explanation of why an operation did not
// complete as requested, attached to an Incident or surfaced standalone.
type FailReason struct {
	ID          string         `json:"id"`
	Code        string         `json:"code"`
	Severity    Severity       `json:"severity"`
	Message     string         `json:"message"`
	Context     map[string]any `json:"context,omitempty"`
	Component   string         `json:"component,omitempty"`
	Operation   string         `json:"operation,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

// AuditRecord is a proof-carrying record for one orchestration step.
type AuditRecord struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	StepID      string         `json:"step_id,omitempty"`
	Kind        string         `json:"kind"`
	Payload     map[string]any `json:"payload,omitempty"`
	ContextHash string         `json:"context_hash,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditPackManifest summarizes the persisted evidence for one run. The
// integrity hash covers every record and incident in persistence order.
type AuditPackManifest struct {
	RunID         string         `json:"run_id"`
	RecordCount   int            `json:"record_count"`
	IncidentCount int            `json:"incident_count"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	IntegrityHash string         `json:"integrity_hash"`
	CreatedAt     time.Time      `json:"created_at"`
}

// ExplorationResult is what one exploration step yields.
type ExplorationResult struct {
	Success         bool             `json:"success"`
	Concepts        []string         `json:"concepts,omitempty"`
	Implications    []string         `json:"implications,omitempty"`
	Counterexamples []Counterexample `json:"counterexamples,omitempty"`
	Error           string           `json:"error,omitempty"`
}
