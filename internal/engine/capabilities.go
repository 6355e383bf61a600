package engine

import (
	"context"

	"github.com/synthlab/crucible/pkg/schema"
)

// Proposer generates the initial specification and synthesizes
// implementations, optionally guided by a previous implementation and the
// counterexample that rejected it.
type Proposer interface {
	GenerateSpecification(ctx context.Context) (*schema.Specification, error)
	GenerateImplementation(ctx context.Context, spec *schema.Specification, constraints []string,
		prev *schema.Implementation, cex *schema.Counterexample) (*schema.Implementation, error)
}

// Verifier checks one candidate against a specification. Exactly one of the
// return values is set: a Verdict when the candidate is valid, a
// Counterexample when it is not.
type Verifier interface {
	VerifyCandidate(ctx context.Context, candidate *schema.Candidate, spec *schema.Specification,
		constraints []string) (*schema.Verdict, *schema.Counterexample, error)
}

// Refiner specializes a specification from a counterexample's evidence.
type Refiner interface {
	RefineSpecification(ctx context.Context, spec *schema.Specification,
		cex *schema.Counterexample) (*schema.Specification, error)
}

// Explorer derives concepts and implications that seed the synthesis loop.
type Explorer interface {
	Step(ctx context.Context) (*schema.ExplorationResult, error)
}

// AuditSink persists incidents and proof-carrying records and assembles the
// final audit pack for a run.
type AuditSink interface {
	PersistIncident(ctx context.Context, runID string, incident *schema.Incident) error
	PersistRecord(ctx context.Context, runID string, record *schema.AuditRecord) error
	BuildAuditPack(ctx context.Context, runID string, metrics map[string]any) (*schema.AuditPackManifest, error)
}

// EventPublisher is satisfied by the event bus; FSMs and the orchestrator
// emit correlated telemetry through it.
type EventPublisher interface {
	Publish(event *schema.Event)
}
