package store

import (
	"context"
	"time"

	"github.com/synthlab/crucible/pkg/schema"
)

// Store is the persistence surface for runs, incidents, audit evidence and
// scheduled runs.
type Store interface {
	// Audit sink.
	PersistIncident(ctx context.Context, runID string, incident *schema.Incident) error
	PersistRecord(ctx context.Context, runID string, record *schema.AuditRecord) error
	BuildAuditPack(ctx context.Context, runID string, metrics map[string]any) (*schema.AuditPackManifest, error)

	// Run summaries.
	SaveRun(ctx context.Context, run *RunSummary) error
	GetRun(ctx context.Context, id string) (*RunSummary, error)
	ListRuns(ctx context.Context, limit int) ([]*RunSummary, error)

	// Audit evidence queries.
	ListIncidents(ctx context.Context, runID string) ([]*schema.Incident, error)
	ListRecords(ctx context.Context, runID string) ([]*schema.AuditRecord, error)

	// Scheduled runs.
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	ListScheduledRuns(ctx context.Context) ([]*ScheduledRun, error)
	DueScheduledRuns(ctx context.Context) ([]*ScheduledRun, error)
	MarkScheduledRun(ctx context.Context, id string, lastRun, nextRun time.Time) error

	Migrate(ctx context.Context) error
	Close() error
}
