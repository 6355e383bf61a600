package store

import "time"

// RunSummary is the persisted shape of one finished (or failed) run.
type RunSummary struct {
	ID        string         `json:"id"`
	TraceID   string         `json:"trace_id"`
	Phase     string         `json:"phase"`
	Results   int            `json:"results"`
	Metrics   map[string]any `json:"metrics,omitempty"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   *time.Time     `json:"ended_at,omitempty"`
}

// ScheduledRun is a recurring run definition driven by a cron expression.
type ScheduledRun struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	CronExpr   string         `json:"cron_expr"`
	DomainSpec map[string]any `json:"domain_spec,omitempty"`
	Enabled    bool           `json:"enabled"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt  time.Time      `json:"next_run_at"`
	CreatedAt  time.Time      `json:"created_at"`
}
