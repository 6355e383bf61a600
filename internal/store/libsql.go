package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/synthlab/crucible/pkg/schema"
)

// LibSQLStore implements Store on libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/path/to/crucible.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Audit sink ---

// PersistIncident appends one incident. Insert order is the audit order the
// pack hash covers.
func (s *LibSQLStore) PersistIncident(ctx context.Context, runID string, incident *schema.Incident) error {
	contextJSON, err := nullableJSONMap(incident.Context)
	if err != nil {
		return storeErr("marshal incident context", err)
	}
	evidence, err := nullableJSONSlice(incident.Evidence)
	if err != nil {
		return storeErr("marshal incident evidence", err)
	}
	remediation, err := nullableJSONSlice(incident.Remediation)
	if err != nil {
		return storeErr("marshal incident remediation", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO incidents (id, run_id, type, severity, context, evidence, remediation, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		incident.ID, runID, incident.Type, string(incident.Severity),
		contextJSON, evidence, remediation, timeOrNow(incident.CreatedAt),
	)
	if err != nil {
		return storeErr("persist incident", err)
	}
	return nil
}

// PersistRecord appends one proof-carrying record.
func (s *LibSQLStore) PersistRecord(ctx context.Context, runID string, record *schema.AuditRecord) error {
	payload, err := nullableJSONMap(record.Payload)
	if err != nil {
		return storeErr("marshal record payload", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_records (id, run_id, step_id, kind, payload, context_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, runID, nullStr(record.StepID), record.Kind,
		payload, nullStr(record.ContextHash), timeOrNow(record.CreatedAt),
	)
	if err != nil {
		return storeErr("persist record", err)
	}
	return nil
}

// BuildAuditPack assembles the manifest for a run. The integrity hash is
// SHA-256 over every record and incident in persistence (rowid) order, so a
// rebuilt pack over unchanged evidence reproduces the same hash.
func (s *LibSQLStore) BuildAuditPack(ctx context.Context, runID string, metrics map[string]any) (*schema.AuditPackManifest, error) {
	h := sha256.New()

	recordCount, err := s.hashRows(ctx, h,
		`SELECT id, kind, COALESCE(payload, '') FROM audit_records WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, storeErr("hash audit records", err)
	}
	incidentCount, err := s.hashRows(ctx, h,
		`SELECT id, type, COALESCE(context, '') FROM incidents WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, storeErr("hash incidents", err)
	}

	manifest := &schema.AuditPackManifest{
		RunID:         runID,
		RecordCount:   recordCount,
		IncidentCount: incidentCount,
		Metrics:       metrics,
		IntegrityHash: hex.EncodeToString(h.Sum(nil)),
		CreatedAt:     time.Now().UTC(),
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		return nil, storeErr("marshal manifest", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_packs (run_id, manifest, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET manifest=excluded.manifest, created_at=excluded.created_at`,
		runID, string(raw), manifest.CreatedAt,
	)
	if err != nil {
		return nil, storeErr("persist manifest", err)
	}
	return manifest, nil
}

func (s *LibSQLStore) hashRows(ctx context.Context, h io.Writer, query, runID string) (int, error) {
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var a, b, c string
		if err := rows.Scan(&a, &b, &c); err != nil {
			return 0, err
		}
		fmt.Fprintf(h, "%s\x1f%s\x1f%s\x1e", a, b, c)
		count++
	}
	return count, rows.Err()
}

// --- Run summaries ---

func (s *LibSQLStore) SaveRun(ctx context.Context, run *RunSummary) error {
	metrics, err := nullableJSONMap(run.Metrics)
	if err != nil {
		return storeErr("marshal run metrics", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, trace_id, phase, results, metrics, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET phase=excluded.phase, results=excluded.results,
		   metrics=excluded.metrics, ended_at=excluded.ended_at`,
		run.ID, run.TraceID, run.Phase, run.Results, metrics,
		timeOrNow(run.StartedAt), nullTime(run.EndedAt),
	)
	if err != nil {
		return storeErr("save run", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*RunSummary, error) {
	run := &RunSummary{}
	var metrics sql.NullString
	var endedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, trace_id, phase, results, metrics, started_at, ended_at FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.TraceID, &run.Phase, &run.Results, &metrics, &run.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	if metrics.Valid {
		if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
			return nil, storeErr("unmarshal run metrics", err)
		}
	}
	if endedAt.Valid {
		t := endedAt.Time
		run.EndedAt = &t
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, limit int) ([]*RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, phase, results, metrics, started_at, ended_at
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		run := &RunSummary{}
		var metrics sql.NullString
		var endedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.TraceID, &run.Phase, &run.Results,
			&metrics, &run.StartedAt, &endedAt); err != nil {
			return nil, err
		}
		if metrics.Valid {
			if err := json.Unmarshal([]byte(metrics.String), &run.Metrics); err != nil {
				return nil, storeErr("unmarshal run metrics", err)
			}
		}
		if endedAt.Valid {
			t := endedAt.Time
			run.EndedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Audit evidence queries ---

func (s *LibSQLStore) ListIncidents(ctx context.Context, runID string) ([]*schema.Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, severity, context, evidence, remediation, created_at
		 FROM incidents WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*schema.Incident
	for rows.Next() {
		incident := &schema.Incident{}
		var severity string
		var contextJSON, evidence, remediation sql.NullString
		if err := rows.Scan(&incident.ID, &incident.Type, &severity,
			&contextJSON, &evidence, &remediation, &incident.CreatedAt); err != nil {
			return nil, err
		}
		incident.Severity = schema.Severity(severity)
		if contextJSON.Valid {
			if err := json.Unmarshal([]byte(contextJSON.String), &incident.Context); err != nil {
				return nil, storeErr("unmarshal incident context", err)
			}
		}
		if evidence.Valid {
			if err := json.Unmarshal([]byte(evidence.String), &incident.Evidence); err != nil {
				return nil, storeErr("unmarshal incident evidence", err)
			}
		}
		if remediation.Valid {
			if err := json.Unmarshal([]byte(remediation.String), &incident.Remediation); err != nil {
				return nil, storeErr("unmarshal incident remediation", err)
			}
		}
		incidents = append(incidents, incident)
	}
	return incidents, rows.Err()
}

func (s *LibSQLStore) ListRecords(ctx context.Context, runID string) ([]*schema.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step_id, kind, payload, context_hash, created_at
		 FROM audit_records WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*schema.AuditRecord
	for rows.Next() {
		record := &schema.AuditRecord{RunID: runID}
		var stepID, payload, contextHash sql.NullString
		if err := rows.Scan(&record.ID, &stepID, &record.Kind,
			&payload, &contextHash, &record.CreatedAt); err != nil {
			return nil, err
		}
		record.StepID = stepID.String
		record.ContextHash = contextHash.String
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &record.Payload); err != nil {
				return nil, storeErr("unmarshal record payload", err)
			}
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	domainSpec, err := nullableJSONMap(run.DomainSpec)
	if err != nil {
		return storeErr("marshal domain spec", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, name, cron_expr, domain_spec, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.CronExpr, domainSpec, boolToInt(run.Enabled),
		nullTime(run.LastRunAt), run.NextRunAt.UTC(), timeOrNow(run.CreatedAt),
	)
	if err != nil {
		return storeErr("create scheduled run", err)
	}
	return nil
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context) ([]*ScheduledRun, error) {
	return s.queryScheduledRuns(ctx,
		`SELECT id, name, cron_expr, domain_spec, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_runs ORDER BY created_at`)
}

// DueScheduledRuns returns enabled definitions whose next run time has passed.
func (s *LibSQLStore) DueScheduledRuns(ctx context.Context) ([]*ScheduledRun, error) {
	return s.queryScheduledRuns(ctx,
		`SELECT id, name, cron_expr, domain_spec, enabled, last_run_at, next_run_at, created_at
		 FROM scheduled_runs WHERE enabled = 1 AND next_run_at <= ? ORDER BY next_run_at`,
		time.Now().UTC())
}

// MarkScheduledRun advances a definition's last/next run times after a fire.
func (s *LibSQLStore) MarkScheduledRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_runs SET last_run_at = ?, next_run_at = ? WHERE id = ?`,
		lastRun.UTC(), nextRun.UTC(), id)
	if err != nil {
		return storeErr("mark scheduled run", err)
	}
	return checkRowsAffected(res, "scheduled run", id)
}

func (s *LibSQLStore) queryScheduledRuns(ctx context.Context, query string, args ...any) ([]*ScheduledRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run := &ScheduledRun{}
		var domainSpec sql.NullString
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&run.ID, &run.Name, &run.CronExpr, &domainSpec,
			&enabled, &lastRun, &run.NextRunAt, &run.CreatedAt); err != nil {
			return nil, err
		}
		run.Enabled = enabled != 0
		if domainSpec.Valid {
			if err := json.Unmarshal([]byte(domainSpec.String), &run.DomainSpec); err != nil {
				return nil, storeErr("unmarshal domain spec", err)
			}
		}
		if lastRun.Valid {
			t := lastRun.Time
			run.LastRunAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- helpers ---

func storeErr(op string, err error) *schema.CrucibleError {
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

func storeNotFound(resource, id string) *schema.CrucibleError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func nullableJSONSlice(s []string) (any, error) {
	if len(s) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

var _ Store = (*LibSQLStore)(nil)
