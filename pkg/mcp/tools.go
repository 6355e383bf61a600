package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/synthlab/crucible/internal/engine"
	"github.com/synthlab/crucible/internal/store"
)

// handleRun launches a synthesis run and waits for its terminal phase.
func (s *CrucibleServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	domainSpec := mcp.ParseStringMap(req, "domain_spec", nil)
	if domainSpec == nil {
		return mcp.NewToolResultError("domain_spec is required"), nil
	}

	clientID := req.GetString("client_id", "")
	if clientID != "" {
		s.captureSession(ctx, clientID)
	}

	state, err := s.launcher.Launch(ctx, domainSpec)
	s.notifyTerminal(ctx, clientID, state)
	if err != nil {
		if state != nil {
			// Failed runs still carry a run ID and fail reason worth returning.
			return marshalResult(map[string]any{
				"run_id":      state.RunID,
				"phase":       state.Phase,
				"fail_reason": state.FailReason,
				"incidents":   len(state.Incidents),
				"error":       err.Error(),
			})
		}
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"run_id":    state.RunID,
		"trace_id":  state.TraceID,
		"phase":     state.Phase,
		"results":   state.Results,
		"incidents": state.Incidents,
		"metrics":   state.Metrics,
	})
}

// notifyTerminal pushes a best-effort run-terminal notification to the
// client that launched the run. Unknown clients and closed sessions are
// skipped silently.
func (s *CrucibleServer) notifyTerminal(ctx context.Context, clientID string, state *engine.State) {
	if clientID == "" || state == nil || s.notifier == nil {
		return
	}
	payload := map[string]any{
		"event":  "run_terminal",
		"run_id": state.RunID,
		"phase":  string(state.Phase),
	}
	if state.FailReason != nil {
		payload["fail_reason"] = state.FailReason.Code
	}
	if err := s.notifier.Notify(ctx, clientID, payload); err != nil {
		s.logger.Warn("notify client",
			slog.String("client_id", clientID),
			slog.String("error", err.Error()))
	}
}

// handleStatus returns the persisted summary of a run.
func (s *CrucibleServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}

	return marshalResult(run)
}

// handleIncidents lists the incidents recorded for a run.
func (s *CrucibleServer) handleIncidents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	incidents, listErr := s.store.ListIncidents(ctx, runID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("incident query failed: %v", listErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":    runID,
		"count":     len(incidents),
		"incidents": incidents,
	})
}

// handleAudit fetches the audit evidence for a run in persistence order.
func (s *CrucibleServer) handleAudit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	records, listErr := s.store.ListRecords(ctx, runID)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("audit query failed: %v", listErr)), nil
	}

	return marshalResult(map[string]any{
		"run_id":  runID,
		"count":   len(records),
		"records": records,
	})
}

// handleSchedule registers a recurring run definition.
func (s *CrucibleServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	domainSpec := mcp.ParseStringMap(req, "domain_spec", nil)
	if domainSpec == nil {
		return mcp.NewToolResultError("domain_spec is required"), nil
	}

	// Reject broken documents at registration time, not at 2am when the
	// schedule fires.
	if s.validator != nil {
		if vErr := s.validator.ValidateSpec(domainSpec); vErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid domain_spec: %v", vErr)), nil
		}
	}

	now := time.Now().UTC()
	nextRun, cronErr := s.cron.CalculateNextRun(cronExpr, now)
	if cronErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", cronErr)), nil
	}

	run := &store.ScheduledRun{
		ID:         uuid.New().String(),
		Name:       name,
		CronExpr:   cronExpr,
		DomainSpec: domainSpec,
		Enabled:    req.GetBool("enabled", true),
		NextRunAt:  nextRun,
		CreatedAt:  now,
	}
	if createErr := s.store.CreateScheduledRun(ctx, run); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create scheduled run: %v", createErr)), nil
	}

	return marshalResult(map[string]any{
		"id":          run.ID,
		"name":        run.Name,
		"next_run_at": run.NextRunAt,
		"enabled":     run.Enabled,
	})
}

// captureSession maps the client ID to its current MCP session for notifications.
func (s *CrucibleServer) captureSession(ctx context.Context, clientID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(clientID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
