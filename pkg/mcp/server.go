package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/synthlab/crucible/internal/engine"
	"github.com/synthlab/crucible/internal/store"
	"github.com/synthlab/crucible/internal/validation"
)

// Launcher starts a synthesis run from a domain specification document and
// blocks until the run reaches a terminal phase.
type Launcher interface {
	Launch(ctx context.Context, domainSpec map[string]any) (*engine.State, error)
}

// NextRunCalculator computes cron fire times. Satisfied by the scheduler.
type NextRunCalculator interface {
	CalculateNextRun(cronExpr string, from time.Time) (time.Time, error)
}

// CrucibleServerDeps holds the dependencies for creating a CrucibleServer.
// Notifier defaults to MCP push notifications over the server's own
// transport; tests inject a recording one.
type CrucibleServerDeps struct {
	Launcher  Launcher
	Store     store.Store
	Validator validation.Validator
	Cron      NextRunCalculator
	Notifier  ClientNotifier
	Logger    *slog.Logger
}

// CrucibleServer wraps an MCP server with crucible-specific tool handlers.
type CrucibleServer struct {
	launcher  Launcher
	store     store.Store
	validator validation.Validator
	cron      NextRunCalculator
	notifier  ClientNotifier
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewCrucibleServer creates a new CrucibleServer with all 5 tools registered.
func NewCrucibleServer(deps CrucibleServerDeps) *CrucibleServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CrucibleServer{
		launcher:  deps.Launcher,
		store:     deps.Store,
		validator: deps.Validator,
		cron:      deps.Cron,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"crucible",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Crucible is a counterexample-guided synthesis orchestrator. Use crucible.run to launch a synthesis run from a domain spec, crucible.status to inspect a run, crucible.incidents to list a run's incidents, crucible.audit to fetch its audit evidence, and crucible.schedule to register a recurring run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = deps.Notifier
	if s.notifier == nil {
		s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CrucibleServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CrucibleServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *CrucibleServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: incidentsTool(), Handler: s.handleIncidents},
		{Tool: auditTool(), Handler: s.handleAudit},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("crucible.run",
		mcp.WithDescription("Launch a synthesis run from a domain specification document and wait for its terminal phase"),
		mcp.WithObject("domain_spec", mcp.Required(), mcp.Description("Domain specification document (intent, constraints, attempts, ...)")),
		mcp.WithString("client_id", mcp.Description("ID of the calling client, for run notifications")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("crucible.status",
		mcp.WithDescription("Get the persisted summary of a synthesis run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func incidentsTool() mcp.Tool {
	return mcp.NewTool("crucible.incidents",
		mcp.WithDescription("List the incidents recorded for a synthesis run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func auditTool() mcp.Tool {
	return mcp.NewTool("crucible.audit",
		mcp.WithDescription("Fetch the audit records persisted for a synthesis run, in persistence order"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("crucible.schedule",
		mcp.WithDescription("Register a recurring synthesis run driven by a cron expression"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable name for the scheduled run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Cron expression (minute hour dom month dow)")),
		mcp.WithObject("domain_spec", mcp.Required(), mcp.Description("Domain specification document to run on each fire")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the schedule starts enabled (default: true)")),
	)
}
