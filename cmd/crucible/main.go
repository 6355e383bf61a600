package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/synthlab/crucible/internal/bus"
	"github.com/synthlab/crucible/internal/config"
	"github.com/synthlab/crucible/internal/logging"
	"github.com/synthlab/crucible/internal/metrics"
	"github.com/synthlab/crucible/internal/scheduler"
	"github.com/synthlab/crucible/internal/store"
	"github.com/synthlab/crucible/internal/telemetry"
	"github.com/synthlab/crucible/internal/validation"
	"github.com/synthlab/crucible/pkg/mcp"
	"github.com/synthlab/crucible/pkg/schema"
)

func main() {
	var (
		versionFlag = flag.Bool("version", false, "print version and exit")
		specPath    = flag.String("spec", "", "run a single domain spec JSON file and exit")
		replayPath  = flag.String("replay", "", "print the events of a journal file and exit")
	)
	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if *replayPath != "" {
		if err := replayJournal(*replayPath); err != nil {
			logger.Error("replay failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName:    cfg.ServiceName,
			ServiceVersion: version,
			OTLPEndpoint:   cfg.OTLPEndpoint,
		})
		if err != nil {
			logger.Warn("telemetry disabled", slog.String("error", err.Error()))
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		logger.Error("create data directory", slog.String("error", err.Error()))
		os.Exit(1)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		logger.Error("open store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrate store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	eventBus := bus.New(bus.Config{
		Capacity: cfg.BusCapacity,
		Policy:   bus.DropPolicy(cfg.BusPolicy),
	})
	defer eventBus.Close()
	if cfg.JournalPath != "" {
		sink, sinkErr := bus.NewFileSink(cfg.JournalPath)
		if sinkErr != nil {
			logger.Warn("journal disabled", slog.String("error", sinkErr.Error()))
		} else {
			eventBus.AddSink(sink)
		}
	}

	validator, err := validation.NewJSONSchemaValidator()
	if err != nil {
		logger.Error("compile spec schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	l := &launcher{
		cfg:       cfg,
		store:     st,
		bus:       eventBus,
		validator: validator,
		logger:    logger,
	}

	sched := scheduler.NewScheduler(st, l, logger, cfg.PollInterval)
	if cfg.SchedulerEnabled {
		if err := sched.Start(ctx); err != nil {
			logger.Error("start scheduler", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = sched.Stop() }()
	}

	if *specPath != "" {
		if err := runOnce(ctx, l, *specPath); err != nil {
			logger.Error("run failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	}

	srv := mcp.NewCrucibleServer(mcp.CrucibleServerDeps{
		Launcher:  l,
		Store:     st,
		Validator: validator,
		Cron:      sched,
		Logger:    logger,
	})
	logger.Info("serving MCP over stdio")
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		logger.Error("mcp server", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// newLogger builds the process logger: JSON to stderr, correlation IDs pulled
// from context. Stdout stays clean for the MCP stdio transport.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// replayJournal prints every event of a journal file to stdout.
func replayJournal(path string) error {
	count, err := bus.ReplayJournal(path, func(event *schema.Event) error {
		fmt.Printf("%d\t%s\trun=%s\tphase=%s\n", event.Seq, event.Type, event.RunID, event.Phase)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Printf("%d events\n", count)
	return nil
}
