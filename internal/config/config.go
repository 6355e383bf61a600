package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all crucible runtime configuration.
// Priority: env vars > .env file > defaults.
type Config struct {
	DBPath      string
	JournalPath string
	LogLevel    string

	// Loop limits.
	MaxIterations      int
	MaxStableNoImprove int
	Seed               int64

	// Phase and step timeouts.
	ExplorationTimeout time.Duration
	ProposeTimeout     time.Duration
	VerifyTimeout      time.Duration
	RefineTimeout      time.Duration

	// Task execution.
	MaxConcurrentTasks  int
	TaskTimeout         time.Duration
	CancellationTimeout time.Duration
	RetryMax            int
	RetryDelay          time.Duration
	RetryBase           float64
	RetryJitter         time.Duration

	// Event bus.
	BusCapacity int
	BusPolicy   string

	// Resource budgets. Zero means unlimited.
	BudgetAPICalls    float64
	BudgetTimeSeconds float64
	WarningThreshold  float64
	CriticalThreshold float64

	// Strategy selection.
	Proposer string
	Verifier string
	Refiner  string
	Explorer string

	// Scheduler.
	SchedulerEnabled bool
	PollInterval     time.Duration

	// Telemetry. Empty endpoint disables the exporter.
	OTLPEndpoint string
	ServiceName  string
}

func crucibleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crucible"
	}
	return filepath.Join(home, ".crucible")
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(crucibleDir(), "crucible.db"),
		LogLevel: "info",

		MaxIterations:      10,
		MaxStableNoImprove: 3,

		ExplorationTimeout: 30 * time.Second,
		ProposeTimeout:     30 * time.Second,
		VerifyTimeout:      60 * time.Second,
		RefineTimeout:      30 * time.Second,

		MaxConcurrentTasks:  10,
		TaskTimeout:         60 * time.Second,
		CancellationTimeout: 2 * time.Second,
		RetryMax:            3,
		RetryDelay:          time.Second,
		RetryBase:           2.0,
		RetryJitter:         100 * time.Millisecond,

		BusCapacity: 4096,
		BusPolicy:   "drop_oldest",

		WarningThreshold:  0.8,
		CriticalThreshold: 0.95,

		SchedulerEnabled: false,
		PollInterval:     60 * time.Second,

		ServiceName: "crucible",
	}
}

// Load builds the configuration. A .env file in the working directory is
// layered over the defaults, then CRUCIBLE_* process env vars override both.
func Load() Config {
	// godotenv does not overwrite vars already set in the process, which is
	// exactly the precedence wanted here.
	_ = godotenv.Load()

	cfg := defaultConfig()

	setStr(&cfg.DBPath, "CRUCIBLE_DB_PATH")
	setStr(&cfg.JournalPath, "CRUCIBLE_JOURNAL_PATH")
	setStr(&cfg.LogLevel, "CRUCIBLE_LOG_LEVEL")

	setInt(&cfg.MaxIterations, "CRUCIBLE_MAX_ITERATIONS")
	setInt(&cfg.MaxStableNoImprove, "CRUCIBLE_MAX_STABLE_NO_IMPROVE")
	setInt64(&cfg.Seed, "CRUCIBLE_SEED")

	setDur(&cfg.ExplorationTimeout, "CRUCIBLE_EXPLORATION_TIMEOUT")
	setDur(&cfg.ProposeTimeout, "CRUCIBLE_PROPOSE_TIMEOUT")
	setDur(&cfg.VerifyTimeout, "CRUCIBLE_VERIFY_TIMEOUT")
	setDur(&cfg.RefineTimeout, "CRUCIBLE_REFINE_TIMEOUT")

	setInt(&cfg.MaxConcurrentTasks, "CRUCIBLE_MAX_CONCURRENT_TASKS")
	setDur(&cfg.TaskTimeout, "CRUCIBLE_TASK_TIMEOUT")
	setDur(&cfg.CancellationTimeout, "CRUCIBLE_CANCELLATION_TIMEOUT")
	setInt(&cfg.RetryMax, "CRUCIBLE_RETRY_MAX")
	setDur(&cfg.RetryDelay, "CRUCIBLE_RETRY_DELAY")
	setFloat(&cfg.RetryBase, "CRUCIBLE_RETRY_BASE")
	setDur(&cfg.RetryJitter, "CRUCIBLE_RETRY_JITTER")

	setInt(&cfg.BusCapacity, "CRUCIBLE_BUS_CAPACITY")
	setStr(&cfg.BusPolicy, "CRUCIBLE_BUS_POLICY")

	setFloat(&cfg.BudgetAPICalls, "CRUCIBLE_BUDGET_API_CALLS")
	setFloat(&cfg.BudgetTimeSeconds, "CRUCIBLE_BUDGET_TIME_SECONDS")
	setFloat(&cfg.WarningThreshold, "CRUCIBLE_WARNING_THRESHOLD")
	setFloat(&cfg.CriticalThreshold, "CRUCIBLE_CRITICAL_THRESHOLD")

	setStr(&cfg.Proposer, "CRUCIBLE_PROPOSER")
	setStr(&cfg.Verifier, "CRUCIBLE_VERIFIER")
	setStr(&cfg.Refiner, "CRUCIBLE_REFINER")
	setStr(&cfg.Explorer, "CRUCIBLE_EXPLORER")

	setBool(&cfg.SchedulerEnabled, "CRUCIBLE_SCHEDULER_ENABLED")
	setDur(&cfg.PollInterval, "CRUCIBLE_POLL_INTERVAL")

	setStr(&cfg.OTLPEndpoint, "CRUCIBLE_OTLP_ENDPOINT")
	setStr(&cfg.ServiceName, "CRUCIBLE_SERVICE_NAME")

	return cfg
}

func setStr(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setInt(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setInt64(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func setFloat(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

func setBool(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "true" || v == "1"
	}
}

func setDur(target *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}
