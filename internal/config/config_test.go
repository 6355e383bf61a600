package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 3, cfg.MaxStableNoImprove)
	assert.Equal(t, 30*time.Second, cfg.ExplorationTimeout)
	assert.Equal(t, 10, cfg.MaxConcurrentTasks)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryJitter)
	assert.Equal(t, 4096, cfg.BusCapacity)
	assert.Equal(t, "drop_oldest", cfg.BusPolicy)
	assert.Equal(t, 0.8, cfg.WarningThreshold)
	assert.Equal(t, 60*time.Second, cfg.PollInterval)
	assert.False(t, cfg.SchedulerEnabled)
	assert.Equal(t, "crucible", cfg.ServiceName)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRUCIBLE_MAX_ITERATIONS", "25")
	t.Setenv("CRUCIBLE_SEED", "42")
	t.Setenv("CRUCIBLE_VERIFY_TIMEOUT", "90s")
	t.Setenv("CRUCIBLE_RETRY_BASE", "1.5")
	t.Setenv("CRUCIBLE_RETRY_JITTER", "250ms")
	t.Setenv("CRUCIBLE_SCHEDULER_ENABLED", "true")
	t.Setenv("CRUCIBLE_BUS_POLICY", "drop_newest")
	t.Setenv("CRUCIBLE_DB_PATH", "/tmp/crucible-test.db")

	cfg := Load()

	assert.Equal(t, 25, cfg.MaxIterations)
	assert.Equal(t, int64(42), cfg.Seed)
	assert.Equal(t, 90*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, 1.5, cfg.RetryBase)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryJitter)
	assert.True(t, cfg.SchedulerEnabled)
	assert.Equal(t, "drop_newest", cfg.BusPolicy)
	assert.Equal(t, "/tmp/crucible-test.db", cfg.DBPath)
}

func TestLoadMalformedEnvIgnored(t *testing.T) {
	t.Setenv("CRUCIBLE_MAX_ITERATIONS", "lots")
	t.Setenv("CRUCIBLE_VERIFY_TIMEOUT", "soon")
	t.Setenv("CRUCIBLE_RETRY_BASE", "double")

	cfg := Load()

	assert.Equal(t, 10, cfg.MaxIterations)
	assert.Equal(t, 60*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, 2.0, cfg.RetryBase)
}

func TestLoadDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath,
		[]byte("CRUCIBLE_MAX_ITERATIONS=7\nCRUCIBLE_LOG_LEVEL=debug\n"), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() {
		_ = os.Chdir(wd)
		// godotenv sets process env vars; scrub what the file introduced.
		_ = os.Unsetenv("CRUCIBLE_MAX_ITERATIONS")
	})

	// Process env still wins over the .env file.
	t.Setenv("CRUCIBLE_LOG_LEVEL", "warn")

	cfg := Load()

	assert.Equal(t, 7, cfg.MaxIterations)
	assert.Equal(t, "warn", cfg.LogLevel)
}
