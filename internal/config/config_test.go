package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"":       0,
		"240s":   240 * time.Second,
		"1h30m":  90 * time.Minute,
		"P10D":   240 * time.Hour,
		"PT4H":   4 * time.Hour,
		"P1W":    7 * 24 * time.Hour,
		"P1DT2H": 26 * time.Hour,
		"pt90s":  90 * time.Second,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"P", "PT", "10 days", "P1Y"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 240*time.Second, cfg.JobTimeout)
	assert.Equal(t, 240*time.Hour, cfg.DeleteAgeThreshold)
	assert.Equal(t, "%", cfg.MaxBatchErrorsUnit)
	assert.Equal(t, 5.0, cfg.MaxBatchErrors)
	assert.Equal(t, "@hourly", cfg.LintSchedule)
	assert.Equal(t, 4*time.Hour, cfg.LintStallAfter)
	assert.Equal(t, "data", cfg.QueueName)
}

func TestLoadEnvAndSinksFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
sinks:
  - id: weather
    title: Weather observations
    base_url: http://source.local/weather
    single_state: true
  - id: traffic
    base_url: http://source.local/traffic
    status: suspended
    cron: "0 6 * * *"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("JOB_TIMEOUT", "30s")
	t.Setenv("WORKER_CONCURRENCY", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
	require.Len(t, cfg.Sinks, 2)
	assert.Equal(t, "weather", cfg.Sinks[0].ID)
	assert.True(t, cfg.Sinks[0].SingleState)
	assert.Equal(t, "live", cfg.Sinks[0].Status)
	assert.Equal(t, "suspended", cfg.Sinks[1].Status)
	assert.Equal(t, DefaultImportCron, cfg.Sinks[0].Cron)
	assert.Equal(t, "0 6 * * *", cfg.Sinks[1].Cron)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]map[string]string{
		"job timeout reaches visibility": {"JOB_TIMEOUT": "5m", "VISIBILITY_TIMEOUT": "5m"},
		"job timeout over visibility":    {"JOB_TIMEOUT": "10m", "VISIBILITY_TIMEOUT": "5m"},
		"zero error limit":               {"MAX_BATCH_ERRORS": "0"},
		"negative error limit":           {"MAX_BATCH_ERRORS": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CONFIG_FILE", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
