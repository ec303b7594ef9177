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
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BatchSizes{Initial: 50, Incremental: 200, Full: 400}, cfg.Sync.BatchSizes)
	assert.Equal(t, 30*time.Second, cfg.Strava.FetchTimeout)
	assert.Equal(t, 0.95, cfg.RateLimit.SafetyMargin)
	assert.Equal(t, 100, cfg.RateLimit.ShortLimit)
	assert.Equal(t, 1000, cfg.RateLimit.LongLimit)
	assert.True(t, cfg.Sync.HideParkruns)
	assert.Equal(t, 500, cfg.Grouping.ScanLimit)
	assert.Equal(t, 7*24*time.Hour, cfg.Logging.Retention)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "racesync.yaml")
	yml := `
sync:
  batch_sizes:
    initial: 25
    full: 300
  hide_parkruns: false
strava:
  fetch_timeout: 10s
grouping:
  max_clusters_per_run: 4
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("RACESYNC_SYNC__BATCH_SIZES__FULL", "350")
	t.Setenv("RACESYNC_RATE_LIMIT__SAFETY_MARGIN", "0.9")
	t.Setenv("DATABASE_URL", "postgres://localhost/racesync")
	t.Setenv("STRAVA_VERIFY_TOKEN", "verify-me")
	t.Setenv("FUNCTIONS_CUSTOMHANDLER_PORT", "7071")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.Sync.BatchSizes.Initial, "file beats defaults")
	assert.Equal(t, 200, cfg.Sync.BatchSizes.Incremental, "defaults fill gaps")
	assert.Equal(t, 350, cfg.Sync.BatchSizes.Full, "environment beats file")
	assert.False(t, cfg.Sync.HideParkruns)
	assert.Equal(t, 10*time.Second, cfg.Strava.FetchTimeout)
	assert.Equal(t, 4, cfg.Grouping.MaxClustersPerRun)
	assert.Equal(t, 0.9, cfg.RateLimit.SafetyMargin)
	assert.Equal(t, "postgres://localhost/racesync", cfg.Database.URL)
	assert.Equal(t, "verify-me", cfg.Strava.VerifyToken)
	assert.Equal(t, "7071", cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		desc   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.Sync.BatchSizes.Incremental = 0 }},
		{"no batches per tick", func(c *Config) { c.Sync.MaxBatchesPerTick = 0 }},
		{"margin above one", func(c *Config) { c.RateLimit.SafetyMargin = 1.5 }},
		{"no fetch timeout", func(c *Config) { c.Strava.FetchTimeout = 0 }},
	}

	require.NoError(t, defaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	for in, want := range map[string]string{
		"REDIS_URL":                         "redis.url",
		"RACESYNC_GEMINI__MODEL":            "gemini.model",
		"RACESYNC_SYNC__MAX_FAILED_BATCHES": "sync.max_failed_batches",
		"HOME":                              "",
		"STRAVA_CLIENT_SECRET":              "strava.client_secret",
	} {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}
