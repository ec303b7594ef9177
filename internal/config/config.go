// Package config loads racesync settings from defaults, an optional YAML
// file and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides where the YAML file is read from.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are tried in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{"racesync.yaml", "racesync.yml"}

// envPrefix marks variables mapped onto config paths; "__" separates levels,
// so RACESYNC_SYNC__MAX_BATCHES_PER_TICK sets sync.max_batches_per_tick.
const envPrefix = "racesync_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Redis     RedisConfig     `koanf:"redis"`
	Strava    StravaConfig    `koanf:"strava"`
	Sync      SyncConfig      `koanf:"sync"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Grouping  GroupingConfig  `koanf:"grouping"`
	Gemini    GeminiConfig    `koanf:"gemini"`
	Logging   LoggingConfig   `koanf:"logging"`
}

type ServerConfig struct {
	Port string `koanf:"port"`
	// AdminToken guards the sync API. Empty disables the API.
	AdminToken string `koanf:"admin_token"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type RedisConfig struct {
	// URL of the Redis instance sharing rate limit usage. Empty keeps usage in process.
	URL string `koanf:"url"`
}

type StravaConfig struct {
	BaseURL      string        `koanf:"base_url"`
	ClientID     string        `koanf:"client_id"`
	ClientSecret string        `koanf:"client_secret"`
	RedirectURI  string        `koanf:"redirect_uri"`
	VerifyToken  string        `koanf:"verify_token"`
	FetchTimeout time.Duration `koanf:"fetch_timeout"`
}

// BatchSizes is the number of activities one batch covers, per job type.
type BatchSizes struct {
	Initial     int `koanf:"initial"`
	Incremental int `koanf:"incremental"`
	Full        int `koanf:"full"`
}

type SyncConfig struct {
	BatchSizes        BatchSizes `koanf:"batch_sizes"`
	MaxBatchesPerTick int        `koanf:"max_batches_per_tick"`
	MaxFailedBatches  int        `koanf:"max_failed_batches"`
	HideParkruns      bool       `koanf:"hide_parkruns"`
	// StaleBatchAfter is how long a batch may stay processing before it is abandoned.
	StaleBatchAfter time.Duration `koanf:"stale_batch_after"`
	// EnrichInitial fetches the full activity for races on initial syncs.
	EnrichInitial bool `koanf:"enrich_initial"`
}

type RateLimitConfig struct {
	ShortLimit   int           `koanf:"short_limit"`
	LongLimit    int           `koanf:"long_limit"`
	SafetyMargin float64       `koanf:"safety_margin"`
	ShortWindow  time.Duration `koanf:"short_window"`
	LongWindow   time.Duration `koanf:"long_window"`
}

type GroupingConfig struct {
	ScanLimit             int     `koanf:"scan_limit"`
	MaxClustersPerRun     int     `koanf:"max_clusters_per_run"`
	AutoApproveConfidence float64 `koanf:"auto_approve_confidence"`
	AutoApproveMinRaces   int     `koanf:"auto_approve_min_races"`
}

type GeminiConfig struct {
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`
}

type LoggingConfig struct {
	Level     string        `koanf:"level"`
	Retention time.Duration `koanf:"retention"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Strava: StravaConfig{
			BaseURL:      "https://www.strava.com/api/v3",
			FetchTimeout: 30 * time.Second,
		},
		Sync: SyncConfig{
			BatchSizes:        BatchSizes{Initial: 50, Incremental: 200, Full: 400},
			MaxBatchesPerTick: 1,
			MaxFailedBatches:  3,
			HideParkruns:      true,
			EnrichInitial:     true,
			StaleBatchAfter:   10 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			ShortLimit:   100,
			LongLimit:    1000,
			SafetyMargin: 0.95,
			ShortWindow:  15 * time.Minute,
			LongWindow:   24 * time.Hour,
		},
		Grouping: GroupingConfig{
			ScanLimit:             500,
			MaxClustersPerRun:     10,
			AutoApproveConfidence: 0.8,
			AutoApproveMinRaces:   3,
		},
		Gemini: GeminiConfig{
			Model:   "gemini-2.0-flash",
			Timeout: 20 * time.Second,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Retention: 7 * 24 * time.Hour,
		},
	}
}

// envMappings keeps the variable names the service has always used.
var envMappings = map[string]string{
	"functions_customhandler_port": "server.port",
	"admin_token":                  "server.admin_token",
	"database_url":                 "database.url",
	"redis_url":                    "redis.url",
	"strava_client_id":             "strava.client_id",
	"strava_client_secret":         "strava.client_secret",
	"strava_redirect_uri":          "strava.redirect_uri",
	"strava_verify_token":          "strava.verify_token",
	"gemini_api_key":               "gemini.api_key",
	"log_level":                    "logging.level",
}

func envTransformFunc(key string) string {
	key = strings.ToLower(key)
	if path, ok := envMappings[key]; ok {
		return path
	}
	if strings.HasPrefix(key, envPrefix) {
		return strings.ReplaceAll(strings.TrimPrefix(key, envPrefix), "__", ".")
	}
	return ""
}

// Load builds the configuration.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate rejects settings the sync pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	b := c.Sync.BatchSizes
	if b.Initial <= 0 || b.Incremental <= 0 || b.Full <= 0 {
		errs = append(errs, errors.New("sync batch sizes must be positive"))
	}
	if c.Sync.MaxBatchesPerTick <= 0 {
		errs = append(errs, errors.New("sync.max_batches_per_tick must be positive"))
	}
	if c.Sync.MaxFailedBatches <= 0 {
		errs = append(errs, errors.New("sync.max_failed_batches must be positive"))
	}
	if m := c.RateLimit.SafetyMargin; m <= 0 || m > 1 {
		errs = append(errs, fmt.Errorf("rate_limit.safety_margin must be in (0, 1], got %v", m))
	}
	if c.Strava.FetchTimeout <= 0 {
		errs = append(errs, errors.New("strava.fetch_timeout must be positive"))
	}
	return errors.Join(errs...)
}
