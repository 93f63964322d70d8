// Package config holds all configuration types and loading logic for the
// mbox importer. Values come from, in increasing precedence: Default(), an
// optional YAML file, MBOX_IMPORT_* environment variables and finally the
// command-line flags the operator actually set.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for one importer invocation.
type Config struct {
	Import ImportConfig `yaml:"import"`
	Rate   RateConfig   `yaml:"rate"`
	Status StatusConfig `yaml:"status"`
	Log    LogConfig    `yaml:"log"`
}

// ImportConfig describes what to import and where to.
type ImportConfig struct {
	// SrcMbox is the source archive. Ignored when Resume is set.
	SrcMbox string `yaml:"src_mbox"`
	// DstGroup is the destination group ID (the group's email address).
	DstGroup string `yaml:"dst_group"`
	// SACreds is the service account credentials JSON file.
	SACreds string `yaml:"sa_creds"`
	// SADelegator is the principal the service account impersonates.
	SADelegator string `yaml:"sa_delegator"`
	WorkDir     string `yaml:"work_dir"`
	// Journal is the outcome database. Empty means "<work_dir>.journal.db".
	Journal    string `yaml:"journal"`
	Resume     bool   `yaml:"resume"`
	NumWorkers int    `yaml:"num_workers"`
	// MaxAttempts bounds how many times a single message is submitted.
	MaxAttempts int `yaml:"max_attempts"`
	// MaxMessageBytes is the largest message accepted for upload.
	MaxMessageBytes int64 `yaml:"max_message_bytes"`
	// APIEndpoint overrides the migration API base URL. Empty uses Google's.
	APIEndpoint string `yaml:"api_endpoint"`
}

// RateConfig caps the request rate towards the migration API.
type RateConfig struct {
	// MaxRate is the number of requests admitted per Interval.
	MaxRate  int    `yaml:"max_rate"`
	Interval string `yaml:"interval"`
}

// StatusConfig controls the optional progress/metrics HTTP listener.
type StatusConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:9090". Empty disables it.
	Addr string `yaml:"addr"`
}

// LogConfig controls logging verbosity.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns a Config populated with the importer's defaults.
func Default() *Config {
	return &Config{
		Import: ImportConfig{
			WorkDir:         "./workdir",
			NumWorkers:      1,
			MaxAttempts:     5,
			MaxMessageBytes: 26_214_400,
		},
		Rate: RateConfig{
			MaxRate:  10, // Groups Migration API quota: 10 requests/s
			Interval: "1s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// A missing file is not an error. Environment overrides are applied last:
//
//	MBOX_IMPORT_SA_CREDS      sets import.sa_creds
//	MBOX_IMPORT_SA_DELEGATOR  sets import.sa_delegator
//	MBOX_IMPORT_WORK_DIR      sets import.work_dir
//	MBOX_IMPORT_NUM_WORKERS   sets import.num_workers
//	MBOX_IMPORT_LOG_LEVEL     sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MBOX_IMPORT_SA_CREDS"); v != "" {
		cfg.Import.SACreds = v
	}
	if v := os.Getenv("MBOX_IMPORT_SA_DELEGATOR"); v != "" {
		cfg.Import.SADelegator = v
	}
	if v := os.Getenv("MBOX_IMPORT_WORK_DIR"); v != "" {
		cfg.Import.WorkDir = v
	}
	if v := os.Getenv("MBOX_IMPORT_NUM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Import.NumWorkers = n
		}
	}
	if v := os.Getenv("MBOX_IMPORT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// JournalPath returns the configured journal path, deriving it from the
// working directory when unset.
func (c *Config) JournalPath() string {
	if c.Import.Journal != "" {
		return c.Import.Journal
	}
	return c.Import.WorkDir + ".journal.db"
}

// RateInterval returns the parsed rate window.
func (c *Config) RateInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Rate.Interval)
	if err != nil {
		return 0, fmt.Errorf("rate.interval: %w", err)
	}
	return d, nil
}

// SlogLevel maps log.level onto a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch c.Log.Level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf(`log.level must be one of "debug", "info", "warning", "error", got %q`, c.Log.Level)
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if !c.Import.Resume && c.Import.SrcMbox == "" {
		return errors.New("import.src_mbox is required unless resuming")
	}
	if c.Import.DstGroup == "" {
		return errors.New("import.dst_group must not be empty")
	}
	if c.Import.SACreds == "" {
		return errors.New("import.sa_creds must not be empty")
	}
	if c.Import.SADelegator == "" {
		return errors.New("import.sa_delegator must not be empty")
	}
	if c.Import.WorkDir == "" {
		return errors.New("import.work_dir must not be empty")
	}
	if c.Import.NumWorkers < 1 {
		return errors.New("import.num_workers must be at least 1")
	}
	if c.Import.MaxAttempts < 1 {
		return errors.New("import.max_attempts must be at least 1")
	}
	if c.Import.MaxMessageBytes < 1 {
		return errors.New("import.max_message_bytes must be at least 1")
	}
	if c.Rate.MaxRate < 1 {
		return errors.New("rate.max_rate must be at least 1")
	}
	d, err := c.RateInterval()
	if err != nil {
		return err
	}
	if d <= 0 {
		return errors.New("rate.interval must be positive")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}
