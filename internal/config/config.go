// Package config loads engine configuration from a YAML file with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/overhuman/abengine/internal/experiment"
)

// Environment variables that override file values.
const (
	EnvDatabase    = "ABENGINE_DB"
	EnvLogLevel    = "ABENGINE_LOG_LEVEL"
	EnvMetricsAddr = "ABENGINE_METRICS_ADDR"
)

// Defaults applied to experiments that leave a knob unset.
type Defaults struct {
	MinSampleSize   int     `yaml:"min_sample_size"`
	ConfidenceLevel float64 `yaml:"confidence_level"`
	MaxDurationDays int     `yaml:"max_duration_days"`
}

// Monitor configures the background health monitor.
type Monitor struct {
	Interval     time.Duration `yaml:"interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	Concurrency  int           `yaml:"concurrency"`
	PIDFile      string        `yaml:"pid_file"`
}

// Retention bounds the per-experiment event log. Zero disables a window.
type Retention struct {
	MaxAge    time.Duration `yaml:"max_age"`
	MaxEvents int           `yaml:"max_events"`
}

// Config is the top-level configuration.
type Config struct {
	Database            string    `yaml:"database"`
	LogLevel            string    `yaml:"log_level"`
	MetricsAddr         string    `yaml:"metrics_addr"`
	Defaults            Defaults  `yaml:"defaults"`
	Monitor             Monitor   `yaml:"monitor"`
	Retention           Retention `yaml:"retention"`
	AssignmentCacheSize int       `yaml:"assignment_cache_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: "abengine.db",
		LogLevel: "info",
		Defaults: Defaults{
			MinSampleSize:   experiment.DefaultMinSampleSize,
			ConfidenceLevel: experiment.DefaultConfidenceLevel,
			MaxDurationDays: experiment.DefaultMaxDurationDays,
		},
		Monitor: Monitor{
			Interval:     time.Hour,
			ErrorBackoff: 5 * time.Minute,
			Concurrency:  4,
		},
		AssignmentCacheSize: 10000,
	}
}

// Load reads path over the defaults and applies environment overrides.
// A missing file is not an error. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDatabase); v != "" {
		c.Database = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		c.MetricsAddr = v
	}
}

// Validate rejects values the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Database) == "" {
		errs = append(errs, errors.New("database must not be empty"))
	}
	if c.Defaults.MinSampleSize < 0 {
		errs = append(errs, fmt.Errorf("defaults.min_sample_size must be >= 0, got %d", c.Defaults.MinSampleSize))
	}
	if !(c.Defaults.ConfidenceLevel > 0 && c.Defaults.ConfidenceLevel < 1) {
		errs = append(errs, fmt.Errorf("defaults.confidence_level must be in (0, 1), got %v", c.Defaults.ConfidenceLevel))
	}
	if c.Defaults.MaxDurationDays < 0 {
		errs = append(errs, fmt.Errorf("defaults.max_duration_days must be >= 0, got %d", c.Defaults.MaxDurationDays))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval must be positive, got %s", c.Monitor.Interval))
	}
	if c.Monitor.ErrorBackoff <= 0 {
		errs = append(errs, fmt.Errorf("monitor.error_backoff must be positive, got %s", c.Monitor.ErrorBackoff))
	}
	if c.Monitor.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("monitor.concurrency must be >= 1, got %d", c.Monitor.Concurrency))
	}
	if c.Retention.MaxAge < 0 || c.Retention.MaxEvents < 0 {
		errs = append(errs, errors.New("retention windows must not be negative"))
	}
	if c.AssignmentCacheSize < 1 {
		errs = append(errs, fmt.Errorf("assignment_cache_size must be >= 1, got %d", c.AssignmentCacheSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LoadDefinition parses an experiment definition from a YAML file.
func LoadDefinition(path string) (experiment.Definition, error) {
	var def experiment.Definition
	data, err := os.ReadFile(path)
	if err != nil {
		return def, fmt.Errorf("read definition: %w", err)
	}
	if err := yaml.Unmarshal(data, &def); err != nil {
		return def, fmt.Errorf("parse definition %s: %w", path, err)
	}
	return def, nil
}
