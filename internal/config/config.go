// ============================================================================
// Beaver-Timer Config - 系統設定
// ============================================================================
//
// Package: internal/config
// File: config.go
//
// Load order:
//   1. Defaults()
//   2. YAML file (optional; missing keys keep their defaults)
//   3. Environment overrides, prefix BEAVER_ (e.g. BEAVER_SERVER_ADDR)
//   4. Validate()
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/beaver-timer/internal/docsync"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "BEAVER_"

// Config represents the complete system configuration.
type Config struct {
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	Storage struct {
		Path string `yaml:"path" env:"PATH"` // sqlite file; relative to data_dir
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Journal struct {
		Path         string `yaml:"path" env:"PATH"`
		SyncOnAppend bool   `yaml:"sync_on_append" env:"SYNC_ON_APPEND"`
		Archive      bool   `yaml:"archive" env:"ARCHIVE"`
	} `yaml:"journal" envPrefix:"JOURNAL_"`

	Timer struct {
		TickInterval    time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
		DefaultDuration time.Duration `yaml:"default_duration" env:"DEFAULT_DURATION"`
	} `yaml:"timer" envPrefix:"TIMER_"`

	Retry struct {
		MaxTries        uint          `yaml:"max_tries" env:"MAX_TRIES"`
		InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
		MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	} `yaml:"retry" envPrefix:"RETRY_"`

	Alarm struct {
		Player    string        `yaml:"player" env:"PLAYER"` // bell, command, none
		Command   []string      `yaml:"command" env:"COMMAND" envSeparator:" "`
		Workers   int           `yaml:"workers" env:"WORKERS"`
		QueueSize int           `yaml:"queue_size" env:"QUEUE_SIZE"`
		Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT"`
	} `yaml:"alarm" envPrefix:"ALARM_"`

	Server struct {
		Addr  string `yaml:"addr" env:"ADDR"`
		Token string `yaml:"token" env:"TOKEN"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Health struct {
		Addr string `yaml:"addr" env:"ADDR"` // gRPC health; empty disables
	} `yaml:"health" envPrefix:"HEALTH_"`

	Metrics struct {
		Enabled bool   `yaml:"enabled" env:"ENABLED"`
		Addr    string `yaml:"addr" env:"ADDR"`
	} `yaml:"metrics" envPrefix:"METRICS_"`

	Seed struct {
		Path  string `yaml:"path" env:"PATH"` // JSON or YAML snapshot imported at startup
		Watch bool   `yaml:"watch" env:"WATCH"`
	} `yaml:"seed" envPrefix:"SEED_"`

	Log struct {
		Level  string `yaml:"level" env:"LEVEL"`
		Format string `yaml:"format" env:"FORMAT"` // text, json
	} `yaml:"log" envPrefix:"LOG_"`
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() *Config {
	cfg := &Config{DataDir: "data"}
	cfg.Storage.Path = "beaver.db"
	cfg.Journal.Path = "records.journal"
	cfg.Journal.SyncOnAppend = true
	cfg.Journal.Archive = true
	cfg.Timer.TickInterval = 100 * time.Millisecond
	cfg.Timer.DefaultDuration = 25 * time.Minute

	retry := docsync.DefaultRetryConfig()
	cfg.Retry.MaxTries = retry.MaxTries
	cfg.Retry.InitialInterval = retry.InitialInterval
	cfg.Retry.MaxInterval = retry.MaxInterval

	cfg.Alarm.Player = "bell"
	cfg.Alarm.Workers = 2
	cfg.Alarm.QueueSize = 16
	cfg.Alarm.Timeout = 10 * time.Second
	cfg.Server.Addr = "127.0.0.1:7420"
	cfg.Health.Addr = "127.0.0.1:7421"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Load reads path (if non-empty), applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Journal.Path == "" {
		errs = append(errs, errors.New("journal.path is required"))
	}
	if c.Timer.TickInterval <= 0 {
		errs = append(errs, errors.New("timer.tick_interval must be positive"))
	}
	if c.Timer.DefaultDuration <= 0 {
		errs = append(errs, errors.New("timer.default_duration must be positive"))
	}
	if c.Retry.MaxTries == 0 {
		errs = append(errs, errors.New("retry.max_tries must be at least 1"))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, errors.New("retry intervals must be positive and max_interval >= initial_interval"))
	}
	switch c.Alarm.Player {
	case "bell", "none":
	case "command":
		if len(c.Alarm.Command) == 0 {
			errs = append(errs, errors.New("alarm.command is required when alarm.player is command"))
		}
	default:
		errs = append(errs, fmt.Errorf("alarm.player %q must be bell, command or none", c.Alarm.Player))
	}
	if c.Alarm.Workers <= 0 {
		errs = append(errs, errors.New("alarm.workers must be positive"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StoragePath resolves the sqlite file against DataDir.
func (c *Config) StoragePath() string { return c.resolve(c.Storage.Path) }

// JournalPath resolves the journal file against DataDir.
func (c *Config) JournalPath() string { return c.resolve(c.Journal.Path) }

// RetryConfig converts the retry section for the persistence syncers.
func (c *Config) RetryConfig() docsync.RetryConfig {
	return docsync.RetryConfig{
		MaxTries:        c.Retry.MaxTries,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
}

func (c *Config) resolve(p string) string {
	if p == ":memory:" || filepath.IsAbs(p) || c.DataDir == "" {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var lvl slog.Level
	_ = lvl.UnmarshalText([]byte(c.Log.Level))
	opts := &slog.HandlerOptions{Level: lvl}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
