// Package config loads migration service settings from YAML and the
// environment and builds the objects they describe.
//
// A minimal file:
//
//	store:
//	  mysql_dsn: "migrate:secret@tcp(db:3306)/migrations?parseTime=true"
//	  sqlite_path: "/var/lib/migrate/fallback.db"
//	scheduler:
//	  max_concurrent_workflows: 8
//	retry:
//	  max_attempts: 5
//	  initial_delay: 1s
//	log:
//	  level: info
//	  format: json
//
// MIGRATE_MYSQL_DSN, MIGRATE_SQLITE_PATH and MIGRATE_LOG_LEVEL override the
// corresponding file values.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"

	"github.com/dshills/migrate-go/migration"
	"github.com/dshills/migrate-go/migration/checkpoint"
	"github.com/dshills/migrate-go/migration/retry"
	"github.com/dshills/migrate-go/migration/scheduler"
)

// Environment variables that override file settings.
const (
	EnvMySQLDSN   = "MIGRATE_MYSQL_DSN"
	EnvSQLitePath = "MIGRATE_SQLITE_PATH"
	EnvLogLevel   = "MIGRATE_LOG_LEVEL"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the structure of the configuration YAML file.
type Config struct {
	Store          StoreConfig      `yaml:"store"`
	Scheduler      scheduler.Config `yaml:"scheduler"`
	Retry          retry.Policy     `yaml:"retry"`
	StuckThreshold time.Duration    `yaml:"stuck_threshold"`
	Log            LogConfig        `yaml:"log"`
	Metrics        MetricsConfig    `yaml:"metrics"`
}

// StoreConfig selects checkpoint backends. With a MySQL DSN, MySQL is the
// primary store and SQLite (when set) the fallback. With only a SQLite
// path, SQLite is the primary. With neither, checkpoints live in memory.
type StoreConfig struct {
	MySQLDSN   string        `yaml:"mysql_dsn"`
	SQLitePath string        `yaml:"sqlite_path"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
}

// MetricsConfig configures system sampling and the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint.
	Addr string `yaml:"addr"`
	// ProcMount is the proc filesystem used for system samples.
	// Empty means /proc.
	ProcMount string `yaml:"proc_mount"`
	// Adaptive enables capacity adjustment from system samples.
	Adaptive bool `yaml:"adaptive"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Scheduler:      scheduler.DefaultConfig(),
		Retry:          retry.DefaultPolicy(),
		StuckThreshold: 30 * time.Minute,
		Log:            LogConfig{Level: "info", Format: "text"},
		Metrics:        MetricsConfig{Addr: ":9090"},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvMySQLDSN); ok {
		c.Store.MySQLDSN = v
	}
	if v, ok := lookup(EnvSQLitePath); ok {
		c.Store.SQLitePath = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: retry: %v", ErrInvalidConfig, err)
	}
	if c.Scheduler.MaxConcurrentWorkflows < 0 || c.Scheduler.MaxConcurrentPerPriority < 0 || c.Scheduler.MaxConcurrentCeiling < 0 {
		return fmt.Errorf("%w: scheduler limits must be non-negative", ErrInvalidConfig)
	}
	if c.Scheduler.MaxConcurrentCeiling > 0 && c.Scheduler.MaxConcurrentCeiling < c.Scheduler.MaxConcurrentWorkflows {
		return fmt.Errorf("%w: max_concurrent_ceiling below max_concurrent_workflows", ErrInvalidConfig)
	}
	if c.StuckThreshold < 0 || c.Store.CacheTTL < 0 {
		return fmt.Errorf("%w: durations must be non-negative", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.Log.Format)
	}
	return nil
}

// NewLogger builds a slog logger writing to w.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// OpenStore opens the configured backends and returns a checkpoint manager
// over them. The caller closes the manager, which closes the backends.
func (c *Config) OpenStore(logger *slog.Logger) (*checkpoint.Manager, error) {
	var primary, fallback checkpoint.Backend

	switch {
	case c.Store.MySQLDSN != "":
		mysql, err := checkpoint.NewMySQLBackend(c.Store.MySQLDSN)
		if err != nil {
			return nil, err
		}
		primary = mysql
		if c.Store.SQLitePath != "" {
			sqlite, err := checkpoint.NewSQLiteBackend(c.Store.SQLitePath)
			if err != nil {
				_ = mysql.Close()
				return nil, err
			}
			fallback = sqlite
		}
	case c.Store.SQLitePath != "":
		sqlite, err := checkpoint.NewSQLiteBackend(c.Store.SQLitePath)
		if err != nil {
			return nil, err
		}
		primary = sqlite
	default:
		logger.Warn("no checkpoint store configured; checkpoints will not survive a restart")
		primary = checkpoint.NewMemBackend()
	}

	opts := []checkpoint.ManagerOption{checkpoint.WithLogger(logger)}
	if fallback != nil {
		opts = append(opts, checkpoint.WithFallback(fallback))
	}
	if c.Store.CacheTTL > 0 {
		opts = append(opts, checkpoint.WithCacheTTL(c.Store.CacheTTL))
	}
	return checkpoint.NewManager(primary, opts...)
}

// CoordinatorOptions returns the coordinator options described by c.
// source may be nil to keep the admission bound fixed.
func (c *Config) CoordinatorOptions(logger *slog.Logger, source scheduler.MetricsSource) []migration.Option {
	opts := []migration.Option{
		migration.WithLogger(logger),
		migration.WithSchedulerConfig(c.Scheduler),
		migration.WithRetryPolicy(c.Retry),
		migration.WithStuckThreshold(c.StuckThreshold),
	}
	if source != nil && c.Metrics.Adaptive {
		opts = append(opts, migration.WithMetricsSource(source))
	}
	return opts
}
