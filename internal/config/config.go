// Package config handles environment-variable loading for the daemon:
// data/runtime/config directory locations, worker pool sizing, and
// optional observability endpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every daemon-wide setting. Socket/pidfile/database paths
// are always derived from Dir, mirroring the single
// data-directory layout in spec.md §6.
type Config struct {
	// Dir is the root directory holding data/, run/, and config/
	// subdirectories (spec.md §6, Filesystem layout).
	Dir string

	WorkerConcurrency int
	WorkerPollInterval time.Duration
	JobLease           time.Duration
	JobMaxAttempts     int
	ReaperSchedule     string

	// RateLimitPerSecond throttles the whole Unix-socket API (spec.md §11:
	// one process-wide limiter replaces the teacher's per-tenant map).
	RateLimitPerSecond float64
	RateLimitBurst     int

	// OTLPEndpoint is the collector address for trace export. Empty
	// disables tracing entirely.
	OTLPEndpoint string
	// MetricsAddr, if set, serves Prometheus metrics on this address.
	MetricsAddr string

	LogLevel string
}

// Load reads configuration from environment variables, applying the same
// defaults-then-override pattern as the teacher's config.Load.
func Load() (*Config, error) {
	dir := os.Getenv("WORK_DIR")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".work")
	}

	cfg := &Config{
		Dir:                dir,
		WorkerConcurrency:  4,
		WorkerPollInterval: 500 * time.Millisecond,
		JobLease:           2 * time.Minute,
		JobMaxAttempts:     5,
		ReaperSchedule:     "@every 5s",
		RateLimitPerSecond: 50,
		RateLimitBurst:     100,
		LogLevel:           "info",
	}

	if v := os.Getenv("WORK_WORKER_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid WORK_WORKER_CONCURRENCY: %w", err)
		}
		cfg.WorkerConcurrency = n
	}
	if v := os.Getenv("WORK_WORKER_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid WORK_WORKER_POLL_INTERVAL: %w", err)
		}
		cfg.WorkerPollInterval = d
	}
	if v := os.Getenv("WORK_JOB_LEASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid WORK_JOB_LEASE: %w", err)
		}
		cfg.JobLease = d
	}
	if v := os.Getenv("WORK_JOB_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid WORK_JOB_MAX_ATTEMPTS: %w", err)
		}
		cfg.JobMaxAttempts = n
	}
	if v := os.Getenv("WORK_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid WORK_RATE_LIMIT: %w", err)
		}
		cfg.RateLimitPerSecond = f
	}
	cfg.OTLPEndpoint = os.Getenv("WORK_OTLP_ENDPOINT")
	cfg.MetricsAddr = os.Getenv("WORK_METRICS_ADDR")
	if v := os.Getenv("WORK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func (c *Config) DataDir() string    { return filepath.Join(c.Dir, "data") }
func (c *Config) RunDir() string     { return filepath.Join(c.Dir, "run") }
func (c *Config) ConfigDir() string  { return filepath.Join(c.Dir, "config") }
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir(), "work.db") }
func (c *Config) LogDir() string     { return filepath.Join(c.DataDir(), "logs") }
func (c *Config) SocketPath() string { return filepath.Join(c.RunDir(), "work.sock") }
func (c *Config) PidfilePath() string { return filepath.Join(c.RunDir(), "work.pid") }
func (c *Config) ProvidersPath() string { return filepath.Join(c.ConfigDir(), "providers.toml") }

// EnsureDirs creates the data/run/config directories if they don't exist.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.DataDir(), c.RunDir(), c.ConfigDir(), c.LogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	return nil
}
