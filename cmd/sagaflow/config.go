package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/sagaflow/internal/scheduler"
)

// Config holds the sagaflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	// DBPath selects the libsql store. Empty keeps everything in memory.
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	PoolSize      int    `json:"pool_size"`
	SweepSchedule string `json:"sweep_schedule"`
	MaxSleep      string `json:"max_sleep"`
	// MetricsAddr is the listen address of the /metrics endpoint. Empty disables it.
	MetricsAddr string `json:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		PoolSize:      10,
		SweepSchedule: scheduler.DefaultSchedule,
		MaxSleep:      "168h",
	}
}

func sagaflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sagaflow"
	}
	return filepath.Join(home, ".sagaflow")
}

func settingsPath() string {
	return filepath.Join(sagaflowDir(), "settings.json")
}

func loadConfig() (Config, error) {
	cfg := defaultConfig()

	// A missing settings file is fine; a malformed one is not.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	}

	if v := os.Getenv("SAGAFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SAGAFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SAGAFLOW_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SAGAFLOW_POOL_SIZE: %w", err)
		}
		cfg.PoolSize = n
	}
	if v := os.Getenv("SAGAFLOW_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := os.Getenv("SAGAFLOW_MAX_SLEEP"); v != "" {
		cfg.MaxSleep = v
	}
	if v := os.Getenv("SAGAFLOW_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if _, err := c.maxSleep(); err != nil {
		return err
	}
	if _, err := scheduler.ParseSchedule(c.SweepSchedule); err != nil {
		return fmt.Errorf("sweep_schedule: %w", err)
	}
	return nil
}

func (c Config) maxSleep() (time.Duration, error) {
	d, err := time.ParseDuration(c.MaxSleep)
	if err != nil {
		return 0, fmt.Errorf("max_sleep: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("max_sleep must be positive, got %s", c.MaxSleep)
	}
	return d, nil
}
