// Package config loads, validates, and hot-reloads the daemon configuration
// from a YAML or JSON file.
package config

import (
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Storage      StorageConfig      `json:"storage"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Runner       RunnerConfig       `json:"runner"`
	Notify       NotifyConfig       `json:"notify"`
	Checkin      CheckinConfig      `json:"checkin"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./dayspark.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the rule trigger service.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type SchedulerConfig struct {
	// Timezone is the IANA zone daily/weekly clock times resolve in.
	// Empty means the process-local zone.
	Timezone    string `json:"timezone,omitempty"`
	ResyncEvery string `json:"resync_every,omitempty"` // default "1m"
	FireGrace   string `json:"fire_grace,omitempty"`   // default "5s"
}

// OrchestratorConfig controls job tracking and the stale-job sweep.
type OrchestratorConfig struct {
	SweepEvery    string `json:"sweep_every,omitempty"`     // default "30s"
	DefaultMaxAge string `json:"default_max_age,omitempty"` // default "10m"
	// MaxAge overrides the stale threshold per job kind, e.g.
	// {"generate": "15m", "refine": "5m"}.
	MaxAge map[string]string `json:"max_age,omitempty"`
}

// RunnerConfig points at the Redis queue the external workers consume.
type RunnerConfig struct {
	RedisURL  string `json:"redis_url"`
	KeyPrefix string `json:"key_prefix,omitempty"` // default "dayspark:"
}

type NotifyConfig struct {
	RatePerSec  int `json:"rate_per_sec,omitempty"` // default 5
	HistorySize int `json:"history_size,omitempty"` // default 300
}

type CheckinConfig struct {
	DefaultEvery    string `json:"default_every,omitempty"` // default "6h"
	ReminderMessage string `json:"reminder_message,omitempty"`
}

// Validate rejects configs that cannot be applied: unparseable durations,
// unknown timezones, a missing runner URL. The watcher calls it before
// committing a reload.
func (c *Config) Validate() error {
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	durations := []struct{ path, raw string }{
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"scheduler.resync_every", c.Scheduler.ResyncEvery},
		{"scheduler.fire_grace", c.Scheduler.FireGrace},
		{"orchestrator.sweep_every", c.Orchestrator.SweepEvery},
		{"orchestrator.default_max_age", c.Orchestrator.DefaultMaxAge},
		{"checkin.default_every", c.Checkin.DefaultEvery},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	for kind, raw := range c.Orchestrator.MaxAge {
		if _, err := ParseDurationField("orchestrator.max_age."+kind, raw); err != nil {
			return err
		}
	}
	// Seeded rules are minute-grained; anything finer cannot be honored.
	if d, _ := ParseDurationField("checkin.default_every", c.Checkin.DefaultEvery); d > 0 && d < time.Minute {
		return fmt.Errorf("checkin.default_every: must be at least 1m, got %s", d)
	}
	if strings.TrimSpace(c.Runner.RedisURL) == "" {
		return fmt.Errorf("runner.redis_url: required")
	}
	return nil
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
