package app

import (
	"time"

	"dayspark/internal/checkin"
	"dayspark/internal/config"
	"dayspark/internal/notify"
	"dayspark/internal/orchestrator"
	"dayspark/internal/runner"
	"dayspark/internal/scheduler"
	"dayspark/internal/storage"
	"dayspark/pkg/logx"
)

// The map* helpers translate file-level config (duration strings, plain
// maps) into the typed configs each service takes. Validation already ran;
// parse errors here still surface rather than panic.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	resync, err := config.ParseDurationOrDefault("scheduler.resync_every", cfg.Scheduler.ResyncEvery, time.Minute)
	if err != nil {
		return scheduler.Config{}, err
	}
	grace, err := config.ParseDurationOrDefault("scheduler.fire_grace", cfg.Scheduler.FireGrace, 5*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Timezone:    cfg.Scheduler.Timezone,
		ResyncEvery: resync,
		FireGrace:   grace,
	}, nil
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, error) {
	sweep, err := config.ParseDurationOrDefault("orchestrator.sweep_every", cfg.Orchestrator.SweepEvery, 30*time.Second)
	if err != nil {
		return orchestrator.Config{}, err
	}
	defAge, err := config.ParseDurationOrDefault("orchestrator.default_max_age", cfg.Orchestrator.DefaultMaxAge, 10*time.Minute)
	if err != nil {
		return orchestrator.Config{}, err
	}
	var perKind map[orchestrator.Kind]time.Duration
	if len(cfg.Orchestrator.MaxAge) > 0 {
		perKind = make(map[orchestrator.Kind]time.Duration, len(cfg.Orchestrator.MaxAge))
		for kind, raw := range cfg.Orchestrator.MaxAge {
			d, err := config.ParseDurationField("orchestrator.max_age."+kind, raw)
			if err != nil {
				return orchestrator.Config{}, err
			}
			perKind[orchestrator.Kind(kind)] = d
		}
	}
	return orchestrator.Config{
		SweepEvery:    sweep,
		DefaultMaxAge: defAge,
		MaxAge:        perKind,
	}, nil
}

func mapRunnerConfig(cfg *config.Config) runner.Config {
	return runner.Config{
		RedisURL:  cfg.Runner.RedisURL,
		KeyPrefix: cfg.Runner.KeyPrefix,
	}
}

func mapNotifyConfig(cfg *config.Config) notify.Config {
	return notify.Config{
		RatePerSec:  cfg.Notify.RatePerSec,
		HistorySize: cfg.Notify.HistorySize,
	}
}

func mapCheckinConfig(cfg *config.Config) (checkin.Config, error) {
	every, err := config.ParseDurationOrDefault("checkin.default_every", cfg.Checkin.DefaultEvery, 6*time.Hour)
	if err != nil {
		return checkin.Config{}, err
	}
	return checkin.Config{
		DefaultEvery:    every,
		ReminderMessage: cfg.Checkin.ReminderMessage,
	}, nil
}
