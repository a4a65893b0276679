// Package app wires the daemon together: config, logging, storage, the
// scheduler, the job orchestrator, the Redis runner, notification delivery,
// and the check-in engine.
package app

import (
	"context"
	"errors"
	"fmt"

	"dayspark/internal/artifact"
	"dayspark/internal/checkin"
	"dayspark/internal/config"
	"dayspark/internal/eventbus"
	"dayspark/internal/notify"
	"dayspark/internal/orchestrator"
	"dayspark/internal/runner"
	"dayspark/internal/scheduler"
	"dayspark/internal/storage"
	"dayspark/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	store storage.Store

	sched  *scheduler.Service
	orch   *orchestrator.Service
	run    *runner.Redis
	notif  *notify.Service
	arts   *artifact.Service
	engine *checkin.Engine

	stopRunner func()
	cancel     context.CancelFunc
}

// NewApp loads the config at cfgPath and constructs every service. Nothing
// is running until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath, logx.NewConsole("INFO").With(logx.String("comp", "config")))
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	storeCfg, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storeCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("storage.driver is required")
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, log.With(logx.String("comp", "scheduler")), bus)

	run, err := runner.NewRedis(mapRunnerConfig(cfg), log.With(logx.String("comp", "runner")))
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}

	orchCfg, err := mapOrchestratorConfig(cfg)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(orchCfg, run, log.With(logx.String("comp", "orchestrator")), bus)

	notif := notify.New(mapNotifyConfig(cfg),
		notify.LogSender{Log: log.With(logx.String("comp", "reminder"))},
		log.With(logx.String("comp", "notify")))

	arts := artifact.NewService(store, orch, log.With(logx.String("comp", "artifact")))

	ckCfg, err := mapCheckinConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := checkin.New(ckCfg, store, sched, orch, notif, arts,
		log.With(logx.String("comp", "checkin")), bus)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		sched:  sched,
		orch:   orch,
		run:    run,
		notif:  notif,
		arts:   arts,
		engine: engine,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// Engine first so no fire event from rehydration is missed.
	a.engine.Start(ctx)
	a.orch.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	stop, err := a.run.Subscribe(ctx, func(u orchestrator.Update) {
		a.engine.OnRunnerUpdate(ctx, u)
	})
	if err != nil {
		return fmt.Errorf("runner updates: %w", err)
	}
	a.stopRunner = stop

	go func() { _ = a.cfgm.Watch(ctx) }()
	go a.applyReloads(ctx)

	a.log.Info("dayspark started")
	return nil
}

// applyReloads picks up committed config snapshots. Only logging applies
// in place; the rest of the config is construction-time.
func (a *App) applyReloads(ctx context.Context) {
	sub := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.logs.Apply(mapLoggingConfig(cfg))
			a.log.Info("logging config applied", logx.String("level", cfg.Logging.Level))
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.stopRunner != nil {
		a.stopRunner()
	}
	a.sched.Stop(ctx)
	a.orch.Stop(ctx)
	a.engine.Stop(ctx)

	var errs []error
	if err := a.run.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.logs.Close(); err != nil {
		errs = append(errs, err)
	}
	a.log.Info("dayspark stopped")
	return errors.Join(errs...)
}
