// Package checkin ties the scheduler, the job orchestrator, the artifact
// service, and notification delivery together: rule fires become reminders
// plus generation dispatches, exhausted one-time rules are auto-disabled,
// and runner results are applied to artifacts.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"dayspark/internal/artifact"
	"dayspark/internal/eventbus"
	"dayspark/internal/orchestrator"
	"dayspark/internal/rule"
	"dayspark/internal/scheduler"
	"dayspark/pkg/logx"
)

// RuleStore is the persistence slice the engine needs for rule CRUD.
type RuleStore interface {
	ListRules(ctx context.Context, ownerID string) ([]rule.Rule, error)
	GetRule(ctx context.Context, id string) (rule.Rule, error)
	SaveRule(ctx context.Context, r rule.Rule) error
	DeleteRule(ctx context.Context, id string) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error
}

// Timers is the scheduler surface the engine drives on rule CRUD.
type Timers interface {
	Upsert(ctx context.Context, r rule.Rule) error
	Remove(id string) bool
}

// Dispatcher is the orchestrator surface used on fires and runner updates.
type Dispatcher interface {
	Dispatch(ctx context.Context, key orchestrator.Key, payload json.RawMessage) (orchestrator.Job, error)
	OnRunnerUpdate(u orchestrator.Update)
}

// Reminder delivers the user-visible check-in prompt.
type Reminder interface {
	Deliver(ctx context.Context, ownerID, message string) error
}

// Artifacts applies successful worker output.
type Artifacts interface {
	ApplyRefined(ctx context.Context, id, content string) (artifact.Artifact, error)
	ApplyGenerated(ctx context.Context, ownerID, content string) (artifact.Artifact, error)
}

type Config struct {
	// DefaultEvery is the interval of the rule seeded when check-ins are
	// enabled for an owner with no rules. Default 6h.
	DefaultEvery time.Duration
	// ReminderMessage is the text delivered on each fire.
	ReminderMessage string
	// EventBuffer sizes the bus subscription. Default 64.
	EventBuffer int
}

func (c Config) defaultEvery() time.Duration {
	if c.DefaultEvery <= 0 {
		return 6 * time.Hour
	}
	return c.DefaultEvery
}

func (c Config) reminderMessage() string {
	if c.ReminderMessage == "" {
		return "Time for a check-in"
	}
	return c.ReminderMessage
}

// Engine is the orchestration glue. It owns no timers and no job state of
// its own; it only routes.
type Engine struct {
	cfg       Config
	store     RuleStore
	timers    Timers
	jobs      Dispatcher
	reminders Reminder
	artifacts Artifacts
	log       logx.Logger
	bus       eventbus.Bus

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, store RuleStore, timers Timers, jobs Dispatcher, reminders Reminder, artifacts Artifacts, log logx.Logger, bus eventbus.Bus) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		timers:    timers,
		jobs:      jobs,
		reminders: reminders,
		artifacts: artifacts,
		log:       log,
		bus:       bus,
	}
}

// Start subscribes to the bus and begins routing fire and exhaustion events.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})

	buf := e.cfg.EventBuffer
	if buf <= 0 {
		buf = 64
	}
	ch, unsub := e.bus.Subscribe(buf)

	stopCh := e.stopCh
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				e.handle(ctx, ev)
			}
		}
	}()
	e.log.Info("checkin engine started")
}

func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	close(e.stopCh)
	e.stopCh = nil
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	e.log.Info("checkin engine stopped")
}

func (e *Engine) handle(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case scheduler.EventFired:
		fe, ok := ev.Data.(scheduler.FireEvent)
		if !ok {
			return
		}
		e.onFire(ctx, fe)
	case scheduler.EventExhausted:
		xe, ok := ev.Data.(scheduler.ExhaustedEvent)
		if !ok {
			return
		}
		e.onExhausted(ctx, xe)
	}
}

// onFire delivers the reminder and asks the orchestrator for a fresh
// generation. A generation already in flight for the owner is fine: the
// reminder still goes out and the duplicate dispatch is skipped.
func (e *Engine) onFire(ctx context.Context, ev scheduler.FireEvent) {
	if err := e.reminders.Deliver(ctx, ev.OwnerID, e.cfg.reminderMessage()); err != nil {
		e.log.Warn("reminder delivery failed",
			logx.String("rule_id", ev.RuleID), logx.String("owner", ev.OwnerID), logx.Err(err))
	}

	payload, _ := json.Marshal(artifact.GeneratePayload{OwnerID: ev.OwnerID})
	key := orchestrator.Key{SubjectID: ev.OwnerID, Kind: orchestrator.KindGenerate}
	if _, err := e.jobs.Dispatch(ctx, key, payload); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyInFlight) {
			e.log.Debug("generation already in flight", logx.String("owner", ev.OwnerID))
			return
		}
		e.log.Warn("generation dispatch failed", logx.String("owner", ev.OwnerID), logx.Err(err))
	}
}

// onExhausted disables the retired one-time rule so restarts do not try to
// re-arm it. The scheduler has already dropped its timer.
func (e *Engine) onExhausted(ctx context.Context, ev scheduler.ExhaustedEvent) {
	if err := e.store.SetRuleEnabled(ctx, ev.RuleID, false); err != nil {
		e.log.Warn("disabling exhausted rule failed", logx.String("rule_id", ev.RuleID), logx.Err(err))
		return
	}
	e.log.Info("exhausted rule disabled", logx.String("rule_id", ev.RuleID))
}

// OnRunnerUpdate feeds one runner status change through the orchestrator and,
// on success, applies the carried result to the artifact layer. Wire it as
// the runner subscription handler.
func (e *Engine) OnRunnerUpdate(ctx context.Context, u orchestrator.Update) {
	e.jobs.OnRunnerUpdate(u)

	if u.State != orchestrator.StateSucceeded || len(u.Result) == 0 {
		return
	}
	var res artifact.Result
	if err := json.Unmarshal(u.Result, &res); err != nil {
		e.log.Warn("malformed runner result", logx.String("key", u.Key.String()), logx.Err(err))
		return
	}

	var err error
	switch u.Key.Kind {
	case orchestrator.KindRefine:
		_, err = e.artifacts.ApplyRefined(ctx, u.Key.SubjectID, res.Content)
	case orchestrator.KindGenerate:
		_, err = e.artifacts.ApplyGenerated(ctx, u.Key.SubjectID, res.Content)
	default:
		return
	}
	if err != nil {
		e.log.Warn("applying runner result failed", logx.String("key", u.Key.String()), logx.Err(err))
	}
}

// EnableCheckins turns periodic check-ins on for an owner. The first time,
// when no rules exist yet, it seeds a default interval rule; otherwise it
// re-enables and re-arms the owner's existing rules.
func (e *Engine) EnableCheckins(ctx context.Context, ownerID string) (rule.Rule, error) {
	rules, err := e.store.ListRules(ctx, ownerID)
	if err != nil {
		return rule.Rule{}, fmt.Errorf("list rules: %w", err)
	}

	if len(rules) == 0 {
		every := e.cfg.defaultEvery()
		// Whole hours read nicer, but a sub-hour configured interval must
		// seed exactly what was asked for, not a floored approximation.
		spec := rule.Interval(int(every/time.Minute), rule.UnitMinutes)
		if every%time.Hour == 0 {
			spec = rule.Interval(int(every/time.Hour), rule.UnitHours)
		}
		r, err := rule.New(ownerID, spec)
		if err != nil {
			return rule.Rule{}, fmt.Errorf("default_every %s: %w", every, err)
		}
		if err := e.store.SaveRule(ctx, r); err != nil {
			return rule.Rule{}, fmt.Errorf("seed default rule: %w", err)
		}
		if err := e.timers.Upsert(ctx, r); err != nil {
			return rule.Rule{}, err
		}
		e.log.Info("seeded default check-in rule",
			logx.String("owner", ownerID), logx.String("rule_id", r.ID), logx.Duration("every", every))
		return r, nil
	}

	var first rule.Rule
	for i, r := range rules {
		if !r.Enabled {
			if err := e.SetRuleEnabled(ctx, r.ID, true); err != nil {
				return rule.Rule{}, err
			}
			r.Enabled = true
		} else if err := e.timers.Upsert(ctx, r); err != nil && !errors.Is(err, scheduler.ErrExhausted) {
			return rule.Rule{}, err
		}
		if i == 0 {
			first = r
		}
	}
	return first, nil
}

// CreateRule validates, persists, and arms a new rule.
func (e *Engine) CreateRule(ctx context.Context, ownerID string, spec rule.Spec) (rule.Rule, error) {
	r, err := rule.New(ownerID, spec)
	if err != nil {
		return rule.Rule{}, err
	}
	if err := e.store.SaveRule(ctx, r); err != nil {
		return rule.Rule{}, err
	}
	if err := e.timers.Upsert(ctx, r); err != nil {
		if errors.Is(err, scheduler.ErrExhausted) {
			// Already past; keep the record but leave it disabled.
			return r, err
		}
		return rule.Rule{}, err
	}
	return r, nil
}

// UpdateRule replaces the trigger shape of an existing rule, keeping its
// identity, and re-arms it.
func (e *Engine) UpdateRule(ctx context.Context, id string, spec rule.Spec) (rule.Rule, error) {
	if err := spec.Validate(); err != nil {
		return rule.Rule{}, err
	}
	r, err := e.store.GetRule(ctx, id)
	if err != nil {
		return rule.Rule{}, err
	}
	r.Spec = spec
	if err := e.store.SaveRule(ctx, r); err != nil {
		return rule.Rule{}, err
	}
	if r.Enabled {
		if err := e.timers.Upsert(ctx, r); err != nil {
			return r, err
		}
	}
	return r, nil
}

// DeleteRule cancels the timer first, then removes the record.
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	e.timers.Remove(id)
	return e.store.DeleteRule(ctx, id)
}

// SetRuleEnabled toggles a rule, arming or cancelling its timer to match.
func (e *Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	if !enabled {
		e.timers.Remove(id)
		return e.store.SetRuleEnabled(ctx, id, false)
	}
	if err := e.store.SetRuleEnabled(ctx, id, true); err != nil {
		return err
	}
	r, err := e.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	return e.timers.Upsert(ctx, r)
}

// ListRules is a pass-through read.
func (e *Engine) ListRules(ctx context.Context, ownerID string) ([]rule.Rule, error) {
	return e.store.ListRules(ctx, ownerID)
}
