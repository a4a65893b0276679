package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"dayspark/internal/eventbus"
	"dayspark/internal/rule"
	"dayspark/pkg/logx"
)

// Service owns one live timer per enabled rule.
//
// Per-rule state machine: Unarmed -> Armed -> (Fired -> Armed | Retired).
// Arm/cancel/re-arm all run under tmu with a per-rule version counter, so a
// timer callback racing a cancel always loses: the callback re-checks its
// version before emitting anything, and the version is bumped (with the
// callback either not yet holding tmu, or already done) before cancel
// returns. No fire can be observed after Remove/Upsert returns.
//
// Timer delivery is best-effort; a periodic cron sweep force-fires entries
// whose instant already passed (device sleep, suspended process).
type Service struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	c       *cron.Cron
	started bool

	tmu     sync.Mutex
	entries map[string]*entry
	vers    map[string]uint64

	src RuleSource
	log logx.Logger
	bus eventbus.Bus
}

type entry struct {
	r     rule.Rule
	at    time.Time
	ver   uint64
	timer *time.Timer
}

func New(cfg Config, src RuleSource, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:     cfg,
		src:     src,
		log:     log,
		bus:     bus,
		entries: map[string]*entry{},
		vers:    map[string]uint64{},
	}
}

// Start arms every enabled rule from the source and launches the catch-up
// sweep. Timers never survive a restart; armed state is re-derived from
// persisted rules and last-fired metadata.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.loc = s.loadLocationLocked()

	resync := s.cfg.ResyncEvery
	if resync <= 0 {
		resync = time.Minute
	}
	s.c = cron.New(cron.WithLocation(s.loc))
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", resync), func() {
		if n := s.Resync(); n > 0 {
			s.log.Warn("missed fires recovered by sweep", logx.Int("count", n))
		}
	}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.c.Start()
	s.mu.Unlock()

	if err := s.rehydrate(ctx); err != nil {
		return err
	}
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Duration("resync_every", resync), logx.Int("armed", s.ArmedCount()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.tmu.Lock()
	for id, e := range s.entries {
		_ = e.timer.Stop()
		s.vers[id]++
	}
	s.entries = map[string]*entry{}
	s.tmu.Unlock()

	s.log.Info("scheduler stopped")
}

func (s *Service) rehydrate(ctx context.Context) error {
	if s.src == nil {
		return nil
	}
	rules, err := s.src.ListEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("list enabled rules: %w", err)
	}
	for _, r := range rules {
		if err := s.Upsert(ctx, r); err != nil && err != ErrExhausted {
			s.log.Warn("rule not armed on start", logx.String("rule", r.ID), logx.Err(err))
		}
	}
	return nil
}

// Upsert arms (or re-arms) the timer for r, cancelling any previous timer for
// the same rule id first. Disabled rules are only cancelled. It returns
// ErrExhausted for a one-time rule whose instant has passed; an exhausted
// event is published so the owner can auto-disable the rule.
func (s *Service) Upsert(ctx context.Context, r rule.Rule) error {
	if err := r.Spec.Validate(); err != nil {
		return err
	}

	now := s.now()
	var last time.Time
	if r.Spec.Kind == rule.KindInterval && s.src != nil {
		if at, ok, err := s.src.LastFired(ctx, r.ID); err == nil && ok {
			last = at
		}
	}

	s.tmu.Lock()
	defer s.tmu.Unlock()

	s.cancelLocked(r.ID)
	if !r.Enabled {
		return nil
	}

	at, ok := rule.NextFire(r.Spec, now, last)
	if !ok {
		s.publish(EventExhausted, ExhaustedEvent{RuleID: r.ID, OwnerID: r.OwnerID})
		s.log.Debug("rule exhausted on arm", logx.String("rule", r.ID))
		return ErrExhausted
	}
	s.armLocked(r, at, now)
	return nil
}

// Remove cancels the rule's timer. It reports whether a timer was live. After
// Remove returns, no fire event for the rule can be observed.
func (s *Service) Remove(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	removed := s.cancelLocked(id)
	if removed {
		s.log.Debug("rule disarmed", logx.String("rule", id))
	}
	return removed
}

// cancelLocked bumps the rule's version (invalidating in-flight callbacks)
// and stops the live timer, if any. Call with tmu held.
func (s *Service) cancelLocked(id string) bool {
	s.vers[id]++
	if e, ok := s.entries[id]; ok {
		_ = e.timer.Stop()
		delete(s.entries, id)
		return true
	}
	return false
}

// armLocked registers a timer for r at the given instant. Call with tmu held.
func (s *Service) armLocked(r rule.Rule, at, now time.Time) {
	ver := s.vers[r.ID]
	delay := at.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e := &entry{r: r, at: at, ver: ver}
	e.timer = time.AfterFunc(delay, func() { s.fire(r.ID, ver) })
	s.entries[r.ID] = e
	s.log.Debug("rule armed", logx.String("rule", r.ID), logx.String("kind", string(r.Spec.Kind)), logx.Time("next", at))
}

// fire is the timer callback. The fire event (and, for one-time rules, the
// exhausted event) is published while tmu is held: Publish is non-blocking,
// and holding the lock is what makes a racing cancel strictly ordered.
func (s *Service) fire(id string, ver uint64) {
	now := s.now()

	s.tmu.Lock()
	e, ok := s.entries[id]
	if !ok || e.ver != ver || s.vers[id] != ver {
		// Cancelled or replaced while the callback was in flight.
		s.tmu.Unlock()
		return
	}
	delete(s.entries, id)
	r := e.r

	s.publish(EventFired, FireEvent{RuleID: id, OwnerID: r.OwnerID, Kind: r.Spec.Kind, At: now})

	if r.Spec.Kind == rule.KindOneTime {
		// Retired: surface so the owner disables/deletes the rule.
		s.publish(EventExhausted, ExhaustedEvent{RuleID: id, OwnerID: r.OwnerID})
		s.tmu.Unlock()
		s.log.Info("one-time rule fired and retired", logx.String("rule", id))
		return
	}

	// Re-arm. The fire instant becomes lastFired for interval rules; the
	// calendar kinds recompute from one minute ahead so the minute that
	// just fired is never picked again.
	ref := now
	if r.Spec.Kind != rule.KindInterval {
		ref = now.Add(time.Minute)
	}
	if next, ok := rule.NextFire(r.Spec, ref, now); ok {
		s.vers[id]++
		s.armLocked(r, next, now)
	}
	s.tmu.Unlock()

	s.log.Debug("rule fired", logx.String("rule", id), logx.String("kind", string(r.Spec.Kind)))
	s.persistLastFired(id, now)
}

func (s *Service) persistLastFired(id string, at time.Time) {
	if s.src == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.src.SetLastFired(ctx, id, at); err != nil {
		s.log.Warn("last-fired not persisted", logx.String("rule", id), logx.Err(err))
	}
}

// Resync force-fires every armed rule whose instant slipped past the grace
// window without the timer delivering (device sleep). It returns the number
// of entries fired.
func (s *Service) Resync() int {
	now := s.now()
	grace := s.cfg.FireGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}

	type due struct {
		id    string
		ver   uint64
		timer *time.Timer
	}
	s.tmu.Lock()
	var missed []due
	for id, e := range s.entries {
		if now.Sub(e.at) > grace {
			missed = append(missed, due{id: id, ver: e.ver, timer: e.timer})
		}
	}
	s.tmu.Unlock()

	for _, d := range missed {
		// If the timer delivered between the scan and here, fire dedups on
		// the entry lookup and this is a no-op.
		_ = d.timer.Stop()
		s.fire(d.id, d.ver)
	}
	return len(missed)
}

// ArmedCount reports the number of live timers. It equals the number of
// enabled, non-retired rules the service has seen.
func (s *Service) ArmedCount() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.entries)
}

// Snapshot lists the armed rules ordered by next fire time.
func (s *Service) Snapshot() []ArmedRule {
	s.tmu.Lock()
	out := make([]ArmedRule, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, ArmedRule{RuleID: e.r.ID, OwnerID: e.r.OwnerID, Kind: e.r.Spec.Kind, NextFire: e.at})
	}
	s.tmu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextFire.Before(out[j].NextFire) })
	return out
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
	}
}

func (s *Service) now() time.Time {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}
	return time.Now().In(loc)
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
