package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"dayspark/internal/eventbus"
	"dayspark/pkg/logx"
)

// Service deduplicates and tracks asynchronous generation/refinement work
// keyed by (subject id, kind).
//
// The in-flight check in Dispatch is atomic: the job record is created under
// the service mutex before the runner is called, so two concurrent dispatches
// for the same key can never both succeed.
type Service struct {
	mu   sync.Mutex
	jobs map[Key]*Job

	log    logx.Logger
	bus    eventbus.Bus
	cfg    Config
	runner Runner

	dropped uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(cfg Config, runner Runner, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    cfg,
		runner: runner,
		log:    log,
		bus:    bus,
		jobs:   map[Key]*Job{},
	}
}

// Start launches the periodic stale-job sweep. Optional; embedders that
// drive SweepStale themselves can skip it.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	every := s.cfg.SweepEvery
	if every <= 0 {
		every = 30 * time.Second
	}

	stopCh := s.stopCh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		tick := time.NewTicker(every)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-tick.C:
				if n := s.SweepStale(time.Now()); n > 0 {
					s.log.Warn("stale jobs failed by sweep", logx.Int("count", n))
				}
			}
		}
	}()
	s.log.Info("orchestrator started", logx.Duration("sweep_every", every))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("orchestrator stopped")
}

// Dispatch hands payload to the external runner under a fresh job record.
//
// If a non-terminal job exists for key it returns ErrAlreadyInFlight. If the
// runner rejects the enqueue, the job transitions straight to
// Failed(dispatch_error) and the wrapped error is returned: dispatch failure
// is terminal, there is deliberately no local fallback.
func (s *Service) Dispatch(ctx context.Context, key Key, payload json.RawMessage) (Job, error) {
	if s.runner == nil {
		return Job{}, ErrNoRunner
	}

	now := time.Now()
	d := Dispatch{ID: uuid.New().String(), Key: key, Payload: payload, EnqueuedAt: now}

	s.mu.Lock()
	if cur, ok := s.jobs[key]; ok && !cur.State.Terminal() {
		st := cur.State
		s.mu.Unlock()
		s.log.Debug("dispatch rejected", logx.String("key", key.String()), logx.String("state", string(st)))
		return Job{}, fmt.Errorf("%w: %s is %s", ErrAlreadyInFlight, key, st)
	}
	j := &Job{
		Key:        key,
		DispatchID: d.ID,
		State:      StateDispatching,
		EnqueuedAt: now,
		UpdatedAt:  now,
	}
	s.jobs[key] = j
	s.mu.Unlock()

	if err := s.runner.Enqueue(ctx, d); err != nil {
		s.fail(key, ReasonDispatchError, err.Error(), time.Now())
		s.log.Warn("dispatch enqueue failed", logx.String("key", key.String()), logx.Err(err))
		return s.snapshotJob(key), fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	s.publish("job.dispatched", JobEvent{Key: key, State: StateDispatching})
	s.log.Debug("job dispatched", logx.String("key", key.String()), logx.String("dispatch_id", d.ID))
	return s.snapshotJob(key), nil
}

// OnRunnerUpdate applies one status change from the runner's feed.
//
// Updates for unknown keys (e.g. after a restart dropped the in-memory
// records) and updates against terminal jobs are ignored with a logged
// inconsistency; the feed is async and may replay or reorder.
func (s *Service) OnRunnerUpdate(u Update) {
	now := time.Now()

	s.mu.Lock()
	j, ok := s.jobs[u.Key]
	if !ok {
		s.dropped++
		s.mu.Unlock()
		s.log.Warn("update for untracked job ignored", logx.String("key", u.Key.String()), logx.String("state", string(u.State)))
		return
	}
	if j.State.Terminal() {
		s.dropped++
		s.mu.Unlock()
		s.log.Debug("update for terminal job ignored", logx.String("key", u.Key.String()), logx.String("state", string(u.State)))
		return
	}

	switch u.State {
	case StateRunning:
		j.State = StateRunning
		j.UpdatedAt = now
		s.mu.Unlock()
		s.publish("job.updated", JobEvent{Key: u.Key, State: StateRunning})
	case StateSucceeded:
		j.State = StateSucceeded
		j.UpdatedAt = now
		j.ResolvedAt = now
		s.mu.Unlock()
		s.publish("job.succeeded", JobEvent{Key: u.Key, State: StateSucceeded})
		s.log.Info("job succeeded", logx.String("key", u.Key.String()))
	case StateFailed:
		j.State = StateFailed
		j.Reason = ReasonRemote
		j.Detail = u.Detail
		j.UpdatedAt = now
		j.ResolvedAt = now
		s.mu.Unlock()
		s.publish("job.failed", JobEvent{Key: u.Key, State: StateFailed, Reason: ReasonRemote, Detail: u.Detail})
		s.log.Warn("job failed remotely", logx.String("key", u.Key.String()), logx.String("detail", u.Detail))
	default:
		s.dropped++
		s.mu.Unlock()
		s.log.Warn("unexpected runner state ignored", logx.String("key", u.Key.String()), logx.String("state", string(u.State)))
	}
}

// StatusOf is a pure read. Unknown keys are Idle.
func (s *Service) StatusOf(key Key) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[key]; ok {
		return j.State
	}
	return StateIdle
}

// JobFor returns a copy of the tracked record for key.
func (s *Service) JobFor(key Key) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// CancelStaleIfOrphaned fails the job for key if it has sat in a non-terminal
// state longer than maxAge without an update. It reports whether the job was
// failed. A stuck key must never permanently block future dispatches.
//
// The staleness check and the transition happen under one lock hold, so a
// Forget plus fresh Dispatch racing the sweep can never get the new job
// failed on the old record's age.
func (s *Service) CancelStaleIfOrphaned(key Key, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 {
		return false
	}
	detail := fmt.Sprintf("no update for %s", maxAge)

	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok || j.State.Terminal() || now.Sub(j.UpdatedAt) <= maxAge {
		s.mu.Unlock()
		return false
	}
	j.State = StateFailed
	j.Reason = ReasonTimeout
	j.Detail = detail
	j.UpdatedAt = now
	j.ResolvedAt = now
	s.mu.Unlock()

	s.publish("job.failed", JobEvent{Key: key, State: StateFailed, Reason: ReasonTimeout, Detail: detail})
	s.log.Warn("job timed out", logx.String("key", key.String()), logx.Duration("max_age", maxAge))
	return true
}

// SweepStale applies CancelStaleIfOrphaned to every tracked job using the
// configured per-kind thresholds. It returns the number of jobs failed.
func (s *Service) SweepStale(now time.Time) int {
	s.mu.Lock()
	keys := make([]Key, 0, len(s.jobs))
	for k, j := range s.jobs {
		if !j.State.Terminal() {
			keys = append(keys, k)
		}
	}
	s.mu.Unlock()

	n := 0
	for _, k := range keys {
		if s.CancelStaleIfOrphaned(k, s.cfg.maxAgeFor(k.Kind), now) {
			n++
		}
	}
	return n
}

// Forget drops a terminal job record so the key reads Idle again. Non-terminal
// jobs are kept; dropping one would break the in-flight guarantee.
func (s *Service) Forget(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok || !j.State.Terminal() {
		return false
	}
	delete(s.jobs, key)
	return true
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{Jobs: make([]Job, 0, len(s.jobs)), DroppedUpdates: s.dropped}
	for _, j := range s.jobs {
		out.Jobs = append(out.Jobs, *j)
	}
	return out
}

// fail moves a job to Failed if it is still non-terminal.
func (s *Service) fail(key Key, reason FailReason, detail string, now time.Time) {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if !ok || j.State.Terminal() {
		s.mu.Unlock()
		return
	}
	j.State = StateFailed
	j.Reason = reason
	j.Detail = detail
	j.UpdatedAt = now
	j.ResolvedAt = now
	s.mu.Unlock()

	s.publish("job.failed", JobEvent{Key: key, State: StateFailed, Reason: reason, Detail: detail})
}

func (s *Service) snapshotJob(key Key) Job {
	j, _ := s.JobFor(key)
	return j
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
	}
}
