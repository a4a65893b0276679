package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dayspark/internal/eventbus"
	"dayspark/pkg/logx"
)

type fakeRunner struct {
	mu       sync.Mutex
	enqueued []Dispatch
	err      error
	delay    time.Duration
	calls    atomic.Int64
}

func (f *fakeRunner) Enqueue(ctx context.Context, d Dispatch) error {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, d)
	return nil
}

func newTestService(r Runner) *Service {
	return New(Config{DefaultMaxAge: time.Minute}, r, logx.Nop(), nil)
}

func TestDispatchRejectsWhileInFlight(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	s := newTestService(r)
	key := Key{SubjectID: "user1", Kind: KindGenerate}

	if _, err := s.Dispatch(context.Background(), key, nil); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if _, err := s.Dispatch(context.Background(), key, nil); !errors.Is(err, ErrAlreadyInFlight) {
		t.Fatalf("second dispatch err = %v, want ErrAlreadyInFlight", err)
	}

	// A different key is unaffected.
	if _, err := s.Dispatch(context.Background(), Key{SubjectID: "user2", Kind: KindGenerate}, nil); err != nil {
		t.Fatalf("other key dispatch: %v", err)
	}
}

func TestDispatchConcurrentAtMostOneWins(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{delay: 5 * time.Millisecond}
	s := newTestService(r)
	key := Key{SubjectID: "user1", Kind: KindGenerate}

	const n = 16
	var ok, rejected atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := s.Dispatch(context.Background(), key, nil)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrAlreadyInFlight):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", ok.Load())
	}
	if rejected.Load() != n-1 {
		t.Fatalf("rejected = %d, want %d", rejected.Load(), n-1)
	}
	if r.calls.Load() != 1 {
		t.Fatalf("runner saw %d enqueues, want 1", r.calls.Load())
	}
}

func TestDispatchFailureIsTerminal(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{err: errors.New("network down")}
	s := newTestService(r)
	key := Key{SubjectID: "user1", Kind: KindGenerate}

	_, err := s.Dispatch(context.Background(), key, nil)
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("err = %v, want ErrDispatch", err)
	}
	j, ok := s.JobFor(key)
	if !ok || j.State != StateFailed || j.Reason != ReasonDispatchError {
		t.Fatalf("job after dispatch failure: %+v", j)
	}

	// Terminal failure frees the key for an explicit retry.
	r.mu.Lock()
	r.err = nil
	r.mu.Unlock()
	if _, err := s.Dispatch(context.Background(), key, nil); err != nil {
		t.Fatalf("retry after terminal failure: %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeRunner{})
	key := Key{SubjectID: "a1", Kind: KindRefine}

	if _, err := s.Dispatch(context.Background(), key, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := s.StatusOf(key); got != StateDispatching {
		t.Fatalf("status = %s, want dispatching", got)
	}

	s.OnRunnerUpdate(Update{Key: key, State: StateRunning})
	if got := s.StatusOf(key); got != StateRunning {
		t.Fatalf("status = %s, want running", got)
	}

	s.OnRunnerUpdate(Update{Key: key, State: StateSucceeded})
	if got := s.StatusOf(key); got != StateSucceeded {
		t.Fatalf("status = %s, want succeeded", got)
	}

	// Late/duplicate updates against a terminal job are ignored.
	s.OnRunnerUpdate(Update{Key: key, State: StateFailed, Detail: "late"})
	j, _ := s.JobFor(key)
	if j.State != StateSucceeded || j.Detail != "" {
		t.Fatalf("terminal job mutated by late update: %+v", j)
	}
	if s.Snapshot().DroppedUpdates == 0 {
		t.Fatal("dropped update not counted")
	}
}

func TestRemoteFailureCarriesDetail(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeRunner{})
	key := Key{SubjectID: "a1", Kind: KindGenerate}

	if _, err := s.Dispatch(context.Background(), key, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.OnRunnerUpdate(Update{Key: key, State: StateFailed, Detail: "model overloaded"})

	j, _ := s.JobFor(key)
	if j.State != StateFailed || j.Reason != ReasonRemote || j.Detail != "model overloaded" {
		t.Fatalf("unexpected job: %+v", j)
	}
}

func TestUpdateForUnknownKeyIsNoOp(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeRunner{})

	// Simulates a feed replay after restart dropped in-memory records.
	s.OnRunnerUpdate(Update{Key: Key{SubjectID: "ghost", Kind: KindGenerate}, State: StateRunning})

	if got := s.StatusOf(Key{SubjectID: "ghost", Kind: KindGenerate}); got != StateIdle {
		t.Fatalf("status = %s, want idle", got)
	}
	if s.Snapshot().DroppedUpdates != 1 {
		t.Fatalf("dropped = %d, want 1", s.Snapshot().DroppedUpdates)
	}
}

func TestCancelStaleIfOrphaned(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeRunner{})
	key := Key{SubjectID: "user1", Kind: KindGenerate}

	if _, err := s.Dispatch(context.Background(), key, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.OnRunnerUpdate(Update{Key: key, State: StateRunning})

	// Fresh job: not stale yet.
	if s.CancelStaleIfOrphaned(key, time.Minute, time.Now()) {
		t.Fatal("fresh job must not be cancelled")
	}

	// Pretend an hour passed with no updates.
	future := time.Now().Add(time.Hour)
	if !s.CancelStaleIfOrphaned(key, time.Minute, future) {
		t.Fatal("stale job must be cancelled")
	}
	j, _ := s.JobFor(key)
	if j.State != StateFailed || j.Reason != ReasonTimeout {
		t.Fatalf("job after timeout: %+v", j)
	}

	// The key is no longer blocked.
	if _, err := s.Dispatch(context.Background(), key, nil); err != nil {
		t.Fatalf("dispatch after timeout: %v", err)
	}
}

func TestStaleSweepNeverFailsRedispatchedJob(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	s := New(Config{}, r, logx.Nop(), nil)
	key := Key{SubjectID: "user1", Kind: KindGenerate}
	ctx := context.Background()

	// Hammer the sweep from the side while the main loop cycles
	// dispatch -> age -> time out -> forget -> redispatch. The fresh job's
	// UpdatedAt is always recent, so any timeout observed right after a
	// dispatch means the check and the transition were split.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.CancelStaleIfOrphaned(key, time.Hour, time.Now())
			}
		}
	}()

	for i := 0; i < 200; i++ {
		if _, err := s.Dispatch(ctx, key, nil); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		if j, ok := s.JobFor(key); !ok || j.State == StateFailed {
			t.Fatalf("fresh job timed out on iteration %d: %+v", i, j)
		}

		s.mu.Lock()
		s.jobs[key].UpdatedAt = time.Now().Add(-2 * time.Hour)
		s.mu.Unlock()

		s.CancelStaleIfOrphaned(key, time.Hour, time.Now())
		j, ok := s.JobFor(key)
		if !ok || !j.State.Terminal() {
			t.Fatalf("aged job not timed out on iteration %d: %+v", i, j)
		}
		if !s.Forget(key) {
			t.Fatalf("forget failed on iteration %d", i)
		}
	}
	close(stop)
	wg.Wait()
}

func TestSweepStalePerKindThresholds(t *testing.T) {
	t.Parallel()
	s := New(Config{
		DefaultMaxAge: time.Hour,
		MaxAge:        map[Kind]time.Duration{KindRefine: time.Minute},
	}, &fakeRunner{}, logx.Nop(), nil)

	gen := Key{SubjectID: "u", Kind: KindGenerate}
	ref := Key{SubjectID: "a", Kind: KindRefine}
	for _, k := range []Key{gen, ref} {
		if _, err := s.Dispatch(context.Background(), k, nil); err != nil {
			t.Fatalf("dispatch %s: %v", k, err)
		}
		s.OnRunnerUpdate(Update{Key: k, State: StateRunning})
	}

	// 5 minutes out: only the refine job exceeds its threshold.
	if n := s.SweepStale(time.Now().Add(5 * time.Minute)); n != 1 {
		t.Fatalf("swept %d jobs, want 1", n)
	}
	if got := s.StatusOf(ref); got != StateFailed {
		t.Fatalf("refine status = %s, want failed", got)
	}
	if got := s.StatusOf(gen); got != StateRunning {
		t.Fatalf("generate status = %s, want running", got)
	}
}

func TestForget(t *testing.T) {
	t.Parallel()
	s := newTestService(&fakeRunner{})
	key := Key{SubjectID: "u", Kind: KindGenerate}

	if _, err := s.Dispatch(context.Background(), key, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if s.Forget(key) {
		t.Fatal("non-terminal job must not be forgotten")
	}
	s.OnRunnerUpdate(Update{Key: key, State: StateSucceeded})
	if !s.Forget(key) {
		t.Fatal("terminal job should be forgotten")
	}
	if got := s.StatusOf(key); got != StateIdle {
		t.Fatalf("status = %s, want idle", got)
	}
}

func TestJobEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()

	s := New(Config{}, &fakeRunner{}, logx.Nop(), bus)
	key := Key{SubjectID: "u", Kind: KindGenerate}
	if _, err := s.Dispatch(context.Background(), key, nil); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	s.OnRunnerUpdate(Update{Key: key, State: StateSucceeded})

	want := []string{"job.dispatched", "job.succeeded"}
	for _, typ := range want {
		select {
		case e := <-ch:
			if e.Type != typ {
				t.Fatalf("event = %s, want %s", e.Type, typ)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %s", typ)
		}
	}
}
