package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"dayspark/internal/orchestrator"
	"dayspark/pkg/logx"
)

type memStore struct {
	items map[string]Artifact
}

func newMemStore(items ...Artifact) *memStore {
	m := &memStore{items: map[string]Artifact{}}
	for _, a := range items {
		m.items[a.ID] = a
	}
	return m
}

func (m *memStore) GetArtifact(ctx context.Context, id string) (Artifact, error) {
	a, ok := m.items[id]
	if !ok {
		return Artifact{}, fmt.Errorf("artifact %s: not found", id)
	}
	return a, nil
}

func (m *memStore) PutArtifact(ctx context.Context, a Artifact) error {
	m.items[a.ID] = a
	return nil
}

type fakeDispatcher struct {
	calls   []orchestrator.Key
	payload json.RawMessage
	err     error
	status  orchestrator.State
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, key orchestrator.Key, payload json.RawMessage) (orchestrator.Job, error) {
	f.calls = append(f.calls, key)
	f.payload = payload
	if f.err != nil {
		return orchestrator.Job{}, f.err
	}
	return orchestrator.Job{Key: key, State: orchestrator.StateDispatching}, nil
}

func (f *fakeDispatcher) StatusOf(key orchestrator.Key) orchestrator.State {
	if f.status == "" {
		return orchestrator.StateIdle
	}
	return f.status
}

func TestReactionToggles(t *testing.T) {
	t.Parallel()
	a := New("u1", "prompt")
	store := newMemStore(a)
	svc := NewService(store, &fakeDispatcher{}, logx.Nop())
	ctx := context.Background()

	got, err := svc.Like(ctx, a.ID)
	if err != nil || got.Status != StatusLiked {
		t.Fatalf("Like: %+v, %v", got, err)
	}
	got, err = svc.Dislike(ctx, a.ID)
	if err != nil || got.Status != StatusDisliked {
		t.Fatalf("Dislike toggle: %+v, %v", got, err)
	}
	got, err = svc.Like(ctx, a.ID)
	if err != nil || got.Status != StatusLiked {
		t.Fatalf("Like toggle back: %+v, %v", got, err)
	}
}

func TestOpenMarksUsedOnceAndKeepsReaction(t *testing.T) {
	t.Parallel()
	a := New("u1", "prompt")
	a.Status = StatusLiked
	store := newMemStore(a)
	svc := NewService(store, &fakeDispatcher{}, logx.Nop())
	ctx := context.Background()

	got, err := svc.Open(ctx, a.ID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !got.Used() || got.Status != StatusLiked {
		t.Fatalf("after open: %+v", got)
	}

	first := got.UsedAt
	time.Sleep(5 * time.Millisecond)
	got, _ = svc.Open(ctx, a.ID)
	if !got.UsedAt.Equal(first) {
		t.Fatal("reopening must keep the original used timestamp")
	}
}

func TestRefineDispatchesPerArtifactKey(t *testing.T) {
	t.Parallel()
	a := New("u1", "prompt")
	d := &fakeDispatcher{}
	svc := NewService(newMemStore(a), d, logx.Nop())

	job, err := svc.Refine(context.Background(), a.ID, "make it shorter")
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if job.State != orchestrator.StateDispatching {
		t.Fatalf("job state = %s", job.State)
	}

	want := orchestrator.Key{SubjectID: a.ID, Kind: orchestrator.KindRefine}
	if len(d.calls) != 1 || d.calls[0] != want {
		t.Fatalf("dispatched keys = %v, want %v", d.calls, want)
	}
	var p RefinePayload
	if err := json.Unmarshal(d.payload, &p); err != nil || p.Feedback != "make it shorter" {
		t.Fatalf("payload = %s (%v)", d.payload, err)
	}
}

func TestRefineRejectedWhileInFlight(t *testing.T) {
	t.Parallel()
	a := New("u1", "prompt")
	d := &fakeDispatcher{err: orchestrator.ErrAlreadyInFlight}
	svc := NewService(newMemStore(a), d, logx.Nop())

	if _, err := svc.Refine(context.Background(), a.ID, "again"); !errors.Is(err, orchestrator.ErrAlreadyInFlight) {
		t.Fatalf("err = %v, want ErrAlreadyInFlight", err)
	}
}

func TestRefineSkipsDispatchWhenVisiblyRunning(t *testing.T) {
	t.Parallel()
	a := New("u1", "prompt")
	d := &fakeDispatcher{status: orchestrator.StateRunning}
	svc := NewService(newMemStore(a), d, logx.Nop())

	if _, err := svc.Refine(context.Background(), a.ID, "again"); !errors.Is(err, orchestrator.ErrAlreadyInFlight) {
		t.Fatalf("err = %v, want ErrAlreadyInFlight", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("status pre-check must reject before dispatch, got %v", d.calls)
	}
}

func TestRegenerateSkipsDispatchWhenVisiblyRunning(t *testing.T) {
	t.Parallel()
	a := New("u1", "prompt")
	a.Status = StatusDisliked
	d := &fakeDispatcher{status: orchestrator.StateDispatching}
	svc := NewService(newMemStore(a), d, logx.Nop())

	if _, err := svc.Regenerate(context.Background(), a.ID); !errors.Is(err, orchestrator.ErrAlreadyInFlight) {
		t.Fatalf("err = %v, want ErrAlreadyInFlight", err)
	}
	if len(d.calls) != 0 {
		t.Fatalf("status pre-check must reject before dispatch, got %v", d.calls)
	}
}

func TestRegenerateRequiresDislike(t *testing.T) {
	t.Parallel()
	a := New("u1", "prompt")
	d := &fakeDispatcher{}
	store := newMemStore(a)
	svc := NewService(store, d, logx.Nop())
	ctx := context.Background()

	if _, err := svc.Regenerate(ctx, a.ID); !errors.Is(err, ErrNotDisliked) {
		t.Fatalf("pending artifact: err = %v, want ErrNotDisliked", err)
	}
	if len(d.calls) != 0 {
		t.Fatal("no dispatch should happen for a non-disliked artifact")
	}

	if _, err := svc.Dislike(ctx, a.ID); err != nil {
		t.Fatalf("Dislike: %v", err)
	}
	if _, err := svc.Regenerate(ctx, a.ID); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}

	want := orchestrator.Key{SubjectID: "u1", Kind: orchestrator.KindGenerate}
	if len(d.calls) != 1 || d.calls[0] != want {
		t.Fatalf("dispatched keys = %v, want %v", d.calls, want)
	}
	var p GeneratePayload
	if err := json.Unmarshal(d.payload, &p); err != nil || !p.ForceRegenerate {
		t.Fatalf("payload = %s (%v)", d.payload, err)
	}
}

func TestApplyRefinedReplacesContentInPlace(t *testing.T) {
	t.Parallel()
	a := New("u1", "first draft")
	a.Status = StatusDisliked
	store := newMemStore(a)
	svc := NewService(store, &fakeDispatcher{}, logx.Nop())

	got, err := svc.ApplyRefined(context.Background(), a.ID, "second draft")
	if err != nil {
		t.Fatalf("ApplyRefined: %v", err)
	}
	if got.ID != a.ID || got.Content != "second draft" || got.Status != StatusDisliked {
		t.Fatalf("refined artifact = %+v", got)
	}
}

func TestApplyGeneratedResetsToPending(t *testing.T) {
	t.Parallel()
	store := newMemStore()
	svc := NewService(store, &fakeDispatcher{}, logx.Nop())

	got, err := svc.ApplyGenerated(context.Background(), "u1", "fresh prompt")
	if err != nil {
		t.Fatalf("ApplyGenerated: %v", err)
	}
	if got.Status != StatusPending || got.OwnerID != "u1" || got.ID == "" {
		t.Fatalf("generated artifact = %+v", got)
	}
	if _, ok := store.items[got.ID]; !ok {
		t.Fatal("generated artifact not stored")
	}
}
