package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dayspark/internal/orchestrator"
	"dayspark/pkg/logx"
)

// ErrNotDisliked rejects a regenerate request for an artifact that has not
// been disliked; everything else goes through Refine.
var ErrNotDisliked = errors.New("artifact is not disliked")

// Store is the subset of persistence the service needs.
type Store interface {
	GetArtifact(ctx context.Context, id string) (Artifact, error)
	PutArtifact(ctx context.Context, a Artifact) error
}

// Dispatcher hands generation work to the job orchestrator. Deduplication
// (at most one in-flight job per key) lives there, not here; StatusOf is
// only a cheap pre-check so a visibly mid-flight key is rejected before the
// payload is built.
type Dispatcher interface {
	Dispatch(ctx context.Context, key orchestrator.Key, payload json.RawMessage) (orchestrator.Job, error)
	StatusOf(key orchestrator.Key) orchestrator.State
}

// RefinePayload is the dispatch payload for kind "refine".
type RefinePayload struct {
	ArtifactID string `json:"artifact_id"`
	Feedback   string `json:"feedback"`
}

// GeneratePayload is the dispatch payload for kind "generate".
type GeneratePayload struct {
	OwnerID         string `json:"owner_id"`
	ForceRegenerate bool   `json:"force_regenerate"`
}

// Result is the worker output carried in a succeeded update.
type Result struct {
	Content string `json:"content"`
}

// Service applies reaction/usage transitions to stored artifacts and
// delegates refine/regenerate to the orchestrator.
type Service struct {
	store Store
	jobs  Dispatcher
	log   logx.Logger
}

func NewService(store Store, jobs Dispatcher, log logx.Logger) *Service {
	return &Service{store: store, jobs: jobs, log: log}
}

// Like records a positive reaction, toggling away a dislike if present.
func (s *Service) Like(ctx context.Context, id string) (Artifact, error) {
	return s.mutate(ctx, id, func(a *Artifact) { a.Like() })
}

// Dislike records a negative reaction, toggling away a like if present.
func (s *Service) Dislike(ctx context.Context, id string) (Artifact, error) {
	return s.mutate(ctx, id, func(a *Artifact) { a.Dislike() })
}

// Open marks the artifact as used. The reaction status is untouched.
func (s *Service) Open(ctx context.Context, id string) (Artifact, error) {
	return s.mutate(ctx, id, func(a *Artifact) { a.MarkUsed(time.Now()) })
}

// Refine dispatches a refinement job for the artifact with the user's
// feedback. While a refine job for this artifact is in flight, further
// requests are rejected by the orchestrator; on success the content is
// replaced in place (same id, reaction unchanged) via ApplyRefined.
func (s *Service) Refine(ctx context.Context, id, feedback string) (orchestrator.Job, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return orchestrator.Job{}, err
	}

	key := orchestrator.Key{SubjectID: a.ID, Kind: orchestrator.KindRefine}
	if st := s.jobs.StatusOf(key); st != orchestrator.StateIdle && !st.Terminal() {
		return orchestrator.Job{}, fmt.Errorf("%w: %s is %s", orchestrator.ErrAlreadyInFlight, key, st)
	}

	payload, err := json.Marshal(RefinePayload{ArtifactID: a.ID, Feedback: feedback})
	if err != nil {
		return orchestrator.Job{}, err
	}
	return s.jobs.Dispatch(ctx, key, payload)
}

// Regenerate dispatches a full regeneration for the artifact's owner.
// Only disliked artifacts qualify; the result is a brand-new pending
// artifact for the same day, not an in-place edit.
func (s *Service) Regenerate(ctx context.Context, id string) (orchestrator.Job, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return orchestrator.Job{}, err
	}
	if !a.CanRegenerate() {
		return orchestrator.Job{}, fmt.Errorf("%w: artifact %s is %s", ErrNotDisliked, a.ID, a.Status)
	}

	key := orchestrator.Key{SubjectID: a.OwnerID, Kind: orchestrator.KindGenerate}
	if st := s.jobs.StatusOf(key); st != orchestrator.StateIdle && !st.Terminal() {
		return orchestrator.Job{}, fmt.Errorf("%w: %s is %s", orchestrator.ErrAlreadyInFlight, key, st)
	}

	payload, err := json.Marshal(GeneratePayload{OwnerID: a.OwnerID, ForceRegenerate: true})
	if err != nil {
		return orchestrator.Job{}, err
	}
	return s.jobs.Dispatch(ctx, key, payload)
}

// ApplyRefined replaces the artifact's content in place after a refine job
// succeeded. Identity and reaction status are preserved.
func (s *Service) ApplyRefined(ctx context.Context, id, content string) (Artifact, error) {
	return s.mutate(ctx, id, func(a *Artifact) { a.Content = content })
}

// ApplyGenerated stores a fresh pending artifact produced by a generate job.
func (s *Service) ApplyGenerated(ctx context.Context, ownerID, content string) (Artifact, error) {
	a := New(ownerID, content)
	if err := s.store.PutArtifact(ctx, a); err != nil {
		return Artifact{}, err
	}
	s.log.Info("artifact stored", logx.String("artifact", a.ID), logx.String("owner", ownerID))
	return a, nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*Artifact)) (Artifact, error) {
	a, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return Artifact{}, err
	}
	fn(&a)
	if err := s.store.PutArtifact(ctx, a); err != nil {
		return Artifact{}, err
	}
	return a, nil
}
