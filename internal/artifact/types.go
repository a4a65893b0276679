// Package artifact tracks the lifecycle of generated daily items: reaction
// (like/dislike), usage, and the refine/regenerate transitions that re-enter
// generation through the job orchestrator.
package artifact

import (
	"time"

	"github.com/google/uuid"
)

// Status is the user's reaction to an artifact. Usage ("opened at least
// once") is tracked separately in UsedAt; the two dimensions are orthogonal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusLiked    Status = "liked"
	StatusDisliked Status = "disliked"
)

// Artifact is one generated item. Content is an opaque payload owned by the
// generation backend; this core only replaces it wholesale on refine.
type Artifact struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Content     string    `json:"content"`
	Status      Status    `json:"status"`
	GeneratedAt time.Time `json:"generated_at"`
	UsedAt      time.Time `json:"used_at,omitzero"`
}

// New returns a fresh pending artifact for the given owner.
func New(ownerID, content string) Artifact {
	return Artifact{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Content:     content,
		Status:      StatusPending,
		GeneratedAt: time.Now(),
	}
}

// Used reports whether the artifact has been opened at least once.
func (a Artifact) Used() bool { return !a.UsedAt.IsZero() }

// Like records a positive reaction. Liking a disliked artifact toggles it.
func (a *Artifact) Like() { a.Status = StatusLiked }

// Dislike records a negative reaction. Disliking a liked artifact toggles it.
func (a *Artifact) Dislike() { a.Status = StatusDisliked }

// MarkUsed stamps first use. Reopening keeps the original timestamp and never
// touches the reaction status.
func (a *Artifact) MarkUsed(now time.Time) {
	if a.UsedAt.IsZero() {
		a.UsedAt = now
	}
}

// CanRegenerate reports whether a full regeneration is permitted. Only
// disliked artifacts may be regenerated; everything else goes through refine.
func (a Artifact) CanRegenerate() bool { return a.Status == StatusDisliked }
