package orchestrator

import (
	"context"
	"encoding/json"
	"time"
)

// Kind names the class of asynchronous work tracked per subject.
type Kind string

const (
	KindGenerate Kind = "generate"
	KindRefine   Kind = "refine"
)

// Key is the deduplication identity: at most one non-terminal job may exist
// per key at any time.
type Key struct {
	SubjectID string `json:"subject_id"`
	Kind      Kind   `json:"kind"`
}

func (k Key) String() string { return k.SubjectID + "/" + string(k.Kind) }

// State is the lifecycle position of a tracked job.
type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateRunning     State = "running"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Terminal reports whether no further transitions are possible without a new
// dispatch.
func (s State) Terminal() bool { return s == StateSucceeded || s == StateFailed }

// FailReason classifies terminal failures for callers that branch on them.
type FailReason string

const (
	ReasonDispatchError FailReason = "dispatch_error"
	ReasonTimeout       FailReason = "timeout"
	ReasonRemote        FailReason = "remote"
)

// Job is the tracked record for one key. Values returned by the service are
// copies; mutating them has no effect on tracked state.
type Job struct {
	Key        Key        `json:"key"`
	DispatchID string     `json:"dispatch_id"`
	State      State      `json:"state"`
	Reason     FailReason `json:"reason,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt time.Time  `json:"resolved_at,omitzero"`
}

// Dispatch is the unit handed to the external runner.
type Dispatch struct {
	ID         string          `json:"id"`
	Key        Key             `json:"key"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Runner is the external job-dispatch boundary. It is best-effort and
// untrusted: an Enqueue error is a terminal failure for the job, never
// silently retried by this core.
type Runner interface {
	Enqueue(ctx context.Context, d Dispatch) error
}

// Update is one inbound status change from the runner's feed. Result carries
// the worker's output on success (e.g. generated content); the orchestrator
// itself only tracks state and leaves Result to interested observers.
type Update struct {
	Key    Key             `json:"key"`
	State  State           `json:"state"`
	Detail string          `json:"detail,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobEvent is emitted on the event bus for job lifecycle changes.
type JobEvent struct {
	Key    Key        `json:"key"`
	State  State      `json:"state"`
	Reason FailReason `json:"reason,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// Config controls the orchestrator.
//
// MaxAge bounds how long a job may sit without a runner update before the
// stale sweep fails it; per-kind entries override the default so "generate"
// and "refine" can have different staleness thresholds.
type Config struct {
	DefaultMaxAge time.Duration
	MaxAge        map[Kind]time.Duration
	SweepEvery    time.Duration
}

func (c Config) maxAgeFor(k Kind) time.Duration {
	if d, ok := c.MaxAge[k]; ok && d > 0 {
		return d
	}
	if c.DefaultMaxAge > 0 {
		return c.DefaultMaxAge
	}
	return 10 * time.Minute
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Jobs           []Job
	DroppedUpdates uint64
}
