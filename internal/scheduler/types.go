package scheduler

import (
	"context"
	"errors"
	"time"

	"dayspark/internal/rule"
)

// Event types published on the bus.
const (
	EventFired     = "rule.fired"
	EventExhausted = "rule.exhausted"
)

// ErrExhausted marks a one-time rule whose instant has already passed. The
// caller is expected to disable or delete the rule; it is a value, not a
// crash.
var ErrExhausted = errors.New("rule exhausted")

type Config struct {
	Timezone    string        // IANA TZ, e.g. "Asia/Jakarta"; empty means Local
	ResyncEvery time.Duration // catch-up sweep period, default 1m
	FireGrace   time.Duration // how far past due before the sweep force-fires, default 5s
}

// RuleSource is the subset of persistence the scheduler needs: the enabled
// rules on restart and per-rule last-fired metadata for interval resumption.
type RuleSource interface {
	ListEnabledRules(ctx context.Context) ([]rule.Rule, error)
	LastFired(ctx context.Context, ruleID string) (at time.Time, ok bool, err error)
	SetLastFired(ctx context.Context, ruleID string, at time.Time) error
}

// FireEvent is emitted on the bus each time an armed rule reaches its instant.
type FireEvent struct {
	RuleID  string    `json:"rule_id"`
	OwnerID string    `json:"owner_id"`
	Kind    rule.Kind `json:"kind"`
	At      time.Time `json:"at"`
}

// ExhaustedEvent signals that a one-time rule has retired (fired, or found
// already past on arm). Observers disable the rule in response.
type ExhaustedEvent struct {
	RuleID  string `json:"rule_id"`
	OwnerID string `json:"owner_id"`
}

// ArmedRule is a diagnostics view of one live timer.
type ArmedRule struct {
	RuleID   string
	OwnerID  string
	Kind     rule.Kind
	NextFire time.Time
}
