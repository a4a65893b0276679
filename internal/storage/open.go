package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"dayspark/internal/artifact"
	"dayspark/internal/rule"
	"dayspark/pkg/logx"
)

// Store is the minimal persistence API used by the scheduler, the check-in
// engine, and the artifact service.
type Store interface {
	// Rules.
	ListRules(ctx context.Context, ownerID string) ([]rule.Rule, error)
	ListEnabledRules(ctx context.Context) ([]rule.Rule, error)
	GetRule(ctx context.Context, id string) (rule.Rule, error)
	SaveRule(ctx context.Context, r rule.Rule) error
	DeleteRule(ctx context.Context, id string) error
	SetRuleEnabled(ctx context.Context, id string, enabled bool) error

	// Per-rule fire metadata, kept so interval rules resume correctly
	// across restarts.
	LastFired(ctx context.Context, ruleID string) (at time.Time, ok bool, err error)
	SetLastFired(ctx context.Context, ruleID string, at time.Time) error

	// Artifacts.
	GetArtifact(ctx context.Context, id string) (artifact.Artifact, error)
	LatestArtifact(ctx context.Context, ownerID string) (artifact.Artifact, error)
	PutArtifact(ctx context.Context, a artifact.Artifact) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
