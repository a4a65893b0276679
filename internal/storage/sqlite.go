package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dayspark/internal/artifact"
	"dayspark/internal/rule"
	"dayspark/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Info("sqlite storage ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Rules ----

func (s *sqliteStore) ListRules(ctx context.Context, ownerID string) ([]rule.Rule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, spec, enabled, created_at FROM rules WHERE owner_id = ? ORDER BY created_at`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *sqliteStore) ListEnabledRules(ctx context.Context) ([]rule.Rule, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, spec, enabled, created_at FROM rules WHERE enabled = 1 ORDER BY created_at`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRules(rows)
}

func (s *sqliteStore) GetRule(ctx context.Context, id string) (rule.Rule, error) {
	if s == nil || s.db == nil {
		return rule.Rule{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, spec, enabled, created_at FROM rules WHERE id = ?`, id,
	)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rule.Rule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return r, err
}

// SaveRule inserts or replaces a rule. The spec must already be validated;
// malformed specs are rejected here as a second line of defense.
func (s *sqliteStore) SaveRule(ctx context.Context, r rule.Rule) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if err := r.Spec.Validate(); err != nil {
		return err
	}
	spec, err := json.Marshal(r.Spec)
	if err != nil {
		return err
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO rules(id, owner_id, spec, enabled, created_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, spec=excluded.spec, enabled=excluded.enabled`,
		r.ID, r.OwnerID, string(spec), boolInt(r.Enabled), r.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) DeleteRule(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	return err
}

func (s *sqliteStore) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `UPDATE rules SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) LastFired(ctx context.Context, ruleID string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT last_fired FROM rules WHERE id = ?`, ruleID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) SetLastFired(ctx context.Context, ruleID string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `UPDATE rules SET last_fired = ? WHERE id = ?`, at.UnixMilli(), ruleID)
	return err
}

// ---- Artifacts ----

func (s *sqliteStore) GetArtifact(ctx context.Context, id string) (artifact.Artifact, error) {
	if s == nil || s.db == nil {
		return artifact.Artifact{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, content, status, generated_at, used_at FROM artifacts WHERE id = ?`, id,
	)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return artifact.Artifact{}, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) LatestArtifact(ctx context.Context, ownerID string) (artifact.Artifact, error) {
	if s == nil || s.db == nil {
		return artifact.Artifact{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, content, status, generated_at, used_at FROM artifacts
		 WHERE owner_id = ? ORDER BY generated_at DESC LIMIT 1`, ownerID,
	)
	a, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return artifact.Artifact{}, fmt.Errorf("latest artifact for %s: %w", ownerID, ErrNotFound)
	}
	return a, err
}

func (s *sqliteStore) PutArtifact(ctx context.Context, a artifact.Artifact) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if a.GeneratedAt.IsZero() {
		a.GeneratedAt = time.Now()
	}
	var usedAt any
	if !a.UsedAt.IsZero() {
		usedAt = a.UsedAt.Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts(id, owner_id, content, status, generated_at, used_at) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET content=excluded.content, status=excluded.status, used_at=excluded.used_at`,
		a.ID, a.OwnerID, a.Content, string(a.Status), a.GeneratedAt.Format(time.RFC3339Nano), usedAt,
	)
	return err
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (rule.Rule, error) {
	var (
		r       rule.Rule
		spec    string
		enabled int
		created string
	)
	if err := row.Scan(&r.ID, &r.OwnerID, &spec, &enabled, &created); err != nil {
		return rule.Rule{}, err
	}
	if err := json.Unmarshal([]byte(spec), &r.Spec); err != nil {
		return rule.Rule{}, fmt.Errorf("decode spec for rule %s: %w", r.ID, err)
	}
	r.Enabled = enabled != 0
	if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
		r.CreatedAt = t
	}
	return r, nil
}

func scanRules(rows *sql.Rows) ([]rule.Rule, error) {
	var out []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanArtifact(row rowScanner) (artifact.Artifact, error) {
	var (
		a         artifact.Artifact
		status    string
		generated string
		usedAt    sql.NullString
	)
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Content, &status, &generated, &usedAt); err != nil {
		return artifact.Artifact{}, err
	}
	a.Status = artifact.Status(status)
	if t, err := time.Parse(time.RFC3339Nano, generated); err == nil {
		a.GeneratedAt = t
	}
	if usedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, usedAt.String); err == nil {
			a.UsedAt = t
		}
	}
	return a, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
