// SPDX-License-Identifier: MIT

// Package audit persists scene changes and rule executions to a local
// SQLite database so production incidents can be reconstructed after the
// fact.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // pure Go driver, no CGO

	"github.com/roclive/roc/internal/log"
)

// SceneChange is one recorded scene transition.
type SceneChange struct {
	ID        int64     `json:"id"`
	Scene     string    `json:"scene"`
	Previous  string    `json:"previous"`
	Rule      string    `json:"rule,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RuleExecution is one recorded rule firing.
type RuleExecution struct {
	ID        int64         `json:"id"`
	Rule      string        `json:"rule"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// Store is the audit database handle.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the audit database and applies the schema.
// WAL mode and a busy timeout keep the recorder from blocking on the
// status readers.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping database: %w", err)
	}

	s := &Store{db: db, logger: log.WithComponent("audit")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scene_changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		scene TEXT NOT NULL,
		previous TEXT NOT NULL DEFAULT '',
		rule TEXT NOT NULL DEFAULT '',
		ts TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rule_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule TEXT NOT NULL,
		success INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		elapsed_ms INTEGER NOT NULL,
		ts TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scene_changes_ts ON scene_changes(ts);
	CREATE INDEX IF NOT EXISTS idx_rule_executions_ts ON rule_executions(ts);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordSceneChange inserts one scene transition.
func (s *Store) RecordSceneChange(ctx context.Context, scene, previous, rule string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scene_changes (scene, previous, rule, ts) VALUES (?, ?, ?, ?)`,
		scene, previous, rule, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("audit: record scene change: %w", err)
	}
	return nil
}

// RecordRuleExecution inserts one rule firing result.
func (s *Store) RecordRuleExecution(ctx context.Context, rule string, execErr error, elapsed time.Duration, at time.Time) error {
	success := 1
	errText := ""
	if execErr != nil {
		success = 0
		errText = execErr.Error()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_executions (rule, success, error, elapsed_ms, ts) VALUES (?, ?, ?, ?, ?)`,
		rule, success, errText, elapsed.Milliseconds(), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("audit: record rule execution: %w", err)
	}
	return nil
}

// RecentSceneChanges returns the newest scene changes, newest first.
func (s *Store) RecentSceneChanges(ctx context.Context, limit int) ([]SceneChange, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, scene, previous, rule, ts FROM scene_changes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: query scene changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SceneChange
	for rows.Next() {
		var sc SceneChange
		var ts string
		if err := rows.Scan(&sc.ID, &sc.Scene, &sc.Previous, &sc.Rule, &ts); err != nil {
			return nil, fmt.Errorf("audit: scan scene change: %w", err)
		}
		sc.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Prune deletes audit rows older than the retention window.
func (s *Store) Prune(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `DELETE FROM scene_changes WHERE ts < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("audit: prune scene changes: %w", err)
	}
	scenes, _ := res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM rule_executions WHERE ts < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("audit: prune rule executions: %w", err)
	}
	executions, _ := res.RowsAffected()

	if scenes > 0 || executions > 0 {
		s.logger.Info().
			Str("event", "audit.pruned").
			Int64("scene_changes", scenes).
			Int64("rule_executions", executions).
			Msg("audit retention applied")
	}
	return nil
}
