package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/overhuman/abengine/internal/experiment"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed repository.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		status     TEXT NOT NULL,
		body       BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS assignments (
		experiment_id TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		variant_id    TEXT NOT NULL,
		assigned_at   TEXT NOT NULL,
		PRIMARY KEY (experiment_id, user_id)
	);
	CREATE TABLE IF NOT EXISTS events (
		seq           INTEGER PRIMARY KEY AUTOINCREMENT,
		id            TEXT NOT NULL,
		experiment_id TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		variant_id    TEXT NOT NULL,
		event_type    TEXT NOT NULL,
		data          BLOB,
		ts            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_experiment ON events(experiment_id, seq);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// SaveExperiment upserts an experiment as a JSON document.
func (s *SQLiteStore) SaveExperiment(ctx context.Context, exp *experiment.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("encode experiment %q: %w", exp.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO experiments (id, name, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			body = excluded.body,
			updated_at = excluded.updated_at`,
		exp.ID, exp.Name, string(exp.Status), body,
		exp.CreatedAt.UnixNano(), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save experiment %q: %w", exp.ID, err)
	}
	return nil
}

// GetExperiment returns an experiment by id.
func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body []byte
	err := s.db.QueryRowContext(ctx, "SELECT body FROM experiments WHERE id = ?", id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment %q: %w", id, err)
	}

	var exp experiment.Experiment
	if err := json.Unmarshal(body, &exp); err != nil {
		return nil, fmt.Errorf("decode experiment %q: %w", id, err)
	}
	return &exp, nil
}

// ListExperiments returns all experiments ordered by creation time.
func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, body FROM experiments ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var exp experiment.Experiment
		if err := json.Unmarshal(body, &exp); err != nil {
			return nil, fmt.Errorf("decode experiment %q: %w", id, err)
		}
		out = append(out, &exp)
	}
	return out, rows.Err()
}

// GetAssignment returns the stored variant for a user.
func (s *SQLiteStore) GetAssignment(ctx context.Context, experimentID, userID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var variantID string
	err := s.db.QueryRowContext(ctx,
		"SELECT variant_id FROM assignments WHERE experiment_id = ? AND user_id = ?",
		experimentID, userID,
	).Scan(&variantID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get assignment %s/%s: %w", experimentID, userID, err)
	}
	return variantID, true, nil
}

// SaveAssignment inserts an assignment; an existing one is kept.
func (s *SQLiteStore) SaveAssignment(ctx context.Context, a experiment.Assignment) (experiment.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (experiment_id, user_id, variant_id, assigned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(experiment_id, user_id) DO NOTHING`,
		a.ExperimentID, a.UserID, a.VariantID, a.AssignedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return a, fmt.Errorf("save assignment %s/%s: %w", a.ExperimentID, a.UserID, err)
	}

	var stored experiment.Assignment
	var assignedAt string
	err = s.db.QueryRowContext(ctx, `
		SELECT experiment_id, user_id, variant_id, assigned_at
		FROM assignments WHERE experiment_id = ? AND user_id = ?`,
		a.ExperimentID, a.UserID,
	).Scan(&stored.ExperimentID, &stored.UserID, &stored.VariantID, &assignedAt)
	if err != nil {
		return a, fmt.Errorf("read back assignment %s/%s: %w", a.ExperimentID, a.UserID, err)
	}
	stored.AssignedAt, _ = time.Parse(time.RFC3339Nano, assignedAt)
	return stored, nil
}

// AppendEvent appends an event.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev experiment.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var data []byte
	if len(ev.Data) > 0 {
		data = ev.Data
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, experiment_id, user_id, variant_id, event_type, data, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ExperimentID, ev.UserID, ev.VariantID, ev.Type, data, ev.Timestamp.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("append event to %q: %w", ev.ExperimentID, err)
	}
	return nil
}

// Events returns matching events in insertion order.
func (s *SQLiteStore) Events(ctx context.Context, experimentID string, filter EventFilter) ([]experiment.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, experiment_id, user_id, variant_id, event_type, data, ts
		FROM events WHERE experiment_id = ?`
	args := []any{experimentID}
	if filter.VariantID != "" {
		query += " AND variant_id = ?"
		args = append(args, filter.VariantID)
	}
	if filter.Type != "" {
		query += " AND event_type = ?"
		args = append(args, filter.Type)
	}
	query += " ORDER BY seq"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan events of %q: %w", experimentID, err)
	}
	defer rows.Close()

	var out []experiment.Event
	for rows.Next() {
		var ev experiment.Event
		var data []byte
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.ExperimentID, &ev.UserID, &ev.VariantID, &ev.Type, &data, &ts); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			ev.Data = json.RawMessage(data)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// PruneEvents applies the age and count windows to an event log.
func (s *SQLiteStore) PruneEvents(ctx context.Context, experimentID string, olderThan time.Time, keepLast int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	if !olderThan.IsZero() {
		res, err := s.db.ExecContext(ctx,
			"DELETE FROM events WHERE experiment_id = ? AND ts < ?",
			experimentID, olderThan.UnixNano(),
		)
		if err != nil {
			return removed, fmt.Errorf("prune events of %q by age: %w", experimentID, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	if keepLast > 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM events WHERE experiment_id = ? AND seq NOT IN (
				SELECT seq FROM events WHERE experiment_id = ? ORDER BY seq DESC LIMIT ?
			)`,
			experimentID, experimentID, keepLast,
		)
		if err != nil {
			return removed, fmt.Errorf("prune events of %q by count: %w", experimentID, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
