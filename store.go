package localbuild

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// HistoryStore persists finished builds to a local SQLite database so
// past runs can be listed and inspected.
type HistoryStore struct {
	db *sql.DB
}

// BuildRecord is one row of build history.
type BuildRecord struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	ConfigPath string    `json:"config_path"`
	CreatedAt  time.Time `json:"created_at"`
	DurationMS int64     `json:"duration_ms"`
	LogPath    string    `json:"log_path"`
	StepCount  int       `json:"step_count"`
	FailedStep string    `json:"failed_step,omitempty"`
}

const historySchema = `
CREATE TABLE IF NOT EXISTS builds (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	config_path TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	log_path    TEXT NOT NULL,
	step_count  INTEGER NOT NULL,
	failed_step TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_builds_created_at ON builds(created_at);
`

// OpenHistory opens (creating if needed) the history database at path.
func OpenHistory(path string) (*HistoryStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// RecordBuild inserts a finished build.
func (h *HistoryStore) RecordBuild(ctx context.Context, b *Build) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO builds (id, status, config_path, created_at, duration_ms, log_path, step_count, failed_step)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID,
		string(b.Status),
		b.ConfigPath,
		b.CreateTime.Unix(),
		b.FinishTime.Sub(b.StartTime).Milliseconds(),
		b.LogPath,
		len(b.Steps),
		b.FailedStep,
	)
	if err != nil {
		return fmt.Errorf("record build %s: %w", b.ID, err)
	}
	return nil
}

// ListBuilds returns the most recent builds, newest first.
func (h *HistoryStore) ListBuilds(ctx context.Context, limit int) ([]BuildRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx,
		`SELECT id, status, config_path, created_at, duration_ms, log_path, step_count, failed_step
		 FROM builds ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list builds: %w", err)
	}
	defer rows.Close()

	var records []BuildRecord
	for rows.Next() {
		rec, err := scanBuildRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// GetBuild returns a single build by ID.
func (h *HistoryStore) GetBuild(ctx context.Context, id string) (*BuildRecord, error) {
	row := h.db.QueryRowContext(ctx,
		`SELECT id, status, config_path, created_at, duration_ms, log_path, step_count, failed_step
		 FROM builds WHERE id = ?`, id)
	rec, err := scanBuildRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (h *HistoryStore) Close() error {
	return h.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBuildRecord(row rowScanner) (BuildRecord, error) {
	var rec BuildRecord
	var status string
	var created int64
	err := row.Scan(&rec.ID, &status, &rec.ConfigPath, &created, &rec.DurationMS, &rec.LogPath, &rec.StepCount, &rec.FailedStep)
	if err != nil {
		return rec, err
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.Unix(created, 0)
	return rec, nil
}
