package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cam3ron2/scm-dev-kpi/internal/activity"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
)

const recordSchema = `
CREATE TABLE IF NOT EXISTS change_records (
	source        TEXT NOT NULL,
	project       TEXT NOT NULL,
	repo          TEXT NOT NULL,
	branch        TEXT NOT NULL,
	commit_id     TEXT NOT NULL,
	developer     TEXT NOT NULL,
	email         TEXT NOT NULL DEFAULT '',
	committed_at  TIMESTAMP NOT NULL,
	lines_added   INTEGER NOT NULL DEFAULT 0,
	lines_removed INTEGER NOT NULL DEFAULT 0,
	files_changed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source, project, repo, branch, commit_id)
);

CREATE INDEX IF NOT EXISTS idx_change_records_committed_at ON change_records (committed_at);

CREATE TABLE IF NOT EXISTS sync_runs (
	run_id         TEXT PRIMARY KEY,
	started_at     TIMESTAMP NOT NULL,
	finished_at    TIMESTAMP NOT NULL,
	records        INTEGER NOT NULL DEFAULT 0,
	sources_failed INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL
);
`

const upsertRecordQuery = `
INSERT INTO change_records (
	source, project, repo, branch, commit_id, developer, email,
	committed_at, lines_added, lines_removed, files_changed
) VALUES (
	:source, :project, :repo, :branch, :commit_id, :developer, :email,
	:committed_at, :lines_added, :lines_removed, :files_changed
)
ON CONFLICT (source, project, repo, branch, commit_id) DO UPDATE SET
	developer = excluded.developer,
	email = excluded.email,
	committed_at = excluded.committed_at,
	lines_added = excluded.lines_added,
	lines_removed = excluded.lines_removed,
	files_changed = excluded.files_changed
`

// SyncRun is the persisted summary of one collection cycle.
type SyncRun struct {
	RunID         string    `json:"run_id" db:"run_id"`
	StartedAt     time.Time `json:"started_at" db:"started_at"`
	FinishedAt    time.Time `json:"finished_at" db:"finished_at"`
	Records       int       `json:"records" db:"records"`
	SourcesFailed int       `json:"sources_failed" db:"sources_failed"`
	Status        string    `json:"status" db:"status"`
}

// SQLiteRecordStore persists change records so reports can be rebuilt offline.
type SQLiteRecordStore struct {
	db *sqlx.DB
}

// OpenSQLiteRecordStore opens or creates the record database at path.
func OpenSQLiteRecordStore(path string) (*SQLiteRecordStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if trimmed != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sqlx.Connect("sqlite3", trimmed)
	if err != nil {
		return nil, fmt.Errorf("connect to sqlite: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(recordSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init record schema: %w", err)
	}
	return &SQLiteRecordStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteRecordStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRecords upserts records in one transaction.
func (s *SQLiteRecordStore) SaveRecords(ctx context.Context, records []activity.ChangeRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("record store is not initialized")
	}
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareNamedContext(ctx, upsertRecordQuery)
	if err != nil {
		return fmt.Errorf("prepare record upsert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		record.Timestamp = record.Timestamp.UTC()
		if _, err := stmt.ExecContext(ctx, record); err != nil {
			return fmt.Errorf("upsert record %s/%s@%s: %w", record.Project, record.Repo, record.Commit, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}

// ListRecords returns records inside window in chronological order.
func (s *SQLiteRecordStore) ListRecords(ctx context.Context, window activity.Window) ([]activity.ChangeRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("record store is not initialized")
	}

	query := `SELECT source, project, repo, branch, commit_id, developer, email, committed_at,
		lines_added, lines_removed, files_changed FROM change_records`
	var (
		conditions []string
		args       []any
	)
	if !window.Since.IsZero() {
		conditions = append(conditions, "committed_at >= ?")
		args = append(args, window.Since.UTC())
	}
	if !window.Until.IsZero() {
		conditions = append(conditions, "committed_at <= ?")
		args = append(args, window.Until.UTC())
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY committed_at, source, project, repo, branch, commit_id"

	var records []activity.ChangeRecord
	if err := s.db.SelectContext(ctx, &records, query, args...); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	for idx := range records {
		records[idx].Timestamp = records[idx].Timestamp.UTC()
	}
	return records, nil
}

// RecordRun stores the summary of one collection cycle.
func (s *SQLiteRecordStore) RecordRun(ctx context.Context, run SyncRun) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("record store is not initialized")
	}
	if strings.TrimSpace(run.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()

	query := `INSERT OR REPLACE INTO sync_runs (run_id, started_at, finished_at, records, sources_failed, status)
		VALUES (:run_id, :started_at, :finished_at, :records, :sources_failed, :status)`
	if _, err := s.db.NamedExecContext(ctx, query, run); err != nil {
		return fmt.Errorf("record sync run: %w", err)
	}
	return nil
}

// LatestRun returns the most recently finished collection cycle.
func (s *SQLiteRecordStore) LatestRun(ctx context.Context) (SyncRun, bool, error) {
	if s == nil || s.db == nil {
		return SyncRun{}, false, fmt.Errorf("record store is not initialized")
	}

	var run SyncRun
	err := s.db.GetContext(ctx, &run, `SELECT run_id, started_at, finished_at, records, sources_failed, status
		FROM sync_runs ORDER BY finished_at DESC LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncRun{}, false, nil
	}
	if err != nil {
		return SyncRun{}, false, fmt.Errorf("read latest sync run: %w", err)
	}
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()
	return run, true, nil
}
