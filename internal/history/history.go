// SPDX-License-Identifier: MIT

// Package history persists one row per crawl run so operators can review
// what past runs did. It shares the sqlite database file with the sqlite
// ledger backend.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/persistence/sqlite"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("history: run not found")

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	keywords    TEXT NOT NULL DEFAULT '[]',
	interrupted INTEGER NOT NULL DEFAULT 0,
	counters    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
`

// Counters is the run outcome stored as one JSON column.
type Counters struct {
	KeywordsProcessed        int            `json:"keywords_processed"`
	CandidatesSeen           int64          `json:"candidates_seen"`
	MetadataCommitted        int64          `json:"metadata_committed"`
	DownloadsCommitted       int64          `json:"downloads_committed"`
	DownloadsSkippedDuration int64          `json:"downloads_skipped_by_duration"`
	Downgrades               int64          `json:"downgrades"`
	BytesDownloaded          int64          `json:"bytes_downloaded"`
	ErrorsByKind             map[string]int `json:"errors_by_kind,omitempty"`
}

// Run is one recorded crawl run.
type Run struct {
	RunID       string    `json:"run_id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Keywords    []string  `json:"keywords"`
	Interrupted bool      `json:"interrupted"`
	Counters    Counters  `json:"counters"`
}

// Duration is the wall time the run took.
func (r Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Store reads and writes the runs table.
type Store struct {
	db *sql.DB
}

// Open opens the history database at path, creating the schema when needed.
func Open(path string) (*Store, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(runsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Append records a finished run. Re-appending the same run id overwrites
// the previous row, so a retried commit is harmless.
func (s *Store) Append(ctx context.Context, run Run) error {
	if run.RunID == "" {
		return errors.New("history: run id is empty")
	}
	keywords, err := json.Marshal(run.Keywords)
	if err != nil {
		return fmt.Errorf("history: encode keywords: %w", err)
	}
	counters, err := json.Marshal(run.Counters)
	if err != nil {
		return fmt.Errorf("history: encode counters: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, finished_at, keywords, interrupted, counters)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			started_at  = excluded.started_at,
			finished_at = excluded.finished_at,
			keywords    = excluded.keywords,
			interrupted = excluded.interrupted,
			counters    = excluded.counters`,
		run.RunID, run.StartedAt.Unix(), run.FinishedAt.Unix(),
		string(keywords), boolToInt(run.Interrupted), string(counters))
	if err != nil {
		return fmt.Errorf("history: append run %s: %w", run.RunID, err)
	}
	logger := log.WithComponentFromContext(ctx, "history")
	logger.Debug().
		Str("run_id", run.RunID).
		Msg("run recorded")
	return nil
}

// List returns the most recent runs, newest first. A limit of zero or less
// means 20.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, started_at, finished_at, keywords, interrupted, counters
		FROM runs ORDER BY started_at DESC, run_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: list runs: %w", err)
	}
	return runs, nil
}

// Get returns one run by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, started_at, finished_at, keywords, interrupted, counters
		FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (Run, error) {
	var (
		run         Run
		startedAt   int64
		finishedAt  int64
		keywords    string
		interrupted int
		counters    string
	)
	if err := row.Scan(&run.RunID, &startedAt, &finishedAt, &keywords, &interrupted, &counters); err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	run.FinishedAt = time.Unix(finishedAt, 0).UTC()
	run.Interrupted = interrupted != 0
	if err := json.Unmarshal([]byte(keywords), &run.Keywords); err != nil {
		return Run{}, fmt.Errorf("history: decode keywords for %s: %w", run.RunID, err)
	}
	if err := json.Unmarshal([]byte(counters), &run.Counters); err != nil {
		return Run{}, fmt.Errorf("history: decode counters for %s: %w", run.RunID, err)
	}
	return run, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
