package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ManuGH/vidharvest/internal/persistence/sqlite"
)

const seenSchema = `
CREATE TABLE IF NOT EXISTS seen (
	item_id TEXT PRIMARY KEY,
	keyword TEXT NOT NULL DEFAULT '',
	seen_at INTEGER NOT NULL
);`

// SQLite keeps marks in the same database file as the run history, so one
// data file carries both.
type SQLite struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

func openSQLite(cfg Config) (*SQLite, error) {
	if cfg.SQLitePath == "" {
		return nil, errors.New("ledger: sqlite backend needs a path")
	}
	db, err := sqlite.Open(cfg.SQLitePath, sqlite.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	if _, err := db.Exec(seenSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create schema: %w", err)
	}
	return &SQLite{db: db, ttl: cfg.TTL, now: time.Now}, nil
}

func (s *SQLite) Seen(ctx context.Context, id string) (bool, error) {
	var seenAt int64
	err := s.db.QueryRowContext(ctx, `SELECT seen_at FROM seen WHERE item_id = ?`, id).Scan(&seenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if s.ttl > 0 && s.now().Sub(time.Unix(seenAt, 0)) > s.ttl {
		return false, nil
	}
	return true, nil
}

func (s *SQLite) MarkSeen(ctx context.Context, id string, mark Mark) error {
	at := mark.SeenAt
	if at.IsZero() {
		at = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen (item_id, keyword, seen_at) VALUES (?, ?, ?)
		 ON CONFLICT(item_id) DO UPDATE SET keyword = excluded.keyword, seen_at = excluded.seen_at`,
		id, mark.Keyword, at.Unix())
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
