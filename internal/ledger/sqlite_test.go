package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openSQLiteStore(t *testing.T, path string) *SQLite {
	t.Helper()
	st, err := openSQLite(Config{Backend: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteRequiresPath(t *testing.T) {
	if _, err := openSQLite(Config{Backend: "sqlite"}); err == nil {
		t.Fatal("expected an error without a database path")
	}
}

func TestSQLiteSeenLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openSQLiteStore(t, filepath.Join(t.TempDir(), "history.sqlite"))

	seen, err := st.Seen(ctx, "BV1xx0001")
	if err != nil {
		t.Fatalf("Seen: %v", err)
	}
	if seen {
		t.Fatal("fresh store should not know the id")
	}

	if err := st.MarkSeen(ctx, "BV1xx0001", Mark{Keyword: "ocean"}); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	seen, err = st.Seen(ctx, "BV1xx0001")
	if err != nil || !seen {
		t.Fatalf("expected id to be seen: seen=%v err=%v", seen, err)
	}
	if seen, _ := st.Seen(ctx, "BV1yy0002"); seen {
		t.Error("unrelated id should stay unseen")
	}
}

func TestSQLiteMarkSeenUpserts(t *testing.T) {
	ctx := context.Background()
	st := openSQLiteStore(t, filepath.Join(t.TempDir(), "history.sqlite"))

	first := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := st.MarkSeen(ctx, "BV1xx0001", Mark{Keyword: "ocean", SeenAt: first}); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := st.MarkSeen(ctx, "BV1xx0001", Mark{Keyword: "surf", SeenAt: first.Add(time.Hour)}); err != nil {
		t.Fatalf("second MarkSeen should upsert, got %v", err)
	}

	var keyword string
	var seenAt int64
	row := st.db.QueryRowContext(ctx, `SELECT keyword, seen_at FROM seen WHERE item_id = ?`, "BV1xx0001")
	if err := row.Scan(&keyword, &seenAt); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if keyword != "surf" {
		t.Errorf("keyword = %q, want surf", keyword)
	}
	if got := time.Unix(seenAt, 0); !got.Equal(first.Add(time.Hour)) {
		t.Errorf("seen_at = %v, want %v", got, first.Add(time.Hour))
	}
}

func TestSQLiteTTLExpiry(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st := openSQLiteStore(t, filepath.Join(t.TempDir(), "history.sqlite"))
	st.ttl = time.Hour

	if err := st.MarkSeen(ctx, "BV1xx0001", Mark{SeenAt: base}); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}

	st.now = func() time.Time { return base.Add(30 * time.Minute) }
	if seen, _ := st.Seen(ctx, "BV1xx0001"); !seen {
		t.Fatal("mark should still count inside the TTL window")
	}

	st.now = func() time.Time { return base.Add(2 * time.Hour) }
	if seen, _ := st.Seen(ctx, "BV1xx0001"); seen {
		t.Fatal("mark past the TTL should read as unseen")
	}
}

func TestSQLitePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.sqlite")

	st, err := openSQLite(Config{Backend: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("openSQLite: %v", err)
	}
	if err := st.MarkSeen(ctx, "BV1xx0001", Mark{Keyword: "ocean"}); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openSQLiteStore(t, path)
	seen, err := st.Seen(ctx, "BV1xx0001")
	if err != nil || !seen {
		t.Fatalf("mark should survive a reopen: seen=%v err=%v", seen, err)
	}
}
