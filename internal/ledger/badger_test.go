package ledger

import (
	"context"
	"testing"
)

func openBadgerStore(t *testing.T, dir string) *Badger {
	t.Helper()
	st, err := openBadger(Config{Backend: "badger", Dir: dir})
	if err != nil {
		t.Fatalf("openBadger: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestBadgerRequiresDir(t *testing.T) {
	if _, err := openBadger(Config{Backend: "badger"}); err == nil {
		t.Fatal("expected an error without a directory")
	}
}

func TestBadgerSeenLifecycle(t *testing.T) {
	ctx := context.Background()
	st := openBadgerStore(t, t.TempDir())

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

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := openBadger(Config{Backend: "badger", Dir: dir})
	if err != nil {
		t.Fatalf("openBadger: %v", err)
	}
	if err := st.MarkSeen(ctx, "BV1xx0001", Mark{Keyword: "ocean"}); err != nil {
		t.Fatalf("MarkSeen: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openBadgerStore(t, dir)
	seen, err := st.Seen(ctx, "BV1xx0001")
	if err != nil || !seen {
		t.Fatalf("mark should survive a reopen: seen=%v err=%v", seen, err)
	}
}
