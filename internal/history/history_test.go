// SPDX-License-Identifier: MIT

package history

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func openHistory(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "history.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func sampleRun(id string, started time.Time) Run {
	return Run{
		RunID:      id,
		StartedAt:  started,
		FinishedAt: started.Add(10 * time.Minute),
		Keywords:   []string{"ocean", "surf"},
		Counters: Counters{
			KeywordsProcessed:        2,
			CandidatesSeen:           120,
			MetadataCommitted:        37,
			DownloadsCommitted:       35,
			DownloadsSkippedDuration: 2,
			BytesDownloaded:          1 << 20,
			ErrorsByKind:             map[string]int{"rate_limited": 3},
		},
	}
}

func TestAppendAndGet(t *testing.T) {
	ctx := context.Background()
	st := openHistory(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	want := sampleRun("run-0001", started)
	want.Interrupted = true
	if err := st.Append(ctx, want); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := st.Get(ctx, "run-0001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RunID != want.RunID || !got.Interrupted {
		t.Fatalf("got %+v", got)
	}
	if !got.StartedAt.Equal(want.StartedAt) || !got.FinishedAt.Equal(want.FinishedAt) {
		t.Fatalf("timestamps = %v/%v, want %v/%v",
			got.StartedAt, got.FinishedAt, want.StartedAt, want.FinishedAt)
	}
	if len(got.Keywords) != 2 || got.Keywords[0] != "ocean" || got.Keywords[1] != "surf" {
		t.Fatalf("keywords = %v", got.Keywords)
	}
	if !reflect.DeepEqual(got.Counters, want.Counters) {
		t.Fatalf("counters = %+v, want %+v", got.Counters, want.Counters)
	}
	if got.Duration() != 10*time.Minute {
		t.Fatalf("duration = %v", got.Duration())
	}
}

func TestGetUnknownRun(t *testing.T) {
	st := openHistory(t)
	_, err := st.Get(context.Background(), "run-missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendRejectsEmptyRunID(t *testing.T) {
	st := openHistory(t)
	if err := st.Append(context.Background(), Run{}); err == nil {
		t.Fatal("expected an error for an empty run id")
	}
}

func TestAppendOverwritesSameRunID(t *testing.T) {
	ctx := context.Background()
	st := openHistory(t)
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := sampleRun("run-0001", started)
	if err := st.Append(ctx, run); err != nil {
		t.Fatalf("Append: %v", err)
	}
	run.Counters.DownloadsCommitted = 40
	if err := st.Append(ctx, run); err != nil {
		t.Fatalf("second Append should overwrite, got %v", err)
	}

	got, err := st.Get(ctx, "run-0001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Counters.DownloadsCommitted != 40 {
		t.Fatalf("counters not overwritten: %+v", got.Counters)
	}
	runs, err := st.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one row after overwrite, got %d", len(runs))
	}
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	st := openHistory(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		run := sampleRun(fmt.Sprintf("run-%04d", i), base.Add(time.Duration(i)*time.Hour))
		if err := st.Append(ctx, run); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	runs, err := st.List(ctx, 3)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	for i, want := range []string{"run-0004", "run-0003", "run-0002"} {
		if runs[i].RunID != want {
			t.Fatalf("runs[%d] = %s, want %s", i, runs[i].RunID, want)
		}
	}
}

func TestListDefaultLimit(t *testing.T) {
	ctx := context.Background()
	st := openHistory(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 25; i++ {
		run := sampleRun(fmt.Sprintf("run-%04d", i), base.Add(time.Duration(i)*time.Minute))
		if err := st.Append(ctx, run); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	runs, err := st.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 20 {
		t.Fatalf("default limit should cap at 20, got %d", len(runs))
	}
}

func TestHistoryPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "history.sqlite")

	st, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	run := sampleRun("run-0001", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err := st.Append(ctx, run); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.Get(ctx, "run-0001")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Counters.MetadataCommitted != 37 {
		t.Fatalf("row lost on reopen: %+v", got)
	}
}
