package maintain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestFilterByDurationDryRun(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		dur := int64(20)
		if i >= 7 {
			dur = 45
		}
		seedPair(t, st, fmt.Sprintf("BV1f%02d", i), dur, 4)
	}

	report, err := New(st, Options{}).FilterByDuration(ctx, 0, 30, true)
	if err != nil {
		t.Fatalf("FilterByDuration: %v", err)
	}
	if report.Checked != 10 || len(report.Removed) != 3 {
		t.Fatalf("report = %+v, want 3 of 10 flagged", report)
	}
	for _, item := range report.Removed {
		if item.DurationSec != 45 || item.Source != "metadata" {
			t.Fatalf("flagged item = %+v", item)
		}
	}
	if stats := st.Stats(); stats.TotalCount != 10 {
		t.Fatalf("dry run mutated index: %+v", stats)
	}
	if _, err := os.Stat(st.MediaPath("BV1f09")); err != nil {
		t.Fatal("dry run deleted media")
	}
}

func TestFilterByDurationRemovesTriples(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		dur := int64(20)
		if i >= 7 {
			dur = 45
		}
		seedPair(t, st, fmt.Sprintf("BV1f%02d", i), dur, 4)
	}

	report, err := New(st, Options{}).FilterByDuration(ctx, 0, 30, false)
	if err != nil {
		t.Fatalf("FilterByDuration: %v", err)
	}
	if len(report.Removed) != 3 {
		t.Fatalf("removed = %v", report.Removed)
	}
	for i := 7; i < 10; i++ {
		id := fmt.Sprintf("BV1f%02d", i)
		if _, err := os.Stat(st.MetadataPath(id)); !os.IsNotExist(err) {
			t.Fatalf("metadata %s survived", id)
		}
		if _, err := os.Stat(st.MediaPath(id)); !os.IsNotExist(err) {
			t.Fatalf("media %s survived", id)
		}
		if _, ok := st.Get(id); ok {
			t.Fatalf("entry %s survived", id)
		}
	}
	if stats := st.Stats(); stats.TotalCount != 7 || stats.TotalDuration != 140 {
		t.Fatalf("stats = %+v, want count 7 duration 140", stats)
	}
}

func TestFilterKeepsDurationOnBounds(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedPair(t, st, "BV1low", 10, 4)
	seedPair(t, st, "BV1mid", 30, 4)

	report, err := New(st, Options{}).FilterByDuration(ctx, 10, 30, false)
	if err != nil {
		t.Fatalf("FilterByDuration: %v", err)
	}
	if len(report.Removed) != 0 {
		t.Fatalf("closed interval violated: %+v", report.Removed)
	}
}

func TestFilterMinBound(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedPair(t, st, "BV1short", 5, 4)
	seedPair(t, st, "BV1long", 120, 4)

	report, err := New(st, Options{}).FilterByDuration(ctx, 60, 0, false)
	if err != nil {
		t.Fatalf("FilterByDuration: %v", err)
	}
	if len(report.Removed) != 1 || report.Removed[0].ItemID != "BV1short" {
		t.Fatalf("removed = %+v", report.Removed)
	}
	if _, ok := st.Get("BV1long"); !ok {
		t.Fatal("long item removed by min bound")
	}
}

func TestFilterWithoutBoundsIsNoop(t *testing.T) {
	st := openStore(t)
	seedPair(t, st, "BV1any", 500, 4)

	report, err := New(st, Options{}).FilterByDuration(context.Background(), 0, -1, false)
	if err != nil {
		t.Fatalf("FilterByDuration: %v", err)
	}
	if report.Checked != 0 || len(report.Removed) != 0 {
		t.Fatalf("unbounded filter did work: %+v", report)
	}
}

func TestFilterFallsBackToProbe(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedPair(t, st, "BV1noDur", 0, 4)

	probe := &fakeProber{probeFn: func(string) (float64, error) { return 45.4, nil }}
	report, err := New(st, Options{Prober: probe}).FilterByDuration(ctx, 0, 30, false)
	if err != nil {
		t.Fatalf("FilterByDuration: %v", err)
	}
	if len(report.Removed) != 1 {
		t.Fatalf("removed = %+v", report.Removed)
	}
	item := report.Removed[0]
	if item.ItemID != "BV1noDur" || item.DurationSec != 45 || item.Source != "probe" {
		t.Fatalf("item = %+v", item)
	}
	if len(probe.calls) != 1 || !strings.HasSuffix(probe.calls[0], ".mp4") {
		t.Fatalf("probe calls = %v", probe.calls)
	}
}

func TestFilterKeepsUndeterminedItems(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	seedPair(t, st, "BV1mystery", 0, 4)
	seedMetaOnly(t, st, "BV1fileless", 0)

	probe := &fakeProber{probeFn: func(string) (float64, error) { return 0, errors.New("moov atom not found") }}
	report, err := New(st, Options{Prober: probe}).FilterByDuration(ctx, 0, 30, false)
	if err != nil {
		t.Fatalf("FilterByDuration: %v", err)
	}
	if len(report.Removed) != 0 {
		t.Fatalf("undetermined item removed: %+v", report.Removed)
	}
	if len(report.Undetermined) != 2 {
		t.Fatalf("Undetermined = %v", report.Undetermined)
	}
	if _, err := os.Stat(st.MediaPath("BV1mystery")); err != nil {
		t.Fatal("undetermined media deleted")
	}
	// No media file means nothing to probe.
	if len(probe.calls) != 1 {
		t.Fatalf("probe calls = %v", probe.calls)
	}
}
