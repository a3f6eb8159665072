// SPDX-License-Identifier: MIT

package maintain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/ManuGH/vidharvest/internal/dataset"
	"github.com/ManuGH/vidharvest/internal/metadata"
)

func testRec(id, title string, dur int64) *metadata.Record {
	return &metadata.Record{
		BasicInfo: metadata.BasicInfo{BVID: id, Title: title, DurationSec: dur, Pubdate: 1700000000},
		Owner:     metadata.Owner{Mid: 9, Name: "uploader"},
		Stat:      metadata.Stat{View: 100, Like: 7},
		Tags:      []string{"ocean"},
		Pages:     []metadata.Part{{Cid: 1, Page: 1, Part: "p1"}},
		CrawlInfo: metadata.CrawlInfo{CollectedAt: time.Unix(1700000000, 0).UTC(), SchemaVersion: metadata.SchemaVersion},
	}
}

func openStore(t *testing.T) *dataset.Store {
	t.Helper()
	st, err := dataset.Open(t.TempDir(), dataset.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// seedPair commits metadata and media for one item, as a crawl would.
func seedPair(t *testing.T, st *dataset.Store, id string, dur int64, mediaSize int) {
	t.Helper()
	seedMetaOnly(t, st, id, dur)
	src := filepath.Join(t.TempDir(), "staged.mp4")
	if err := os.WriteFile(src, make([]byte, mediaSize), 0o644); err != nil {
		t.Fatalf("stage media: %v", err)
	}
	if err := st.AttachMedia(context.Background(), id, src); err != nil {
		t.Fatalf("AttachMedia: %v", err)
	}
}

func seedMetaOnly(t *testing.T, st *dataset.Store, id string, dur int64) {
	t.Helper()
	if _, err := st.PutMetadata(context.Background(), testRec(id, "title "+id, dur)); err != nil {
		t.Fatalf("PutMetadata: %v", err)
	}
}

// writeOrphanMedia drops a media file into the dataset behind the store's
// back, the way an interrupted run or manual copy would.
func writeOrphanMedia(t *testing.T, st *dataset.Store, id string, size int) {
	t.Helper()
	if err := os.WriteFile(st.MediaPath(id), make([]byte, size), 0o644); err != nil {
		t.Fatalf("write orphan media: %v", err)
	}
}

func removePath(t *testing.T, path string) {
	t.Helper()
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove %s: %v", path, err)
	}
}

type fakeProber struct {
	probeFn func(path string) (float64, error)
	calls   []string
}

func (p *fakeProber) Probe(_ context.Context, path string) (float64, error) {
	p.calls = append(p.calls, path)
	return p.probeFn(path)
}

// seedMatrix builds one item per drift category plus one healthy pair.
func seedMatrix(t *testing.T, st *dataset.Store) {
	t.Helper()
	ctx := context.Background()

	seedPair(t, st, "BV1pair", 60, 16)

	seedMetaOnly(t, st, "BV1meta", 30)

	writeOrphanMedia(t, st, "BV1media", 8)

	seedPair(t, st, "BV1dead", 45, 8)
	removePath(t, st.MetadataPath("BV1dead"))
	removePath(t, st.MediaPath("BV1dead"))

	seedPair(t, st, "BV1unidx", 90, 8)
	if _, err := st.DropEntries(ctx, []string{"BV1unidx"}); err != nil {
		t.Fatalf("DropEntries: %v", err)
	}
}

func TestAnalyzeClassifiesDrift(t *testing.T) {
	st := openStore(t)
	seedMatrix(t, st)

	report, err := New(st, Options{}).Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}

	wantLists := map[string][]string{
		"matched":    {"BV1pair", "BV1unidx"},
		"media only": {"BV1media"},
		"meta only":  {"BV1meta"},
		"index only": {"BV1dead"},
		"unindexed":  {"BV1unidx"},
	}
	gotLists := map[string][]string{
		"matched":    report.Matched,
		"media only": report.MediaWithoutMetadata,
		"meta only":  report.MetadataWithoutMedia,
		"index only": report.IndexWithoutFiles,
		"unindexed":  report.FilesWithoutIndex,
	}
	for name, want := range wantLists {
		got := gotLists[name]
		if len(got) != len(want) {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s = %v, want %v", name, got, want)
			}
		}
	}
	if report.TotalMetadata != 3 || report.TotalMedia != 3 || report.TotalIndexed != 3 {
		t.Fatalf("totals = %d/%d/%d, want 3/3/3",
			report.TotalMetadata, report.TotalMedia, report.TotalIndexed)
	}
	if report.Coherent() {
		t.Fatal("drifted dataset reported coherent")
	}
}

func TestAnalyzeCleanDataset(t *testing.T) {
	st := openStore(t)
	seedPair(t, st, "BV1only", 60, 16)

	report, err := New(st, Options{}).Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !report.Coherent() {
		t.Fatalf("healthy dataset reported drift: %+v", report)
	}
}

func TestCleanDryRunTouchesNothing(t *testing.T) {
	st := openStore(t)
	seedMatrix(t, st)
	before := st.Stats()

	report, err := New(st, Options{}).Clean(context.Background(), CleanOptions{
		MediaOrphans:    true,
		MetadataOrphans: true,
		UpdateIndex:     true,
		DryRun:          true,
	})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if !report.DryRun {
		t.Fatal("report lost dry-run flag")
	}
	if len(report.RemovedMedia) != 1 || report.RemovedMedia[0] != "BV1media" {
		t.Fatalf("RemovedMedia = %v", report.RemovedMedia)
	}
	if len(report.RemovedMetadata) != 1 || report.RemovedMetadata[0] != "BV1meta" {
		t.Fatalf("RemovedMetadata = %v", report.RemovedMetadata)
	}
	// BV1dead has no files, BV1meta loses its last file in the same call.
	if len(report.DroppedEntries) != 2 || report.DroppedEntries[0] != "BV1dead" || report.DroppedEntries[1] != "BV1meta" {
		t.Fatalf("DroppedEntries = %v", report.DroppedEntries)
	}

	if _, err := os.Stat(st.MediaPath("BV1media")); err != nil {
		t.Fatal("dry run deleted orphan media")
	}
	if _, err := os.Stat(st.MetadataPath("BV1meta")); err != nil {
		t.Fatal("dry run deleted orphan metadata")
	}
	if got := st.Stats(); got != before {
		t.Fatalf("dry run changed stats: %+v -> %+v", before, got)
	}
}

func TestCleanRemovesOnlySelectedCategory(t *testing.T) {
	st := openStore(t)
	seedMatrix(t, st)

	report, err := New(st, Options{}).Clean(context.Background(), CleanOptions{MediaOrphans: true})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(report.RemovedMedia) != 1 || len(report.RemovedMetadata) != 0 || len(report.DroppedEntries) != 0 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := os.Stat(st.MediaPath("BV1media")); !os.IsNotExist(err) {
		t.Fatal("orphan media survived")
	}
	if _, err := os.Stat(st.MetadataPath("BV1meta")); err != nil {
		t.Fatal("metadata orphan removed without its flag")
	}
	if _, ok := st.Get("BV1dead"); !ok {
		t.Fatal("index entry dropped without update flag")
	}
}

func TestCleanUpdateIndexDropsChainedEntries(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	// Entry plus media file only: the pair lost its metadata externally.
	seedPair(t, st, "BV1lost", 60, 8)
	removePath(t, st.MetadataPath("BV1lost"))

	seedMetaOnly(t, st, "BV1meta", 30)
	seedPair(t, st, "BV1keep", 60, 8)

	report, err := New(st, Options{}).Clean(ctx, CleanOptions{
		MediaOrphans:    true,
		MetadataOrphans: true,
		UpdateIndex:     true,
	})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(report.DroppedEntries) != 2 || report.DroppedEntries[0] != "BV1lost" || report.DroppedEntries[1] != "BV1meta" {
		t.Fatalf("DroppedEntries = %v", report.DroppedEntries)
	}
	for _, id := range []string{"BV1lost", "BV1meta"} {
		if _, ok := st.Get(id); ok {
			t.Fatalf("entry %s survived clean", id)
		}
	}
	if _, ok := st.Get("BV1keep"); !ok {
		t.Fatal("healthy entry removed")
	}
	if stats := st.Stats(); stats.TotalCount != 1 {
		t.Fatalf("stats count = %d, want 1", stats.TotalCount)
	}
}

func TestCleanUpdateIndexAloneKeepsEntriesWithFiles(t *testing.T) {
	st := openStore(t)
	seedMatrix(t, st)

	report, err := New(st, Options{}).Clean(context.Background(), CleanOptions{UpdateIndex: true})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(report.DroppedEntries) != 1 || report.DroppedEntries[0] != "BV1dead" {
		t.Fatalf("DroppedEntries = %v", report.DroppedEntries)
	}
	if _, ok := st.Get("BV1meta"); !ok {
		t.Fatal("metadata-only entry dropped although its file exists")
	}
}

func TestCleanAddsMissingEntries(t *testing.T) {
	st := openStore(t)
	seedMatrix(t, st)
	ctx := context.Background()
	engine := New(st, Options{})

	report, err := engine.Clean(ctx, CleanOptions{AddMissingEntries: true, DryRun: true})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(report.AddedEntries) != 1 || report.AddedEntries[0] != "BV1unidx" {
		t.Fatalf("AddedEntries = %v", report.AddedEntries)
	}
	if _, ok := st.Get("BV1unidx"); ok {
		t.Fatal("dry run touched the index")
	}

	report, err = engine.Clean(ctx, CleanOptions{AddMissingEntries: true})
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if len(report.AddedEntries) != 1 || report.AddedEntries[0] != "BV1unidx" {
		t.Fatalf("AddedEntries = %v", report.AddedEntries)
	}
	if len(report.RemovedMedia) != 0 || len(report.DroppedEntries) != 0 {
		t.Fatalf("repair touched other categories: %+v", report)
	}
	entry, ok := st.Get("BV1unidx")
	if !ok {
		t.Fatal("pair still missing from index")
	}
	if !entry.HasMedia || entry.MediaBytes != 8 || entry.DurationSec != 90 {
		t.Fatalf("entry = %+v", entry)
	}
}

func TestWriteReport(t *testing.T) {
	st := openStore(t)
	seedMatrix(t, st)

	report, err := New(st, Options{}).Analyze(context.Background())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	path := filepath.Join(t.TempDir(), "analysis.json")
	if err := WriteReport(path, report); err != nil {
		t.Fatalf("WriteReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatal("report missing trailing newline")
	}
	var decoded AnalysisReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("report does not decode: %v", err)
	}
	if len(decoded.Matched) != len(report.Matched) {
		t.Fatalf("round trip lost matched items: %v", decoded.Matched)
	}
}
