package maintain

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ManuGH/vidharvest/internal/dataset"
	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

// SyncReport summarizes an index rebuild.
type SyncReport struct {
	DryRun bool `json:"dry_run"`
	// Removed lists entries dropped because no complete pair exists.
	Removed []string `json:"removed"`
	// Added lists complete pairs that had no entry.
	Added []string `json:"added"`
	// Unreadable lists matched pairs whose metadata file would not decode;
	// their previous entry is kept when one exists.
	Unreadable []string `json:"unreadable,omitempty"`
	// Refreshed counts surviving entries whose content no longer matched
	// their metadata file.
	Refreshed int `json:"refreshed"`
	// Total is the entry count after the sync.
	Total int `json:"total"`
}

// Changed reports whether the sync found anything to fix.
func (r *SyncReport) Changed() bool {
	return len(r.Removed) > 0 || len(r.Added) > 0 || r.Refreshed > 0
}

// Sync rebuilds the index so its entries are exactly the items with both a
// metadata file and a media file on disk. Surviving entries are re-derived
// from their metadata file, keeping the first-added time. Running it twice
// without intervening changes commits nothing the second time.
func (e *Engine) Sync(ctx context.Context, dryRun bool) (*SyncReport, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "vidharvest.maintain.sync")
	defer span.End()

	metaIDs, err := e.store.ScanMetadataIDs()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	mediaIDs, err := e.store.ScanMediaIDs()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ix := e.store.SnapshotIndex()
	mediaSet := toSet(mediaIDs)

	matched := make([]string, 0, len(metaIDs))
	for _, id := range metaIDs {
		if _, ok := mediaSet[id]; ok {
			matched = append(matched, id)
		}
	}
	matchedSet := toSet(matched)

	report := &SyncReport{DryRun: dryRun}
	for id := range ix.Videos {
		if _, ok := matchedSet[id]; !ok {
			report.Removed = append(report.Removed, id)
		}
	}
	sort.Strings(report.Removed)

	videos := make(map[string]dataset.Entry, len(matched))
	for _, id := range matched {
		prev, had := ix.Videos[id]
		rec, rerr := e.store.ReadRecord(id)
		if rerr != nil {
			report.Unreadable = append(report.Unreadable, id)
			if had {
				videos[id] = prev
			}
			continue
		}
		entry := dataset.NewEntry(rec, e.now())
		if had {
			entry.AddedAt = prev.AddedAt
		} else {
			report.Added = append(report.Added, id)
		}
		entry.HasMedia = true
		if size, serr := e.store.StatMedia(id); serr == nil {
			entry.MediaBytes = size
		}
		videos[id] = entry
		if had && !entriesEqual(prev, entry) {
			report.Refreshed++
		}
	}
	sort.Strings(report.Added)
	report.Total = len(videos)

	span.SetAttributes(
		attribute.Int("removed", len(report.Removed)),
		attribute.Int("added", len(report.Added)),
		attribute.Bool("dry_run", dryRun),
	)
	logger := log.WithComponentFromContext(ctx, "maintain")
	if dryRun || !report.Changed() {
		logger.Info().
			Str("event", "maintain.sync_planned").
			Bool("dry_run", dryRun).
			Bool("changed", report.Changed()).
			Int("removed", len(report.Removed)).
			Int("added", len(report.Added)).
			Int("total", report.Total).
			Msg("index sync planned")
		return report, nil
	}

	if err := e.store.ReplaceIndex(ctx, videos); err != nil {
		span.RecordError(err)
		return nil, err
	}
	for range report.Removed {
		metrics.RecordMaintenanceRemoval("index_entry")
	}
	logger.Info().
		Str("event", "maintain.sync").
		Int("removed", len(report.Removed)).
		Int("added", len(report.Added)).
		Int("refreshed", report.Refreshed).
		Int("total", report.Total).
		Msg("index synced")
	return report, nil
}

// entriesEqual compares the persisted fields of two entries. AddedAt uses
// time.Equal so a wall clock that round-tripped through JSON still
// matches.
func entriesEqual(a, b dataset.Entry) bool {
	if a.BVID != b.BVID || a.Title != b.Title || a.DurationSec != b.DurationSec ||
		a.Pubdate != b.Pubdate || a.OwnerName != b.OwnerName ||
		a.Views != b.Views || a.Likes != b.Likes ||
		a.HasMedia != b.HasMedia || a.MediaBytes != b.MediaBytes ||
		!a.AddedAt.Equal(b.AddedAt) || len(a.Tags) != len(b.Tags) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	return true
}
