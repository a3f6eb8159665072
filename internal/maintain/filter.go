package maintain

import (
	"context"

	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

// FilteredItem is one planned or executed removal, with the duration that
// triggered it and where that duration came from.
type FilteredItem struct {
	ItemID      string `json:"item_id"`
	DurationSec int64  `json:"duration"`
	Source      string `json:"source"` // "metadata" or "probe"
}

// FilterReport summarizes a duration-filter pass. Durations inside the
// closed interval [MinSeconds, MaxSeconds] are kept; a bound of zero is
// unset.
type FilterReport struct {
	DryRun       bool           `json:"dry_run"`
	MinSeconds   int64          `json:"min_seconds,omitempty"`
	MaxSeconds   int64          `json:"max_seconds,omitempty"`
	Checked      int            `json:"checked"`
	Removed      []FilteredItem `json:"removed"`
	Undetermined []string       `json:"undetermined"`
}

// FilterByDuration removes every item whose duration falls outside the
// closed interval [minSec, maxSec], deleting metadata, media, and index
// entry together. Bounds <= 0 are treated as unset. The duration comes
// from the metadata record when it carries one, otherwise from probing the
// media file; items whose duration cannot be determined are listed and
// kept.
func (e *Engine) FilterByDuration(ctx context.Context, minSec, maxSec int64, dryRun bool) (*FilterReport, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "vidharvest.maintain.filter")
	defer span.End()

	report := &FilterReport{DryRun: dryRun}
	if minSec > 0 {
		report.MinSeconds = minSec
	}
	if maxSec > 0 {
		report.MaxSeconds = maxSec
	}
	if report.MinSeconds == 0 && report.MaxSeconds == 0 {
		return report, nil
	}

	ids, err := e.store.ScanMetadataIDs()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report.Checked = len(ids)

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dur, source, ok := e.itemDuration(ctx, id)
		if !ok {
			report.Undetermined = append(report.Undetermined, id)
			continue
		}
		if (report.MaxSeconds > 0 && dur > report.MaxSeconds) ||
			(report.MinSeconds > 0 && dur < report.MinSeconds) {
			report.Removed = append(report.Removed, FilteredItem{ItemID: id, DurationSec: dur, Source: source})
		}
	}

	logger := log.WithComponentFromContext(ctx, "maintain")
	if dryRun || len(report.Removed) == 0 {
		logger.Info().
			Bool("dry_run", dryRun).
			Int("checked", report.Checked).
			Int("flagged", len(report.Removed)).
			Int("undetermined", len(report.Undetermined)).
			Msg("duration filter planned")
		return report, nil
	}

	removeIDs := make([]string, len(report.Removed))
	for i, item := range report.Removed {
		removeIDs[i] = item.ItemID
	}
	if _, err := e.store.Remove(ctx, removeIDs); err != nil {
		span.RecordError(err)
		return nil, err
	}
	for range removeIDs {
		metrics.RecordMaintenanceRemoval("duration")
	}
	logger.Info().
		Int("checked", report.Checked).
		Int("removed", len(removeIDs)).
		Int("undetermined", len(report.Undetermined)).
		Msg("duration filter applied")
	return report, nil
}

// itemDuration resolves an item's duration, preferring the metadata record
// and falling back to probing the media file.
func (e *Engine) itemDuration(ctx context.Context, id string) (int64, string, bool) {
	if rec, err := e.store.ReadRecord(id); err == nil && rec.BasicInfo.DurationSec > 0 {
		return rec.BasicInfo.DurationSec, "metadata", true
	}
	if e.probe == nil {
		return 0, "", false
	}
	if _, err := e.store.StatMedia(id); err != nil {
		return 0, "", false
	}
	secs, err := e.probe.Probe(ctx, e.store.MediaPath(id))
	if err != nil || secs <= 0 {
		return 0, "", false
	}
	return int64(secs + 0.5), "probe", true
}
