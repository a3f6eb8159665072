package maintain

import (
	"context"
	"sort"

	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

// CleanOptions selects which orphan categories Clean removes.
type CleanOptions struct {
	// MediaOrphans removes media files that have no metadata file.
	MediaOrphans bool
	// MetadataOrphans removes metadata files that have no media file.
	MetadataOrphans bool
	// UpdateIndex drops index entries left without any file, including
	// entries whose last remaining file this call removes.
	UpdateIndex bool
	// AddMissingEntries indexes complete pairs the index does not know
	// about, deriving each entry from its metadata file.
	AddMissingEntries bool
	// DryRun reports what would be removed without touching anything.
	DryRun bool
}

// CleanReport lists the items each enabled category targets. A dry run
// produces the same report as the real run.
type CleanReport struct {
	DryRun          bool     `json:"dry_run"`
	RemovedMedia    []string `json:"removed_media"`
	RemovedMetadata []string `json:"removed_metadata"`
	DroppedEntries  []string `json:"dropped_entries"`
	AddedEntries    []string `json:"added_entries"`
}

// Clean removes the selected orphan categories.
func (e *Engine) Clean(ctx context.Context, opts CleanOptions) (*CleanReport, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "vidharvest.maintain.clean")
	defer span.End()

	analysis, err := e.Analyze(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	report := &CleanReport{DryRun: opts.DryRun}
	if opts.MediaOrphans {
		report.RemovedMedia = append([]string(nil), analysis.MediaWithoutMetadata...)
	}
	if opts.MetadataOrphans {
		report.RemovedMetadata = append([]string(nil), analysis.MetadataWithoutMedia...)
	}
	if opts.UpdateIndex {
		report.DroppedEntries = e.planEntryDrops(analysis, opts)
	}
	if opts.AddMissingEntries {
		report.AddedEntries = append([]string(nil), analysis.FilesWithoutIndex...)
	}

	logger := log.WithComponentFromContext(ctx, "maintain")
	if opts.DryRun {
		logger.Info().
			Str("event", "maintain.clean_planned").
			Int("media", len(report.RemovedMedia)).
			Int("metadata", len(report.RemovedMetadata)).
			Int("entries", len(report.DroppedEntries)).
			Int("added", len(report.AddedEntries)).
			Msg("clean planned, dry run")
		return report, nil
	}

	if len(report.RemovedMedia) > 0 {
		e.store.RemoveMediaFiles(ctx, report.RemovedMedia)
		for range report.RemovedMedia {
			metrics.RecordMaintenanceRemoval("orphan_media")
		}
	}
	if len(report.RemovedMetadata) > 0 {
		e.store.RemoveMetadataFiles(ctx, report.RemovedMetadata)
		for range report.RemovedMetadata {
			metrics.RecordMaintenanceRemoval("orphan_metadata")
		}
	}
	if len(report.DroppedEntries) > 0 {
		if _, err := e.store.DropEntries(ctx, report.DroppedEntries); err != nil {
			span.RecordError(err)
			return nil, err
		}
		for range report.DroppedEntries {
			metrics.RecordMaintenanceRemoval("orphan_entry")
		}
	}
	for _, id := range report.AddedEntries {
		if err := e.store.AttachMedia(ctx, id, ""); err != nil {
			logger.Warn().Err(err).Str("item_id", id).Msg("index entry add failed")
		}
	}
	logger.Info().
		Str("event", "maintain.clean").
		Int("media", len(report.RemovedMedia)).
		Int("metadata", len(report.RemovedMetadata)).
		Int("entries", len(report.DroppedEntries)).
		Int("added", len(report.AddedEntries)).
		Msg("clean applied")
	return report, nil
}

// planEntryDrops lists index entries that have no file now, plus entries
// whose only file the selected categories are about to delete.
func (e *Engine) planEntryDrops(analysis *AnalysisReport, opts CleanOptions) []string {
	drops := append([]string(nil), analysis.IndexWithoutFiles...)
	if opts.MediaOrphans {
		for _, id := range analysis.MediaWithoutMetadata {
			if _, ok := e.store.Get(id); ok {
				drops = append(drops, id)
			}
		}
	}
	if opts.MetadataOrphans {
		for _, id := range analysis.MetadataWithoutMedia {
			if _, ok := e.store.Get(id); ok {
				drops = append(drops, id)
			}
		}
	}
	sort.Strings(drops)
	return drops
}
