package maintain

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

// AnalysisReport classifies every item by which artifacts exist for it.
// Matched items have both the metadata file and the media file.
type AnalysisReport struct {
	GeneratedAt   time.Time `json:"generated_at"`
	TotalMetadata int       `json:"total_metadata"`
	TotalMedia    int       `json:"total_media"`
	TotalIndexed  int       `json:"total_indexed"`

	Matched              []string `json:"matched"`
	MediaWithoutMetadata []string `json:"media_without_metadata"`
	MetadataWithoutMedia []string `json:"metadata_without_media"`
	// IndexWithoutFiles lists entries with neither file left on disk.
	IndexWithoutFiles []string `json:"index_without_files"`
	// FilesWithoutIndex lists matched pairs the index does not know about.
	FilesWithoutIndex []string `json:"files_without_index"`
}

// Coherent reports whether the dataset needs no reconciliation.
func (r *AnalysisReport) Coherent() bool {
	return len(r.MediaWithoutMetadata) == 0 &&
		len(r.MetadataWithoutMedia) == 0 &&
		len(r.IndexWithoutFiles) == 0 &&
		len(r.FilesWithoutIndex) == 0
}

// Analyze scans both artifact directories and an index snapshot and sorts
// every item into the orphan categories. Read-only.
func (e *Engine) Analyze(ctx context.Context) (*AnalysisReport, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "vidharvest.maintain.analyze")
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

	metaSet := toSet(metaIDs)
	mediaSet := toSet(mediaIDs)

	report := &AnalysisReport{
		GeneratedAt:   e.now().UTC(),
		TotalMetadata: len(metaIDs),
		TotalMedia:    len(mediaIDs),
		TotalIndexed:  len(ix.Videos),
	}
	for _, id := range metaIDs {
		if _, ok := mediaSet[id]; ok {
			report.Matched = append(report.Matched, id)
		} else {
			report.MetadataWithoutMedia = append(report.MetadataWithoutMedia, id)
		}
	}
	for _, id := range mediaIDs {
		if _, ok := metaSet[id]; !ok {
			report.MediaWithoutMetadata = append(report.MediaWithoutMetadata, id)
		}
	}
	for id := range ix.Videos {
		_, hasMeta := metaSet[id]
		_, hasMedia := mediaSet[id]
		if !hasMeta && !hasMedia {
			report.IndexWithoutFiles = append(report.IndexWithoutFiles, id)
		}
	}
	sort.Strings(report.IndexWithoutFiles)
	for _, id := range report.Matched {
		if _, ok := ix.Videos[id]; !ok {
			report.FilesWithoutIndex = append(report.FilesWithoutIndex, id)
		}
	}

	span.SetAttributes(
		attribute.Int("matched", len(report.Matched)),
		attribute.Int("orphans", len(report.MediaWithoutMetadata)+len(report.MetadataWithoutMedia)+len(report.IndexWithoutFiles)),
	)
	logger := log.WithComponentFromContext(ctx, "maintain")
	logger.Info().
		Str("event", "maintain.analyze").
		Int("matched", len(report.Matched)).
		Int("media_orphans", len(report.MediaWithoutMetadata)).
		Int("metadata_orphans", len(report.MetadataWithoutMedia)).
		Int("index_orphans", len(report.IndexWithoutFiles)).
		Int("unindexed", len(report.FilesWithoutIndex)).
		Msg("dataset analyzed")
	return report, nil
}
