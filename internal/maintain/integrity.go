package maintain

import (
	"context"

	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

// CorruptMedia names a media file that failed verification.
type CorruptMedia struct {
	ItemID string `json:"item_id"`
	Reason string `json:"reason"`
}

// IntegrityReport summarizes a media verification pass.
type IntegrityReport struct {
	Checked int            `json:"checked"`
	Corrupt []CorruptMedia `json:"corrupt"`
	Removed int            `json:"removed"`
}

// CheckIntegrity verifies that every media file is non-empty and, when a
// prober is configured, that its container is readable. With remove set,
// corrupt items are deleted together with their metadata and index entry
// so a later crawl can fetch them cleanly.
func (e *Engine) CheckIntegrity(ctx context.Context, remove bool) (*IntegrityReport, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "vidharvest.maintain.integrity")
	defer span.End()

	ids, err := e.store.ScanMediaIDs()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	report := &IntegrityReport{Checked: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if reason := e.verifyMedia(ctx, id); reason != "" {
			report.Corrupt = append(report.Corrupt, CorruptMedia{ItemID: id, Reason: reason})
		}
	}

	logger := log.WithComponentFromContext(ctx, "maintain")
	if !remove || len(report.Corrupt) == 0 {
		logger.Info().
			Int("checked", report.Checked).
			Int("corrupt", len(report.Corrupt)).
			Msg("integrity checked")
		return report, nil
	}

	removeIDs := make([]string, len(report.Corrupt))
	for i, c := range report.Corrupt {
		removeIDs[i] = c.ItemID
	}
	res, err := e.store.Remove(ctx, removeIDs)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	report.Removed = res.RemovedMedia
	for range removeIDs {
		metrics.RecordMaintenanceRemoval("corrupt_media")
	}
	logger.Info().
		Int("checked", report.Checked).
		Int("corrupt", len(report.Corrupt)).
		Int("removed", report.Removed).
		Msg("corrupt media removed")
	return report, nil
}

func (e *Engine) verifyMedia(ctx context.Context, id string) string {
	size, err := e.store.StatMedia(id)
	if err != nil {
		return "unreadable: " + err.Error()
	}
	if size == 0 {
		return "empty file"
	}
	if e.probe == nil {
		return ""
	}
	secs, err := e.probe.Probe(ctx, e.store.MediaPath(id))
	if err != nil {
		return "probe failed: " + err.Error()
	}
	if secs <= 0 {
		return "no duration"
	}
	return ""
}
