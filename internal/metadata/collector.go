// SPDX-License-Identifier: MIT

// Package metadata collects and validates per-item detail records.
package metadata

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ManuGH/vidharvest/internal/client"
	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

const (
	tracerName = "vidharvest.metadata"

	viewPath = "/x/web-interface/view"
	tagsPath = "/x/tag/archive/tags"
)

// Collector fetches detail and tag payloads for accepted candidates and
// composes them into persisted records. Collect is idempotent: a later call
// for the same item produces a record that overwrites the earlier one.
type Collector struct {
	api *client.Client
	now func() time.Time
}

// NewCollector builds a Collector on top of the shared API client.
func NewCollector(api *client.Client) *Collector {
	return &Collector{api: api, now: time.Now}
}

// Collect fetches the view and tags endpoints for itemID and returns the
// normalized record. A response missing required fields maps to the
// transport's bad-response error so callers treat it like any other remote
// fault.
func (c *Collector) Collect(ctx context.Context, itemID string) (*Record, error) {
	tracer := telemetry.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "vidharvest.metadata.collect")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", itemID))

	ctx = log.ContextWithItemID(ctx, itemID)

	rec, err := c.collect(ctx, itemID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return rec, nil
}

func (c *Collector) collect(ctx context.Context, itemID string) (*Record, error) {
	params := url.Values{}
	params.Set("bvid", itemID)

	var view viewData
	if err := c.api.GetJSON(ctx, "view", viewPath, params, &view); err != nil {
		metrics.RecordMetadata("failed")
		return nil, fmt.Errorf("view %s: %w", itemID, err)
	}

	var tags []tagRow
	if err := c.api.GetJSON(ctx, "tags", tagsPath, params, &tags); err != nil {
		metrics.RecordMetadata("failed")
		return nil, fmt.Errorf("tags %s: %w", itemID, err)
	}

	rec := composeRecord(itemID, &view, tags, c.now())
	if err := Validate(rec); err != nil {
		metrics.RecordMetadata("malformed")
		return nil, fmt.Errorf("%s: %w: %v", itemID, client.ErrBadResponse, err)
	}

	metrics.RecordMetadata("ok")
	logger := log.WithComponentFromContext(ctx, "metadata")
	logger.Debug().
		Str("title", rec.BasicInfo.Title).
		Int64("duration", rec.BasicInfo.DurationSec).
		Int("tags", len(rec.Tags)).
		Int("pages", len(rec.Pages)).
		Msg("metadata collected")
	return rec, nil
}
