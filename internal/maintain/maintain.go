// SPDX-License-Identifier: MIT

// Package maintain reconciles a dataset after crashes, manual edits, or
// interrupted runs. It classifies artifact and index drift, removes
// orphans, filters items by duration, and rebuilds the index from the
// files actually on disk.
package maintain

import (
	"context"
	"time"

	"github.com/ManuGH/vidharvest/internal/dataset"
)

const tracerName = "vidharvest.maintain"

// Prober measures the duration of a media file in seconds. Satisfied by
// the downloader, which shells out to ffprobe.
type Prober interface {
	Probe(ctx context.Context, path string) (float64, error)
}

// Options configures an Engine.
type Options struct {
	// Prober enables the media-probe fallback for records without a usable
	// duration and the deep variant of the integrity check. Optional.
	Prober Prober
}

// Engine runs maintenance operations against a dataset store. Every
// mutation goes through the store's commit discipline; dry runs never
// write.
type Engine struct {
	store *dataset.Store
	probe Prober
	now   func() time.Time
}

// New returns an Engine operating on st.
func New(st *dataset.Store, opts Options) *Engine {
	return &Engine{store: st, probe: opts.Prober, now: time.Now}
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
