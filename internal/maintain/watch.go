package maintain

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ManuGH/vidharvest/internal/log"
)

const defaultDebounce = 2 * time.Second

// WatchOptions tunes Watch.
type WatchOptions struct {
	// Debounce is how long after the last filesystem event a sync fires.
	Debounce time.Duration
	// OnSync is called after every triggered sync, including the initial
	// one, from the watcher's goroutine. Optional.
	OnSync func(*SyncReport, error)
}

// Watch syncs once, then watches both artifact directories and re-syncs
// after external changes settle. It blocks until ctx is done. Writes the
// store makes itself, like the index and the lock file, do not re-trigger
// the watcher.
func (e *Engine) Watch(ctx context.Context, opts WatchOptions) error {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()
	for _, dir := range []string{e.store.MetadataDir(), e.store.MediaDir()} {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	logger := log.WithComponentFromContext(ctx, "maintain")
	logger.Info().
		Str("metadata_dir", e.store.MetadataDir()).
		Str("media_dir", e.store.MediaDir()).
		Dur("debounce", debounce).
		Msg("watching dataset")

	runSync := func() {
		report, err := e.Sync(ctx, false)
		if err != nil {
			logger.Error().Err(err).Msg("auto sync failed")
		} else if report.Changed() {
			logger.Info().
				Int("removed", len(report.Removed)).
				Int("added", len(report.Added)).
				Msg("auto sync applied")
		}
		if opts.OnSync != nil {
			opts.OnSync(report, err)
		}
	}
	runSync()

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("dataset watch stopped")
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watchRelevant(event) {
				continue
			}
			logger.Debug().
				Str("op", event.Op.String()).
				Str("path", event.Name).
				Msg("dataset changed")
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounce, runSync)

		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(werr).Msg("watcher error")
		}
	}
}

// watchRelevant reports whether an event concerns an artifact file rather
// than the index, the lock, or an in-flight temp file.
func watchRelevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(event.Name)
	if name == "index.json" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
		return false
	}
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".mp4")
}
