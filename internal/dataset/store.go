// SPDX-License-Identifier: MIT

// Package dataset owns the on-disk layout of collected items: one metadata
// JSON and one media file per item, plus a master index that stays
// consistent with both under partial failures.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metadata"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/platform/fs"
)

const (
	metadataDirName = "metadata"
	mediaDirName    = "media"
	indexFileName   = "index.json"
	lockFileName    = ".lock"
	mediaExt        = ".mp4"
)

// Options tunes Open behavior.
type Options struct {
	// Recover opens the store with an empty in-memory index when the index
	// file is corrupt, so maintenance can rebuild it from the files.
	Recover bool
}

// Store is the single writer for a dataset directory. A lock file makes it
// exclusive across processes; an RWMutex serializes writers in-process
// while letting readers proceed together.
type Store struct {
	root      string
	metaDir   string
	mediaDir  string
	indexPath string
	lock      *flock
	now       func() time.Time

	mu    sync.RWMutex
	index *Index
}

// Open loads or initializes the dataset under root and takes the writer
// lock. A corrupt index is an error unless opts.Recover is set; it is
// never silently rebuilt.
func Open(root string, opts Options) (*Store, error) {
	root = filepath.Clean(root)
	metaDir := filepath.Join(root, metadataDirName)
	mediaDir := filepath.Join(root, mediaDirName)
	for _, dir := range []string{root, metaDir, mediaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("dataset dir %s: %w", dir, err)
		}
	}

	lock, err := acquireLock(filepath.Join(root, lockFileName))
	if err != nil {
		return nil, err
	}

	s := &Store{
		root:      root,
		metaDir:   metaDir,
		mediaDir:  mediaDir,
		indexPath: filepath.Join(metaDir, indexFileName),
		lock:      lock,
		now:       time.Now,
	}
	if err := s.loadIndex(opts.Recover); err != nil {
		_ = lock.release()
		return nil, err
	}

	log.Base().Info().
		Str("component", "dataset").
		Str("event", "dataset.open").
		Str("root", root).
		Int("videos", len(s.index.Videos)).
		Msg("dataset opened")
	return s, nil
}

func (s *Store) loadIndex(repair bool) error {
	data, err := os.ReadFile(s.indexPath) // #nosec G304 -- path built from the dataset root
	if os.IsNotExist(err) {
		s.index = newIndex()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read index: %w", err)
	}
	var ix Index
	if derr := json.Unmarshal(data, &ix); derr != nil {
		if !repair {
			return fmt.Errorf("%w: %v (run \"vidharvest maintain sync\" to rebuild)", ErrCorruptIndex, derr)
		}
		log.Base().Warn().
			Str("component", "dataset").
			Err(derr).
			Msg("index corrupt, starting empty for repair")
		s.index = newIndex()
		return nil
	}
	if ix.Videos == nil {
		ix.Videos = map[string]Entry{}
	}
	s.index = &ix
	return nil
}

// Close releases the dataset lock.
func (s *Store) Close() error {
	return s.lock.release()
}

func (s *Store) Root() string        { return s.root }
func (s *Store) MetadataDir() string { return s.metaDir }
func (s *Store) MediaDir() string    { return s.mediaDir }

// MetadataPath returns the metadata file path for an item.
func (s *Store) MetadataPath(id string) string {
	return filepath.Join(s.metaDir, fs.SafeName(id)+".json")
}

// MediaPath returns the media file path for an item.
func (s *Store) MediaPath(id string) string {
	return filepath.Join(s.mediaDir, fs.SafeName(id)+mediaExt)
}

// PutMetadata writes the record's metadata file atomically and upserts its
// index entry in one commit. The media flag and first-added time of an
// existing entry survive the overwrite. Reports whether the entry was
// created rather than updated.
func (s *Store) PutMetadata(ctx context.Context, rec *metadata.Record) (bool, error) {
	if rec == nil || rec.ItemID() == "" {
		return false, errors.New("dataset: record has no item id")
	}
	id := rec.ItemID()
	if !metadata.ValidID(id) {
		return false, fmt.Errorf("dataset: malformed item id %q", id)
	}

	data, err := encodeJSON(rec)
	if err != nil {
		return false, fmt.Errorf("encode record %s: %w", id, err)
	}
	if err := fs.WriteFileAtomic(s.MetadataPath(id), data, 0o644); err != nil {
		return false, fmt.Errorf("write metadata %s: %w", id, err)
	}

	created := false
	err = s.mutate(func(ix *Index) error {
		prev, ok := ix.Videos[id]
		entry := NewEntry(rec, s.now())
		if ok {
			entry.AddedAt = prev.AddedAt
			entry.HasMedia = prev.HasMedia
			entry.MediaBytes = prev.MediaBytes
		}
		ix.Videos[id] = entry
		created = !ok
		return nil
	})
	if err != nil {
		return false, err
	}
	log.WithComponentFromContext(ctx, "dataset").Debug().
		Str("event", "dataset.commit").
		Str("item_id", id).
		Bool("created", created).
		Msg("metadata committed")
	return created, nil
}

// AttachMedia moves a downloaded file into the dataset and marks the entry.
// The item must already have a metadata file. When srcPath is empty or
// already the canonical media path, only the index is updated.
func (s *Store) AttachMedia(ctx context.Context, id, srcPath string) error {
	if !fs.IsRegularFile(s.MetadataPath(id)) {
		return fmt.Errorf("%w: %s", ErrMetadataMissing, id)
	}
	dst := s.MediaPath(id)
	if srcPath != "" && srcPath != dst {
		if err := os.Rename(srcPath, dst); err != nil {
			return fmt.Errorf("move media %s: %w", id, err)
		}
	}
	info, err := os.Stat(dst)
	if err != nil {
		return fmt.Errorf("media file %s: %w", id, err)
	}

	err = s.mutate(func(ix *Index) error {
		entry, ok := ix.Videos[id]
		if !ok {
			rec, rerr := s.ReadRecord(id)
			if rerr != nil {
				return fmt.Errorf("read metadata %s: %w", id, rerr)
			}
			entry = NewEntry(rec, s.now())
		}
		entry.HasMedia = true
		entry.MediaBytes = info.Size()
		ix.Videos[id] = entry
		return nil
	})
	if err != nil {
		return err
	}
	log.WithComponentFromContext(ctx, "dataset").Debug().
		Str("event", "dataset.attach").
		Str("item_id", id).
		Int64("bytes", info.Size()).
		Msg("media attached")
	return nil
}

// Get returns the index entry for an item.
func (s *Store) Get(id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index.Videos[id]
	if ok {
		e.Tags = append([]string(nil), e.Tags...)
	}
	return e, ok
}

// HasMedia reports whether the item's entry carries a media file.
func (s *Store) HasMedia(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.index.Videos[id]
	return ok && e.HasMedia
}

// Stats returns the current dataset statistics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Stats
}

// SnapshotIndex returns a deep copy of the index for readers that must not
// observe later mutations.
func (s *Store) SnapshotIndex() *Index {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.clone()
}

// RemovalReport lists what Remove found and deleted. Missing artifacts are
// reported, never an error.
type RemovalReport struct {
	Requested       int
	RemovedEntries  int
	RemovedMetadata int
	RemovedMedia    int
	Missing         []string
}

// Remove deletes each item's media file, metadata file, and index entry,
// in that order, then commits once. Items with nothing left on disk and no
// entry are listed as missing.
func (s *Store) Remove(ctx context.Context, ids []string) (*RemovalReport, error) {
	logger := log.WithComponentFromContext(ctx, "dataset")
	report := &RemovalReport{Requested: len(ids)}
	err := s.mutate(func(ix *Index) error {
		for _, id := range ids {
			found := false
			if removeFile(logger, s.MediaPath(id)) {
				report.RemovedMedia++
				found = true
			}
			if removeFile(logger, s.MetadataPath(id)) {
				report.RemovedMetadata++
				found = true
			}
			if _, ok := ix.Videos[id]; ok {
				delete(ix.Videos, id)
				report.RemovedEntries++
				found = true
			}
			if !found {
				report.Missing = append(report.Missing, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info().
		Str("event", "dataset.remove").
		Int("requested", report.Requested).
		Int("entries", report.RemovedEntries).
		Int("metadata", report.RemovedMetadata).
		Int("media", report.RemovedMedia).
		Msg("items removed")
	return report, nil
}

// ReplaceIndex commits a rebuilt entry set in one atomic write. Used by
// maintenance sync; stats are recomputed as part of the commit.
func (s *Store) ReplaceIndex(ctx context.Context, videos map[string]Entry) error {
	err := s.mutate(func(ix *Index) error {
		ix.Videos = make(map[string]Entry, len(videos))
		for id, e := range videos {
			ix.Videos[id] = e
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.WithComponentFromContext(ctx, "dataset").Info().
		Str("event", "dataset.replace").
		Int("videos", len(videos)).
		Msg("index replaced")
	return nil
}

// ScanMetadataIDs lists item IDs that have a metadata file, sorted.
func (s *Store) ScanMetadataIDs() ([]string, error) {
	entries, err := os.ReadDir(s.metaDir)
	if err != nil {
		return nil, fmt.Errorf("scan metadata dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == indexFileName || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		// Foreign files in the dataset dirs are not ours to manage.
		if !metadata.ValidID(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ScanMediaIDs lists item IDs that have a media file, sorted.
func (s *Store) ScanMediaIDs() ([]string, error) {
	entries, err := os.ReadDir(s.mediaDir)
	if err != nil {
		return nil, fmt.Errorf("scan media dir: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, mediaExt) {
			continue
		}
		id := strings.TrimSuffix(name, mediaExt)
		if !metadata.ValidID(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ReadRecord loads and decodes an item's metadata file.
func (s *Store) ReadRecord(id string) (*metadata.Record, error) {
	data, err := os.ReadFile(s.MetadataPath(id)) // #nosec G304 -- path confined by SafeName
	if err != nil {
		return nil, err
	}
	var rec metadata.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}
	// Records from a newer writer are opaque to this reader. Maintenance
	// keeps their entries and reports them instead of rewriting.
	if v := rec.CrawlInfo.SchemaVersion; v > metadata.SchemaVersion {
		return nil, fmt.Errorf("record %s: schema version %d newer than supported %d",
			id, v, metadata.SchemaVersion)
	}
	return &rec, nil
}

// mutate applies fn to the index under the writer lock and commits. On any
// failure the in-memory index is rolled back to the pre-mutation snapshot.
func (s *Store) mutate(fn func(ix *Index) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.index.clone()
	if err := fn(s.index); err != nil {
		s.index = snapshot
		return err
	}
	if err := s.commitLocked(); err != nil {
		s.index = snapshot
		return err
	}
	return nil
}

func (s *Store) commitLocked() error {
	s.index.recompute(s.now())
	data, err := encodeJSON(s.index)
	if err != nil {
		metrics.RecordDatasetCommit("failed")
		return fmt.Errorf("%w: encode: %v", ErrCommitFailed, err)
	}
	if err := fs.WriteFileAtomic(s.indexPath, data, 0o644); err != nil {
		metrics.RecordDatasetCommit("failed")
		return fmt.Errorf("%w: %v", ErrCommitFailed, err)
	}
	metrics.RecordDatasetCommit("ok")
	metrics.SetDatasetVideos(len(s.index.Videos))
	return nil
}

func removeFile(logger zerolog.Logger, path string) bool {
	err := os.Remove(path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", path).Msg("removal failed")
	}
	return false
}
