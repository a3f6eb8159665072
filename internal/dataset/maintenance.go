package dataset

import (
	"context"
	"fmt"
	"os"

	"github.com/ManuGH/vidharvest/internal/log"
)

// The methods in this file are the narrow surface maintenance works
// through. They touch one artifact class at a time so an operator can
// reconcile categories independently; Remove stays the path for deleting
// whole items.

// RemoveMediaFiles deletes the media files for the given items. Index
// entries are not touched; the caller reconciles them via DropEntries or a
// sync. Returns the ids whose file was actually deleted.
func (s *Store) RemoveMediaFiles(ctx context.Context, ids []string) []string {
	logger := log.WithComponentFromContext(ctx, "dataset")
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if removeFile(logger, s.MediaPath(id)) {
			removed = append(removed, id)
		}
	}
	return removed
}

// RemoveMetadataFiles deletes the metadata files for the given items. Index
// entries are not touched.
func (s *Store) RemoveMetadataFiles(ctx context.Context, ids []string) []string {
	logger := log.WithComponentFromContext(ctx, "dataset")
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if removeFile(logger, s.MetadataPath(id)) {
			removed = append(removed, id)
		}
	}
	return removed
}

// DropEntries removes index entries without touching any files, committing
// once. Ids without an entry are skipped. Returns the ids actually dropped.
func (s *Store) DropEntries(ctx context.Context, ids []string) ([]string, error) {
	s.mu.RLock()
	present := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.index.Videos[id]; ok {
			present = append(present, id)
		}
	}
	s.mu.RUnlock()
	if len(present) == 0 {
		return nil, nil
	}

	err := s.mutate(func(ix *Index) error {
		for _, id := range present {
			delete(ix.Videos, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.WithComponentFromContext(ctx, "dataset").Info().
		Int("entries", len(present)).
		Msg("index entries dropped")
	return present, nil
}

// StatMedia returns the size of an item's media file.
func (s *Store) StatMedia(id string) (int64, error) {
	info, err := os.Stat(s.MediaPath(id))
	if err != nil {
		return 0, fmt.Errorf("media file %s: %w", id, err)
	}
	return info.Size(), nil
}
