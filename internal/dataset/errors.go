package dataset

import "errors"

var (
	// ErrLocked means another process holds the dataset lock.
	ErrLocked = errors.New("dataset: locked by another process")

	// ErrMetadataMissing rejects attaching media to an item that has no
	// metadata file.
	ErrMetadataMissing = errors.New("dataset: metadata missing")

	// ErrCommitFailed means the index could not be persisted; in-memory
	// state was rolled back and on-disk artifacts may be orphaned until
	// the next sync.
	ErrCommitFailed = errors.New("dataset: commit failed")

	// ErrCorruptIndex means the index file exists but cannot be decoded.
	ErrCorruptIndex = errors.New("dataset: corrupt index")
)
