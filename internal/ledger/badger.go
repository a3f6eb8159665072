package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

// Badger keeps marks in a local key-value database, the default for a
// single crawler machine.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

func openBadger(cfg Config) (*Badger, error) {
	if cfg.Dir == "" {
		return nil, errors.New("ledger: badger backend needs a directory")
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open badger: %w", err)
	}
	return &Badger{db: db, ttl: cfg.TTL}, nil
}

func (b *Badger) Seen(ctx context.Context, id string) (bool, error) {
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(keyPrefix + id))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (b *Badger) MarkSeen(ctx context.Context, id string, mark Mark) error {
	if mark.SeenAt.IsZero() {
		mark.SeenAt = time.Now()
	}
	buf, err := json.Marshal(mark)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(keyPrefix+id), buf)
		if b.ttl > 0 {
			entry = entry.WithTTL(b.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (b *Badger) Close() error { return b.db.Close() }
