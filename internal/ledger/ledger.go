// SPDX-License-Identifier: MIT

// Package ledger persists the set of item IDs earlier runs already
// committed, so a new crawl drops them during search instead of after a
// metadata fetch. Backends range from an in-run map to Redis shared
// across crawler instances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuGH/vidharvest/internal/log"
)

const keyPrefix = "seen:"

// ErrUnknownBackend marks a backend name the factory does not recognize.
var ErrUnknownBackend = errors.New("ledger: unknown backend")

// Mark is what a backend stores alongside a seen id.
type Mark struct {
	Keyword string    `json:"keyword,omitempty"`
	SeenAt  time.Time `json:"seen_at"`
}

// Store is a persistent seen-set. Implementations are safe for concurrent
// use; marking an id that is already marked is harmless.
type Store interface {
	Seen(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, id string, mark Mark) error
	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	Backend       string // memory, badger, sqlite or redis
	Dir           string // badger database directory
	SQLitePath    string // sqlite file, shared with the run history
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// TTL expires marks so items can be collected again later. Zero keeps
	// them forever.
	TTL time.Duration
}

// Backends lists the supported backend names.
func Backends() []string {
	return []string{"memory", "badger", "sqlite", "redis"}
}

// Open constructs the configured backend. An empty name selects memory.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "badger":
		return openBadger(cfg)
	case "sqlite":
		return openSQLite(cfg)
	case "redis":
		return openRedis(cfg)
	default:
		return nil, fmt.Errorf("%w %q (supported: %s)",
			ErrUnknownBackend, cfg.Backend, strings.Join(Backends(), ", "))
	}
}

// OpenWithFallback opens the configured backend and degrades to the
// in-memory ledger when that fails: cross-run dedup is lost for this run
// but the crawl proceeds. A misspelled backend name stays an error.
func OpenWithFallback(cfg Config) (Store, error) {
	st, err := Open(cfg)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, ErrUnknownBackend) {
		return nil, err
	}
	logger := log.Base()
	logger.Warn().
		Str("component", "ledger").
		Str("backend", cfg.Backend).
		Err(err).
		Msg("ledger unavailable, falling back to in-memory dedup")
	return NewMemory(cfg.TTL), nil
}
