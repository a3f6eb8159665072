package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-run ledger: dedup within one process lifetime, nothing
// persisted. It doubles as the degraded mode when a persistent backend
// cannot be opened.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.RWMutex
	marks map[string]Mark
}

// NewMemory returns an empty in-memory ledger.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, now: time.Now, marks: make(map[string]Mark)}
}

func (m *Memory) Seen(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	mark, ok := m.marks[id]
	m.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if m.ttl > 0 && m.now().Sub(mark.SeenAt) > m.ttl {
		return false, nil
	}
	return true, nil
}

func (m *Memory) MarkSeen(_ context.Context, id string, mark Mark) error {
	if mark.SeenAt.IsZero() {
		mark.SeenAt = m.now()
	}
	m.mu.Lock()
	m.marks[id] = mark
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
