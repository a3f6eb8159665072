package download

import (
	"strings"
	"sync"
)

// lineRing keeps the most recent stderr lines of an external tool so error
// reports can quote them without buffering unbounded output.
type lineRing struct {
	mu    sync.Mutex
	lines []string
	head  int
}

func newLineRing(capacity int) *lineRing {
	if capacity < 1 {
		capacity = 50
	}
	return &lineRing{lines: make([]string, capacity)}
}

// Write splits the chunk on newlines and stores each non-empty line. Writes
// arriving mid-line may split a message in two; for short diagnostic tails
// that is acceptable.
func (r *lineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(string(p), "\n") {
		if line == "" {
			continue
		}
		r.lines[r.head] = line
		r.head = (r.head + 1) % len(r.lines)
	}
	return len(p), nil
}

// LastN returns up to n stored lines in chronological order.
func (r *lineRing) LastN(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ordered := make([]string, 0, len(r.lines))
	for i := 0; i < len(r.lines); i++ {
		idx := (r.head + i) % len(r.lines)
		if r.lines[idx] != "" {
			ordered = append(ordered, r.lines[idx])
		}
	}
	if n >= 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
