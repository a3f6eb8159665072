package client

import (
	"math/rand"
	"sync"
	"time"

	"github.com/ManuGH/vidharvest/internal/metrics"
)

// defaultUserAgents is a pool of current desktop browser identities. The
// platform throttles unfamiliar agents aggressively, so rotation sticks to
// mainstream strings.
var defaultUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36 Edg/123.0.2420.81",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
}

// uaRotator hands out a user agent per request and rotates to the next one
// after a request count, an elapsed interval, or both. Zero disables the
// corresponding trigger.
type uaRotator struct {
	mu       sync.Mutex
	pool     []string
	idx      int
	sinceRot int
	every    int
	interval time.Duration
	rotated  time.Time
	now      func() time.Time
}

func newUARotator(pool []string, every int, interval time.Duration) *uaRotator {
	if len(pool) == 0 {
		pool = defaultUserAgents
	}
	r := &uaRotator{
		pool:     pool,
		idx:      rand.Intn(len(pool)), // #nosec G404 -- rotation start only
		every:    every,
		interval: interval,
		now:      time.Now,
	}
	r.rotated = r.now()
	return r
}

// Current returns the user agent for the next request, rotating first when
// a trigger is due.
func (r *uaRotator) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := false
	if r.every > 0 && r.sinceRot >= r.every {
		due = true
	}
	if r.interval > 0 && r.now().Sub(r.rotated) >= r.interval {
		due = true
	}
	if due && len(r.pool) > 1 {
		r.idx = (r.idx + 1) % len(r.pool)
		r.sinceRot = 0
		r.rotated = r.now()
		metrics.RecordUserAgentRotation()
	}
	r.sinceRot++
	return r.pool[r.idx]
}
