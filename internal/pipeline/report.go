// SPDX-License-Identifier: MIT

package pipeline

import (
	"errors"
	"sync"
	"time"

	"github.com/ManuGH/vidharvest/internal/client"
	"github.com/ManuGH/vidharvest/internal/dataset"
	"github.com/ManuGH/vidharvest/internal/download"
	"github.com/ManuGH/vidharvest/internal/platform/netcheck"
	"github.com/ManuGH/vidharvest/internal/resilience"
	"github.com/ManuGH/vidharvest/internal/search"
)

// Report summarizes one crawl run. Snapshots of it are published to the
// status server while the run is live; the final report is persisted to the
// run history.
type Report struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Keywords     []string  `json:"keywords"`
	MetadataOnly bool      `json:"metadata_only,omitempty"`
	Interrupted  bool      `json:"interrupted,omitempty"`
	DiskFull     bool      `json:"disk_full,omitempty"`

	KeywordsProcessed        int   `json:"keywords_processed"`
	CandidatesSeen           int64 `json:"candidates_seen"`
	MetadataCommitted        int64 `json:"metadata_committed"`
	DownloadsCommitted       int64 `json:"downloads_committed"`
	DownloadsSkippedDuration int64 `json:"downloads_skipped_by_duration"`
	Downgrades               int64 `json:"downgrades"`
	BytesDownloaded          int64 `json:"bytes_downloaded"`

	ErrorsByKind map[string]int              `json:"errors_by_kind,omitempty"`
	PerKeyword   map[string]search.PageStats `json:"per_keyword,omitempty"`
}

// Duration is the wall-clock span of the run.
func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// tally is the mutable accumulator behind a Report. Every stage goroutine
// writes through it; one mutex keeps the counters exact.
type tally struct {
	mu  sync.Mutex
	rep Report
}

func newTally(runID string, keywords []string, metadataOnly bool, start time.Time) *tally {
	return &tally{rep: Report{
		RunID:        runID,
		StartedAt:    start,
		Keywords:     append([]string(nil), keywords...),
		MetadataOnly: metadataOnly,
	}}
}

func (t *tally) candidateSeen() {
	t.mu.Lock()
	t.rep.CandidatesSeen++
	t.mu.Unlock()
}

// keywordDone records a completed keyword sweep.
func (t *tally) keywordDone(kw string, stats search.PageStats) {
	t.mu.Lock()
	t.rep.KeywordsProcessed++
	t.storeStatsLocked(kw, stats)
	t.mu.Unlock()
}

// keywordFailed keeps the partial stats of an aborted sweep without counting
// the keyword as processed.
func (t *tally) keywordFailed(kw string, stats search.PageStats) {
	t.mu.Lock()
	t.storeStatsLocked(kw, stats)
	t.mu.Unlock()
}

func (t *tally) storeStatsLocked(kw string, stats search.PageStats) {
	if t.rep.PerKeyword == nil {
		t.rep.PerKeyword = make(map[string]search.PageStats)
	}
	t.rep.PerKeyword[kw] = stats
}

func (t *tally) metadataCommitted() {
	t.mu.Lock()
	t.rep.MetadataCommitted++
	t.mu.Unlock()
}

func (t *tally) downloadCommitted(bytes int64, downgraded bool) {
	t.mu.Lock()
	t.rep.DownloadsCommitted++
	t.rep.BytesDownloaded += bytes
	if downgraded {
		t.rep.Downgrades++
	}
	t.mu.Unlock()
}

func (t *tally) downloadSkipped() {
	t.mu.Lock()
	t.rep.DownloadsSkippedDuration++
	t.mu.Unlock()
}

func (t *tally) markDiskFull() {
	t.mu.Lock()
	t.rep.DiskFull = true
	t.mu.Unlock()
}

func (t *tally) recordError(err error) {
	kind := errorKind(err)
	t.mu.Lock()
	if t.rep.ErrorsByKind == nil {
		t.rep.ErrorsByKind = make(map[string]int)
	}
	t.rep.ErrorsByKind[kind]++
	t.mu.Unlock()
}

// snapshot returns a copy safe to hand to the status server.
func (t *tally) snapshot() Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.copyLocked()
}

// finish stamps the end of the run and returns the final report.
func (t *tally) finish(interrupted bool, at time.Time) Report {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rep.Interrupted = interrupted
	t.rep.FinishedAt = at
	return t.copyLocked()
}

func (t *tally) copyLocked() Report {
	out := t.rep
	out.Keywords = append([]string(nil), t.rep.Keywords...)
	if t.rep.ErrorsByKind != nil {
		out.ErrorsByKind = make(map[string]int, len(t.rep.ErrorsByKind))
		for k, v := range t.rep.ErrorsByKind {
			out.ErrorsByKind[k] = v
		}
	}
	if t.rep.PerKeyword != nil {
		out.PerKeyword = make(map[string]search.PageStats, len(t.rep.PerKeyword))
		for k, v := range t.rep.PerKeyword {
			out.PerKeyword[k] = v
		}
	}
	return out
}

// errorKind maps an error chain onto the stable keys used in
// errors_by_kind. Order matters where chains overlap: the most specific
// sentinel wins.
func errorKind(err error) string {
	switch {
	case errors.Is(err, errAuthExhausted), errors.Is(err, errReloginFailed):
		return "auth_expired"
	case errors.Is(err, client.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, client.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, client.ErrNotFound):
		return "not_found"
	case errors.Is(err, client.ErrServerError):
		return "server_error"
	case errors.Is(err, client.ErrBadResponse):
		return "bad_response"
	case errors.Is(err, client.ErrRejected):
		return "rejected"
	case errors.Is(err, client.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, download.ErrDiskFull):
		return "disk_full"
	case errors.Is(err, download.ErrMergeFailed):
		return "merge_failed"
	case errors.Is(err, download.ErrNoStream):
		return "no_stream"
	case errors.Is(err, dataset.ErrCommitFailed):
		return "commit_failed"
	case errors.Is(err, dataset.ErrLocked):
		return "dataset_locked"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, netcheck.ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, netcheck.ErrPlatformUnreachable):
		return "platform_unreachable"
	default:
		return "other"
	}
}
