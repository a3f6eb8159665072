// SPDX-License-Identifier: MIT

// Package pipeline composes session, search, metadata collection, media
// download and dataset commits into one bounded crawl run. Stages are
// connected by channels: one producer sweeps keywords, a small pool collects
// and commits metadata, another pool downloads media for committed items.
// Cancellation (signal or parent context) drains the stages and still
// records the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/vidharvest/internal/client"
	"github.com/ManuGH/vidharvest/internal/dataset"
	"github.com/ManuGH/vidharvest/internal/download"
	"github.com/ManuGH/vidharvest/internal/history"
	"github.com/ManuGH/vidharvest/internal/ledger"
	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metadata"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/platform/netcheck"
	"github.com/ManuGH/vidharvest/internal/resilience"
	"github.com/ManuGH/vidharvest/internal/search"
	"github.com/ManuGH/vidharvest/internal/session"
	"github.com/ManuGH/vidharvest/internal/status"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

const (
	tracerName = "vidharvest.pipeline"

	defaultMetadataWorkers = 2
	defaultDownloadWorkers = 3
	defaultPageSize        = 30

	historyTimeout = 5 * time.Second
)

var (
	errAuthExhausted = errors.New("pipeline: session expired again after re-login")
	errReloginFailed = errors.New("pipeline: re-login failed")
)

// Deps are the wired components a Runner drives. Session, Searcher,
// Collector, Downloader and Store are required; Ledger, History and Status
// are optional and skipped when nil. A nil Checker gets production defaults.
type Deps struct {
	Session    *session.Manager
	Searcher   *search.Searcher
	Collector  *metadata.Collector
	Downloader *download.Downloader
	Store      *dataset.Store
	Ledger     ledger.Store
	History    *history.Store
	Status     *status.Server
	Checker    *netcheck.Checker
}

// Options tune one run.
type Options struct {
	// APIBase is probed before the run starts.
	APIBase string
	// MetadataWorkers sizes the collect pool (default 2).
	MetadataWorkers int
	// DownloadWorkers sizes the download pool (default 3).
	DownloadWorkers int
	// PageSize sizes the candidate buffer so one prefetched page fits.
	PageSize int
	// Quality is the preferred stream quality for downloads.
	Quality int
	// MaxDurationSec skips downloads of longer items when > 0.
	MaxDurationSec int64
	// MetadataOnly collects and commits metadata but downloads nothing.
	MetadataOnly bool
}

// Runner executes crawl runs. It holds no per-run state and may be reused.
type Runner struct {
	deps Deps
	opts Options
}

// New wires a Runner. Options are normalized to their defaults.
func New(deps Deps, opts Options) *Runner {
	if opts.MetadataWorkers <= 0 {
		opts.MetadataWorkers = defaultMetadataWorkers
	}
	if opts.DownloadWorkers <= 0 {
		opts.DownloadWorkers = defaultDownloadWorkers
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.MaxDurationSec < 0 {
		opts.MaxDurationSec = 0
	}
	if deps.Checker == nil {
		deps.Checker = netcheck.New()
	}
	return &Runner{deps: deps, opts: opts}
}

// job carries a committed metadata record to the download stage.
type job struct {
	rec     *metadata.Record
	keyword string
}

// crawl is the per-run state shared by the stage goroutines.
type crawl struct {
	r        *Runner
	tly      *tally
	gate     *authGate
	diskFull atomic.Bool
}

// Run crawls the given keywords to completion. An interrupt (SIGINT/SIGTERM
// or parent cancellation) is not an error: the stages drain, the report is
// marked interrupted and returned with a nil error. A failed network
// precheck, a second auth expiry, or an open circuit abort the run with the
// partial report and a non-nil error. The run is appended to the history
// store in every case.
func (r *Runner) Run(ctx context.Context, keywords []string) (*Report, error) {
	runID := uuid.New().String()
	ctx = log.ContextWithRunID(ctx, runID)

	tracer := telemetry.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "vidharvest.pipeline.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.Int("run.keywords", len(keywords)),
		attribute.Bool("run.metadata_only", r.opts.MetadataOnly),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithComponentFromContext(ctx, "pipeline")
	logger.Info().
		Str("event", "run.start").
		Strs("keywords", keywords).
		Bool("metadata_only", r.opts.MetadataOnly).
		Int("metadata_workers", r.opts.MetadataWorkers).
		Int("download_workers", r.opts.DownloadWorkers).
		Msg("crawl run starting")

	mode := "full"
	if r.opts.MetadataOnly {
		mode = "metadata_only"
	}
	metrics.SetRunInfo(runID, mode)

	tly := newTally(runID, keywords, r.opts.MetadataOnly, time.Now().UTC())
	c := &crawl{
		r:   r,
		tly: tly,
		gate: &authGate{
			tly: tly,
			login: func(ctx context.Context) error {
				_, err := r.deps.Session.Login(ctx, true)
				return err
			},
		},
	}

	if err := r.deps.Checker.Check(ctx, r.opts.APIBase); err != nil {
		c.tly.recordError(err)
		return c.abort(ctx, span, fmt.Errorf("pipeline: network precheck: %w", err))
	}
	if _, err := r.deps.Session.Login(ctx, false); err != nil && ctx.Err() == nil {
		c.tly.recordError(err)
		return c.abort(ctx, span, fmt.Errorf("pipeline: session: %w", err))
	}

	r.setReady(true)
	defer r.setReady(false)
	r.publish(c.tly.snapshot())

	candidates := make(chan search.Candidate, r.opts.PageSize*2)
	jobs := make(chan job, r.opts.DownloadWorkers*2)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(candidates)
		return c.produce(gctx, keywords, candidates)
	})

	var metaWG sync.WaitGroup
	metaWG.Add(r.opts.MetadataWorkers)
	for i := 0; i < r.opts.MetadataWorkers; i++ {
		g.Go(func() error {
			defer metaWG.Done()
			return c.collectLoop(gctx, candidates, jobs)
		})
	}
	g.Go(func() error {
		metaWG.Wait()
		close(jobs)
		return nil
	})

	if !r.opts.MetadataOnly {
		for i := 0; i < r.opts.DownloadWorkers; i++ {
			g.Go(func() error {
				return c.downloadLoop(gctx, jobs)
			})
		}
	}

	runErr := g.Wait()
	interrupted := ctx.Err() != nil
	if runErr != nil && interrupted &&
		(errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)) {
		runErr = nil
	}

	rep := c.tly.finish(interrupted, time.Now().UTC())
	metrics.RecordRunCompleted(rep.Duration())
	r.publish(rep)
	r.recordHistory(ctx, rep)

	span.SetAttributes(
		attribute.Int("run.keywords_processed", rep.KeywordsProcessed),
		attribute.Int64("run.candidates_seen", rep.CandidatesSeen),
		attribute.Int64("run.metadata_committed", rep.MetadataCommitted),
		attribute.Int64("run.downloads_committed", rep.DownloadsCommitted),
	)
	outcome := "run.finish"
	if runErr != nil {
		outcome = "run.abort"
	}
	event := logger.Info().
		Str("event", outcome).
		Str("run_id", rep.RunID).
		Dur("elapsed", rep.Duration()).
		Int("keywords_processed", rep.KeywordsProcessed).
		Int64("candidates_seen", rep.CandidatesSeen).
		Int64("metadata_committed", rep.MetadataCommitted).
		Int64("downloads_committed", rep.DownloadsCommitted).
		Int64("bytes_downloaded", rep.BytesDownloaded).
		Bool("interrupted", rep.Interrupted)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		event.Str("error", runErr.Error()).Msg("crawl run aborted")
		return &rep, runErr
	}
	span.SetStatus(codes.Ok, "")
	event.Msg("crawl run finished")
	return &rep, nil
}

// abort finalizes the report for a run that never started its stages.
func (c *crawl) abort(ctx context.Context, span trace.Span, err error) (*Report, error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	rep := c.tly.finish(false, time.Now().UTC())
	c.r.recordHistory(ctx, rep)
	logger := log.WithComponentFromContext(ctx, "pipeline")
	logger.Error().
		Str("event", "run.abort").
		Err(err).
		Msg("crawl run aborted before start")
	return &rep, err
}

// produce sweeps the keywords in order and feeds accepted candidates to the
// metadata stage. A failed keyword is counted and skipped; fatal errors
// (exhausted auth, open circuit) cancel the run.
func (c *crawl) produce(ctx context.Context, keywords []string, out chan<- search.Candidate) error {
	logger := log.WithComponentFromContext(ctx, "pipeline")
	emit := func(cand search.Candidate) error {
		select {
		case out <- cand:
			c.tly.candidateSeen()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, kw := range keywords {
		if ctx.Err() != nil {
			return nil
		}
		stats, err := retryAuth(ctx, c.gate, func(ctx context.Context) (search.PageStats, error) {
			return c.r.deps.Searcher.Run(ctx, kw, emit)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.tly.recordError(err)
			c.tly.keywordFailed(kw, stats)
			if isFatal(err) {
				return fmt.Errorf("pipeline: keyword %q: %w", kw, err)
			}
			logger.Error().Err(err).Str("keyword", kw).Msg("keyword sweep failed, continuing")
			continue
		}
		c.tly.keywordDone(kw, stats)
		c.r.publish(c.tly.snapshot())
	}
	return nil
}

// collectLoop turns candidates into committed metadata records and queues
// them for download. Per-item failures are counted and skipped so one bad
// item never stalls the run.
func (c *crawl) collectLoop(ctx context.Context, in <-chan search.Candidate, out chan<- job) error {
	logger := log.WithComponentFromContext(ctx, "pipeline")
	for cand := range in {
		if ctx.Err() != nil {
			continue
		}
		ictx := log.ContextWithItemID(log.ContextWithKeyword(ctx, cand.Keyword), cand.BVID)
		rec, err := retryAuth(ictx, c.gate, func(ctx context.Context) (*metadata.Record, error) {
			return c.r.deps.Collector.Collect(ctx, cand.BVID)
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.tly.recordError(err)
			if isFatal(err) {
				return fmt.Errorf("pipeline: collect %s: %w", cand.BVID, err)
			}
			logger.Warn().Err(err).Str("item_id", cand.BVID).Msg("metadata failed, item skipped")
			continue
		}
		if _, err := c.r.deps.Store.PutMetadata(ictx, rec); err != nil {
			c.tly.recordError(err)
			logger.Error().Err(err).Str("item_id", cand.BVID).Msg("metadata commit failed")
			continue
		}
		c.tly.metadataCommitted()
		c.markSeen(ictx, cand)

		if c.r.opts.MetadataOnly || c.diskFull.Load() {
			continue
		}
		select {
		case out <- job{rec: rec, keyword: cand.Keyword}:
		case <-ctx.Done():
		}
	}
	return nil
}

// downloadLoop fetches media for committed records and attaches it to the
// dataset. Items that already have media are skipped, so re-crawls refresh
// metadata without refetching bytes. A disk-full error stops all further
// fetches for the run while the queue drains.
func (c *crawl) downloadLoop(ctx context.Context, in <-chan job) error {
	logger := log.WithComponentFromContext(ctx, "pipeline")
	for j := range in {
		if ctx.Err() != nil || c.diskFull.Load() {
			continue
		}
		id := j.rec.ItemID()
		if c.r.deps.Store.HasMedia(id) {
			logger.Debug().Str("item_id", id).Msg("media already committed, skipping download")
			continue
		}
		ictx := log.ContextWithItemID(log.ContextWithKeyword(ctx, j.keyword), id)
		req := download.Request{
			ItemID:         id,
			Quality:        c.r.opts.Quality,
			MaxDurationSec: c.r.opts.MaxDurationSec,
		}
		res, err := retryAuth(ictx, c.gate, func(ctx context.Context) (download.Result, error) {
			return c.r.deps.Downloader.Fetch(ctx, req, j.rec)
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.tly.recordError(err)
			if isFatal(err) {
				return fmt.Errorf("pipeline: download %s: %w", id, err)
			}
			if errors.Is(err, download.ErrDiskFull) {
				c.diskFull.Store(true)
				c.tly.markDiskFull()
				logger.Error().Err(err).Str("item_id", id).
					Msg("disk full, downloads halted for this run")
				continue
			}
			logger.Warn().Err(err).Str("item_id", id).
				Msg("download failed, item kept as metadata only")
			continue
		}
		if res.Skipped {
			c.tly.downloadSkipped()
			continue
		}
		if err := c.r.deps.Store.AttachMedia(ictx, id, res.Path); err != nil {
			c.tly.recordError(err)
			logger.Error().Err(err).Str("item_id", id).Msg("media commit failed")
			continue
		}
		c.tly.downloadCommitted(res.Bytes, res.Downgraded)
		c.r.publish(c.tly.snapshot())
	}
	return nil
}

// markSeen records the item in the crawl ledger. The mark follows the
// metadata commit so a crash between the two re-collects rather than
// forgets the item. Ledger failures degrade to a warning.
func (c *crawl) markSeen(ctx context.Context, cand search.Candidate) {
	if c.r.deps.Ledger == nil {
		return
	}
	mark := ledger.Mark{Keyword: cand.Keyword, SeenAt: time.Now().UTC()}
	if err := c.r.deps.Ledger.MarkSeen(ctx, cand.BVID, mark); err != nil {
		log.WithComponentFromContext(ctx, "pipeline").
			Warn().Err(err).Str("item_id", cand.BVID).Msg("ledger mark failed")
	}
}

func (r *Runner) recordHistory(ctx context.Context, rep Report) {
	if r.deps.History == nil {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historyTimeout)
	defer cancel()
	if err := r.deps.History.Append(hctx, toHistoryRun(rep)); err != nil {
		log.WithComponentFromContext(ctx, "pipeline").
			Warn().Err(err).Str("run_id", rep.RunID).Msg("run not recorded in history")
	}
}

func (r *Runner) publish(rep Report) {
	if r.deps.Status != nil {
		r.deps.Status.Progress().Publish(rep)
	}
}

func (r *Runner) setReady(ready bool) {
	if r.deps.Status != nil {
		r.deps.Status.SetReady(ready)
	}
}

func toHistoryRun(rep Report) history.Run {
	return history.Run{
		RunID:       rep.RunID,
		StartedAt:   rep.StartedAt,
		FinishedAt:  rep.FinishedAt,
		Keywords:    rep.Keywords,
		Interrupted: rep.Interrupted,
		Counters: history.Counters{
			KeywordsProcessed:        rep.KeywordsProcessed,
			CandidatesSeen:           rep.CandidatesSeen,
			MetadataCommitted:        rep.MetadataCommitted,
			DownloadsCommitted:       rep.DownloadsCommitted,
			DownloadsSkippedDuration: rep.DownloadsSkippedDuration,
			Downgrades:               rep.Downgrades,
			BytesDownloaded:          rep.BytesDownloaded,
			ErrorsByKind:             rep.ErrorsByKind,
		},
	}
}

// isFatal reports whether an error must abort the whole run instead of
// skipping the current keyword or item.
func isFatal(err error) bool {
	return errors.Is(err, errAuthExhausted) ||
		errors.Is(err, errReloginFailed) ||
		errors.Is(err, resilience.ErrCircuitOpen)
}

// retryAuth runs op once and, if it failed with an expired session, retries
// it once after the gate restored the session.
func retryAuth[T any](ctx context.Context, gate *authGate, op func(context.Context) (T, error)) (T, error) {
	observed := gate.current()
	v, err := op(ctx)
	if err == nil || !errors.Is(err, client.ErrAuthExpired) {
		return v, err
	}
	if rerr := gate.recover(ctx, observed); rerr != nil {
		return v, rerr
	}
	return op(ctx)
}

// authGate serializes session recovery. The run tolerates exactly one
// successful re-login; the next expiry aborts.
type authGate struct {
	login func(context.Context) error
	tly   *tally

	mu       sync.Mutex
	epoch    int
	relogins int
}

func (g *authGate) current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// recover restores the session unless another caller already did so after
// observed was read. Callers blocked on the mutex during a re-login see the
// bumped epoch and retry without logging in again.
func (g *authGate) recover(ctx context.Context, observed int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.epoch > observed {
		return nil
	}
	if g.relogins >= 1 {
		return errAuthExhausted
	}
	g.relogins++
	g.tly.recordError(client.ErrAuthExpired)
	logger := log.WithComponentFromContext(ctx, "pipeline")
	logger.Warn().Msg("session expired, attempting re-login")
	if err := g.login(ctx); err != nil {
		return fmt.Errorf("%w: %v", errReloginFailed, err)
	}
	g.epoch++
	logger.Info().Msg("re-login succeeded, resuming")
	return nil
}
