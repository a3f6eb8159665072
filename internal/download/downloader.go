// SPDX-License-Identifier: MIT

// Package download resolves stream URLs for accepted items, fetches them
// with resume support, and muxes split tracks into a single media file.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/ManuGH/vidharvest/internal/client"
	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metadata"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/platform/fs"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

const (
	tracerName  = "vidharvest.download"
	playurlPath = "/x/player/playurl"

	mediaExt   = ".mp4"
	partSuffix = ".part"

	defaultQuality     = 64
	defaultConcurrency = 3
	defaultRetries     = 3
	defaultBackoffBase = 2 * time.Second
	defaultBackoffMax  = 60 * time.Second

	// progressStep throttles the progress callback to once per megabyte.
	progressStep = 1 << 20
)

// Options configures a Downloader. Zero values fall back to the defaults
// used by the crawl pipeline.
type Options struct {
	MediaDir         string
	FFmpegBin        string
	FFprobeBin       string
	Quality          int
	Concurrency      int
	Retries          int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	DiskReserveBytes int64

	// OnProgress, when set, receives throttled byte counts per stream.
	// total is zero when the server does not announce a length.
	OnProgress func(itemID, stream string, written, total int64)
}

// Request identifies one item to fetch. Cid falls back to the first page of
// the metadata record when zero. A non-positive MaxDurationSec disables the
// duration gate.
type Request struct {
	ItemID         string
	Cid            int64
	Quality        int
	MaxDurationSec int64
}

// Result reports what Fetch did. Exactly one of Skipped, Reused, or a fresh
// download applies; Path is empty only for Skipped results.
type Result struct {
	Path       string
	Bytes      int64
	Quality    int
	Downgraded bool
	Skipped    bool
	Reused     bool
	Elapsed    time.Duration
}

// Downloader fetches media for accepted items. It is safe for concurrent
// use; a weighted semaphore bounds the number of in-flight downloads.
type Downloader struct {
	api        *client.Client
	mediaDir   string
	ffmpegBin  string
	ffprobeBin string
	quality    int
	retries    int
	backoff    time.Duration
	maxBackoff time.Duration
	reserve    int64
	sem        *semaphore.Weighted
	onProgress func(itemID, stream string, written, total int64)
	now        func() time.Time

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(api *client.Client, opts Options) *Downloader {
	opts = normalizeOptions(opts)
	return &Downloader{
		api:        api,
		mediaDir:   opts.MediaDir,
		ffmpegBin:  opts.FFmpegBin,
		ffprobeBin: opts.FFprobeBin,
		quality:    opts.Quality,
		retries:    opts.Retries,
		backoff:    opts.BackoffBase,
		maxBackoff: opts.BackoffMax,
		reserve:    opts.DiskReserveBytes,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		onProgress: opts.OnProgress,
		now:        time.Now,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- retry jitter only
	}
}

func normalizeOptions(opts Options) Options {
	if opts.MediaDir == "" {
		opts.MediaDir = "media"
	}
	if opts.FFmpegBin == "" {
		opts.FFmpegBin = "ffmpeg"
	}
	if opts.FFprobeBin == "" {
		opts.FFprobeBin = "ffprobe"
	}
	if opts.Quality <= 0 {
		opts.Quality = defaultQuality
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = defaultRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = defaultBackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = defaultBackoffMax
	}
	if opts.DiskReserveBytes < 0 {
		opts.DiskReserveBytes = 0
	}
	return opts
}

// MediaPath returns the final media file path for an item.
func (d *Downloader) MediaPath(itemID string) string {
	return filepath.Join(d.mediaDir, fs.SafeName(itemID)+mediaExt)
}

// Fetch downloads the media for one item. Items longer than the request's
// duration cap are skipped before a download slot is taken. An existing
// final file short-circuits to a reused result.
func (d *Downloader) Fetch(ctx context.Context, req Request, rec *metadata.Record) (Result, error) {
	ctx, span := telemetry.Tracer(tracerName).Start(ctx, "vidharvest.download.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("item.id", req.ItemID))
	ctx = log.ContextWithItemID(ctx, req.ItemID)

	res, err := d.fetch(ctx, req, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return res, err
	}
	span.SetAttributes(
		attribute.Int("quality", res.Quality),
		attribute.Int64("bytes", res.Bytes),
		attribute.Bool("skipped", res.Skipped),
		attribute.Bool("reused", res.Reused),
	)
	span.SetStatus(codes.Ok, "")
	return res, nil
}

func (d *Downloader) fetch(ctx context.Context, req Request, rec *metadata.Record) (Result, error) {
	logger := log.WithComponentFromContext(ctx, "download")
	start := d.now()

	var durationSec int64
	if rec != nil {
		durationSec = rec.BasicInfo.DurationSec
	}
	if req.MaxDurationSec > 0 && durationSec > req.MaxDurationSec {
		logger.Debug().
			Int64("duration_sec", durationSec).
			Int64("max_duration_sec", req.MaxDurationSec).
			Msg("item exceeds duration cap, skipping download")
		metrics.RecordDownload("skipped_duration")
		return Result{Skipped: true, Elapsed: d.now().Sub(start)}, nil
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer d.sem.Release(1)

	if err := os.MkdirAll(d.mediaDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("media dir: %w", err)
	}

	final := d.MediaPath(req.ItemID)
	if info, err := os.Stat(final); err == nil && info.Size() > 0 {
		logger.Debug().Str("path", final).Int64("bytes", info.Size()).Msg("media file already present")
		metrics.RecordDownload("exists")
		return Result{
			Path:    final,
			Bytes:   info.Size(),
			Quality: d.quality,
			Reused:  true,
			Elapsed: d.now().Sub(start),
		}, nil
	}

	cid := req.Cid
	if cid == 0 && rec != nil && len(rec.Pages) > 0 {
		cid = rec.Pages[0].Cid
	}
	want := req.Quality
	if want <= 0 {
		want = d.quality
	}

	sel, err := d.resolveStreams(ctx, req.ItemID, cid, want, durationSec)
	if err != nil {
		metrics.RecordDownload("failed")
		return Result{}, err
	}
	if sel.downgraded {
		logger.Warn().
			Int("requested", want).
			Int("got", sel.quality).
			Msg("requested quality unavailable, downgrading")
	}

	if err := d.checkDiskSpace(ctx, sel.expectedBytes); err != nil {
		metrics.RecordDownload("failed")
		return Result{}, err
	}

	if err := d.download(ctx, req.ItemID, sel, final); err != nil {
		metrics.RecordDownload("failed")
		return Result{}, err
	}

	info, err := os.Stat(final)
	if err != nil {
		metrics.RecordDownload("failed")
		return Result{}, fmt.Errorf("stat final media: %w", err)
	}
	res := Result{
		Path:       final,
		Bytes:      info.Size(),
		Quality:    sel.quality,
		Downgraded: sel.downgraded,
		Elapsed:    d.now().Sub(start),
	}
	metrics.RecordDownload("ok")
	logger.Info().
		Str("event", "download.complete").
		Str("path", final).
		Int64("bytes", res.Bytes).
		Int("quality", res.Quality).
		Dur("elapsed", res.Elapsed).
		Msg("media downloaded")
	return res, nil
}

func (d *Downloader) resolveStreams(ctx context.Context, itemID string, cid int64, want int, durationSec int64) (selection, error) {
	if cid == 0 {
		return selection{}, fmt.Errorf("%w: no cid for %s", ErrNoStream, itemID)
	}
	params := url.Values{}
	params.Set("bvid", itemID)
	params.Set("cid", strconv.FormatInt(cid, 10))
	params.Set("qn", strconv.Itoa(want))
	params.Set("fnval", "16")
	params.Set("fnver", "0")
	params.Set("fourk", "1")

	var data playData
	if err := d.api.GetJSON(ctx, "playurl", playurlPath, params, &data); err != nil {
		return selection{}, fmt.Errorf("playurl %s: %w", itemID, err)
	}
	sel, err := pickStreams(&data, want, durationSec)
	if err != nil {
		return selection{}, fmt.Errorf("%w: %s offers no tracks", err, itemID)
	}
	return sel, nil
}

func (d *Downloader) checkDiskSpace(ctx context.Context, need int64) error {
	free, err := fs.FreeBytes(d.mediaDir)
	if err != nil {
		logger := log.WithComponentFromContext(ctx, "download")
		logger.Warn().Err(err).Msg("free space probe failed, skipping disk guard")
		return nil
	}
	if need < 0 {
		need = 0
	}
	if free < uint64(d.reserve)+uint64(need) {
		return fmt.Errorf("%w: need %d MiB beyond the %d MiB reserve, %d MiB free",
			ErrDiskFull, need>>20, d.reserve>>20, free>>20)
	}
	return nil
}

// download fetches the selected streams into part files next to the final
// path and promotes the result with a rename. A failure never leaves a
// final-named file behind.
func (d *Downloader) download(ctx context.Context, itemID string, sel selection, final string) error {
	outPart := final + partSuffix

	if sel.progressive() {
		if err := d.fetchSegments(ctx, itemID, sel.segments, outPart); err != nil {
			return err
		}
		return promote(outPart, final)
	}

	videoPart := final + ".video" + partSuffix
	if _, err := d.fetchStream(ctx, itemID, "video", sel.videoURL, videoPart, 0, 0); err != nil {
		return err
	}
	if sel.audioURL == "" {
		// Single-track DASH: the video part is the whole file.
		if err := os.Rename(videoPart, outPart); err != nil {
			return fmt.Errorf("stage media: %w", err)
		}
		return promote(outPart, final)
	}

	audioPart := final + ".audio" + partSuffix
	if _, err := d.fetchStream(ctx, itemID, "audio", sel.audioURL, audioPart, 0, 0); err != nil {
		return err
	}
	if err := d.mux(ctx, itemID, videoPart, audioPart, outPart); err != nil {
		return err
	}
	if err := promote(outPart, final); err != nil {
		return err
	}
	removeQuiet(videoPart)
	removeQuiet(audioPart)
	return nil
}

// fetchSegments downloads legacy durl segments sequentially into one part
// file, tracking the base offset so resume lands in the right segment.
func (d *Downloader) fetchSegments(ctx context.Context, itemID string, segments []durlSeg, path string) error {
	var base int64
	for i, seg := range segments {
		stream := "media"
		if len(segments) > 1 {
			stream = fmt.Sprintf("media[%d]", i)
		}
		if _, err := d.fetchStream(ctx, itemID, stream, seg.URL, path, base, seg.Size); err != nil {
			return err
		}
		base += seg.Size
	}
	return nil
}

// fetchStream downloads one stream into path starting at base, resuming from
// whatever is already on disk. expected of zero means the length is learned
// from the response. It retries mid-body failures from the current offset.
func (d *Downloader) fetchStream(ctx context.Context, itemID, stream, rawURL, path string, base, expected int64) (int64, error) {
	logger := log.WithComponentFromContext(ctx, "download")
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			wait := d.backoffFor(attempt - 1)
			logger.Debug().
				Str("stream", stream).
				Int("attempt", attempt).
				Dur("backoff", wait).
				Err(lastErr).
				Msg("retrying stream download")
			if err := sleepWithContext(ctx, wait); err != nil {
				return 0, err
			}
		}
		written, err := d.streamOnce(ctx, itemID, stream, rawURL, path, base, expected)
		if err == nil {
			return written, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		// The client retries transport failures itself; only mid-body
		// failures are worth re-driving from the current offset here.
		if !isBodyError(err) {
			return 0, fmt.Errorf("download %s stream: %w", stream, err)
		}
		lastErr = err
	}
	return 0, fmt.Errorf("download %s stream: %w", stream, lastErr)
}

// bodyError marks failures that happened while reading the response body.
type bodyError struct{ err error }

func (e *bodyError) Error() string { return e.err.Error() }
func (e *bodyError) Unwrap() error { return e.err }

func isBodyError(err error) bool {
	var be *bodyError
	return errors.As(err, &be)
}

func (d *Downloader) streamOnce(ctx context.Context, itemID, stream, rawURL, path string, base, expected int64) (int64, error) {
	size := onDiskSize(path)
	segOffset := size - base
	if segOffset < 0 {
		// The part file is shorter than the segment base; an earlier segment
		// was truncated. Start this segment from scratch.
		if err := truncateTo(path, base); err != nil {
			return 0, err
		}
		segOffset = 0
	}
	if expected > 0 && segOffset >= expected {
		return expected, nil
	}
	if segOffset > 0 {
		logger := log.WithComponentFromContext(ctx, "download")
		logger.Info().
			Str("event", "download.resume").
			Str("item_id", itemID).
			Str("stream", stream).
			Int64("offset", segOffset).
			Msg("resuming from existing part file")
	}

	resp, err := d.api.Stream(ctx, stream, rawURL, segOffset)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	want := expected
	if resp.StatusCode == http.StatusOK {
		// Full body: either a fresh start or a server that ignored the
		// Range header. Rewrite the segment from its base.
		if segOffset > 0 {
			if err := truncateTo(path, base); err != nil {
				return 0, err
			}
			segOffset = 0
		}
		if want <= 0 && resp.ContentLength >= 0 {
			want = resp.ContentLength
		}
	} else if want <= 0 && resp.ContentLength >= 0 {
		want = segOffset + resp.ContentLength
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G304 -- path derived from SafeName
	if err != nil {
		return 0, fmt.Errorf("open part file: %w", err)
	}

	dst := io.Writer(f)
	if d.onProgress != nil {
		dst = &progressWriter{
			w:        f,
			written:  segOffset,
			lastMark: segOffset,
			total:    want,
			report: func(written, total int64) {
				d.onProgress(itemID, stream, written, total)
			},
		}
	}
	n, copyErr := io.Copy(dst, resp.Body)
	if n > 0 {
		metrics.AddDownloadBytes(n)
	}
	if err := f.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	total := segOffset + n
	if copyErr != nil {
		return total, &bodyError{err: copyErr}
	}
	if want > 0 && total != want {
		return total, &bodyError{err: fmt.Errorf("short body: got %d of %d bytes", total, want)}
	}
	return total, nil
}

// mux copies the video and audio parts into one container. On failure the
// parts are kept for a later resume and only the staged output is removed.
func (d *Downloader) mux(ctx context.Context, itemID, videoPart, audioPart, outPart string) error {
	ring := newLineRing(64)
	args := []string{"-y", "-i", videoPart, "-i", audioPart, "-c", "copy", "-loglevel", "error", outPart}
	cmd := exec.CommandContext(ctx, d.ffmpegBin, args...) // #nosec G204 -- binary from config, args built internally
	cmd.Stderr = ring

	logger := log.WithComponentFromContext(ctx, "download")
	logger.Debug().
		Str("bin", d.ffmpegBin).
		Strs("args", args).
		Msg("muxing streams")

	if err := cmd.Run(); err != nil {
		removeQuiet(outPart)
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		metrics.RecordMerge("failed")
		return &MergeError{ItemID: itemID, ExitCode: code, Stderr: ring.LastN(20), Err: err}
	}
	info, err := os.Stat(outPart)
	if err != nil || info.Size() == 0 {
		removeQuiet(outPart)
		metrics.RecordMerge("failed")
		return &MergeError{ItemID: itemID, Stderr: ring.LastN(20), Err: errors.New("muxer produced no output")}
	}
	metrics.RecordMerge("ok")
	return nil
}

func (d *Downloader) backoffFor(n int) time.Duration {
	wait := d.backoff << n
	if wait > d.maxBackoff || wait <= 0 {
		wait = d.maxBackoff
	}
	jitter := wait / 5
	if jitter > 0 {
		d.mu.Lock()
		wait += time.Duration(d.rnd.Int63n(int64(jitter) + 1))
		d.mu.Unlock()
	}
	return wait
}

func promote(part, final string) error {
	if err := os.Rename(part, final); err != nil {
		return fmt.Errorf("promote media: %w", err)
	}
	return nil
}

func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Base().Warn().Err(err).Str("path", path).Msg("cleanup failed")
	}
}

func onDiskSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func truncateTo(path string, size int64) error {
	err := os.Truncate(path, size)
	if err == nil || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("truncate part file: %w", err)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// progressWriter forwards throttled byte counts to the progress callback.
type progressWriter struct {
	w        io.Writer
	report   func(written, total int64)
	written  int64
	lastMark int64
	total    int64
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.written-p.lastMark >= progressStep || (err == nil && p.total > 0 && p.written == p.total) {
		p.lastMark = p.written
		p.report(p.written, p.total)
	}
	return n, err
}
