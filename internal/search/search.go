// SPDX-License-Identifier: MIT

// Package search turns keywords into filtered candidate streams using the
// platform's paged search API.
package search

import (
	"context"
	"errors"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ManuGH/vidharvest/internal/client"
	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metadata"
	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/ManuGH/vidharvest/internal/resilience"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

const (
	tracerName = "vidharvest.search"

	searchPath   = "/x/web-interface/search/type"
	searchType   = "video"
	rowTypeVideo = "video"

	defaultOrder           = "totalrank"
	defaultPageSize        = 30
	maxPageSize            = 50
	defaultMaxPages        = 50
	defaultPageIntervalMin = time.Second
	defaultPageIntervalMax = 2500 * time.Millisecond
)

// Verdicts name the first rule that rejected a row. They double as the
// disposition label on the candidate counter.
const (
	verdictAccepted = "accepted"
	verdictDuration = "duration"
	verdictViews    = "views"
	verdictTitle    = "title"
	verdictPubdate  = "pubdate"
	verdictScore    = "score"
	verdictDup      = "dup"
)

// Candidate is a search hit that survived filtering. It carries only what
// the search rows expose; the metadata collector fetches the full record.
type Candidate struct {
	BVID        string
	AID         int64
	Title       string
	Author      string
	Mid         int64
	DurationSec int
	Pubdate     time.Time
	Play        int64
	Danmaku     int64
	Like        int64
	Coin        int64 // search rows carry no coin counts, filled at the detail stage
	Favorite    int64
	Keyword     string
	Page        int
}

// Query controls pagination for one keyword sweep.
type Query struct {
	Keyword  string
	Order    string // totalrank, pubdate, click, dm, stow
	PageSize int
	MaxPages int
	Limit    int // stop after this many accepted candidates, 0 means unlimited
}

// Ledger answers whether an item was already committed by an earlier run.
// Implementations must be safe for concurrent use.
type Ledger interface {
	Seen(ctx context.Context, itemID string) (bool, error)
}

// PageStats summarizes one keyword sweep.
type PageStats struct {
	PagesFetched int          `json:"pages_fetched"`
	PagesFailed  int          `json:"pages_failed"`
	RowsSeen     int          `json:"rows_seen"`
	Accepted     int          `json:"accepted"`
	Rejected     RejectCounts `json:"rejected"`
}

// RejectCounts breaks rejections down by the first rule that fired.
type RejectCounts struct {
	Duration int `json:"duration,omitempty"`
	Views    int `json:"views,omitempty"`
	Title    int `json:"title,omitempty"`
	Pubdate  int `json:"pubdate,omitempty"`
	Score    int `json:"score,omitempty"`
	Dup      int `json:"dup,omitempty"`
}

func (r *RejectCounts) add(verdict string) {
	switch verdict {
	case verdictDuration:
		r.Duration++
	case verdictViews:
		r.Views++
	case verdictTitle:
		r.Title++
	case verdictPubdate:
		r.Pubdate++
	case verdictScore:
		r.Score++
	case verdictDup:
		r.Dup++
	}
}

// Total returns the number of rejected rows.
func (r RejectCounts) Total() int {
	return r.Duration + r.Views + r.Title + r.Pubdate + r.Score + r.Dup
}

// Options configures a Searcher. Zero values select the documented defaults.
type Options struct {
	Query           Query
	Filter          Filter
	Scorer          Scorer
	Ledger          Ledger
	PageIntervalMin time.Duration
	PageIntervalMax time.Duration
}

// Searcher walks the paged search API for one keyword at a time. It is not
// safe for concurrent use; the pipeline runs keywords serially and dedups
// across them through the shared seen set.
type Searcher struct {
	api      *client.Client
	query    Query
	filter   compiledFilter
	scorer   Scorer
	ledger   Ledger
	interMin time.Duration
	interMax time.Duration
	seenRun  map[string]struct{}
	rnd      *rand.Rand
}

// New builds a Searcher on top of the shared API client.
func New(api *client.Client, opts Options) *Searcher {
	opts = normalizeOptions(opts)
	return &Searcher{
		api:      api,
		query:    opts.Query,
		filter:   compileFilter(opts.Filter),
		scorer:   opts.Scorer,
		ledger:   opts.Ledger,
		interMin: opts.PageIntervalMin,
		interMax: opts.PageIntervalMax,
		seenRun:  make(map[string]struct{}),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- page pacing only
	}
}

func normalizeOptions(opts Options) Options {
	if opts.Query.Order == "" {
		opts.Query.Order = defaultOrder
	}
	if opts.Query.PageSize <= 0 {
		opts.Query.PageSize = defaultPageSize
	}
	if opts.Query.PageSize > maxPageSize {
		opts.Query.PageSize = maxPageSize
	}
	if opts.Query.MaxPages <= 0 {
		opts.Query.MaxPages = defaultMaxPages
	}
	if opts.Query.Limit < 0 {
		opts.Query.Limit = 0
	}
	if opts.PageIntervalMin <= 0 {
		opts.PageIntervalMin = defaultPageIntervalMin
	}
	if opts.PageIntervalMax <= 0 {
		opts.PageIntervalMax = defaultPageIntervalMax
	}
	if opts.PageIntervalMax < opts.PageIntervalMin {
		opts.PageIntervalMax = opts.PageIntervalMin
	}
	return opts
}

// Run searches one keyword and streams accepted candidates through emit.
// Emit blocks the page loop, so a slow consumer naturally paces the sweep.
// Auth expiry and an open circuit abort the sweep; any other page failure
// is skipped and counted so the keyword can finish.
func (s *Searcher) Run(ctx context.Context, keyword string, emit func(Candidate) error) (PageStats, error) {
	q := s.query
	q.Keyword = keyword

	tracer := telemetry.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "vidharvest.search.keyword")
	defer span.End()
	span.SetAttributes(
		attribute.Int("search.page_size", q.PageSize),
		attribute.Int("search.max_pages", q.MaxPages),
	)

	ctx = log.ContextWithKeyword(ctx, keyword)
	stats, err := s.sweep(ctx, q, emit)
	span.SetAttributes(
		attribute.Int("search.pages_fetched", stats.PagesFetched),
		attribute.Int("search.rows_seen", stats.RowsSeen),
		attribute.Int("search.accepted", stats.Accepted),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return stats, err
	}
	span.SetStatus(codes.Ok, "")
	return stats, nil
}

func (s *Searcher) sweep(ctx context.Context, q Query, emit func(Candidate) error) (PageStats, error) {
	logger := log.WithComponentFromContext(ctx, "search")

	var stats PageStats
	for page := 1; page <= q.MaxPages; page++ {
		if page > 1 {
			if err := s.pagePause(ctx); err != nil {
				return stats, err
			}
		}

		data, err := s.fetchPage(ctx, q, page)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			if errors.Is(err, client.ErrAuthExpired) || errors.Is(err, resilience.ErrCircuitOpen) {
				return stats, err
			}
			stats.PagesFailed++
			metrics.RecordSearchPage("failed")
			logger.Warn().Err(err).Int("page", page).Msg("search page failed, skipping")
			continue
		}
		stats.PagesFetched++
		metrics.RecordSearchPage("ok")
		logger.Debug().
			Str("event", "search.page").
			Int("page", page).
			Int("rows", len(data.Result)).
			Msg("search page fetched")

		if len(data.Result) == 0 {
			logger.Debug().Int("page", page).Msg("search exhausted")
			break
		}

		for i := range data.Result {
			stats.RowsSeen++
			c, ok := candidateFromRow(&data.Result[i], q.Keyword, page)
			if !ok {
				continue
			}
			verdict := s.evaluate(ctx, c)
			metrics.RecordCandidate(verdict)
			if verdict != verdictAccepted {
				stats.Rejected.add(verdict)
				continue
			}
			s.seenRun[c.BVID] = struct{}{}
			stats.Accepted++
			if err := emit(c); err != nil {
				return stats, err
			}
			if q.Limit > 0 && stats.Accepted >= q.Limit {
				logger.Debug().Int("accepted", stats.Accepted).Msg("keyword limit reached")
				return stats, nil
			}
		}

		if data.NumPages > 0 && page >= data.NumPages {
			break
		}
		if len(data.Result) < q.PageSize {
			break
		}
	}

	logger.Info().
		Str("event", "search.keyword_done").
		Int("pages", stats.PagesFetched).
		Int("pages_failed", stats.PagesFailed).
		Int("rows", stats.RowsSeen).
		Int("accepted", stats.Accepted).
		Int("rejected", stats.Rejected.Total()).
		Msg("keyword search complete")
	return stats, nil
}

func (s *Searcher) fetchPage(ctx context.Context, q Query, page int) (searchData, error) {
	params := url.Values{}
	params.Set("search_type", searchType)
	params.Set("keyword", q.Keyword)
	params.Set("order", q.Order)
	params.Set("page", strconv.Itoa(page))
	params.Set("page_size", strconv.Itoa(q.PageSize))

	var data searchData
	if err := s.api.GetJSON(ctx, "search", searchPath, params, &data); err != nil {
		return searchData{}, err
	}
	return data, nil
}

// evaluate applies filter, score gate and dedup in reporting order.
func (s *Searcher) evaluate(ctx context.Context, c Candidate) string {
	if verdict := s.filter.check(c); verdict != "" {
		return verdict
	}
	if s.scorer.Enabled() && s.scorer.Score(c) < s.scorer.Threshold {
		return verdictScore
	}
	if _, dup := s.seenRun[c.BVID]; dup {
		return verdictDup
	}
	if s.ledger != nil {
		seen, err := s.ledger.Seen(ctx, c.BVID)
		if err != nil {
			log.FromContext(ctx).Warn().Err(err).Str("item_id", c.BVID).Msg("ledger lookup failed, treating as unseen")
		} else if seen {
			return verdictDup
		}
	}
	return verdictAccepted
}

// pagePause sleeps a uniform random interval between pages. The caller only
// invokes it when another page follows.
func (s *Searcher) pagePause(ctx context.Context) error {
	d := s.interMin
	if span := s.interMax - s.interMin; span > 0 {
		d += time.Duration(s.rnd.Int63n(int64(span) + 1))
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type searchData struct {
	NumResults int         `json:"numResults"`
	NumPages   int         `json:"numPages"`
	Result     []searchRow `json:"result"`
}

type searchRow struct {
	Type        string `json:"type"`
	BVID        string `json:"bvid"`
	AID         int64  `json:"aid"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Mid         int64  `json:"mid"`
	Play        int64  `json:"play"`
	VideoReview int64  `json:"video_review"`
	Like        int64  `json:"like"`
	Favorites   int64  `json:"favorites"`
	Duration    string `json:"duration"`
	Pubdate     int64  `json:"pubdate"`
}

// candidateFromRow rejects non-video rows and rows without a usable item
// ID; everything else becomes a Candidate for the filter chain.
func candidateFromRow(row *searchRow, keyword string, page int) (Candidate, bool) {
	if row.Type != rowTypeVideo || !strings.HasPrefix(row.BVID, "BV") || !metadata.ValidID(row.BVID) {
		return Candidate{}, false
	}
	dur, _ := parseClock(row.Duration)
	c := Candidate{
		BVID:        row.BVID,
		AID:         row.AID,
		Title:       cleanTitle(row.Title),
		Author:      strings.TrimSpace(row.Author),
		Mid:         row.Mid,
		DurationSec: dur,
		Play:        row.Play,
		Danmaku:     row.VideoReview,
		Like:        row.Like,
		Favorite:    row.Favorites,
		Keyword:     keyword,
		Page:        page,
	}
	if row.Pubdate > 0 {
		c.Pubdate = time.Unix(row.Pubdate, 0).UTC()
	}
	return c, true
}
