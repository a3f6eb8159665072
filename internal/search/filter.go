package search

import (
	"html"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Filter narrows search rows before they reach the metadata stage. The zero
// value accepts everything.
type Filter struct {
	MinDurationSec int
	MaxDurationSec int // 0 means unbounded
	MinViews       int64
	TitleInclude   []string  // title must contain every term
	TitleExclude   []string  // title must contain none of these
	PubdateAfter   time.Time // zero means open-ended
	PubdateBefore  time.Time
}

// Scorer rates candidates by engagement relative to plays. A Threshold of
// zero disables the gate.
type Scorer struct {
	LikeWeight     float64
	CoinWeight     float64
	FavoriteWeight float64
	Threshold      float64
}

// Enabled reports whether the score gate is active.
func (s Scorer) Enabled() bool { return s.Threshold > 0 }

// Score returns the weighted engagement ratio for c. Play counts below one
// are clamped so fresh uploads do not divide by zero.
func (s Scorer) Score(c Candidate) float64 {
	plays := c.Play
	if plays < 1 {
		plays = 1
	}
	sum := s.LikeWeight*float64(c.Like) +
		s.CoinWeight*float64(c.Coin) +
		s.FavoriteWeight*float64(c.Favorite)
	return sum / float64(plays)
}

// compiledFilter holds the normalized form: terms lowercased and NFC-folded
// once, negative bounds clamped.
type compiledFilter struct {
	minDuration int
	maxDuration int
	minViews    int64
	include     []string
	exclude     []string
	after       time.Time
	before      time.Time
}

func compileFilter(f Filter) compiledFilter {
	cf := compiledFilter{
		minDuration: f.MinDurationSec,
		maxDuration: f.MaxDurationSec,
		minViews:    f.MinViews,
		include:     normalizeTerms(f.TitleInclude),
		exclude:     normalizeTerms(f.TitleExclude),
		after:       f.PubdateAfter,
		before:      f.PubdateBefore,
	}
	if cf.minDuration < 0 {
		cf.minDuration = 0
	}
	if cf.maxDuration < 0 {
		cf.maxDuration = 0
	}
	if cf.minViews < 0 {
		cf.minViews = 0
	}
	return cf
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(norm.NFC.String(strings.TrimSpace(t)))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// check returns the verdict for the first rule c violates, or "" when c
// passes. Rules run in the order the rejection counters report them.
// Duration bounds are a closed interval. A candidate with no pubdate cannot
// prove membership in a pubdate window and is rejected when one is set.
func (f compiledFilter) check(c Candidate) string {
	if c.DurationSec < f.minDuration {
		return verdictDuration
	}
	if f.maxDuration > 0 && c.DurationSec > f.maxDuration {
		return verdictDuration
	}
	if c.Play < f.minViews {
		return verdictViews
	}
	if len(f.include) > 0 || len(f.exclude) > 0 {
		title := strings.ToLower(norm.NFC.String(c.Title))
		for _, term := range f.include {
			if !strings.Contains(title, term) {
				return verdictTitle
			}
		}
		for _, term := range f.exclude {
			if strings.Contains(title, term) {
				return verdictTitle
			}
		}
	}
	if !f.after.IsZero() && c.Pubdate.Before(f.after) {
		return verdictPubdate
	}
	if !f.before.IsZero() && c.Pubdate.After(f.before) {
		return verdictPubdate
	}
	return ""
}

// cleanTitle strips the keyword highlight tags the search API injects,
// unescapes HTML entities and NFC-normalizes the result.
func cleanTitle(raw string) string {
	t := strings.ReplaceAll(raw, `<em class="keyword">`, "")
	t = strings.ReplaceAll(t, "</em>", "")
	t = html.UnescapeString(t)
	return norm.NFC.String(strings.TrimSpace(t))
}

// parseClock converts a row duration ("MM:SS" or "HH:MM:SS") to seconds.
func parseClock(s string) (int, bool) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, false
	}
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}
