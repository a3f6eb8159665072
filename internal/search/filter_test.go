package search

import (
	"testing"
	"time"
)

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"01:30", 90, true},
		{"0:07", 7, true},
		{"1:02:03", 3723, true},
		{"00:00", 0, true},
		{" 03:05 ", 185, true},
		{"90", 0, false},
		{"", 0, false},
		{"aa:bb", 0, false},
		{"1:2:3:4", 0, false},
		{"-1:30", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseClock(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseClock(%q) = %d, %v, want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`<em class="keyword">deep</em> sea &amp; beyond`, "deep sea & beyond"},
		{"  plain title  ", "plain title"},
		{`<em class="keyword">深海</em>纪录片`, "深海纪录片"},
		{"café vlog", "café vlog"},
	}
	for _, tt := range tests {
		if got := cleanTitle(tt.in); got != tt.want {
			t.Errorf("cleanTitle(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFilterCheck(t *testing.T) {
	after := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)

	base := Candidate{
		Title:       "Deep Sea Documentary",
		DurationSec: 30,
		Play:        1000,
		Pubdate:     time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name    string
		filter  Filter
		mutate  func(*Candidate)
		verdict string
	}{
		{
			name:    "zero filter accepts",
			verdict: "",
		},
		{
			name:    "duration below min",
			filter:  Filter{MinDurationSec: 31},
			verdict: verdictDuration,
		},
		{
			name:    "duration at min accepted",
			filter:  Filter{MinDurationSec: 30},
			verdict: "",
		},
		{
			name:    "duration at max accepted",
			filter:  Filter{MaxDurationSec: 30},
			verdict: "",
		},
		{
			name:    "duration above max",
			filter:  Filter{MaxDurationSec: 29},
			verdict: verdictDuration,
		},
		{
			name:    "views below min",
			filter:  Filter{MinViews: 1001},
			verdict: verdictViews,
		},
		{
			name:    "views at min accepted",
			filter:  Filter{MinViews: 1000},
			verdict: "",
		},
		{
			name:    "include terms all present",
			filter:  Filter{TitleInclude: []string{"deep", "SEA"}},
			verdict: "",
		},
		{
			name:    "include term missing",
			filter:  Filter{TitleInclude: []string{"deep", "abyss"}},
			verdict: verdictTitle,
		},
		{
			name:    "exclude term present",
			filter:  Filter{TitleExclude: []string{"documentary"}},
			verdict: verdictTitle,
		},
		{
			name:    "exclude term absent",
			filter:  Filter{TitleExclude: []string{"gameplay"}},
			verdict: "",
		},
		{
			name:    "decomposed include term matches composed title",
			filter:  Filter{TitleInclude: []string{"café"}},
			mutate:  func(c *Candidate) { c.Title = "Café Stories" },
			verdict: "",
		},
		{
			name:    "pubdate inside window",
			filter:  Filter{PubdateAfter: after, PubdateBefore: before},
			verdict: "",
		},
		{
			name:    "pubdate at window start accepted",
			filter:  Filter{PubdateAfter: after},
			mutate:  func(c *Candidate) { c.Pubdate = after },
			verdict: "",
		},
		{
			name:    "pubdate before window",
			filter:  Filter{PubdateAfter: after},
			mutate:  func(c *Candidate) { c.Pubdate = after.Add(-time.Second) },
			verdict: verdictPubdate,
		},
		{
			name:    "pubdate after window",
			filter:  Filter{PubdateBefore: before},
			mutate:  func(c *Candidate) { c.Pubdate = before.Add(time.Second) },
			verdict: verdictPubdate,
		},
		{
			name:    "unknown pubdate fails window",
			filter:  Filter{PubdateAfter: after},
			mutate:  func(c *Candidate) { c.Pubdate = time.Time{} },
			verdict: verdictPubdate,
		},
		{
			name:    "negative bounds are ignored",
			filter:  Filter{MinDurationSec: -5, MaxDurationSec: -1, MinViews: -10},
			verdict: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			if got := compileFilter(tt.filter).check(c); got != tt.verdict {
				t.Fatalf("check = %q, want %q", got, tt.verdict)
			}
		})
	}
}

func TestScorerScore(t *testing.T) {
	s := Scorer{LikeWeight: 1, CoinWeight: 2, FavoriteWeight: 1.5, Threshold: 0.1}
	c := Candidate{Play: 100, Like: 10, Coin: 2, Favorite: 4}

	if !s.Enabled() {
		t.Fatal("scorer with threshold should be enabled")
	}
	if got, want := s.Score(c), 0.20; got != want {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScorerClampsZeroPlays(t *testing.T) {
	s := Scorer{LikeWeight: 1}
	c := Candidate{Play: 0, Like: 3}
	if got := s.Score(c); got != 3 {
		t.Fatalf("Score with zero plays = %v, want 3", got)
	}
}

func TestScorerDisabledWithoutThreshold(t *testing.T) {
	if (Scorer{LikeWeight: 1}).Enabled() {
		t.Fatal("scorer without threshold should be disabled")
	}
}

func TestNormalizeTerms(t *testing.T) {
	got := normalizeTerms([]string{" Deep ", "", "SEA", "café"})
	want := []string{"deep", "sea", "café"}
	if len(got) != len(want) {
		t.Fatalf("normalizeTerms = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("term[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
