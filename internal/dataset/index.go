package dataset

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/ManuGH/vidharvest/internal/metadata"
)

// Entry is the index projection of a metadata record.
type Entry struct {
	BVID        string    `json:"bvid"`
	Title       string    `json:"title"`
	DurationSec int64     `json:"duration"`
	Pubdate     int64     `json:"pubdate"`
	OwnerName   string    `json:"owner_name"`
	Views       int64     `json:"view"`
	Likes       int64     `json:"like"`
	Tags        []string  `json:"tags"`
	HasMedia    bool      `json:"has_media"`
	MediaBytes  int64     `json:"media_bytes,omitempty"`
	AddedAt     time.Time `json:"added_at"`
}

// Index is the master document describing the dataset.
type Index struct {
	Videos map[string]Entry `json:"videos"`
	Stats  Stats            `json:"stats"`
}

type Stats struct {
	TotalCount    int       `json:"total_count"`
	TotalDuration int64     `json:"total_duration"`
	LastUpdated   time.Time `json:"last_updated"`
}

// NewEntry projects a record into its index form.
func NewEntry(rec *metadata.Record, addedAt time.Time) Entry {
	return Entry{
		BVID:        rec.BasicInfo.BVID,
		Title:       rec.BasicInfo.Title,
		DurationSec: rec.BasicInfo.DurationSec,
		Pubdate:     rec.BasicInfo.Pubdate,
		OwnerName:   rec.Owner.Name,
		Views:       rec.Stat.View,
		Likes:       rec.Stat.Like,
		Tags:        append([]string(nil), rec.Tags...),
		AddedAt:     addedAt.UTC().Truncate(time.Second),
	}
}

func newIndex() *Index {
	return &Index{Videos: map[string]Entry{}}
}

func (ix *Index) clone() *Index {
	out := &Index{Videos: make(map[string]Entry, len(ix.Videos)), Stats: ix.Stats}
	for id, e := range ix.Videos {
		e.Tags = append([]string(nil), e.Tags...)
		out.Videos[id] = e
	}
	return out
}

// recompute derives stats from the entry set. Stats are never adjusted
// incrementally; that is what keeps them from drifting.
func (ix *Index) recompute(now time.Time) {
	ix.Stats.TotalCount = len(ix.Videos)
	var total int64
	for _, e := range ix.Videos {
		total += e.DurationSec
	}
	ix.Stats.TotalDuration = total
	ix.Stats.LastUpdated = now.UTC().Truncate(time.Second)
}

// encodeJSON renders dataset documents: two-space indent, trailing newline.
func encodeJSON(v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
