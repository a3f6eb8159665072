package metadata

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion marks the record layout. Bump it when fields change shape
// so maintenance can tell old documents apart.
const SchemaVersion = 1

// Record is the persisted metadata document for one item. Field order is
// fixed by the struct so marshaling stays deterministic.
type Record struct {
	BasicInfo BasicInfo `json:"basic_info"`
	Owner     Owner     `json:"owner"`
	Stat      Stat      `json:"stat"`
	Tags      []string  `json:"tags"`
	Pages     []Part    `json:"pages"`
	CrawlInfo CrawlInfo `json:"crawl_info"`
}

type BasicInfo struct {
	BVID        string `json:"bvid"`
	AID         int64  `json:"aid"`
	Title       string `json:"title"`
	Desc        string `json:"desc"`
	DurationSec int64  `json:"duration"`
	Pubdate     int64  `json:"pubdate"`
	Ctime       int64  `json:"ctime"`
	Videos      int64  `json:"videos"`
	Pic         string `json:"pic"`
	Tname       string `json:"tname"`
	Copyright   int64  `json:"copyright"`
}

type Owner struct {
	Mid  int64  `json:"mid"`
	Name string `json:"name"`
	Face string `json:"face"`
}

type Stat struct {
	View     int64 `json:"view"`
	Danmaku  int64 `json:"danmaku"`
	Reply    int64 `json:"reply"`
	Favorite int64 `json:"favorite"`
	Coin     int64 `json:"coin"`
	Share    int64 `json:"share"`
	Like     int64 `json:"like"`
}

// Part is one segment of a multi-part item. Cid is the platform's internal
// stream identifier the downloader needs.
type Part struct {
	Cid         int64  `json:"cid"`
	Page        int    `json:"page"`
	Part        string `json:"part"`
	DurationSec int64  `json:"duration"`
}

type CrawlInfo struct {
	CollectedAt   time.Time `json:"collected_at"`
	SchemaVersion int       `json:"schema_version"`
}

// ItemID returns the record's platform identifier.
func (r *Record) ItemID() string {
	return r.BasicInfo.BVID
}

// ValidID reports whether id can serve as a platform item identifier and as
// a dataset filename stem: 1 to 64 ASCII letters or digits.
func ValidID(id string) bool {
	if len(id) == 0 || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		default:
			return false
		}
	}
	return true
}

// Validate re-checks the fields every consumer relies on. Maintenance runs
// it against records loaded from disk, Collect runs it before returning.
func Validate(r *Record) error {
	if r == nil {
		return errors.New("metadata record is nil")
	}
	var problems []string
	if r.BasicInfo.BVID == "" {
		problems = append(problems, "missing item id")
	} else if !ValidID(r.BasicInfo.BVID) {
		problems = append(problems, "malformed item id")
	}
	if r.BasicInfo.Title == "" {
		problems = append(problems, "missing title")
	}
	if r.BasicInfo.DurationSec <= 0 {
		problems = append(problems, "duration not positive")
	}
	if r.Owner.Mid == 0 {
		problems = append(problems, "missing owner id")
	}
	if len(problems) > 0 {
		return errors.New("metadata record invalid: " + strings.Join(problems, ", "))
	}
	return nil
}

// flexInt tolerates counters the platform serves as numbers, quoted
// numbers, or placeholder strings like "--" for hidden stats.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "" || s == "null" || s == "--" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexInt(n)
	return nil
}

func clamp(v flexInt) int64 {
	if v < 0 {
		return 0
	}
	return int64(v)
}

type viewData struct {
	BVID      string  `json:"bvid"`
	AID       int64   `json:"aid"`
	Title     string  `json:"title"`
	Desc      string  `json:"desc"`
	Duration  flexInt `json:"duration"`
	Pubdate   flexInt `json:"pubdate"`
	Ctime     flexInt `json:"ctime"`
	Videos    flexInt `json:"videos"`
	Pic       string  `json:"pic"`
	Tname     string  `json:"tname"`
	Copyright flexInt `json:"copyright"`
	Owner     struct {
		Mid  flexInt `json:"mid"`
		Name string  `json:"name"`
		Face string  `json:"face"`
	} `json:"owner"`
	Stat struct {
		View     flexInt `json:"view"`
		Danmaku  flexInt `json:"danmaku"`
		Reply    flexInt `json:"reply"`
		Favorite flexInt `json:"favorite"`
		Coin     flexInt `json:"coin"`
		Share    flexInt `json:"share"`
		Like     flexInt `json:"like"`
	} `json:"stat"`
	Pages []struct {
		Cid      int64   `json:"cid"`
		Page     int     `json:"page"`
		Part     string  `json:"part"`
		Duration flexInt `json:"duration"`
	} `json:"pages"`
}

type tagRow struct {
	TagName string `json:"tag_name"`
}

// composeRecord normalizes the wire payloads: strings trimmed, counters
// clamped to non-negative, empty tag names dropped.
func composeRecord(itemID string, view *viewData, tags []tagRow, collectedAt time.Time) *Record {
	rec := &Record{
		BasicInfo: BasicInfo{
			BVID:        strings.TrimSpace(view.BVID),
			AID:         view.AID,
			Title:       strings.TrimSpace(view.Title),
			Desc:        strings.TrimSpace(view.Desc),
			DurationSec: clamp(view.Duration),
			Pubdate:     clamp(view.Pubdate),
			Ctime:       clamp(view.Ctime),
			Videos:      clamp(view.Videos),
			Pic:         strings.TrimSpace(view.Pic),
			Tname:       strings.TrimSpace(view.Tname),
			Copyright:   clamp(view.Copyright),
		},
		Owner: Owner{
			Mid:  clamp(view.Owner.Mid),
			Name: strings.TrimSpace(view.Owner.Name),
			Face: strings.TrimSpace(view.Owner.Face),
		},
		Stat: Stat{
			View:     clamp(view.Stat.View),
			Danmaku:  clamp(view.Stat.Danmaku),
			Reply:    clamp(view.Stat.Reply),
			Favorite: clamp(view.Stat.Favorite),
			Coin:     clamp(view.Stat.Coin),
			Share:    clamp(view.Stat.Share),
			Like:     clamp(view.Stat.Like),
		},
		Tags:  make([]string, 0, len(tags)),
		Pages: make([]Part, 0, len(view.Pages)),
		CrawlInfo: CrawlInfo{
			CollectedAt:   collectedAt.UTC().Truncate(time.Second),
			SchemaVersion: SchemaVersion,
		},
	}
	if rec.BasicInfo.BVID == "" {
		rec.BasicInfo.BVID = itemID
	}
	for _, t := range tags {
		if name := strings.TrimSpace(t.TagName); name != "" {
			rec.Tags = append(rec.Tags, name)
		}
	}
	for _, p := range view.Pages {
		rec.Pages = append(rec.Pages, Part{
			Cid:         p.Cid,
			Page:        p.Page,
			Part:        strings.TrimSpace(p.Part),
			DurationSec: clamp(p.Duration),
		})
	}
	return rec
}
