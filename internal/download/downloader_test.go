// SPDX-License-Identifier: MIT

package download

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/vidharvest/internal/client"
	"github.com/ManuGH/vidharvest/internal/metadata"
)

func fastClient(base string) *client.Client {
	return client.New(base, client.Options{
		RequestInterval: time.Millisecond,
		Retries:         -1,
		BackoffBase:     time.Millisecond,
		BackoffMax:      2 * time.Millisecond,
	})
}

func fastOptions(dir string) Options {
	return Options{
		MediaDir:    filepath.Join(dir, "media"),
		Quality:     64,
		Retries:     2,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}
}

// fakeTool writes an executable shell script standing in for ffmpeg or
// ffprobe.
func fakeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write fake tool: %v", err)
	}
	return path
}

// muxScript concatenates the two -i inputs into the output argument,
// matching the argument order the downloader passes to ffmpeg.
const muxScript = `cat "$3" "$5" > "${10}"`

func testRecord(durationSec int64) *metadata.Record {
	return &metadata.Record{
		BasicInfo: metadata.BasicInfo{BVID: "BV1test", Title: "clip", DurationSec: durationSec},
		Owner:     metadata.Owner{Mid: 1},
		Pages:     []metadata.Part{{Cid: 777, Page: 1, Part: "p1"}},
	}
}

func servePlayurl(w http.ResponseWriter, data string) {
	fmt.Fprintf(w, `{"code":0,"message":"0","data":%s}`, data)
}

func parseRangeStart(h string) int {
	if !strings.HasPrefix(h, "bytes=") {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(h, "bytes="), "-"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// blobServer serves a byte blob with optional Range support and an optional
// mid-body abort on the first request.
type blobServer struct {
	blob           []byte
	failFirstAfter int
	ignoreRange    bool

	mu     sync.Mutex
	hits   int
	ranges []string
	failed bool
}

func (b *blobServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.hits++
		b.ranges = append(b.ranges, r.Header.Get("Range"))
		fail := b.failFirstAfter > 0 && !b.failed
		if fail {
			b.failed = true
		}
		b.mu.Unlock()

		start := 0
		if !b.ignoreRange {
			start = parseRangeStart(r.Header.Get("Range"))
		}
		body := b.blob[start:]
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if start > 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(b.blob)-1, len(b.blob)))
			w.WriteHeader(http.StatusPartialContent)
		}
		if fail {
			_, _ = w.Write(body[:b.failFirstAfter])
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			panic(http.ErrAbortHandler)
		}
		_, _ = w.Write(body)
	}
}

func (b *blobServer) hitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits
}

func (b *blobServer) requestRanges() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ranges...)
}

func TestFetchDashDownloadAndMux(t *testing.T) {
	videoBlob := bytes.Repeat([]byte("V"), 4096)
	audioBlob := bytes.Repeat([]byte("A"), 2048)
	video := &blobServer{blob: videoBlob}
	audio := &blobServer{blob: audioBlob}

	var srv *httptest.Server
	var playHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		playHits.Add(1)
		q := r.URL.Query()
		if got := q.Get("bvid"); got != "BV1test" {
			t.Errorf("bvid = %q, want BV1test", got)
		}
		if got := q.Get("cid"); got != "777" {
			t.Errorf("cid = %q, want 777", got)
		}
		if got := q.Get("fnval"); got != "16" {
			t.Errorf("fnval = %q, want 16", got)
		}
		servePlayurl(w, fmt.Sprintf(
			`{"quality":64,"dash":{"video":[{"id":64,"baseUrl":%q,"bandwidth":800000,"codecid":7}],"audio":[{"id":30280,"baseUrl":%q,"bandwidth":192000}]}}`,
			srv.URL+"/stream/video", srv.URL+"/stream/audio"))
	})
	mux.HandleFunc("/stream/video", video.handler())
	mux.HandleFunc("/stream/audio", audio.handler())
	srv = httptest.NewServer(mux)
	defer srv.Close()

	opts := fastOptions(t.TempDir())
	opts.FFmpegBin = fakeTool(t, muxScript)
	d := New(fastClient(srv.URL), opts)

	res, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Skipped || res.Reused || res.Downgraded {
		t.Fatalf("unexpected flags in %+v", res)
	}
	if res.Quality != 64 {
		t.Fatalf("quality = %d, want 64", res.Quality)
	}
	if res.Path != d.MediaPath("BV1test") {
		t.Fatalf("path = %q, want %q", res.Path, d.MediaPath("BV1test"))
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	want := append(append([]byte(nil), videoBlob...), audioBlob...)
	if !bytes.Equal(got, want) {
		t.Fatalf("final file has %d bytes, want %d", len(got), len(want))
	}
	if res.Bytes != int64(len(want)) {
		t.Fatalf("bytes = %d, want %d", res.Bytes, len(want))
	}
	for _, part := range []string{res.Path + ".video.part", res.Path + ".audio.part", res.Path + ".part"} {
		if _, err := os.Stat(part); !os.IsNotExist(err) {
			t.Fatalf("part %s still present", part)
		}
	}
	if playHits.Load() != 1 {
		t.Fatalf("playurl hits = %d, want 1", playHits.Load())
	}
}

func TestFetchProgressiveSegments(t *testing.T) {
	seg1 := bytes.Repeat([]byte("x"), 1000)
	seg2 := bytes.Repeat([]byte("y"), 500)
	s1 := &blobServer{blob: seg1}
	s2 := &blobServer{blob: seg2}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		servePlayurl(w, fmt.Sprintf(
			`{"quality":32,"durl":[{"url":%q,"size":1000},{"url":%q,"size":500}]}`,
			srv.URL+"/seg/1", srv.URL+"/seg/2"))
	})
	mux.HandleFunc("/seg/1", s1.handler())
	mux.HandleFunc("/seg/2", s2.handler())
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d := New(fastClient(srv.URL), fastOptions(t.TempDir()))

	res, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	want := append(append([]byte(nil), seg1...), seg2...)
	if !bytes.Equal(got, want) {
		t.Fatalf("final file has %d bytes, want %d", len(got), len(want))
	}
	if res.Quality != 32 {
		t.Fatalf("quality = %d, want 32", res.Quality)
	}
}

func TestFetchResumesAfterMidBodyFailure(t *testing.T) {
	blob := bytes.Repeat([]byte("R"), 8192)
	video := &blobServer{blob: blob, failFirstAfter: 1024}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		servePlayurl(w, fmt.Sprintf(
			`{"quality":64,"dash":{"video":[{"id":64,"baseUrl":%q}],"audio":[]}}`,
			srv.URL+"/stream/video"))
	})
	mux.HandleFunc("/stream/video", video.handler())
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d := New(fastClient(srv.URL), fastOptions(t.TempDir()))

	res, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("final file has %d bytes, want %d", len(got), len(blob))
	}
	ranges := video.requestRanges()
	if len(ranges) != 2 {
		t.Fatalf("video requests = %d, want 2 (ranges %v)", len(ranges), ranges)
	}
	if ranges[0] != "" {
		t.Fatalf("first request sent Range %q, want none", ranges[0])
	}
	if ranges[1] != "bytes=1024-" {
		t.Fatalf("resume Range = %q, want bytes=1024-", ranges[1])
	}
}

func TestFetchRestartsWhenRangeIgnored(t *testing.T) {
	blob := bytes.Repeat([]byte("Z"), 4096)
	video := &blobServer{blob: blob, failFirstAfter: 512, ignoreRange: true}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		servePlayurl(w, fmt.Sprintf(
			`{"quality":64,"dash":{"video":[{"id":64,"baseUrl":%q}]}}`,
			srv.URL+"/stream/video"))
	})
	mux.HandleFunc("/stream/video", video.handler())
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d := New(fastClient(srv.URL), fastOptions(t.TempDir()))

	res, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("final file has %d bytes, want %d (duplicated prefix?)", len(got), len(blob))
	}
	if hits := video.hitCount(); hits != 2 {
		t.Fatalf("video hits = %d, want 2", hits)
	}
}

func TestFetchSkipsLongVideos(t *testing.T) {
	var playHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		playHits.Add(1)
		servePlayurl(w, `{}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(fastClient(srv.URL), fastOptions(t.TempDir()))

	res, err := d.Fetch(context.Background(), Request{ItemID: "BV1test", MaxDurationSec: 600}, testRecord(3000))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.Skipped {
		t.Fatalf("result not skipped: %+v", res)
	}
	if res.Path != "" {
		t.Fatalf("skipped result has path %q", res.Path)
	}
	if playHits.Load() != 0 {
		t.Fatalf("playurl hits = %d, want 0", playHits.Load())
	}

	// A non-positive cap disables the gate; the same long record reaches
	// the playurl lookup.
	_, _ = d.Fetch(context.Background(), Request{ItemID: "BV1test", MaxDurationSec: -1}, testRecord(3000))
	if playHits.Load() != 1 {
		t.Fatalf("playurl hits = %d, want 1 with the gate disabled", playHits.Load())
	}
}

func TestFetchReusesExistingFile(t *testing.T) {
	var playHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		playHits.Add(1)
		servePlayurl(w, `{}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := New(fastClient(srv.URL), fastOptions(t.TempDir()))
	final := d.MediaPath("BV1test")
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(final, []byte("existing"), 0o644); err != nil {
		t.Fatalf("seed final: %v", err)
	}

	res, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.Reused {
		t.Fatalf("result not reused: %+v", res)
	}
	if res.Bytes != int64(len("existing")) {
		t.Fatalf("bytes = %d, want %d", res.Bytes, len("existing"))
	}
	if playHits.Load() != 0 {
		t.Fatalf("playurl hits = %d, want 0", playHits.Load())
	}
}

func TestFetchMergeFailureKeepsParts(t *testing.T) {
	video := &blobServer{blob: bytes.Repeat([]byte("V"), 512)}
	audio := &blobServer{blob: bytes.Repeat([]byte("A"), 256)}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		servePlayurl(w, fmt.Sprintf(
			`{"quality":64,"dash":{"video":[{"id":64,"baseUrl":%q}],"audio":[{"id":30216,"baseUrl":%q}]}}`,
			srv.URL+"/stream/video", srv.URL+"/stream/audio"))
	})
	mux.HandleFunc("/stream/video", video.handler())
	mux.HandleFunc("/stream/audio", audio.handler())
	srv = httptest.NewServer(mux)
	defer srv.Close()

	opts := fastOptions(t.TempDir())
	opts.FFmpegBin = fakeTool(t, `echo "Stream map error" >&2; echo "conversion failed" >&2; exit 1`)
	d := New(fastClient(srv.URL), opts)

	_, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300))
	if !errors.Is(err, ErrMergeFailed) {
		t.Fatalf("err = %v, want ErrMergeFailed", err)
	}
	var merr *MergeError
	if !errors.As(err, &merr) {
		t.Fatalf("err %v is not a *MergeError", err)
	}
	if merr.ItemID != "BV1test" || merr.ExitCode != 1 {
		t.Fatalf("merge error = %+v", merr)
	}
	if len(merr.Stderr) == 0 || merr.Stderr[len(merr.Stderr)-1] != "conversion failed" {
		t.Fatalf("stderr tail = %v", merr.Stderr)
	}

	final := d.MediaPath("BV1test")
	for _, part := range []string{final + ".video.part", final + ".audio.part"} {
		if _, serr := os.Stat(part); serr != nil {
			t.Fatalf("part %s missing after merge failure: %v", part, serr)
		}
	}
	for _, gone := range []string{final, final + ".part"} {
		if _, serr := os.Stat(gone); !os.IsNotExist(serr) {
			t.Fatalf("%s should not exist after merge failure", gone)
		}
	}
}

func TestFetchFailsWhenDiskReserveExceedsFree(t *testing.T) {
	video := &blobServer{blob: bytes.Repeat([]byte("V"), 512)}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		servePlayurl(w, fmt.Sprintf(
			`{"quality":32,"durl":[{"url":%q,"size":512}]}`, srv.URL+"/stream/video"))
	})
	mux.HandleFunc("/stream/video", video.handler())
	srv = httptest.NewServer(mux)
	defer srv.Close()

	opts := fastOptions(t.TempDir())
	opts.DiskReserveBytes = 1 << 60
	d := New(fastClient(srv.URL), opts)

	_, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300))
	if !errors.Is(err, ErrDiskFull) {
		t.Fatalf("err = %v, want ErrDiskFull", err)
	}
	if hits := video.hitCount(); hits != 0 {
		t.Fatalf("stream hits = %d, want 0", hits)
	}
}

func TestFetchDowngradesWhenTierUnavailable(t *testing.T) {
	video := &blobServer{blob: bytes.Repeat([]byte("H"), 256)}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		servePlayurl(w, fmt.Sprintf(
			`{"quality":112,"dash":{"video":[{"id":112,"baseUrl":%q}]}}`,
			srv.URL+"/stream/video"))
	})
	mux.HandleFunc("/stream/video", video.handler())
	srv = httptest.NewServer(mux)
	defer srv.Close()

	d := New(fastClient(srv.URL), fastOptions(t.TempDir()))

	res, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !res.Downgraded || res.Quality != 112 {
		t.Fatalf("got quality=%d downgraded=%v, want 112/true", res.Quality, res.Downgraded)
	}
}

func TestFetchWithoutCid(t *testing.T) {
	d := New(fastClient("http://127.0.0.1:1"), fastOptions(t.TempDir()))
	_, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, nil)
	if !errors.Is(err, ErrNoStream) {
		t.Fatalf("err = %v, want ErrNoStream", err)
	}
}

func TestFetchReportsProgress(t *testing.T) {
	blob := bytes.Repeat([]byte("P"), 4096)
	video := &blobServer{blob: blob}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc(playurlPath, func(w http.ResponseWriter, r *http.Request) {
		servePlayurl(w, fmt.Sprintf(
			`{"quality":64,"dash":{"video":[{"id":64,"baseUrl":%q}]}}`,
			srv.URL+"/stream/video"))
	})
	mux.HandleFunc("/stream/video", video.handler())
	srv = httptest.NewServer(mux)
	defer srv.Close()

	var mu sync.Mutex
	var calls []string
	opts := fastOptions(t.TempDir())
	opts.OnProgress = func(itemID, stream string, written, total int64) {
		mu.Lock()
		calls = append(calls, fmt.Sprintf("%s/%s %d/%d", itemID, stream, written, total))
		mu.Unlock()
	}
	d := New(fastClient(srv.URL), opts)

	if _, err := d.Fetch(context.Background(), Request{ItemID: "BV1test"}, testRecord(300)); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(calls) == 0 {
		t.Fatal("no progress calls")
	}
	if want := "BV1test/video 4096/4096"; calls[len(calls)-1] != want {
		t.Fatalf("last progress call = %q, want %q", calls[len(calls)-1], want)
	}
}

func TestProbeParsesDuration(t *testing.T) {
	opts := fastOptions(t.TempDir())
	opts.FFprobeBin = fakeTool(t, `echo '{"format":{"duration":"123.450000"}}'`)
	d := New(fastClient("http://127.0.0.1:1"), opts)

	got, err := d.Probe(context.Background(), "/any/file.mp4")
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if got != 123.45 {
		t.Fatalf("duration = %v, want 123.45", got)
	}
}

func TestProbeToolFailure(t *testing.T) {
	opts := fastOptions(t.TempDir())
	opts.FFprobeBin = fakeTool(t, `exit 1`)
	d := New(fastClient("http://127.0.0.1:1"), opts)

	if _, err := d.Probe(context.Background(), "/any/file.mp4"); err == nil {
		t.Fatal("expected probe error")
	}
}

func TestProbeMissingDuration(t *testing.T) {
	opts := fastOptions(t.TempDir())
	opts.FFprobeBin = fakeTool(t, `echo '{"format":{}}'`)
	d := New(fastClient("http://127.0.0.1:1"), opts)

	if _, err := d.Probe(context.Background(), "/any/file.mp4"); err == nil {
		t.Fatal("expected error for missing duration")
	}
}

func TestMediaPathConfinesName(t *testing.T) {
	d := New(fastClient("http://127.0.0.1:1"), fastOptions(t.TempDir()))
	p := d.MediaPath("BV1../../etc")
	if filepath.Dir(p) != d.mediaDir {
		t.Fatalf("media path %q escapes %q", p, d.mediaDir)
	}
	if filepath.Ext(p) != mediaExt {
		t.Fatalf("media path %q lacks %s extension", p, mediaExt)
	}
}
