// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("", "test").Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if !filepath.IsAbs(cfg.DataDir) {
		t.Errorf("expected absolute DataDir, got %q", cfg.DataDir)
	}
	if cfg.Client.RequestInterval != 1500*time.Millisecond {
		t.Errorf("RequestInterval = %v, want 1.5s", cfg.Client.RequestInterval)
	}
	if cfg.Client.Retries != 3 {
		t.Errorf("Retries = %d, want 3", cfg.Client.Retries)
	}
	if cfg.Search.PageSize != 30 || cfg.Search.MaxPages != 50 {
		t.Errorf("paging defaults = (%d, %d), want (30, 50)", cfg.Search.PageSize, cfg.Search.MaxPages)
	}
	if cfg.Search.Order != "totalrank" {
		t.Errorf("Order = %q, want totalrank", cfg.Search.Order)
	}
	if cfg.Download.Quality != 64 {
		t.Errorf("Quality = %d, want 64", cfg.Download.Quality)
	}
	if cfg.Ledger.Backend != "badger" {
		t.Errorf("Ledger.Backend = %q, want badger", cfg.Ledger.Backend)
	}
	if cfg.Session.CredentialFile != filepath.Join(cfg.DataDir, "credential.json") {
		t.Errorf("CredentialFile = %q, want under DataDir", cfg.Session.CredentialFile)
	}
	if cfg.Ledger.Dir != filepath.Join(cfg.DataDir, "ledger") {
		t.Errorf("Ledger.Dir = %q, want under DataDir", cfg.Ledger.Dir)
	}
	if cfg.History.Path != filepath.Join(cfg.DataDir, "history.sqlite") {
		t.Errorf("History.Path = %q, want under DataDir", cfg.History.Path)
	}
	if cfg.Version != "test" {
		t.Errorf("Version = %q, want test", cfg.Version)
	}
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
dataDir: ` + dir + `
client:
  requestInterval: 5s
  retries: 7
search:
  pageSize: 10
  order: pubdate
download:
  quality: 80
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("VH_PAGE_SIZE", "20")
	t.Setenv("VH_QUALITY", "112")

	cfg, err := NewLoader(path, "test").Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	// File overrides defaults.
	if cfg.Client.RequestInterval != 5*time.Second {
		t.Errorf("RequestInterval = %v, want 5s from file", cfg.Client.RequestInterval)
	}
	if cfg.Client.Retries != 7 {
		t.Errorf("Retries = %d, want 7 from file", cfg.Client.Retries)
	}
	if cfg.Search.Order != "pubdate" {
		t.Errorf("Order = %q, want pubdate from file", cfg.Search.Order)
	}
	// Environment overrides file.
	if cfg.Search.PageSize != 20 {
		t.Errorf("PageSize = %d, want 20 from env", cfg.Search.PageSize)
	}
	if cfg.Download.Quality != 112 {
		t.Errorf("Quality = %d, want 112 from env", cfg.Download.Quality)
	}
}

func TestLoadStrictRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("dataDir: /tmp\nbogusKey: true\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := NewLoader(path, "test").Load()
	if err == nil {
		t.Fatal("expected error for unknown config field")
	}
	if !strings.Contains(err.Error(), "strict config parse error") {
		t.Errorf("error = %v, want strict parse error", err)
	}
}

func TestLoadRejectsNonYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := NewLoader(path, "test").Load(); err == nil {
		t.Fatal("expected error for non-YAML config")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("client:\n  requestInterval: fast\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := NewLoader(path, "test").Load()
	if err == nil || !strings.Contains(err.Error(), "requestInterval") {
		t.Fatalf("expected requestInterval duration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := defaults()
	valid.DataDir = "/tmp/vh"

	tests := []struct {
		name    string
		mutate  func(*AppConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *AppConfig) {},
		},
		{
			name:    "empty data dir",
			mutate:  func(c *AppConfig) { c.DataDir = "" },
			wantErr: "dataDir",
		},
		{
			name:    "zero request interval",
			mutate:  func(c *AppConfig) { c.Client.RequestInterval = 0 },
			wantErr: "requestInterval",
		},
		{
			name:    "backoff max below base",
			mutate:  func(c *AppConfig) { c.Client.BackoffMax = time.Second },
			wantErr: "backoffMax",
		},
		{
			name:    "breaker rate above one",
			mutate:  func(c *AppConfig) { c.Client.BreakerRate = 1.5 },
			wantErr: "breakerRate",
		},
		{
			name:    "page size above platform cap",
			mutate:  func(c *AppConfig) { c.Search.PageSize = 51 },
			wantErr: "pageSize",
		},
		{
			name:    "page interval inverted",
			mutate:  func(c *AppConfig) { c.Search.PageIntervalMax = 500 * time.Millisecond },
			wantErr: "pageIntervalMax",
		},
		{
			name: "duration window inverted",
			mutate: func(c *AppConfig) {
				c.Filter.MinDuration = 600
				c.Filter.MaxDuration = 60
			},
			wantErr: "minDuration",
		},
		{
			name:    "bad pubdate",
			mutate:  func(c *AppConfig) { c.Filter.PubdateAfter = "2024-13-01" },
			wantErr: "pubdateAfter",
		},
		{
			name:    "unknown quality code",
			mutate:  func(c *AppConfig) { c.Download.Quality = 65 },
			wantErr: "quality",
		},
		{
			name:    "zero concurrency",
			mutate:  func(c *AppConfig) { c.Download.Concurrency = 0 },
			wantErr: "concurrency",
		},
		{
			name:    "unknown ledger backend",
			mutate:  func(c *AppConfig) { c.Ledger.Backend = "bolt" },
			wantErr: "ledger.backend",
		},
		{
			name:    "redis backend without address",
			mutate:  func(c *AppConfig) { c.Ledger.Backend = "redis" },
			wantErr: "redisAddr",
		},
		{
			name:    "bad telemetry exporter",
			mutate:  func(c *AppConfig) { c.Telemetry.ExporterType = "udp" },
			wantErr: "exporterType",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidQuality(t *testing.T) {
	for _, q := range QualityLadder() {
		if !ValidQuality(q) {
			t.Errorf("ValidQuality(%d) = false, want true", q)
		}
	}
	for _, q := range []int{0, 1, 15, 63, 121, -16} {
		if ValidQuality(q) {
			t.Errorf("ValidQuality(%d) = true, want false", q)
		}
	}
}

func TestResolveFFprobeBin_Explicit(t *testing.T) {
	t.Parallel()

	got := ResolveFFprobeBin("/custom/ffprobe", "/custom/ffmpeg")
	if got != "/custom/ffprobe" {
		t.Fatalf("expected explicit ffprobe bin, got %q", got)
	}
}

func TestResolveFFprobeBin_DeriveFromFFmpegBin(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ffmpegBin := filepath.Join(dir, "ffmpeg")
	ffprobeBin := filepath.Join(dir, "ffprobe")

	// Only the derived ffprobe path needs to exist for derivation.
	if err := os.WriteFile(ffprobeBin, []byte("stub"), 0o755); err != nil {
		t.Fatalf("write ffprobe stub: %v", err)
	}

	got := ResolveFFprobeBin("", ffmpegBin)
	if got != ffprobeBin {
		t.Fatalf("expected derived ffprobe bin %q, got %q", ffprobeBin, got)
	}
}

func TestResolveFFprobeBin_NoDerive_WhenNotAPath(t *testing.T) {
	t.Parallel()

	got := ResolveFFprobeBin("", "ffmpeg")
	if got != "" {
		t.Fatalf("expected empty (PATH fallback), got %q", got)
	}
}

func TestParseStringSlice(t *testing.T) {
	t.Setenv("VH_TEST_SLICE", "alpha, beta ,,gamma")
	got := ParseStringSlice("VH_TEST_SLICE", nil)
	want := []string{"alpha", "beta", "gamma"}
	if len(got) != len(want) {
		t.Fatalf("ParseStringSlice() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ParseStringSlice()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	fallback := []string{"keep"}
	if got := ParseStringSlice("VH_TEST_SLICE_UNSET", fallback); len(got) != 1 || got[0] != "keep" {
		t.Fatalf("ParseStringSlice() fallback = %v, want [keep]", got)
	}
}
