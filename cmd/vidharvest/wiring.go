// SPDX-License-Identifier: MIT

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ManuGH/vidharvest/internal/client"
	"github.com/ManuGH/vidharvest/internal/config"
	"github.com/ManuGH/vidharvest/internal/dataset"
	"github.com/ManuGH/vidharvest/internal/download"
	"github.com/ManuGH/vidharvest/internal/ledger"
	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/maintain"
	"github.com/ManuGH/vidharvest/internal/platform/netcheck"
	"github.com/ManuGH/vidharvest/internal/resilience"
	"github.com/ManuGH/vidharvest/internal/search"
	"github.com/ManuGH/vidharvest/internal/session"
)

// Fixed layout under the data directory. The config file, credential,
// ledger and history locations are resolved by the config loader; these
// two are owned by the CLI wiring.
const (
	datasetDirName = "dataset"
	stagingDirName = "staging"
)

func resolveDefaultConfigPath() string {
	dataDir := strings.TrimSpace(os.Getenv("VH_DATA"))
	if dataDir == "" {
		dataDir = "./data"
	}
	autoPath := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(autoPath); err == nil {
		return autoPath
	}
	return ""
}

// loadConfig resolves the effective configuration and points the global
// logger at it. Called once at the top of every subcommand.
func loadConfig(path string) (config.AppConfig, error) {
	configPath := strings.TrimSpace(path)
	if configPath == "" {
		configPath = resolveDefaultConfigPath()
	}
	cfg, err := config.NewLoader(configPath, version).Load()
	if err != nil {
		return cfg, err
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty, Version: version})
	return cfg, nil
}

func datasetRoot(cfg config.AppConfig) string {
	return filepath.Join(cfg.DataDir, datasetDirName)
}

func stagingDir(cfg config.AppConfig) string {
	return filepath.Join(cfg.DataDir, stagingDirName)
}

// buildSession constructs the two platform clients and the session manager
// bound to them. The cookie provider closes over the manager, so a
// re-login mid-run reaches both clients immediately.
func buildSession(cfg config.AppConfig, checker *netcheck.Checker) (*session.Manager, *client.Client, *client.Client) {
	mgr := session.NewManager(session.Options{
		CredentialFile: cfg.Session.CredentialFile,
		Checker:        checker,
		PollInterval:   cfg.Session.PollInterval,
		PollTimeout:    cfg.Session.PollTimeout,
	})

	common := client.Options{
		RequestInterval:  cfg.Client.RequestInterval,
		RequestJitter:    cfg.Client.RequestJitter,
		Retries:          cfg.Client.Retries,
		BackoffBase:      cfg.Client.BackoffBase,
		BackoffMax:       cfg.Client.BackoffMax,
		RetryAfterCap:    cfg.Client.RetryAfterCap,
		UARotateEvery:    cfg.Client.UARotateEvery,
		UARotateInterval: cfg.Client.UARotateInterval,
		CookieProvider:   mgr.Cookie,
	}

	// Only the main API gets a breaker. The passport host is touched a
	// handful of times per login and its failures should surface as-is.
	apiOpts := common
	apiOpts.Breaker = resilience.NewCircuitBreaker("platform-api",
		cfg.Client.BreakerWindow, cfg.Client.BreakerRate, cfg.Client.BreakerReset)

	api := client.New(cfg.Platform.APIBase, apiOpts)
	passport := client.New(cfg.Platform.PassportBase, common)
	mgr.Bind(api, passport)
	return mgr, api, passport
}

func openLedger(cfg config.AppConfig) (ledger.Store, error) {
	return ledger.OpenWithFallback(ledger.Config{
		Backend:       cfg.Ledger.Backend,
		Dir:           cfg.Ledger.Dir,
		SQLitePath:    cfg.History.Path,
		RedisAddr:     cfg.Ledger.RedisAddr,
		RedisPassword: cfg.Ledger.RedisPassword,
		RedisDB:       cfg.Ledger.RedisDB,
		TTL:           cfg.Ledger.TTL,
	})
}

// buildEngine opens the dataset in recovery mode and wires a maintenance
// engine with an ffprobe-backed prober. The caller closes the store.
func buildEngine(cfg config.AppConfig) (*maintain.Engine, *dataset.Store, error) {
	store, err := dataset.Open(datasetRoot(cfg), dataset.Options{Recover: true})
	if err != nil {
		return nil, nil, err
	}
	probe := download.New(client.New(cfg.Platform.APIBase, client.Options{}), download.Options{
		MediaDir:   stagingDir(cfg),
		FFmpegBin:  cfg.Download.FFmpegBin,
		FFprobeBin: cfg.Download.FFprobeBin,
	})
	return maintain.New(store, maintain.Options{Prober: probe}), store, nil
}

func filterFromConfig(fc config.FilterConfig) (search.Filter, error) {
	f := search.Filter{
		MinDurationSec: fc.MinDuration,
		MaxDurationSec: fc.MaxDuration,
		MinViews:       fc.MinViews,
		TitleInclude:   fc.TitleInclude,
		TitleExclude:   fc.TitleExclude,
	}
	var err error
	if f.PubdateAfter, err = parseDateBound(fc.PubdateAfter); err != nil {
		return f, fmt.Errorf("filter.pubdateAfter: %w", err)
	}
	if f.PubdateBefore, err = parseDateBound(fc.PubdateBefore); err != nil {
		return f, fmt.Errorf("filter.pubdateBefore: %w", err)
	}
	return f, nil
}

func parseDateBound(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", s)
}

func scorerFromConfig(fc config.FilterConfig) search.Scorer {
	return search.Scorer{
		LikeWeight:     fc.ScoreWeights.Like,
		CoinWeight:     fc.ScoreWeights.Coin,
		FavoriteWeight: fc.ScoreWeights.Favorite,
		Threshold:      fc.MinScore,
	}
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
