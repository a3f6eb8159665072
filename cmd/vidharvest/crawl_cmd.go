// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/ManuGH/vidharvest/internal/dataset"
	"github.com/ManuGH/vidharvest/internal/download"
	"github.com/ManuGH/vidharvest/internal/history"
	"github.com/ManuGH/vidharvest/internal/log"
	"github.com/ManuGH/vidharvest/internal/metadata"
	"github.com/ManuGH/vidharvest/internal/pipeline"
	"github.com/ManuGH/vidharvest/internal/platform/netcheck"
	"github.com/ManuGH/vidharvest/internal/search"
	"github.com/ManuGH/vidharvest/internal/status"
	"github.com/ManuGH/vidharvest/internal/telemetry"
)

func runCrawlCLI(args []string) int {
	fs := flag.NewFlagSet("vidharvest crawl", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		configFile   string
		keywordsCSV  string
		keywordsPath string
		metadataOnly bool
		limit        int
		statusAddr   string
		asJSON       bool
	)
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.StringVar(&keywordsCSV, "keywords", "", "comma-separated keywords to crawl")
	fs.StringVar(&keywordsPath, "keywords-file", "", "file with one keyword per line, # starts a comment")
	fs.BoolVar(&metadataOnly, "metadata-only", false, "commit metadata but download no media")
	fs.IntVar(&limit, "limit", 0, "stop each keyword after this many accepted candidates (0 = unlimited)")
	fs.StringVar(&statusAddr, "status-addr", "", "serve /healthz, /readyz, /progress and /metrics on this address")
	fs.BoolVar(&asJSON, "json", false, "print the run report as JSON")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	// flag stops at the first positional, so a flag after a keyword would
	// silently become a keyword.
	for _, arg := range fs.Args() {
		if strings.HasPrefix(arg, "-") {
			fmt.Fprintf(os.Stderr, "Error: flags must come before positional keywords (saw %q)\n", arg)
			return 2
		}
	}

	keywords, err := gatherKeywords(fs.Args(), keywordsCSV, keywordsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	if len(keywords) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no keywords given (positional, --keywords or --keywords-file)")
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}
	logger := log.WithComponent("cli")
	ctx := context.Background()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "vidharvest",
		ServiceVersion: version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		logger.Error().Err(err).Str("event", "telemetry.init_failed").Msg("continuing without tracing")
	} else {
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("telemetry shutdown failed")
			}
		}()
	}

	filter, err := filterFromConfig(cfg.Filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	store, err := dataset.Open(datasetRoot(cfg), dataset.Options{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	led, err := openLedger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = led.Close() }()

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = hist.Close() }()
	}

	checker := netcheck.New()
	mgr, api, _ := buildSession(cfg, checker)

	searcher := search.New(api, search.Options{
		Query: search.Query{
			Order:    cfg.Search.Order,
			PageSize: cfg.Search.PageSize,
			MaxPages: cfg.Search.MaxPages,
			Limit:    limit,
		},
		Filter:          filter,
		Scorer:          scorerFromConfig(cfg.Filter),
		Ledger:          led,
		PageIntervalMin: cfg.Search.PageIntervalMin,
		PageIntervalMax: cfg.Search.PageIntervalMax,
	})

	downloader := download.New(api, download.Options{
		MediaDir:         stagingDir(cfg),
		FFmpegBin:        cfg.Download.FFmpegBin,
		FFprobeBin:       cfg.Download.FFprobeBin,
		Quality:          cfg.Download.Quality,
		Concurrency:      cfg.Download.Concurrency,
		Retries:          cfg.Client.Retries,
		BackoffBase:      cfg.Client.BackoffBase,
		BackoffMax:       cfg.Client.BackoffMax,
		DiskReserveBytes: cfg.Download.DiskReserveMB * 1024 * 1024,
	})

	metaOnly := metadataOnly || !cfg.Download.Enabled

	addr := statusAddr
	if addr == "" {
		addr = cfg.Status.Addr
	}
	var srv *status.Server
	stopStatus := func() {}
	if addr != "" {
		srv = status.NewServer(status.Options{Addr: addr})
		srvCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Run(srvCtx); err != nil {
				logger.Error().Err(err).Msg("status server failed")
			}
		}()
		stopStatus = func() {
			cancel()
			<-done
		}
	}

	runner := pipeline.New(pipeline.Deps{
		Session:    mgr,
		Searcher:   searcher,
		Collector:  metadata.NewCollector(api),
		Downloader: downloader,
		Store:      store,
		Ledger:     led,
		History:    hist,
		Status:     srv,
		Checker:    checker,
	}, pipeline.Options{
		APIBase:         cfg.Platform.APIBase,
		MetadataWorkers: cfg.Download.MetadataWorkers,
		DownloadWorkers: cfg.Download.Concurrency,
		PageSize:        cfg.Search.PageSize,
		Quality:         cfg.Download.Quality,
		MaxDurationSec:  int64(cfg.Download.MaxDurationOnDownload),
		MetadataOnly:    metaOnly,
	})

	logger.Info().Msgf("→ Platform: %s", cfg.Platform.APIBase)
	logger.Info().Msgf("→ Dataset: %s", datasetRoot(cfg))
	logger.Info().Msgf("→ Ledger: %s", cfg.Ledger.Backend)
	logger.Info().Msgf("→ Keywords: %s", strings.Join(keywords, ", "))
	if metaOnly {
		logger.Info().Msg("→ Mode: metadata only")
	}

	rep, runErr := runner.Run(ctx, keywords)
	stopStatus()

	if rep != nil {
		if asJSON {
			data, err := json.MarshalIndent(rep, "", "  ")
			if err == nil {
				fmt.Println(string(data))
			}
		} else {
			printRunSummary(rep)
		}
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", runErr)
		return 1
	}
	return 0
}

// gatherKeywords merges positional arguments, the --keywords list and the
// --keywords-file contents, in that order, dropping duplicates.
func gatherKeywords(positional []string, csv, path string) ([]string, error) {
	raw := append([]string{}, positional...)
	raw = append(raw, strings.Split(csv, ",")...)
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- user-supplied CLI path
		if err != nil {
			return nil, fmt.Errorf("read keywords file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			raw = append(raw, line)
		}
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, kw := range raw {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	return out, nil
}

func printRunSummary(rep *pipeline.Report) {
	state := "finished"
	switch {
	case rep.Interrupted:
		state = "interrupted"
	case rep.DiskFull:
		state = "finished, downloads halted on low disk"
	}
	fmt.Printf("Run %s %s in %s\n", rep.RunID, state, rep.Duration().Round(time.Second))
	fmt.Printf("  keywords:  %d/%d processed\n", rep.KeywordsProcessed, len(rep.Keywords))
	fmt.Printf("  metadata:  %d committed of %d candidates\n", rep.MetadataCommitted, rep.CandidatesSeen)
	if rep.MetadataOnly {
		fmt.Println("  downloads: skipped (metadata only)")
	} else {
		fmt.Printf("  downloads: %d committed (%s), %d skipped by duration, %d downgraded\n",
			rep.DownloadsCommitted, humanBytes(rep.BytesDownloaded),
			rep.DownloadsSkippedDuration, rep.Downgrades)
	}
	if len(rep.ErrorsByKind) > 0 {
		kinds := make([]string, 0, len(rep.ErrorsByKind))
		for kind := range rep.ErrorsByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", kind, rep.ErrorsByKind[kind]))
		}
		fmt.Printf("  errors:    %s\n", strings.Join(parts, " "))
	}
}
