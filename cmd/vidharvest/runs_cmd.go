package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ManuGH/vidharvest/internal/history"
)

func runRunsCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printRunsUsage()
		return 0
	}

	switch args[0] {
	case "list":
		return runRunsList(args[1:])
	case "show":
		return runRunsShow(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printRunsUsage()
		return 2
	}
}

func printRunsUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  vidharvest runs list [--limit 20] [--json]")
	fmt.Fprintln(os.Stderr, "  vidharvest runs show <run-id> [--json]")
}

func runRunsList(args []string) int {
	fs := flag.NewFlagSet("vidharvest runs list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile string
	var limit int
	var asJSON bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.IntVar(&limit, "limit", 20, "most recent runs to list")
	fs.BoolVar(&asJSON, "json", false, "print the runs as JSON")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}
	if _, err := os.Stat(cfg.History.Path); os.IsNotExist(err) {
		fmt.Println("No runs recorded yet")
		return 0
	}

	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = hist.Close() }()

	runs, err := hist.List(context.Background(), limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return 0
	}

	if asJSON {
		printJSON(runs)
		return 0
	}
	for _, r := range runs {
		mark := " "
		if r.Interrupted {
			mark = "!"
		}
		fmt.Printf("%s %s  %s  %8s  meta=%-4d dl=%-4d %s\n",
			mark, r.RunID,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.Duration().Round(time.Second),
			r.Counters.MetadataCommitted, r.Counters.DownloadsCommitted,
			strings.Join(r.Keywords, ","))
	}
	return 0
}

func runRunsShow(args []string) int {
	fs := flag.NewFlagSet("vidharvest runs show", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile string
	var asJSON bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.BoolVar(&asJSON, "json", false, "print the run as JSON")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Error: exactly one run id expected")
		printRunsUsage()
		return 2
	}
	runID := fs.Arg(0)

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = hist.Close() }()

	run, err := hist.Get(context.Background(), runID)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "Run %s not found\n", runID)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}

	if asJSON {
		printJSON(run)
		return 0
	}
	fmt.Printf("Run %s\n", run.RunID)
	fmt.Printf("  started:   %s\n", run.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("  finished:  %s (%s)\n",
		run.FinishedAt.Local().Format(time.RFC3339), run.Duration().Round(time.Second))
	fmt.Printf("  keywords:  %s (%d processed)\n",
		strings.Join(run.Keywords, ", "), run.Counters.KeywordsProcessed)
	if run.Interrupted {
		fmt.Println("  interrupted: yes")
	}
	fmt.Printf("  metadata:  %d committed of %d candidates\n",
		run.Counters.MetadataCommitted, run.Counters.CandidatesSeen)
	fmt.Printf("  downloads: %d committed (%s), %d skipped by duration, %d downgraded\n",
		run.Counters.DownloadsCommitted, humanBytes(run.Counters.BytesDownloaded),
		run.Counters.DownloadsSkippedDuration, run.Counters.Downgrades)
	if len(run.Counters.ErrorsByKind) > 0 {
		kinds := make([]string, 0, len(run.Counters.ErrorsByKind))
		for kind := range run.Counters.ErrorsByKind {
			kinds = append(kinds, kind)
		}
		sort.Strings(kinds)
		parts := make([]string, 0, len(kinds))
		for _, kind := range kinds {
			parts = append(parts, fmt.Sprintf("%s=%d", kind, run.Counters.ErrorsByKind[kind]))
		}
		fmt.Printf("  errors:    %s\n", strings.Join(parts, " "))
	}
	return 0
}
