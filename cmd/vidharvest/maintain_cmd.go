// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/ManuGH/vidharvest/internal/maintain"
)

func runMaintainCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printMaintainUsage()
		return 0
	}

	switch args[0] {
	case "analyze":
		return runMaintainAnalyze(args[1:])
	case "clean":
		return runMaintainClean(args[1:])
	case "filter":
		return runMaintainFilter(args[1:])
	case "sync":
		return runMaintainSync(args[1:])
	case "check":
		return runMaintainCheck(args[1:])
	case "watch":
		return runMaintainWatch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printMaintainUsage()
		return 2
	}
}

func printMaintainUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  vidharvest maintain analyze [--json] [--report path]")
	fmt.Fprintln(os.Stderr, "      classify orphans; exit 0 when coherent, 1 on drift")
	fmt.Fprintln(os.Stderr, "  vidharvest maintain clean [--orphan-media] [--orphan-metadata]")
	fmt.Fprintln(os.Stderr, "      [--index-orphans] [--missing-entries] [--dry-run] [--yes]")
	fmt.Fprintln(os.Stderr, "  vidharvest maintain filter --min sec --max sec [--dry-run] [--yes]")
	fmt.Fprintln(os.Stderr, "  vidharvest maintain sync [--dry-run]")
	fmt.Fprintln(os.Stderr, "  vidharvest maintain check [--remove-corrupt] [--dry-run] [--yes]")
	fmt.Fprintln(os.Stderr, "  vidharvest maintain watch [--debounce 2s]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Mutating commands refuse to run without --yes unless --dry-run is given.")
}

func runMaintainAnalyze(args []string) int {
	fs := flag.NewFlagSet("vidharvest maintain analyze", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile, reportPath string
	var asJSON bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON")
	fs.StringVar(&reportPath, "report", "", "also write the JSON report to this file")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, store, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	report, err := engine.Analyze(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if code := writeReportFile(reportPath, report); code != 0 {
		return code
	}

	if asJSON {
		printJSON(report)
	} else {
		fmt.Printf("Dataset: %s\n", store.Root())
		fmt.Printf("  metadata files: %d  media files: %d  indexed: %d  matched: %d\n",
			report.TotalMetadata, report.TotalMedia, report.TotalIndexed, len(report.Matched))
		printIDs("media without metadata", report.MediaWithoutMetadata)
		printIDs("metadata without media", report.MetadataWithoutMedia)
		printIDs("index entries without files", report.IndexWithoutFiles)
		printIDs("file pairs missing from index", report.FilesWithoutIndex)
		if report.Coherent() {
			fmt.Println("✓ dataset coherent")
		} else {
			fmt.Println("✗ dataset needs reconciliation (see \"vidharvest maintain clean\" and \"sync\")")
		}
	}
	if !report.Coherent() {
		return 1
	}
	return 0
}

func runMaintainClean(args []string) int {
	fs := flag.NewFlagSet("vidharvest maintain clean", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile, reportPath string
	var orphanMedia, orphanMetadata, indexOrphans, missingEntries bool
	var dryRun, yes bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.BoolVar(&orphanMedia, "orphan-media", false, "remove media files that have no metadata file")
	fs.BoolVar(&orphanMetadata, "orphan-metadata", false, "remove metadata files that have no media file")
	fs.BoolVar(&indexOrphans, "index-orphans", false, "drop index entries whose files are gone")
	fs.BoolVar(&missingEntries, "missing-entries", false, "index complete pairs the index does not know")
	fs.BoolVar(&dryRun, "dry-run", false, "report what would change without touching anything")
	fs.BoolVar(&yes, "yes", false, "confirm the mutation")
	fs.StringVar(&reportPath, "report", "", "also write the JSON report to this file")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !orphanMedia && !orphanMetadata && !indexOrphans && !missingEntries {
		fmt.Fprintln(os.Stderr, "Error: select at least one of --orphan-media, --orphan-metadata, --index-orphans, --missing-entries")
		return 2
	}
	if !dryRun && !yes {
		fmt.Fprintln(os.Stderr, "Error: refusing to modify the dataset without --yes (use --dry-run to preview)")
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, store, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	report, err := engine.Clean(ctx, maintain.CleanOptions{
		MediaOrphans:      orphanMedia,
		MetadataOrphans:   orphanMetadata,
		UpdateIndex:       indexOrphans,
		AddMissingEntries: missingEntries,
		DryRun:            dryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if code := writeReportFile(reportPath, report); code != 0 {
		return code
	}

	if report.DryRun {
		fmt.Println("Dry run, nothing was changed:")
	}
	printIDs("removed media", report.RemovedMedia)
	printIDs("removed metadata", report.RemovedMetadata)
	printIDs("dropped index entries", report.DroppedEntries)
	printIDs("added index entries", report.AddedEntries)
	total := len(report.RemovedMedia) + len(report.RemovedMetadata) +
		len(report.DroppedEntries) + len(report.AddedEntries)
	if total == 0 {
		fmt.Println("✓ nothing to clean")
	}
	return 0
}

func runMaintainFilter(args []string) int {
	fs := flag.NewFlagSet("vidharvest maintain filter", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile, reportPath string
	var minSec, maxSec int64
	var dryRun, yes bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.Int64Var(&minSec, "min", 0, "remove items shorter than this many seconds (0 = no lower bound)")
	fs.Int64Var(&maxSec, "max", 0, "remove items longer than this many seconds (0 = no upper bound)")
	fs.BoolVar(&dryRun, "dry-run", false, "report what would be removed without touching anything")
	fs.BoolVar(&yes, "yes", false, "confirm the removal")
	fs.StringVar(&reportPath, "report", "", "also write the JSON report to this file")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if minSec <= 0 && maxSec <= 0 {
		fmt.Fprintln(os.Stderr, "Error: give at least one bound (--min and/or --max, in seconds)")
		return 2
	}
	if !dryRun && !yes {
		fmt.Fprintln(os.Stderr, "Error: refusing to remove items without --yes (use --dry-run to preview)")
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, store, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	report, err := engine.FilterByDuration(ctx, minSec, maxSec, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if code := writeReportFile(reportPath, report); code != 0 {
		return code
	}

	verb := "removed"
	if report.DryRun {
		verb = "would remove"
	}
	fmt.Printf("Checked %d items, %s %d\n", report.Checked, verb, len(report.Removed))
	for i, item := range report.Removed {
		if i == maxListedIDs {
			fmt.Printf("  ... and %d more\n", len(report.Removed)-maxListedIDs)
			break
		}
		fmt.Printf("  %s (%ds, %s)\n", item.ItemID, item.DurationSec, item.Source)
	}
	printIDs("undetermined duration, kept", report.Undetermined)
	return 0
}

func runMaintainSync(args []string) int {
	fs := flag.NewFlagSet("vidharvest maintain sync", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile, reportPath string
	var dryRun bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.BoolVar(&dryRun, "dry-run", false, "report what would change without writing the index")
	fs.StringVar(&reportPath, "report", "", "also write the JSON report to this file")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, store, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	report, err := engine.Sync(ctx, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if code := writeReportFile(reportPath, report); code != 0 {
		return code
	}

	suffix := ""
	if report.DryRun {
		suffix = " (dry run)"
	}
	fmt.Printf("Index sync%s: removed %d, added %d, refreshed %d, %d entries total\n",
		suffix, len(report.Removed), len(report.Added), report.Refreshed, report.Total)
	printIDs("unreadable metadata, entries kept", report.Unreadable)
	if !report.Changed() {
		fmt.Println("✓ index already in sync")
	}
	return 0
}

func runMaintainCheck(args []string) int {
	fs := flag.NewFlagSet("vidharvest maintain check", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile, reportPath string
	var removeCorrupt, dryRun, yes bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.BoolVar(&removeCorrupt, "remove-corrupt", false, "delete corrupt media with their metadata and index entry")
	fs.BoolVar(&dryRun, "dry-run", false, "report only, even with --remove-corrupt")
	fs.BoolVar(&yes, "yes", false, "confirm the removal")
	fs.StringVar(&reportPath, "report", "", "also write the JSON report to this file")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	remove := removeCorrupt && !dryRun
	if remove && !yes {
		fmt.Fprintln(os.Stderr, "Error: refusing to remove corrupt items without --yes (use --dry-run to preview)")
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, store, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	report, err := engine.CheckIntegrity(ctx, remove)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if code := writeReportFile(reportPath, report); code != 0 {
		return code
	}

	fmt.Printf("Checked %d media files: %d corrupt, %d removed\n",
		report.Checked, len(report.Corrupt), report.Removed)
	for i, item := range report.Corrupt {
		if i == maxListedIDs {
			fmt.Printf("  ... and %d more\n", len(report.Corrupt)-maxListedIDs)
			break
		}
		fmt.Printf("  %s: %s\n", item.ItemID, item.Reason)
	}
	if len(report.Corrupt) == 0 {
		fmt.Println("✓ all media verified")
	}
	return 0
}

func runMaintainWatch(args []string) int {
	fs := flag.NewFlagSet("vidharvest maintain watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile string
	var debounce time.Duration
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.DurationVar(&debounce, "debounce", 2*time.Second, "settle time after the last filesystem event before a sync")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, store, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	fmt.Printf("Watching %s, Ctrl-C to stop\n", store.Root())
	err = engine.Watch(ctx, maintain.WatchOptions{
		Debounce: debounce,
		OnSync: func(report *maintain.SyncReport, err error) {
			switch {
			case err != nil:
				fmt.Printf("sync failed: %v\n", err)
			case report.Changed():
				fmt.Printf("synced: removed %d, added %d, refreshed %d, %d entries total\n",
					len(report.Removed), len(report.Added), report.Refreshed, report.Total)
			}
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

const maxListedIDs = 10

func printIDs(label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Printf("  %s (%d):\n", label, len(ids))
	for i, id := range ids {
		if i == maxListedIDs {
			fmt.Printf("    ... and %d more\n", len(ids)-maxListedIDs)
			break
		}
		fmt.Printf("    %s\n", id)
	}
}

// writeReportFile persists the report when --report was given. Returns a
// non-zero exit code on failure so callers can bail out.
func writeReportFile(path string, report any) int {
	if path == "" {
		return 0
	}
	if err := maintain.WriteReport(path, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err == nil {
		fmt.Println(string(data))
	}
}
