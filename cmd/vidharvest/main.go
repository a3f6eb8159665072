// SPDX-License-Identifier: MIT

// Command vidharvest crawls a video platform by keyword and keeps the
// resulting dataset coherent. Configuration is resolved the same way for
// every subcommand: environment variables override the config file, which
// overrides built-in defaults. Without --config, $VH_DATA/config.yaml is
// picked up when it exists.
//
// Exit codes: 0 success, 1 failure, 2 usage error.
package main

import (
	"fmt"
	"os"
)

// Build metadata, injected via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "crawl":
		os.Exit(runCrawlCLI(os.Args[2:]))
	case "login":
		os.Exit(runLoginCLI(os.Args[2:]))
	case "logout":
		os.Exit(runLogoutCLI(os.Args[2:]))
	case "verify":
		os.Exit(runVerifyCLI(os.Args[2:]))
	case "maintain":
		os.Exit(runMaintainCLI(os.Args[2:]))
	case "runs":
		os.Exit(runRunsCLI(os.Args[2:]))
	case "version", "--version", "-version":
		fmt.Printf("vidharvest %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  vidharvest crawl [keyword ...] [--keywords a,b] [--keywords-file path]")
	fmt.Fprintln(os.Stderr, "                   [--metadata-only] [--limit n] [--status-addr :8080] [--json]")
	fmt.Fprintln(os.Stderr, "  vidharvest login [--force] [--check]")
	fmt.Fprintln(os.Stderr, "  vidharvest logout")
	fmt.Fprintln(os.Stderr, "  vidharvest verify [--json]")
	fmt.Fprintln(os.Stderr, "  vidharvest maintain analyze|clean|filter|sync|check|watch [flags]")
	fmt.Fprintln(os.Stderr, "  vidharvest runs list|show [flags]")
	fmt.Fprintln(os.Stderr, "  vidharvest version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Every subcommand accepts --config <path> to name a YAML configuration file;")
	fmt.Fprintln(os.Stderr, "without it, $VH_DATA/config.yaml is loaded when present.")
}
