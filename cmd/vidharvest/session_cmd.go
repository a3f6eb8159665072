// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/ManuGH/vidharvest/internal/platform/netcheck"
	"github.com/ManuGH/vidharvest/internal/session"
)

func runLoginCLI(args []string) int {
	fs := flag.NewFlagSet("vidharvest login", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile string
	var force, check bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.BoolVar(&force, "force", false, "start a fresh QR login even when the stored session is still valid")
	fs.BoolVar(&check, "check", false, "only check the stored session, never start a login")

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

	mgr, _, _ := buildSession(cfg, netcheck.New())

	if check {
		id, err := mgr.Verify(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Session invalid: %v\n", err)
			return 1
		}
		fmt.Printf("✓ logged in as %s (mid %d)\n", id.Uname, id.Mid)
		return 0
	}

	release, err := acquireLoginLock(cfg.Session.CredentialFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer release()

	if _, err := mgr.Login(ctx, force); err != nil {
		fmt.Fprintf(os.Stderr, "Login failed: %v\n", err)
		return 1
	}
	if id, err := mgr.Verify(ctx); err == nil {
		fmt.Printf("✓ logged in as %s (mid %d)\n", id.Uname, id.Mid)
	} else {
		fmt.Println("✓ login confirmed, credential saved")
	}
	return 0
}

// acquireLoginLock serializes interactive logins through an O_EXCL pid
// file next to the credential. The credential itself is replaced
// atomically either way; the lock only keeps two QR flows from racing.
func acquireLoginLock(credFile string) (release func(), err error) {
	dir := filepath.Dir(credFile)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credential dir: %w", err)
	}
	lockPath := filepath.Join(dir, ".login.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("another login appears to be in progress; remove %s if it is not", lockPath)
		}
		return nil, fmt.Errorf("create login lock: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Close()
	return func() { _ = os.Remove(lockPath) }, nil
}

func runLogoutCLI(args []string) int {
	fs := flag.NewFlagSet("vidharvest logout", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile string
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	mgr := session.NewManager(session.Options{CredentialFile: cfg.Session.CredentialFile})
	if err := mgr.Logout(); err != nil {
		fmt.Fprintf(os.Stderr, "Logout failed: %v\n", err)
		return 1
	}
	fmt.Println("✓ credential removed")
	return 0
}

// verifyResult is the verify command outcome, printable as JSON.
type verifyResult struct {
	Network  string `json:"network"`
	LoggedIn bool   `json:"logged_in"`
	Uname    string `json:"uname,omitempty"`
	Mid      int64  `json:"mid,omitempty"`
}

func runVerifyCLI(args []string) int {
	fs := flag.NewFlagSet("vidharvest verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var configFile string
	var asJSON bool
	fs.StringVar(&configFile, "config", "", "path to YAML configuration file")
	fs.BoolVar(&asJSON, "json", false, "print the result as JSON")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	checker := netcheck.New()
	mgr, _, _ := buildSession(cfg, checker)

	result := verifyResult{Network: "ok"}
	if err := checker.Check(ctx, cfg.Platform.APIBase); err != nil {
		result.Network = err.Error()
		printVerifyResult(result, asJSON)
		return 1
	}
	id, err := mgr.Verify(ctx)
	if err != nil {
		printVerifyResult(result, asJSON)
		if !asJSON {
			fmt.Fprintf(os.Stderr, "Session invalid: %v\n", err)
		}
		return 1
	}
	result.LoggedIn = true
	result.Uname = id.Uname
	result.Mid = id.Mid
	printVerifyResult(result, asJSON)
	return 0
}

func printVerifyResult(result verifyResult, asJSON bool) {
	if asJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}
	if result.Network != "ok" {
		fmt.Printf("✗ network: %s\n", result.Network)
		return
	}
	fmt.Println("✓ platform reachable")
	if result.LoggedIn {
		fmt.Printf("✓ logged in as %s (mid %d)\n", result.Uname, result.Mid)
	} else {
		fmt.Println("✗ not logged in (run \"vidharvest login\")")
	}
}
