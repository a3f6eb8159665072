package config

import (
	"fmt"
	"strings"
	"time"
)

// qualityLadder is the set of accepted quality codes, lowest to highest.
var qualityLadder = []int{16, 32, 64, 80, 112, 116, 120}

// ValidQuality reports whether q is a known quality code.
func ValidQuality(q int) bool {
	for _, known := range qualityLadder {
		if q == known {
			return true
		}
	}
	return false
}

// QualityLadder returns the accepted quality codes in ascending order.
func QualityLadder() []int {
	out := make([]int, len(qualityLadder))
	copy(out, qualityLadder)
	return out
}

// Validate checks the final configuration for invalid or contradictory values.
func Validate(cfg AppConfig) error {
	var errs []string

	if cfg.DataDir == "" {
		errs = append(errs, "dataDir must not be empty")
	}
	if cfg.Platform.APIBase == "" {
		errs = append(errs, "platform.apiBase must not be empty")
	}
	if cfg.Platform.PassportBase == "" {
		errs = append(errs, "platform.passportBase must not be empty")
	}

	if cfg.Client.RequestInterval <= 0 {
		errs = append(errs, "client.requestInterval must be positive")
	}
	if cfg.Client.RequestJitter < 0 {
		errs = append(errs, "client.requestJitter must not be negative")
	}
	if cfg.Client.Retries < 0 {
		errs = append(errs, "client.retries must not be negative")
	}
	if cfg.Client.BackoffBase <= 0 {
		errs = append(errs, "client.backoffBase must be positive")
	}
	if cfg.Client.BackoffMax < cfg.Client.BackoffBase {
		errs = append(errs, "client.backoffMax must be >= client.backoffBase")
	}
	if cfg.Client.BreakerWindow < 1 {
		errs = append(errs, "client.breakerWindow must be >= 1")
	}
	if cfg.Client.BreakerRate <= 0 || cfg.Client.BreakerRate > 1 {
		errs = append(errs, "client.breakerRate must be in (0, 1]")
	}
	if cfg.Client.BreakerReset <= 0 {
		errs = append(errs, "client.breakerReset must be positive")
	}

	if cfg.Session.PollInterval <= 0 {
		errs = append(errs, "session.pollInterval must be positive")
	}
	if cfg.Session.PollTimeout < cfg.Session.PollInterval {
		errs = append(errs, "session.pollTimeout must be >= session.pollInterval")
	}

	if cfg.Search.PageSize < 1 || cfg.Search.PageSize > 50 {
		errs = append(errs, "search.pageSize must be in [1, 50]")
	}
	if cfg.Search.MaxPages < 1 {
		errs = append(errs, "search.maxPages must be >= 1")
	}
	if cfg.Search.PageIntervalMin < 0 {
		errs = append(errs, "search.pageIntervalMin must not be negative")
	}
	if cfg.Search.PageIntervalMax < cfg.Search.PageIntervalMin {
		errs = append(errs, "search.pageIntervalMax must be >= search.pageIntervalMin")
	}

	if cfg.Filter.MinDuration < 0 || cfg.Filter.MaxDuration < 0 {
		errs = append(errs, "filter durations must not be negative")
	}
	if cfg.Filter.MaxDuration > 0 && cfg.Filter.MinDuration > cfg.Filter.MaxDuration {
		errs = append(errs, "filter.minDuration must be <= filter.maxDuration")
	}
	if cfg.Filter.MinViews < 0 {
		errs = append(errs, "filter.minViews must not be negative")
	}
	if cfg.Filter.PubdateAfter != "" {
		if _, err := time.Parse("2006-01-02", cfg.Filter.PubdateAfter); err != nil {
			errs = append(errs, fmt.Sprintf("filter.pubdateAfter: invalid date %q (want YYYY-MM-DD)", cfg.Filter.PubdateAfter))
		}
	}
	if cfg.Filter.PubdateBefore != "" {
		if _, err := time.Parse("2006-01-02", cfg.Filter.PubdateBefore); err != nil {
			errs = append(errs, fmt.Sprintf("filter.pubdateBefore: invalid date %q (want YYYY-MM-DD)", cfg.Filter.PubdateBefore))
		}
	}

	if !ValidQuality(cfg.Download.Quality) {
		errs = append(errs, fmt.Sprintf("download.quality %d is not a known quality code %v", cfg.Download.Quality, qualityLadder))
	}
	if cfg.Download.Concurrency < 1 {
		errs = append(errs, "download.concurrency must be >= 1")
	}
	if cfg.Download.MetadataWorkers < 1 {
		errs = append(errs, "download.metadataWorkers must be >= 1")
	}
	if cfg.Download.MaxDurationOnDownload < 0 {
		errs = append(errs, "download.maxDurationOnDownload must not be negative")
	}
	if cfg.Download.DiskReserveMB < 0 {
		errs = append(errs, "download.diskReserveMB must not be negative")
	}
	if cfg.Download.FFmpegBin == "" {
		errs = append(errs, "download.ffmpegBin must not be empty")
	}

	switch cfg.Ledger.Backend {
	case "memory", "badger", "sqlite", "redis":
	default:
		errs = append(errs, fmt.Sprintf("ledger.backend %q is not one of memory, badger, sqlite, redis", cfg.Ledger.Backend))
	}
	if cfg.Ledger.Backend == "redis" && cfg.Ledger.RedisAddr == "" {
		errs = append(errs, "ledger.redisAddr must be set for the redis backend")
	}
	if cfg.Ledger.TTL < 0 {
		errs = append(errs, "ledger.ttl must not be negative")
	}

	switch cfg.Telemetry.ExporterType {
	case "grpc", "http":
	default:
		errs = append(errs, fmt.Sprintf("telemetry.exporterType %q is not one of grpc, http", cfg.Telemetry.ExporterType))
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		errs = append(errs, "telemetry.samplingRate must be in [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
