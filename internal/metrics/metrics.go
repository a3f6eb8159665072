// SPDX-License-Identifier: MIT

// Package metrics defines the Prometheus collectors shared by the crawl
// pipeline and the maintenance tools.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run lifecycle
	runInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vidharvest_run_info",
		Help: "Identifying labels of the current or last crawl run (value is always 1)",
	}, []string{"run_id", "mode"})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidharvest_run_duration_seconds",
		Help:    "Duration of completed crawl runs in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2.0, 12), // 1s .. ~34m
	})

	lastRunTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidharvest_last_run_timestamp",
		Help: "Timestamp of the last completed crawl run (Unix timestamp)",
	})

	// Transport metrics
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_api_requests_total",
		Help: "Platform API requests by outcome",
	}, []string{"outcome"}) // outcome=ok|auth_expired|rate_limited|transient|remote|not_found|canceled

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidharvest_api_retries_total",
		Help: "Total request retries after transient failures",
	})

	rateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidharvest_rate_limit_waits_total",
		Help: "Times the client honored a server-issued retry-after",
	})

	userAgentRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidharvest_user_agent_rotations_total",
		Help: "User-agent rotations performed by the transport",
	})

	// Search metrics
	searchPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_search_pages_total",
		Help: "Search result pages fetched by outcome",
	}, []string{"outcome"}) // outcome=ok|empty|failed

	candidatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_candidates_total",
		Help: "Search rows seen by filter disposition",
	}, []string{"disposition"}) // disposition=accepted|duration|views|title|pubdate|score|duplicate

	// Acquisition metrics
	metadataCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_metadata_collected_total",
		Help: "Metadata records collected by outcome",
	}, []string{"outcome"}) // outcome=ok|invalid|failed

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_downloads_total",
		Help: "Media downloads by outcome",
	}, []string{"outcome"}) // outcome=ok|skipped_duration|skipped_resume|downgraded|failed

	downloadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vidharvest_download_bytes_total",
		Help: "Total media bytes written to disk",
	})

	mergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_merges_total",
		Help: "FFmpeg stream merges by outcome",
	}, []string{"outcome"}) // outcome=ok|failed

	// Dataset metrics
	datasetCommits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_dataset_commits_total",
		Help: "Dataset index commits by outcome",
	}, []string{"outcome"}) // outcome=ok|rolled_back

	datasetVideos = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidharvest_dataset_videos",
		Help: "Videos currently recorded in the dataset index",
	})

	maintenanceRemovals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_maintenance_removals_total",
		Help: "Files removed by maintenance by category",
	}, []string{"category"}) // category=orphan_media|orphan_metadata|index_orphan|duration|corrupt

	// Circuit breaker
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vidharvest_circuit_breaker_state",
		Help: "Circuit breaker state by component (active state has value 1)",
	}, []string{"component", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidharvest_circuit_breaker_trips_total",
		Help: "Circuit breaker transitions to the open state",
	}, []string{"component", "reason"})
)

// SetRunInfo publishes the identity of the active crawl run. The previous
// run's series is dropped so the gauge always describes exactly one run.
func SetRunInfo(runID, mode string) {
	runInfo.Reset()
	runInfo.WithLabelValues(runID, mode).Set(1)
}

// RecordRunCompleted observes a crawl run that ran its stages to the end.
func RecordRunCompleted(d time.Duration) {
	runDuration.Observe(d.Seconds())
	lastRunTime.Set(float64(time.Now().Unix()))
}

// RecordRequest counts one platform API request with its outcome label.
func RecordRequest(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry counts one retry attempt.
func RecordRetry() {
	retriesTotal.Inc()
}

// RecordRateLimitWait counts one honored retry-after pause.
func RecordRateLimitWait() {
	rateLimitWaits.Inc()
}

// RecordUserAgentRotation counts one UA rotation.
func RecordUserAgentRotation() {
	userAgentRotations.Inc()
}

// RecordSearchPage counts one fetched search page.
func RecordSearchPage(outcome string) {
	searchPagesTotal.WithLabelValues(outcome).Inc()
}

// RecordCandidate counts one search row with its filter disposition.
func RecordCandidate(disposition string) {
	candidatesTotal.WithLabelValues(disposition).Inc()
}

// RecordMetadata counts one metadata collection.
func RecordMetadata(outcome string) {
	metadataCollected.WithLabelValues(outcome).Inc()
}

// RecordDownload counts one download outcome.
func RecordDownload(outcome string) {
	downloadsTotal.WithLabelValues(outcome).Inc()
}

// AddDownloadBytes accumulates media bytes written.
func AddDownloadBytes(n int64) {
	if n > 0 {
		downloadBytes.Add(float64(n))
	}
}

// RecordMerge counts one FFmpeg merge.
func RecordMerge(outcome string) {
	mergesTotal.WithLabelValues(outcome).Inc()
}

// RecordDatasetCommit counts one index commit.
func RecordDatasetCommit(outcome string) {
	datasetCommits.WithLabelValues(outcome).Inc()
}

// SetDatasetVideos publishes the current index size.
func SetDatasetVideos(n int) {
	datasetVideos.Set(float64(n))
}

// RecordMaintenanceRemoval counts one maintenance removal.
func RecordMaintenanceRemoval(category string) {
	maintenanceRemovals.WithLabelValues(category).Inc()
}

var circuitStates = []string{"closed", "half-open", "open"}

// SetCircuitBreakerState records the active circuit breaker state for a component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(component, reason string) {
	circuitBreakerTrips.WithLabelValues(component, reason).Inc()
}
