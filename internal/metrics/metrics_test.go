// SPDX-License-Identifier: MIT

package metrics_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ManuGH/vidharvest/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	promhttp.Handler().ServeHTTP(rec, req)
	return rec.Body.String()
}

func TestRecordersDoNotPanicAndExpose(t *testing.T) {
	metrics.RecordRequest("ok")
	metrics.RecordRetry()
	metrics.RecordRateLimitWait()
	metrics.RecordUserAgentRotation()
	metrics.RecordSearchPage("ok")
	metrics.RecordCandidate("accepted")
	metrics.RecordMetadata("ok")
	metrics.RecordDownload("ok")
	metrics.AddDownloadBytes(1024)
	metrics.AddDownloadBytes(-5) // ignored
	metrics.RecordMerge("ok")
	metrics.RecordDatasetCommit("ok")
	metrics.SetDatasetVideos(7)
	metrics.RecordMaintenanceRemoval("orphan_media")

	body := scrape(t)
	for _, name := range []string{
		"vidharvest_api_requests_total",
		"vidharvest_search_pages_total",
		"vidharvest_downloads_total",
		"vidharvest_dataset_videos",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %s not exposed", name)
		}
	}
}

func TestRunInfoExposesSingleRun(t *testing.T) {
	metrics.SetRunInfo("run-a", "full")
	metrics.SetRunInfo("run-b", "metadata_only")
	metrics.RecordRunCompleted(90 * time.Second)

	body := scrape(t)
	if !strings.Contains(body, `vidharvest_run_info{mode="metadata_only",run_id="run-b"} 1`) {
		t.Error("current run not exposed")
	}
	if strings.Contains(body, `run_id="run-a"`) {
		t.Error("previous run series not dropped")
	}
	if !strings.Contains(body, "vidharvest_last_run_timestamp") {
		t.Error("last run timestamp not exposed")
	}
	if !strings.Contains(body, "vidharvest_run_duration_seconds_count") {
		t.Error("run duration histogram not exposed")
	}
}

func TestCircuitBreakerStateGauge(t *testing.T) {
	metrics.SetCircuitBreakerState("api", "open")

	body := scrape(t)
	if !strings.Contains(body, `vidharvest_circuit_breaker_state{component="api",state="open"} 1`) {
		t.Error("open state not set to 1")
	}
	if !strings.Contains(body, `vidharvest_circuit_breaker_state{component="api",state="closed"} 0`) {
		t.Error("closed state not reset to 0")
	}

	metrics.SetCircuitBreakerState("api", "closed")
	body = scrape(t)
	if !strings.Contains(body, `vidharvest_circuit_breaker_state{component="api",state="closed"} 1`) {
		t.Error("closed state not restored")
	}
}

func TestCounterValueReadable(t *testing.T) {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "vidharvest_test_probe_total"})
	c.Add(3)

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	if got := m.GetCounter().GetValue(); got != 3 {
		t.Errorf("counter value = %v, want 3", got)
	}
}
