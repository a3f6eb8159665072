// SPDX-License-Identifier: MIT

// Package status serves the read-only observability endpoints of a
// running crawl: liveness, readiness, Prometheus metrics and a JSON
// snapshot of the live run. It exposes no control surface.
package status

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/vidharvest/internal/log"
)

// Broadcaster holds the latest progress snapshot a run has published.
// Publishing replaces the previous snapshot; readers always see the
// newest one.
type Broadcaster struct {
	mu   sync.RWMutex
	snap any
}

func NewBroadcaster() *Broadcaster { return &Broadcaster{} }

// Publish replaces the current snapshot.
func (b *Broadcaster) Publish(snap any) {
	b.mu.Lock()
	b.snap = snap
	b.mu.Unlock()
}

// Snapshot returns the latest snapshot, or false when none was published.
func (b *Broadcaster) Snapshot() (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snap, b.snap != nil
}

// Server is the embedded status server.
type Server struct {
	srv      *http.Server
	progress *Broadcaster
	ready    atomic.Bool

	mu    sync.Mutex
	bound string
}

// Options configure the status server.
type Options struct {
	// Addr is the listen address, for example ":8080".
	Addr string
	// Progress supplies the /progress snapshot. A nil Progress gets a
	// fresh broadcaster, reachable via the Progress method.
	Progress *Broadcaster
}

func NewServer(opts Options) *Server {
	s := &Server{progress: opts.Progress}
	if s.progress == nil {
		s.progress = NewBroadcaster()
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Progress returns the broadcaster run snapshots are published to.
func (s *Server) Progress() *Broadcaster { return s.progress }

// SetReady flips the readiness gate. The orchestrator sets it once the
// network precheck and session verification have passed.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Addr returns the bound listen address once Run has started, else "".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(httprate.Limit(60, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	r.Use(traceRequests)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/progress", s.handleProgress)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// traceRequests opens a server span per request, skipping the probe and
// metrics endpoints that would only add noise.
func traceRequests(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "vidharvest.status",
		otelhttp.WithFilter(func(r *http.Request) bool {
			switch r.URL.Path {
			case "/healthz", "/readyz", "/metrics":
				return false
			}
			return true
		}),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.progress.Snapshot()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run in progress"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is canceled or the listener fails. Shutdown is
// bounded so a canceled parent context cannot hang it.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("status server listen: %w", err)
	}
	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.mu.Unlock()

	logger := log.WithComponent("status")
	logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		logger.Info().Msg("status server stopped")
		return nil
	}
}
