// Package ops serves the operational HTTP surface: metrics, liveness and
// readiness.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
)

// Pinger checks one dependency; readiness fails when any pinger errors.
type Pinger func(ctx context.Context) error

// Server is the ops HTTP server.
type Server struct {
	breakers *breaker.Set
	pingers  map[string]Pinger
	srv      *http.Server
}

// New constructs the server on the given port. Pingers are keyed by dependency
// name and show up in the readiness payload.
func New(port int, breakers *breaker.Set, pingers map[string]Pinger) *Server {
	s := &Server{breakers: breakers, pingers: pingers}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/breakers", s.breakerHealth)

	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until Shutdown; it returns http.ErrServerClosed on clean stop.
func (s *Server) Start() error {
	slog.Info("ops server listening", slog.String("addr", s.srv.Addr))
	return s.srv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz pings every dependency with a short deadline; a single failure makes
// the whole endpoint 503 so orchestration stops routing work here.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.pingers))
	ready := true
	for name, ping := range s.pingers {
		if err := ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	overall := "ready"
	if s.breakers != nil && s.breakers.HealthStatus().Overall == "unhealthy" {
		overall = "not ready"
		ready = false
	}
	if !ready {
		status = http.StatusServiceUnavailable
		overall = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

func (s *Server) breakerHealth(w http.ResponseWriter, _ *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no breakers configured"})
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.HealthStatus())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("ops response encode failed", slog.Any("error", err))
	}
}
