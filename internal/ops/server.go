// Package ops exposes health and run-progress endpoints for the streaming
// daemon mode.
package ops

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/otb-data/gkg-ingest/internal/pipeline"
)

// Snapshotter yields the live run summary.
type Snapshotter interface {
	Snapshot() pipeline.Summary
}

// Pinger checks backend connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves /healthz and /stats.
type Server struct {
	log  *slog.Logger
	run  Snapshotter
	es   Pinger
	http *http.Server
}

// New builds the ops server bound to addr.
func New(addr string, run Snapshotter, es Pinger, log *slog.Logger) *Server {
	s := &Server{log: log, run: run, es: es}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/stats", s.handleStats)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

// Start serves until Shutdown; it returns http.ErrServerClosed on clean stop.
func (s *Server) Start() error {
	s.log.Info("ops server starting", slog.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.es.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.run.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// nothing better to do
	}
}
