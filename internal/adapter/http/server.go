package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwygoda/cardcatcher/internal/domain"
)

// RunReader is the read side of the run journal.
type RunReader interface {
	Get(ctx context.Context, id string) (*domain.Run, error)
	Latest(ctx context.Context) (*domain.Run, error)
	Counts(ctx context.Context, runID string) (map[domain.RowState]int, error)
}

// Server exposes run progress and metrics while a run is going.
type Server struct {
	runs     RunReader
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	mux      *http.ServeMux
	server   *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(runs RunReader, gatherer prometheus.Gatherer, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		runs:     runs,
		gatherer: gatherer,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /runs/latest", s.handleLatestRun)
	s.mux.HandleFunc("GET /runs/{id}", s.handleGetRun)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
}

// runResponse is the JSON response for run endpoints.
type runResponse struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Next      int    `json:"next"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// errorResponse is the JSON error response.
type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Latest(r.Context())
	s.respondRun(w, r, run, err)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.runs.Get(r.Context(), r.PathValue("id"))
	s.respondRun(w, r, run, err)
}

func (s *Server) respondRun(w http.ResponseWriter, r *http.Request, run *domain.Run, err error) {
	if errors.Is(err, domain.ErrRunNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	counts, err := s.runs.Counts(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("count outcomes failed", "run", run.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, runResponse{
		ID:        run.ID,
		Status:    string(run.Status),
		Start:     run.Start,
		End:       run.End,
		Next:      run.Next,
		Succeeded: counts[domain.StateSucceeded],
		Failed:    counts[domain.StateFailed],
		CreatedAt: run.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: run.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// ServeHTTP implements http.Handler for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Port extracts the port from the address.
func (s *Server) Port() int {
	addr := s.server.Addr
	if idx := strings.LastIndex(addr, ":"); idx >= 0 {
		port, _ := strconv.Atoi(addr[idx+1:])
		return port
	}
	return 0
}
