// Package reportapi serves fuzz run reports and crash bundles over HTTP and
// streams live check results to WebSocket clients.
//
// The API is read-only. Reports are written by the harness through the
// store and never modified here.
package reportapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/hyperfuzz/internal/model"
	"github.com/atmx/hyperfuzz/internal/store"
)

// MaxListLimit caps the limit query parameter of GET /runs.
const MaxListLimit = 1000

// Service handles report queries.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a new report service.
func NewService(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, logger: logger}
}

// --- Response types ---

// RunList is the JSON body returned from GET /runs.
type RunList struct {
	Runs  []model.RunSummary `json:"runs"`
	Count int                `json:"count"`
}

// ViolationSummary is the JSON body returned from GET /violations.
type ViolationSummary struct {
	Invariants map[string]int `json:"invariants"`
	Total      int            `json:"total"`
}

// --- Handlers ---

// ListRuns handles GET /api/v1/runs?limit=N
func (s *Service) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = min(n, MaxListLimit)
	}

	runs, err := s.store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs failed", "err", err)
		writeError(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []model.RunSummary{}
	}

	writeJSON(w, http.StatusOK, RunList{Runs: runs, Count: len(runs)})
}

// GetRun handles GET /api/v1/runs/{runID}
func (s *Service) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	report, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		s.notFoundOr(w, err, "run not found", "failed to load run")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetRunCrash handles GET /api/v1/runs/{runID}/crash
func (s *Service) GetRunCrash(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	bundle, err := s.store.GetCrashByRun(r.Context(), runID)
	if err != nil {
		s.notFoundOr(w, err, "no crash recorded for run", "failed to load crash")
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

// GetCrash handles GET /api/v1/crashes/{crashID}
func (s *Service) GetCrash(w http.ResponseWriter, r *http.Request) {
	crashID := chi.URLParam(r, "crashID")

	bundle, err := s.store.GetCrash(r.Context(), crashID)
	if err != nil {
		s.notFoundOr(w, err, "crash not found", "failed to load crash")
		return
	}

	writeJSON(w, http.StatusOK, bundle)
}

// Violations handles GET /api/v1/violations
// Returns failed check counts per invariant across all stored runs.
func (s *Service) Violations(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.ViolationCounts(r.Context())
	if err != nil {
		s.logger.Error("violation counts failed", "err", err)
		writeError(w, "failed to count violations", http.StatusInternalServerError)
		return
	}
	if counts == nil {
		counts = map[string]int{}
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	writeJSON(w, http.StatusOK, ViolationSummary{Invariants: counts, Total: total})
}

// Health handles GET /health
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok","service":"hyperfuzz"}`))
}

func (s *Service) notFoundOr(w http.ResponseWriter, err error, notFound, failed string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, notFound, http.StatusNotFound)
		return
	}
	s.logger.Error(failed, "err", err)
	writeError(w, failed, http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
