package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/report"
	"github.com/aristath/billsync/internal/runner"
)

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":         "healthy",
		"service":        "billsync",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"sync_running":   s.runner != nil && s.runner.Running(),
	}
	s.writeJSON(w, http.StatusOK, response)
}

// handleTriggerRun handles POST /api/runs
func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sync runner not configured")
		return
	}

	id, err := s.runner.Start(s.baseCtx)
	if errors.Is(err, runner.ErrRunInProgress) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to start sync run")
		s.writeError(w, http.StatusInternalServerError, "failed to start sync run")
		return
	}

	s.log.Info().Str("run_id", id).Msg("Sync run triggered via API")
	w.Header().Set("Location", "/api/runs/latest")
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": id,
		"status": "started",
	})
}

// latestReport prefers the ledger and falls back to this process's last run
func (s *Server) latestReport(r *http.Request) (*report.Report, error) {
	if s.runs != nil {
		rep, err := s.runs.LatestRun(r.Context())
		if err != nil || rep != nil {
			return rep, err
		}
	}
	if s.runner != nil {
		if last := s.runner.Last(); last != nil {
			return last.Summary(), nil
		}
	}
	return nil, nil
}

// handleLatestRun handles GET /api/runs/latest
func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	rep, err := s.latestReport(r)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load latest run")
		s.writeError(w, http.StatusInternalServerError, "failed to load latest run")
		return
	}
	if rep == nil {
		s.writeError(w, http.StatusNotFound, "no runs yet")
		return
	}
	s.writeJSON(w, http.StatusOK, rep)
}

// handleListRuns handles GET /api/runs?limit=N
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list runs")
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// handleRunRecords handles GET /api/runs/{runID}/records?platform=...
func (s *Server) handleRunRecords(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "ledger not configured")
		return
	}

	var platform domain.Platform
	if p := r.URL.Query().Get("platform"); p != "" {
		parsed, err := domain.ParsePlatform(p)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		platform = parsed
	}

	runID := chi.URLParam(r, "runID")
	records, err := s.runs.Records(r.Context(), runID, platform)
	if err != nil {
		s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load records")
		s.writeError(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":  runID,
		"count":   len(records),
		"records": records,
	})
}

// handleSummaries handles GET /api/summaries. ?run_id= selects a stored run
// instead of the latest.
func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	if runID := r.URL.Query().Get("run_id"); runID != "" && s.runs != nil {
		summaries, err := s.runs.Summaries(r.Context(), runID)
		if err != nil {
			s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load summaries")
			s.writeError(w, http.StatusInternalServerError, "failed to load summaries")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "summaries": summaries})
		return
	}

	rep, err := s.latestReport(r)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load summaries")
		s.writeError(w, http.StatusInternalServerError, "failed to load summaries")
		return
	}
	if rep == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"summaries": []domain.AccountSummary{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id":    rep.RunID,
		"summaries": rep.Summaries,
		"platforms": rep.Platforms,
		"totals":    rep.Totals,
		"net":       rep.Net,
		"net_cash":  rep.NetCash,
	})
}

// handleErrors handles GET /api/errors. ?run_id= selects a stored run.
func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	if runID := r.URL.Query().Get("run_id"); runID != "" && s.runs != nil {
		errs, err := s.runs.Errors(r.Context(), runID)
		if err != nil {
			s.log.Error().Err(err).Str("run_id", runID).Msg("Failed to load errors")
			s.writeError(w, http.StatusInternalServerError, "failed to load errors")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"run_id": runID, "errors": errs})
		return
	}

	rep, err := s.latestReport(r)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to load errors")
		s.writeError(w, http.StatusInternalServerError, "failed to load errors")
		return
	}
	if rep == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"errors": []report.ErrorEntry{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"run_id": rep.RunID,
		"status": rep.Status,
		"errors": rep.Errors,
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
