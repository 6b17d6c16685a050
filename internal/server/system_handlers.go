package server

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/billsync/internal/database"
	"github.com/aristath/billsync/internal/scheduler"
)

// SystemStatusResponse is the body of GET /api/system
type SystemStatusResponse struct {
	CPUPercent  float64             `json:"cpu_percent"`
	MemPercent  float64             `json:"mem_percent"`
	MemUsedMB   float64             `json:"mem_used_mb"`
	Goroutines  int                 `json:"goroutines"`
	HeapAllocMB float64             `json:"heap_alloc_mb"`
	SyncRunning bool                `json:"sync_running"`
	LastRunID   string              `json:"last_run_id,omitempty"`
	LastRunAt   *time.Time          `json:"last_run_at,omitempty"`
	Database    *database.Stats     `json:"database,omitempty"`
	Jobs        []scheduler.JobInfo `json:"jobs"`
	CheckedAt   time.Time           `json:"checked_at"`
}

// SystemHandlers serves host and process statistics
type SystemHandlers struct {
	log      zerolog.Logger
	ledgerDB *database.DB
	jobs     JobLister
	runner   RunTrigger

	// replaced in tests so no request blocks on cpu sampling
	cpuPercent func() (float64, error)
}

// NewSystemHandlers creates system handlers. Every dependency may be nil.
func NewSystemHandlers(log zerolog.Logger, ledgerDB *database.DB, jobs JobLister, runner RunTrigger) *SystemHandlers {
	return &SystemHandlers{
		log:        log.With().Str("component", "system_handlers").Logger(),
		ledgerDB:   ledgerDB,
		jobs:       jobs,
		runner:     runner,
		cpuPercent: sampleCPU,
	}
}

// sampleCPU averages across all CPUs over 100ms
func sampleCPU() (float64, error) {
	percents, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, nil
	}
	return percents[0], nil
}

// HandleSystemStatus handles GET /api/system
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	resp := SystemStatusResponse{
		Goroutines: runtime.NumGoroutine(),
		Jobs:       []scheduler.JobInfo{},
		CheckedAt:  time.Now().UTC(),
	}

	if cpuPct, err := h.cpuPercent(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
	} else {
		resp.CPUPercent = cpuPct
	}

	if memStat, err := mem.VirtualMemory(); err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
	} else {
		resp.MemPercent = memStat.UsedPercent
		resp.MemUsedMB = float64(memStat.Used) / 1024 / 1024
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.HeapAllocMB = float64(ms.HeapAlloc) / 1024 / 1024

	if h.runner != nil {
		resp.SyncRunning = h.runner.Running()
		if last := h.runner.Last(); last != nil {
			resp.LastRunID = last.RunID
			ended := last.EndedAt
			resp.LastRunAt = &ended
		}
	}

	if h.ledgerDB != nil {
		if stats, err := h.ledgerDB.GetStats(); err != nil {
			h.log.Warn().Err(err).Msg("Failed to get ledger stats")
		} else {
			resp.Database = stats
		}
	}

	if h.jobs != nil {
		resp.Jobs = h.jobs.Jobs()
	}

	h.writeJSON(w, resp)
}

func (h *SystemHandlers) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
