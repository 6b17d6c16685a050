// Package runner owns the configured accounts and serializes sync runs over
// them, persisting and exporting each run's report.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/orchestrator"
	"github.com/aristath/billsync/internal/report"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRunInProgress is returned when a run is requested while one is active
var ErrRunInProgress = errors.New("a sync run is already in progress")

// saveTimeout bounds ledger writes once a run has finished, even if the run
// itself was canceled
const saveTimeout = 30 * time.Second

// Engine runs accounts through their platforms. orchestrator.Orchestrator implements it.
type Engine interface {
	Run(ctx context.Context, accounts []domain.Account) (*orchestrator.Result, error)
}

// RunStore persists finished reports
type RunStore interface {
	SaveRun(ctx context.Context, rep *report.Report) error
}

// Exporter uploads a report snapshot and returns its key
type Exporter interface {
	Export(ctx context.Context, rep *report.Report) (string, error)
}

// Runner runs one sync at a time. Accounts keep their resume state between
// runs because the same slice is handed to every run.
type Runner struct {
	engine   Engine
	store    RunStore
	exporter Exporter
	log      zerolog.Logger

	mu       sync.Mutex // guards accounts for the duration of a run
	accounts []domain.Account

	stateMu sync.RWMutex
	running bool
	last    *report.Report
}

// New creates a runner. store and exporter may be nil.
func New(engine Engine, accounts []domain.Account, store RunStore, exporter Exporter, log zerolog.Logger) *Runner {
	return &Runner{
		engine:   engine,
		store:    store,
		exporter: exporter,
		accounts: accounts,
		log:      log.With().Str("component", "runner").Logger(),
	}
}

// Run performs one sync run and returns its report. The report is returned
// alongside a persistence error so callers can still show it.
func (r *Runner) Run(ctx context.Context) (*report.Report, error) {
	if !r.begin() {
		return nil, ErrRunInProgress
	}
	defer r.end()
	return r.run(ctx)
}

// Start launches a run in the background and returns its id. It fails
// immediately when a run is already active.
func (r *Runner) Start(ctx context.Context) (string, error) {
	if !r.begin() {
		return "", ErrRunInProgress
	}
	id := uuid.NewString()
	ctx = orchestrator.ContextWithRunID(ctx, id)
	go func() {
		defer r.end()
		if _, err := r.run(ctx); err != nil {
			r.log.Error().Err(err).Str("run_id", id).Msg("Background sync run failed")
		}
	}()
	return id, nil
}

func (r *Runner) begin() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.running {
		return false
	}
	r.running = true
	return true
}

func (r *Runner) end() {
	r.stateMu.Lock()
	r.running = false
	r.stateMu.Unlock()
}

func (r *Runner) run(ctx context.Context) (*report.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.engine.Run(ctx, r.accounts)
	if err != nil {
		return nil, fmt.Errorf("failed to run sync: %w", err)
	}

	rep := report.Build(res)
	r.stateMu.Lock()
	r.last = rep
	r.stateMu.Unlock()

	if res.Canceled {
		for _, e := range res.Errors {
			if !orchestrator.IsCanceled(e) {
				continue
			}
			r.log.Warn().Str("platform", string(e.Platform)).Str("account", e.Account).Msg("Account interrupted by cancellation")
		}
	}

	// The run's own context may be canceled by now; the outcome is still recorded
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if r.store != nil {
		if err := r.store.SaveRun(saveCtx, rep); err != nil {
			return rep, fmt.Errorf("failed to persist run %s: %w", rep.RunID, err)
		}
	}

	if r.exporter != nil {
		if _, err := r.exporter.Export(saveCtx, rep); err != nil {
			// Export failures do not fail the run
			r.log.Error().Err(err).Str("run_id", rep.RunID).Msg("Failed to export report snapshot")
		}
	}

	return rep, nil
}

// Running reports whether a run is active
func (r *Runner) Running() bool {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.running
}

// Last returns the most recent report built by this process, or nil
func (r *Runner) Last() *report.Report {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.last
}
