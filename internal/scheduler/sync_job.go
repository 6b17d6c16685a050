package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/aristath/billsync/internal/report"
	"github.com/aristath/billsync/internal/runner"
	"github.com/rs/zerolog"
)

// SyncRunner is the part of runner.Runner the sync job needs
type SyncRunner interface {
	Run(ctx context.Context) (*report.Report, error)
}

// SyncJob performs a full sync run on schedule
type SyncJob struct {
	ctx    context.Context
	runner SyncRunner
	log    zerolog.Logger
}

// NewSyncJob creates a sync job. Runs stop when ctx is canceled.
func NewSyncJob(ctx context.Context, r SyncRunner, log zerolog.Logger) *SyncJob {
	return &SyncJob{
		ctx:    ctx,
		runner: r,
		log:    log.With().Str("job", "sync").Logger(),
	}
}

// Name returns the job name
func (j *SyncJob) Name() string {
	return "sync"
}

// Run executes one sync run. A run already in progress, for example one
// started from the API, is not an error.
func (j *SyncJob) Run() error {
	rep, err := j.runner.Run(j.ctx)
	if errors.Is(err, runner.ErrRunInProgress) {
		j.log.Info().Msg("Sync already in progress, skipping scheduled run")
		return nil
	}
	if err != nil {
		return fmt.Errorf("scheduled sync failed: %w", err)
	}

	j.log.Info().
		Str("run_id", rep.RunID).
		Str("status", string(rep.Status)).
		Float64("net", rep.Net).
		Int("errors", len(rep.Errors)).
		Msg("Scheduled sync completed")
	return nil
}
