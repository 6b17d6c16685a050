package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// LedgerMaintainer is implemented by ledger.Repository
type LedgerMaintainer interface {
	PruneRuns(ctx context.Context, keep int) (int64, error)
}

// LedgerDB is implemented by database.DB
type LedgerDB interface {
	QuickCheck(ctx context.Context) error
	WALCheckpoint() error
}

// SnapshotRotator is implemented by export.Exporter
type SnapshotRotator interface {
	Rotate(ctx context.Context, retentionDays int) (int, error)
}

// MaintenanceJob keeps the ledger and the snapshot bucket bounded
type MaintenanceJob struct {
	db            LedgerDB
	repo          LedgerMaintainer
	rotator       SnapshotRotator // nil when export is off
	keepRuns      int             // 0 keeps every run
	retentionDays int
	timeout       time.Duration
	log           zerolog.Logger
}

// NewMaintenanceJob creates the daily maintenance job
func NewMaintenanceJob(db LedgerDB, repo LedgerMaintainer, rotator SnapshotRotator, keepRuns, retentionDays int, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:            db,
		repo:          repo,
		rotator:       rotator,
		keepRuns:      keepRuns,
		retentionDays: retentionDays,
		timeout:       5 * time.Minute,
		log:           log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string {
	return "maintenance"
}

// Run checks the ledger, prunes old runs, truncates the WAL and rotates
// snapshots. A failed rotation is logged and does not fail the job.
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	j.log.Info().Msg("Starting maintenance")

	if err := j.db.QuickCheck(ctx); err != nil {
		return fmt.Errorf("ledger health check failed: %w", err)
	}

	var pruned int64
	if j.keepRuns > 0 {
		n, err := j.repo.PruneRuns(ctx, j.keepRuns)
		if err != nil {
			return err
		}
		pruned = n
	}

	if err := j.db.WALCheckpoint(); err != nil {
		j.log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	rotated := 0
	if j.rotator != nil {
		n, err := j.rotator.Rotate(ctx, j.retentionDays)
		if err != nil {
			j.log.Error().Err(err).Msg("Snapshot rotation failed")
		}
		rotated = n
	}

	j.log.Info().
		Int64("runs_pruned", pruned).
		Int("snapshots_rotated", rotated).
		Dur("duration", time.Since(start)).
		Msg("Maintenance completed")
	return nil
}
