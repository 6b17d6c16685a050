package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/billsync/internal/config"
	"github.com/aristath/billsync/internal/scheduler"
)

// MaintenanceSchedule runs ledger maintenance at 3 AM daily
const MaintenanceSchedule = "0 0 3 * * *"

// RegisterJobs builds the scheduler with the sync and maintenance jobs.
// Scheduled syncs stop when ctx is canceled.
func RegisterJobs(ctx context.Context, container *Container, cfg *config.Config, log zerolog.Logger) error {
	if container == nil || container.Runner == nil {
		return fmt.Errorf("container services must be initialized before jobs")
	}

	container.Scheduler = scheduler.New(log)

	container.SyncJob = scheduler.NewSyncJob(ctx, container.Runner, log)
	if err := container.Scheduler.AddJob(cfg.Sync.Schedule, container.SyncJob); err != nil {
		return fmt.Errorf("failed to register sync job: %w", err)
	}

	// MaintenanceJob checks for a nil interface, not a nil *Exporter
	var rotator scheduler.SnapshotRotator
	if container.Exporter != nil {
		rotator = container.Exporter
	}
	container.MaintenanceJob = scheduler.NewMaintenanceJob(
		container.LedgerDB,
		container.Ledger,
		rotator,
		cfg.Sync.KeepRuns,
		cfg.Export.RetentionDays,
		log,
	)
	if err := container.Scheduler.AddJob(MaintenanceSchedule, container.MaintenanceJob); err != nil {
		return fmt.Errorf("failed to register maintenance job: %w", err)
	}

	return nil
}
