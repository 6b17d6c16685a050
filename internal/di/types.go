// Package di wires the billsync components together.
package di

import (
	"github.com/aristath/billsync/internal/clients/platforms"
	"github.com/aristath/billsync/internal/database"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/events"
	"github.com/aristath/billsync/internal/export"
	"github.com/aristath/billsync/internal/ledger"
	"github.com/aristath/billsync/internal/metrics"
	"github.com/aristath/billsync/internal/orchestrator"
	"github.com/aristath/billsync/internal/runner"
	"github.com/aristath/billsync/internal/scheduler"
)

// Container holds every long-lived dependency of a billsync process.
//
// Wire fills it in three steps: databases, services, jobs. Exporter is nil
// when snapshot upload is not configured. The scheduler is built but not
// started; the serve command starts it.
type Container struct {
	// Databases
	LedgerDB *database.DB

	// Repositories
	Ledger *ledger.Repository

	// Services
	Accounts     []domain.Account
	Registry     *platforms.Registry
	Bus          *events.Bus
	Metrics      *metrics.Collectors
	Orchestrator *orchestrator.Orchestrator
	Exporter     *export.Exporter
	Runner       *runner.Runner

	// Jobs
	Scheduler      *scheduler.Scheduler
	SyncJob        *scheduler.SyncJob
	MaintenanceJob *scheduler.MaintenanceJob
	detachMetrics  func()
}

// Close detaches the metrics subscription and closes the ledger database
func (c *Container) Close() error {
	if c.detachMetrics != nil {
		c.detachMetrics()
		c.detachMetrics = nil
	}
	if c.LedgerDB != nil {
		return c.LedgerDB.Close()
	}
	return nil
}
