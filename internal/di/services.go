package di

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aristath/billsync/internal/aggregate"
	"github.com/aristath/billsync/internal/clients/platforms"
	"github.com/aristath/billsync/internal/config"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/events"
	"github.com/aristath/billsync/internal/export"
	"github.com/aristath/billsync/internal/metrics"
	"github.com/aristath/billsync/internal/orchestrator"
	"github.com/aristath/billsync/internal/paginator"
	"github.com/aristath/billsync/internal/runner"
)

// OrchestratorOptions translates the sync settings into run options
func OrchestratorOptions(cfg *config.Config) (orchestrator.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return orchestrator.Options{}, err
	}

	pagination := paginator.DefaultOptions()
	pagination.PageSize = cfg.Sync.PageSize
	pagination.FetchAll = cfg.Sync.QueryAllBills
	pagination.MaxRetries = cfg.Sync.MaxRetries
	pagination.RetryDelay = cfg.Sync.RetryDelay
	pagination.PageDelay = cfg.Sync.PageDelay
	pagination.MaxPages = cfg.Sync.MaxPages
	pagination.Resume = cfg.Sync.EnableResume

	return orchestrator.Options{
		Pagination:   pagination,
		AccountDelay: cfg.Sync.PlatformDelay,
		Window:       aggregate.Window(cfg.Sync.DaysForRecent),
		Location:     loc,
	}, nil
}

// InitializeServices builds the adapter registry, event bus, metrics,
// orchestrator, optional exporter and runner. reg receives the collectors;
// pass a fresh registry in tests.
func InitializeServices(ctx context.Context, container *Container, cfg *config.Config, accounts []domain.Account, reg prometheus.Registerer, log zerolog.Logger) error {
	opts, err := OrchestratorOptions(cfg)
	if err != nil {
		return err
	}

	container.Accounts = cfg.FilterAccounts(accounts)
	if len(container.Accounts) < len(accounts) {
		log.Info().
			Int("configured", len(accounts)).
			Int("enabled", len(container.Accounts)).
			Msg("Accounts on disabled platforms skipped")
	}

	container.Registry = platforms.NewRegistry(platforms.Options{
		Timeout:         cfg.Sync.RequestTimeout,
		RequestInterval: cfg.Sync.RequestRate,
		Location:        opts.Location,
	}, log)
	if err := container.Registry.Validate(container.Accounts); err != nil {
		return fmt.Errorf("invalid account roster: %w", err)
	}

	container.Bus = events.NewBus(log)
	container.Metrics = metrics.New(reg)
	container.detachMetrics = container.Metrics.Attach(container.Bus)

	container.Orchestrator = orchestrator.New(container.Registry, opts, log,
		orchestrator.WithCursorStore(container.Ledger),
		orchestrator.WithEvents(container.Bus),
		orchestrator.WithMetrics(container.Metrics),
	)

	// runner.New takes an interface; a nil *Exporter must stay a nil interface
	var exporter runner.Exporter
	if cfg.Export.Enabled() {
		store, err := export.NewS3Client(ctx, cfg.Export, log)
		if err != nil {
			return fmt.Errorf("failed to initialize snapshot export: %w", err)
		}
		container.Exporter = export.NewExporter(store, cfg.Export.Prefix, log)
		exporter = container.Exporter
	} else {
		log.Info().Msg("S3_BUCKET not set, snapshot export disabled")
	}

	container.Runner = runner.New(container.Orchestrator, container.Accounts, container.Ledger, exporter, log)

	log.Info().
		Int("accounts", len(container.Accounts)).
		Bool("export", container.Exporter != nil).
		Msg("Services initialized")
	return nil
}
