package di

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aristath/billsync/internal/config"
	"github.com/aristath/billsync/internal/domain"
)

// Wire initializes all dependencies and returns a fully configured container.
// Order of operations:
//  1. Open and migrate the ledger database
//  2. Build services (registry, orchestrator, exporter, runner)
//  3. Register scheduler jobs
//
// The caller owns the container and must Close it.
func Wire(ctx context.Context, cfg *config.Config, accounts []domain.Account, reg prometheus.Registerer, log zerolog.Logger) (*Container, error) {
	container, err := InitializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := InitializeServices(ctx, container, cfg, accounts, reg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := RegisterJobs(ctx, container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	return container, nil
}
