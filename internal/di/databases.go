package di

import (
	"fmt"

	"github.com/aristath/billsync/internal/config"
	"github.com/aristath/billsync/internal/database"
	"github.com/aristath/billsync/internal/ledger"
	"github.com/rs/zerolog"
)

// InitializeDatabases opens ledger.db with the ledger profile and applies its schema
func InitializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	ledgerDB, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileLedger,
		Name:    "ledger",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}

	if err := ledgerDB.Migrate(); err != nil {
		ledgerDB.Close()
		return nil, fmt.Errorf("failed to apply schema to %s: %w", ledgerDB.Name(), err)
	}

	log.Info().Str("path", ledgerDB.Path()).Msg("Ledger database initialized")

	return &Container{
		LedgerDB: ledgerDB,
		Ledger:   ledger.NewRepository(ledgerDB.Conn(), log),
	}, nil
}
