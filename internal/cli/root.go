// Package cli implements the billsync command line.
package cli

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/aristath/billsync/internal/config"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/pkg/logger"
)

func init() {
	rootCmd.PersistentFlags().StringP("accounts", "a", "", "Account roster file (overrides BILLSYNC_ACCOUNTS_FILE)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: trace, debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human-readable log output")
}

var rootCmd = &cobra.Command{
	Use:   "billsync",
	Short: "Collect and reconcile merchant bills across payment platforms",
	Long: `billsync logs into every configured merchant account on the supported
payment platforms, pages through their bill history, normalizes each record
and folds them into per-account income, withdrawal and refund summaries.

Settings come from the environment (a .env file is read when present).
Accounts are listed in a TOML roster, accounts.toml by default.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// bootstrap loads the configuration and builds the process logger. Flags
// override their environment counterparts.
func bootstrap(cmd *cobra.Command) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}

	if path, _ := cmd.Flags().GetString("accounts"); path != "" {
		cfg.AccountsFile = path
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if pretty, _ := cmd.Flags().GetBool("pretty"); pretty {
		cfg.LogPretty = true
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
		Output: cmd.ErrOrStderr(),
	})
	logger.SetGlobalLogger(log)

	return cfg, log, nil
}

// loadAccounts reads the whole roster. Wire drops accounts on disabled platforms.
func loadAccounts(cfg *config.Config, log zerolog.Logger) ([]domain.Account, error) {
	return config.NewAccountLoader(log).LoadFromFile(cfg.AccountsFile)
}
