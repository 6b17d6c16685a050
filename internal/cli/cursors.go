package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aristath/billsync/internal/di"
	"github.com/aristath/billsync/internal/domain"
)

func init() {
	rootCmd.AddCommand(cursorsCmd)
	cursorsCmd.AddCommand(cursorsResetCmd)
}

var cursorsCmd = &cobra.Command{
	Use:   "cursors",
	Short: "Manage stored resume cursors",
}

var cursorsResetCmd = &cobra.Command{
	Use:   "reset [PLATFORM]",
	Short: "Forget resume cursors so the next run starts from page 1",
	Long: `Forget the stored resume cursors of one platform, or of every platform
when none is given. The next run then fetches each account from page 1.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCursorsReset,
}

func runCursorsReset(cmd *cobra.Command, args []string) error {
	var platform domain.Platform
	if len(args) == 1 {
		p, err := domain.ParsePlatform(args[0])
		if err != nil {
			return err
		}
		platform = p
	}

	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}

	container, err := di.InitializeDatabases(cfg, log)
	if err != nil {
		return err
	}
	defer container.Close()

	n, err := container.Ledger.ResetCursors(cmd.Context(), platform)
	if err != nil {
		return err
	}

	scope := "all platforms"
	if platform != "" {
		scope = platform.DisplayName()
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reset %d cursor(s) for %s\n", n, scope)
	return nil
}
