package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aristath/billsync/internal/di"
	"github.com/aristath/billsync/internal/report"
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("json", false, "Print the full report as JSON")
	runCmd.Flags().Bool("records", false, "Include bill records in the JSON report")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync over every enabled account",
	Long: `Run one sync over every enabled account and print the report.
The run is stored in the ledger and, when S3_BUCKET is set, uploaded as a
snapshot. Ctrl-C stops fetching; records collected so far are still reported.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func runSync(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	withRecords, _ := cmd.Flags().GetBool("records")

	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	accounts, err := loadAccounts(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := di.Wire(ctx, cfg, accounts, prometheus.NewRegistry(), log)
	if err != nil {
		return err
	}
	defer container.Close()

	rep, err := container.Runner.Run(ctx)
	if rep == nil {
		return err
	}
	if err != nil {
		// The report is complete; only persisting it failed
		log.Error().Err(err).Msg("Run finished but was not stored")
	}

	out := cmd.OutOrStdout()
	if asJSON {
		if !withRecords {
			rep = rep.Summary()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(rep); encErr != nil {
			return fmt.Errorf("failed to encode report: %w", encErr)
		}
	} else {
		printReport(out, rep)
	}

	if err != nil {
		return err
	}
	if rep.Status == report.StatusCanceled {
		return fmt.Errorf("run %s was canceled", rep.RunID)
	}
	return nil
}
