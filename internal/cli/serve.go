package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/aristath/billsync/internal/di"
	"github.com/aristath/billsync/internal/server"
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 0, "HTTP port (overrides BILLSYNC_PORT)")
	serveCmd.Flags().Bool("sync-now", false, "Start a sync immediately instead of waiting for the schedule")
	serveCmd.Flags().Bool("dev", false, "Development mode: no response compression")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled syncs and serve the status API",
	Long: `Run syncs on SYNC_SCHEDULE, run ledger maintenance nightly and serve
the status API: run reports, per-account summaries, the error log, live
progress events, Prometheus metrics and host statistics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Port = port
	}
	syncNow, _ := cmd.Flags().GetBool("sync-now")
	devMode, _ := cmd.Flags().GetBool("dev")

	accounts, err := loadAccounts(cfg, log)
	if err != nil {
		return err
	}

	// runCtx parents every sync; canceling it drains in-flight runs
	runCtx, cancelRuns := context.WithCancel(context.Background())
	defer cancelRuns()

	container, err := di.Wire(runCtx, cfg, accounts, prometheus.DefaultRegisterer, log)
	if err != nil {
		return err
	}
	defer container.Close()

	srv := server.New(server.Config{
		Log:         log,
		Port:        cfg.Port,
		Runner:      container.Runner,
		Runs:        container.Ledger,
		LedgerDB:    container.LedgerDB,
		Bus:         container.Bus,
		Jobs:        container.Scheduler,
		DevMode:     devMode,
		BaseContext: runCtx,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	container.Scheduler.Start()

	if syncNow {
		if id, err := container.Runner.Start(runCtx); err != nil {
			log.Warn().Err(err).Msg("Initial sync not started")
		} else {
			log.Info().Str("run_id", id).Msg("Initial sync started")
		}
	}

	log.Info().
		Int("port", cfg.Port).
		Int("accounts", len(container.Accounts)).
		Str("schedule", cfg.Sync.Schedule).
		Msg("billsync started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err = <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}

	// Stop fetching first so the scheduler's running sync can store its report
	cancelRuns()
	container.Scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Msg("Server forced to shutdown")
	}

	// an API-triggered run is not tracked by the scheduler
	for deadline := time.Now().Add(30 * time.Second); container.Runner.Running() && time.Now().Before(deadline); {
		time.Sleep(100 * time.Millisecond)
	}

	log.Info().Msg("Server stopped")
	return err
}
