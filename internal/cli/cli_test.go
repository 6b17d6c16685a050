package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/billsync/internal/aggregate"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/report"
)

const roster = `
[[account]]
platform = "tianji"
username = "shop01"
secret   = "hunter2secret"

[[account]]
platform = "miaoyue"
username = "m-1"
secret   = "pw"
base_url = "http://127.0.0.1:1"
`

// setupEnv points the configuration at a temp data dir and roster
func setupEnv(t *testing.T, accounts string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.toml")
	require.NoError(t, os.WriteFile(path, []byte(accounts), 0600))

	t.Setenv("BILLSYNC_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("BILLSYNC_ACCOUNTS_FILE", path)
	t.Setenv("BILLSYNC_PLATFORMS", "")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("S3_BUCKET", "")
	return dir
}

// execute runs the root command with flags reset to their defaults, since
// cobra keeps flag values between executions
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestAccounts_MasksSecrets(t *testing.T) {
	setupEnv(t, roster)
	t.Setenv("BILLSYNC_PLATFORMS", "tianji")

	out, err := execute(t, "accounts")
	require.NoError(t, err)
	assert.Contains(t, out, "shop01")
	assert.Contains(t, out, "***********et")
	assert.NotContains(t, out, "hunter2secret")
	assert.Contains(t, out, "(default)")

	out, err = execute(t, "accounts", "--json")
	require.NoError(t, err)
	var listing []maskedAccount
	require.NoError(t, json.Unmarshal([]byte(out), &listing))
	require.Len(t, listing, 2)
	assert.True(t, listing[0].Enabled)
	assert.False(t, listing[1].Enabled)
	assert.Equal(t, "**", listing[1].Secret)
	assert.Equal(t, "http://127.0.0.1:1", listing[1].BaseURL)
}

func TestAccounts_MissingRoster(t *testing.T) {
	setupEnv(t, roster)

	_, err := execute(t, "accounts", "--accounts", "/nonexistent/accounts.toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accounts file not found")
}

func TestCursorsReset(t *testing.T) {
	setupEnv(t, roster)

	out, err := execute(t, "cursors", "reset", "tianji")
	require.NoError(t, err)
	assert.Contains(t, out, "Reset 0 cursor(s)")

	out, err = execute(t, "cursors", "reset")
	require.NoError(t, err)
	assert.Contains(t, out, "all platforms")

	_, err = execute(t, "cursors", "reset", "paypal")
	assert.ErrorIs(t, err, domain.ErrUnknownPlatform)
}

func TestRun_EmptyRoster(t *testing.T) {
	setupEnv(t, "")

	out, err := execute(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, ": ok (")
	assert.Contains(t, out, "Accounts: 0  Bills: 0")

	out, err = execute(t, "run", "--json")
	require.NoError(t, err)
	var rep report.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, report.StatusOK, rep.Status)
	assert.NotEmpty(t, rep.RunID)
}

func TestPrintReport(t *testing.T) {
	started := time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)
	balance := 120.5
	mean := 25.0
	rep := &report.Report{
		RunID:     "run-1",
		StartedAt: started,
		EndedAt:   started.Add(1500 * time.Millisecond),
		Status:    report.StatusPartial,
		Summaries: []domain.AccountSummary{
			{Platform: domain.PlatformTianji, Account: "shop01", Balance: &balance, RecentIncome: 50, RecentRefund: 10, TotalBillsSeen: 3},
			{Platform: domain.PlatformMiaoYue, Account: "m-1", RecentIncome: 5, TotalBillsSeen: 1},
		},
		Platforms: []report.PlatformTotals{
			{Platform: domain.PlatformTianji, DisplayName: domain.PlatformTianji.DisplayName(), Totals: aggregate.Totals{Accounts: 1}, Records: 3, Gross: 50, MeanTicket: &mean, Net: 40},
		},
		Totals:  aggregate.Totals{Accounts: 2, Balance: &balance, Bills: 4},
		Net:     45,
		NetCash: 45,
		Errors: []report.ErrorEntry{
			{At: started, Platform: domain.PlatformXiaoTaiFeng, Account: "x", Op: domain.OpLogin, Message: "denied"},
		},
	}

	var buf bytes.Buffer
	printReport(&buf, rep)
	out := buf.String()

	assert.Contains(t, out, "Run run-1: partial (1.5s)")
	assert.Contains(t, out, "120.50")
	assert.Contains(t, out, "40.00")
	assert.Contains(t, out, "25.00")
	assert.Contains(t, out, "Accounts: 2  Bills: 4  Net income: 45.00  Net cash: 45.00")
	assert.Contains(t, out, "Balance: 120.50")
	assert.Contains(t, out, "Errors (1):")
	assert.Contains(t, out, "xiaotaifeng/x login: denied")
}
