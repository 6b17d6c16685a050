package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/billsync/internal/utils"
)

func init() {
	rootCmd.AddCommand(accountsCmd)

	accountsCmd.Flags().Bool("json", false, "Print accounts as JSON")
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List configured accounts with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runAccounts,
}

func runAccounts(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, log, err := bootstrap(cmd)
	if err != nil {
		return err
	}
	accounts, err := loadAccounts(cfg, log)
	if err != nil {
		return err
	}

	listing := make([]maskedAccount, 0, len(accounts))
	for _, a := range accounts {
		listing = append(listing, maskedAccount{
			Platform: a.Platform,
			Username: a.Username,
			Secret:   utils.MaskSecret(a.Secret),
			BaseURL:  a.BaseURL,
			Enabled:  cfg.PlatformEnabled(a.Platform),
		})
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(listing)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PLATFORM\tUSERNAME\tSECRET\tENABLED\tBASE URL")
	for _, a := range listing {
		baseURL := a.BaseURL
		if baseURL == "" {
			baseURL = "(default)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", a.Platform, a.Username, a.Secret, a.Enabled, baseURL)
	}
	return tw.Flush()
}
