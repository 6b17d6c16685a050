package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/report"
)

// printReport renders a run as aligned plain-text tables
func printReport(w io.Writer, rep *report.Report) {
	fmt.Fprintf(w, "Run %s: %s (%s)\n\n", rep.RunID, rep.Status, rep.EndedAt.Sub(rep.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "PLATFORM\tACCOUNT\tBALANCE\tINCOME\tWITHDRAW\tREFUND\tNET\tBILLS\t")
	for _, s := range rep.Summaries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\t%.2f\t%.2f\t%d\t\n",
			s.Platform.DisplayName(), s.Account, formatBalance(s.Balance),
			s.RecentIncome, s.RecentWithdraw, s.RecentRefund, s.NetIncome(), s.TotalBillsSeen)
	}
	tw.Flush()

	if len(rep.Platforms) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "PLATFORM\tACCOUNTS\tRECORDS\tGROSS\tMEAN\tNET\tERRORS\t")
		for _, p := range rep.Platforms {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%s\t%.2f\t%d\t\n",
				p.DisplayName, p.Totals.Accounts, p.Records, p.Gross, formatBalance(p.MeanTicket), p.Net, p.Errors)
		}
		tw.Flush()
	}

	fmt.Fprintf(w, "\nAccounts: %d  Bills: %d  Net income: %.2f  Net cash: %.2f\n",
		rep.Totals.Accounts, rep.Totals.Bills, rep.Net, rep.NetCash)
	if rep.Totals.Balance != nil {
		fmt.Fprintf(w, "Balance: %.2f\n", *rep.Totals.Balance)
	}

	if len(rep.Errors) > 0 {
		fmt.Fprintf(w, "\nErrors (%d):\n", len(rep.Errors))
		for _, e := range rep.Errors {
			fmt.Fprintf(w, "  %s %s/%s %s: %s\n", e.At.Format("15:04:05"), e.Platform, e.Account, e.Op, e.Message)
		}
	}
}

func formatBalance(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

// maskedAccount is one line of the accounts listing
type maskedAccount struct {
	Platform domain.Platform `json:"platform"`
	Username string          `json:"username"`
	Secret   string          `json:"secret"`
	BaseURL  string          `json:"base_url,omitempty"`
	Enabled  bool            `json:"enabled"`
}
