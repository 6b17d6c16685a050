// Package aggregate folds bill records into rolling-window account summaries.
package aggregate

import (
	"math"
	"time"

	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
)

// DefaultWindow is the lookback used when none is configured
const DefaultWindow = 30 * 24 * time.Hour

// Window returns the lookback for a number of days
func Window(days int) time.Duration {
	if days <= 0 {
		return DefaultWindow
	}
	return time.Duration(days) * 24 * time.Hour
}

// Fold adds records to summary and returns the result. Only records whose
// transaction time is at or after now-window count toward the recent buckets;
// every record counts toward TotalBillsSeen. Times are read in loc.
func Fold(summary domain.AccountSummary, records []domain.BillRecord, window time.Duration, now time.Time, loc *time.Location) domain.AccountSummary {
	cutoff := now.Add(-window)

	for _, rec := range records {
		summary.TotalBillsSeen++

		if rec.Commission == nil {
			continue
		}
		at, ok := rec.Time(loc)
		if !ok || at.Before(cutoff) {
			continue
		}

		amount := *rec.Commission
		switch {
		case amount > 0:
			summary.RecentIncome += amount
		case amount < 0 && rec.IncomeType == domain.IncomeWithdrawal:
			summary.RecentWithdraw += math.Abs(amount)
		case amount < 0 && rec.IncomeType == domain.IncomeRefund:
			summary.RecentRefund += math.Abs(amount)
		}
	}

	summary.RecentIncome = normalize.Round2(summary.RecentIncome)
	summary.RecentWithdraw = normalize.Round2(summary.RecentWithdraw)
	summary.RecentRefund = normalize.Round2(summary.RecentRefund)
	return summary
}

// Totals is the cross-account sum of a set of summaries
type Totals struct {
	Accounts int      `json:"accounts" msgpack:"accounts"`
	Balance  *float64 `json:"balance,omitempty" msgpack:"balance,omitempty"`
	Income   float64  `json:"income" msgpack:"income"`
	Withdraw float64  `json:"withdraw" msgpack:"withdraw"`
	Refund   float64  `json:"refund" msgpack:"refund"`
	Bills    int      `json:"bills" msgpack:"bills"`
}

// Net is income minus refunds
func (t Totals) Net() float64 {
	return normalize.Round2(t.Income - t.Refund)
}

// NetCash is income minus refunds and withdrawals: what is left on the
// platforms out of the window's earnings
func (t Totals) NetCash() float64 {
	return normalize.Round2(t.Income - t.Refund - t.Withdraw)
}

// Sum totals summaries. Balance stays absent unless at least one account
// reported one.
func Sum(summaries []domain.AccountSummary) Totals {
	var t Totals
	for _, s := range summaries {
		t.Accounts++
		t.Income += s.RecentIncome
		t.Withdraw += s.RecentWithdraw
		t.Refund += s.RecentRefund
		t.Bills += s.TotalBillsSeen
		if s.Balance != nil {
			b := *s.Balance
			if t.Balance != nil {
				b += *t.Balance
			}
			b = normalize.Round2(b)
			t.Balance = &b
		}
	}
	t.Income = normalize.Round2(t.Income)
	t.Withdraw = normalize.Round2(t.Withdraw)
	t.Refund = normalize.Round2(t.Refund)
	return t
}
