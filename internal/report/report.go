// Package report turns an orchestrator result into the payload consumed by
// the status API, the ledger and the snapshot export.
package report

import (
	"fmt"
	"time"

	"github.com/aristath/billsync/internal/aggregate"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
	"github.com/aristath/billsync/internal/orchestrator"
	"github.com/vmihailenco/msgpack/v5"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Status summarises how a run ended
type Status string

const (
	StatusOK       Status = "ok"
	StatusPartial  Status = "partial"
	StatusCanceled Status = "canceled"
)

// PlatformTotals is one platform's row in the report
type PlatformTotals struct {
	Platform    domain.Platform  `json:"platform" msgpack:"platform"`
	DisplayName string           `json:"display_name" msgpack:"display_name"`
	Totals      aggregate.Totals `json:"totals" msgpack:"totals"`
	Net         float64          `json:"net" msgpack:"net"`
	Records     int              `json:"records" msgpack:"records"`
	Gross       float64          `json:"gross" msgpack:"gross"`                                 // sum of positive commissions in this run
	MeanTicket  *float64         `json:"mean_ticket,omitempty" msgpack:"mean_ticket,omitempty"` // mean positive commission
	Errors      int              `json:"errors" msgpack:"errors"`
}

// ErrorEntry is one row of the error log
type ErrorEntry struct {
	At       time.Time        `json:"at" msgpack:"at"`
	Platform domain.Platform  `json:"platform" msgpack:"platform"`
	Account  string           `json:"account" msgpack:"account"`
	Op       domain.Operation `json:"op" msgpack:"op"`
	Message  string           `json:"message" msgpack:"message"`
}

// Report is the complete, self-contained output of one run
type Report struct {
	RunID     string                  `json:"run_id" msgpack:"run_id"`
	StartedAt time.Time               `json:"started_at" msgpack:"started_at"`
	EndedAt   time.Time               `json:"ended_at" msgpack:"ended_at"`
	Status    Status                  `json:"status" msgpack:"status"`
	Platforms []PlatformTotals        `json:"platforms" msgpack:"platforms"`
	Totals    aggregate.Totals        `json:"totals" msgpack:"totals"`
	Net       float64                 `json:"net" msgpack:"net"`
	NetCash   float64                 `json:"net_cash" msgpack:"net_cash"`
	Summaries []domain.AccountSummary `json:"summaries" msgpack:"summaries"`
	Records   []domain.BillRecord     `json:"records,omitempty" msgpack:"records,omitempty"`
	Errors    []ErrorEntry            `json:"errors" msgpack:"errors"`
}

// Build assembles a report from a finished run
func Build(res *orchestrator.Result) *Report {
	r := &Report{
		RunID:     res.RunID,
		StartedAt: res.StartedAt,
		EndedAt:   res.EndedAt,
		Status:    StatusOK,
		Summaries: res.Summaries,
		Records:   res.Records,
		Errors:    make([]ErrorEntry, 0, len(res.Errors)),
	}
	switch {
	case res.Canceled:
		r.Status = StatusCanceled
	case len(res.Errors) > 0:
		r.Status = StatusPartial
	}

	for _, e := range res.Errors {
		r.Errors = append(r.Errors, ErrorEntry{
			At:       e.At,
			Platform: e.Platform,
			Account:  e.Account,
			Op:       e.Op,
			Message:  e.Message(),
		})
	}

	r.Totals = aggregate.Sum(res.Summaries)
	r.Net = r.Totals.Net()
	r.NetCash = r.Totals.NetCash()
	r.Platforms = platformTotals(res)
	if r.Summaries == nil {
		r.Summaries = []domain.AccountSummary{}
	}
	return r
}

func platformTotals(res *orchestrator.Result) []PlatformTotals {
	var out []PlatformTotals
	for _, p := range domain.Platforms {
		var summaries []domain.AccountSummary
		for _, s := range res.Summaries {
			if s.Platform == p {
				summaries = append(summaries, s)
			}
		}
		var positive []float64
		records := 0
		for _, rec := range res.Records {
			if rec.Platform != p {
				continue
			}
			records++
			if rec.Commission != nil && *rec.Commission > 0 {
				positive = append(positive, *rec.Commission)
			}
		}
		errs := 0
		for _, e := range res.Errors {
			if e.Platform == p {
				errs++
			}
		}
		if len(summaries) == 0 && records == 0 && errs == 0 {
			continue
		}

		row := PlatformTotals{
			Platform:    p,
			DisplayName: p.DisplayName(),
			Totals:      aggregate.Sum(summaries),
			Records:     records,
			Errors:      errs,
		}
		row.Net = row.Totals.Net()
		if len(positive) > 0 {
			row.Gross = normalize.Round2(floats.Sum(positive))
			mean := normalize.Round2(stat.Mean(positive, nil))
			row.MeanTicket = &mean
		}
		out = append(out, row)
	}
	return out
}

// Summary drops the record list, for listings where only totals matter
func (r *Report) Summary() *Report {
	c := *r
	c.Records = nil
	return &c
}

// MarshalSnapshot encodes the report for storage and export
func (r *Report) MarshalSnapshot() ([]byte, error) {
	b, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report snapshot: %w", err)
	}
	return b, nil
}

// UnmarshalSnapshot decodes a snapshot produced by MarshalSnapshot
func UnmarshalSnapshot(b []byte) (*Report, error) {
	var r Report
	if err := msgpack.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("failed to decode report snapshot: %w", err)
	}
	return &r, nil
}

// SnapshotKey is the object name of the run's snapshot, partitioned by day
func (r *Report) SnapshotKey(prefix string) string {
	key := fmt.Sprintf("%s/billsync-%s.msgpack", r.StartedAt.UTC().Format("2006/01/02"), r.RunID)
	if prefix != "" {
		key = prefix + "/" + key
	}
	return key
}
