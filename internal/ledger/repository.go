// Package ledger persists sync runs in ledger.db: the normalized bills, the
// per-account summaries, the error log and the resume cursors.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/billsync/internal/database"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/report"
	"github.com/aristath/billsync/internal/utils"
	"github.com/rs/zerolog"
)

// RunInfo is one row of the run history
type RunInfo struct {
	ID         string        `json:"id"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Status     report.Status `json:"status"`
	Records    int           `json:"records"`
	Errors     int           `json:"errors"`
}

// Repository handles ledger database operations.
// Runs are written once and never updated; cursors are upserted.
type Repository struct {
	ledgerDB *sql.DB
	log      zerolog.Logger
	now      func() time.Time
}

// billColumns must match scanBill
const billColumns = `platform, account, order_no, iccid, card_number, transaction_time,
sale_price, cost_price, commission, customer_name, product_name, operator, income_type, remark, ambiguities`

// NewRepository creates a ledger repository
func NewRepository(ledgerDB *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		ledgerDB: ledgerDB,
		log:      log.With().Str("repo", "ledger").Logger(),
		now:      time.Now,
	}
}

// SaveRun stores a finished run atomically. Saving the same run id twice fails.
func (r *Repository) SaveRun(ctx context.Context, rep *report.Report) error {
	defer utils.OperationTimer("ledger_save_run", 0, r.log)()

	snapshot, err := rep.Summary().MarshalSnapshot()
	if err != nil {
		return err
	}

	err = database.WithTransaction(r.ledgerDB, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO runs (id, started_at, finished_at, status, records, errors, snapshot)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, rep.RunID, rep.StartedAt.Unix(), rep.EndedAt.Unix(), string(rep.Status),
			len(rep.Records), len(rep.Errors), snapshot)
		if err != nil {
			return fmt.Errorf("failed to insert run: %w", err)
		}

		if err := insertBills(ctx, tx, rep.RunID, rep.Records); err != nil {
			return err
		}

		for _, s := range rep.Summaries {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO account_summaries
				(run_id, platform, account, balance, income, withdraw, refund, bills, last_page)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, rep.RunID, string(s.Platform), s.Account, nullFloat(s.Balance),
				s.RecentIncome, s.RecentWithdraw, s.RecentRefund, s.TotalBillsSeen, s.LastFetchedPage)
			if err != nil {
				return fmt.Errorf("failed to insert summary for %s/%s: %w", s.Platform, s.Account, err)
			}
		}

		for _, e := range rep.Errors {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO account_errors (run_id, platform, account, op, message, at)
				VALUES (?, ?, ?, ?, ?, ?)
			`, rep.RunID, string(e.Platform), e.Account, string(e.Op), e.Message, e.At.Unix())
			if err != nil {
				return fmt.Errorf("failed to insert error for %s/%s: %w", e.Platform, e.Account, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", rep.RunID, err)
	}

	r.log.Info().
		Str("run_id", rep.RunID).
		Str("status", string(rep.Status)).
		Int("records", len(rep.Records)).
		Int("errors", len(rep.Errors)).
		Msg("Run saved to ledger")
	return nil
}

func insertBills(ctx context.Context, tx *sql.Tx, runID string, records []domain.BillRecord) error {
	if len(records) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bill_records (run_id, seq, `+billColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare bill insert: %w", err)
	}
	defer stmt.Close()

	for i, b := range records {
		_, err := stmt.ExecContext(ctx,
			runID, i,
			string(b.Platform), b.Account,
			nullString(b.OrderNo), nullString(b.ICCID), nullString(b.CardNumber), nullString(b.TransactionTime),
			nullFloat(b.SalePrice), nullFloat(b.CostPrice), nullFloat(b.Commission),
			nullString(b.CustomerName), nullString(b.ProductName),
			nullEnum(string(b.Operator)), nullEnum(string(b.IncomeType)),
			nullString(b.Remark),
			nullEnum(strings.Join(b.Ambiguities, ",")),
		)
		if err != nil {
			return fmt.Errorf("failed to insert bill %d: %w", i, err)
		}
	}
	return nil
}

// LatestRun returns the most recent run's report without its records, or
// nil when no run has been saved yet
func (r *Repository) LatestRun(ctx context.Context) (*report.Report, error) {
	var snapshot []byte
	err := r.ledgerDB.QueryRowContext(ctx,
		"SELECT snapshot FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1").Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return report.UnmarshalSnapshot(snapshot)
}

// ListRuns returns the newest runs first
func (r *Repository) ListRuns(ctx context.Context, limit int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.ledgerDB.QueryContext(ctx, `
		SELECT id, started_at, finished_at, status, records, errors
		FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []RunInfo{}
	for rows.Next() {
		var info RunInfo
		var started, finished int64
		var status string
		if err := rows.Scan(&info.ID, &started, &finished, &status, &info.Records, &info.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		info.StartedAt = time.Unix(started, 0).UTC()
		info.FinishedAt = time.Unix(finished, 0).UTC()
		info.Status = report.Status(status)
		runs = append(runs, info)
	}
	return runs, rows.Err()
}

// Summaries returns a run's account summaries in stored order
func (r *Repository) Summaries(ctx context.Context, runID string) ([]domain.AccountSummary, error) {
	rows, err := r.ledgerDB.QueryContext(ctx, `
		SELECT platform, account, balance, income, withdraw, refund, bills, last_page
		FROM account_summaries WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get summaries: %w", err)
	}
	defer rows.Close()

	out := []domain.AccountSummary{}
	for rows.Next() {
		var s domain.AccountSummary
		var platform string
		var balance sql.NullFloat64
		if err := rows.Scan(&platform, &s.Account, &balance, &s.RecentIncome, &s.RecentWithdraw,
			&s.RecentRefund, &s.TotalBillsSeen, &s.LastFetchedPage); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		s.Platform = domain.Platform(platform)
		s.Balance = floatPtr(balance)
		out = append(out, s)
	}
	return out, rows.Err()
}

// Errors returns a run's error log in stored order
func (r *Repository) Errors(ctx context.Context, runID string) ([]report.ErrorEntry, error) {
	rows, err := r.ledgerDB.QueryContext(ctx, `
		SELECT platform, account, op, message, at
		FROM account_errors WHERE run_id = ? ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get errors: %w", err)
	}
	defer rows.Close()

	out := []report.ErrorEntry{}
	for rows.Next() {
		var e report.ErrorEntry
		var platform, op string
		var at int64
		if err := rows.Scan(&platform, &e.Account, &op, &e.Message, &at); err != nil {
			return nil, fmt.Errorf("failed to scan error: %w", err)
		}
		e.Platform = domain.Platform(platform)
		e.Op = domain.Operation(op)
		e.At = time.Unix(at, 0).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Records returns a run's bills in merge order. An empty platform means all.
func (r *Repository) Records(ctx context.Context, runID string, platform domain.Platform) ([]domain.BillRecord, error) {
	query := "SELECT " + billColumns + " FROM bill_records WHERE run_id = ?"
	args := []interface{}{runID}
	if platform != "" {
		query += " AND platform = ?"
		args = append(args, string(platform))
	}
	query += " ORDER BY seq"

	rows, err := r.ledgerDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get records: %w", err)
	}
	defer rows.Close()

	out := []domain.BillRecord{}
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBill(rows *sql.Rows) (domain.BillRecord, error) {
	var b domain.BillRecord
	var platform string
	var orderNo, iccid, card, ts, customer, product, operator, incomeType, remark, ambiguities sql.NullString
	var sale, cost, commission sql.NullFloat64

	err := rows.Scan(&platform, &b.Account, &orderNo, &iccid, &card, &ts,
		&sale, &cost, &commission, &customer, &product, &operator, &incomeType, &remark, &ambiguities)
	if err != nil {
		return b, fmt.Errorf("failed to scan bill: %w", err)
	}

	b.Platform = domain.Platform(platform)
	b.OrderNo = stringPtr(orderNo)
	b.ICCID = stringPtr(iccid)
	b.CardNumber = stringPtr(card)
	b.TransactionTime = stringPtr(ts)
	b.SalePrice = floatPtr(sale)
	b.CostPrice = floatPtr(cost)
	b.Commission = floatPtr(commission)
	b.CustomerName = stringPtr(customer)
	b.ProductName = stringPtr(product)
	b.Operator = domain.Operator(operator.String)
	b.IncomeType = domain.IncomeType(incomeType.String)
	b.Remark = stringPtr(remark)
	if ambiguities.Valid && ambiguities.String != "" {
		b.Ambiguities = strings.Split(ambiguities.String, ",")
	}
	return b, nil
}

// LoadCursor returns the last completed page for an account, 0 when unknown
func (r *Repository) LoadCursor(ctx context.Context, platform domain.Platform, account string) (int, error) {
	var page int
	err := r.ledgerDB.QueryRowContext(ctx,
		"SELECT last_page FROM cursors WHERE platform = ? AND account = ?",
		string(platform), account).Scan(&page)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load cursor: %w", err)
	}
	return page, nil
}

// SaveCursor upserts an account's resume cursor
func (r *Repository) SaveCursor(ctx context.Context, platform domain.Platform, account string, page int) error {
	_, err := r.ledgerDB.ExecContext(ctx, `
		INSERT INTO cursors (platform, account, last_page, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(platform, account) DO UPDATE SET last_page = excluded.last_page, updated_at = excluded.updated_at
	`, string(platform), account, page, r.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

// ResetCursors clears resume cursors. An empty platform clears all of them.
func (r *Repository) ResetCursors(ctx context.Context, platform domain.Platform) (int64, error) {
	var res sql.Result
	var err error
	if platform == "" {
		res, err = r.ledgerDB.ExecContext(ctx, "DELETE FROM cursors")
	} else {
		res, err = r.ledgerDB.ExecContext(ctx, "DELETE FROM cursors WHERE platform = ?", string(platform))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to reset cursors: %w", err)
	}
	n, _ := res.RowsAffected()
	r.log.Info().Str("platform", string(platform)).Int64("cleared", n).Msg("Cursors reset")
	return n, nil
}

// PruneRuns deletes all but the newest keep runs. Bills, summaries and
// errors go with them.
func (r *Repository) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be at least 1, got %d", keep)
	}
	res, err := r.ledgerDB.ExecContext(ctx, `
		DELETE FROM runs WHERE id NOT IN (
			SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Info().Int64("pruned", n).Int("kept", keep).Msg("Old runs pruned")
	}
	return n, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullEnum(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func stringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}
