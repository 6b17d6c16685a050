// Package orchestrator runs every configured account through its platform
// adapter, one worker per platform, and merges the results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/billsync/internal/aggregate"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/events"
	"github.com/aristath/billsync/internal/metrics"
	"github.com/aristath/billsync/internal/paginator"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const module = "orchestrator"

// AdapterFactory builds one adapter per account. platforms.Registry satisfies it.
type AdapterFactory interface {
	New(account domain.Account) (domain.Adapter, error)
}

// CursorStore persists resume cursors between processes
type CursorStore interface {
	LoadCursor(ctx context.Context, platform domain.Platform, account string) (int, error)
	SaveCursor(ctx context.Context, platform domain.Platform, account string, page int) error
}

// Options are the validated run settings
type Options struct {
	Pagination   paginator.Options
	AccountDelay time.Duration
	Window       time.Duration
	Location     *time.Location
}

// Result is the merged output of one run, ordered by platform declaration
// order and then by account configuration order.
type Result struct {
	RunID     string                  `json:"run_id"`
	StartedAt time.Time               `json:"started_at"`
	EndedAt   time.Time               `json:"ended_at"`
	Canceled  bool                    `json:"canceled"`
	Records   []domain.BillRecord     `json:"records"`
	Summaries []domain.AccountSummary `json:"summaries"`
	Errors    []*domain.AccountError  `json:"errors"`
}

// NetIncome is the run-wide recent income minus recent refunds
func (r *Result) NetIncome() float64 {
	return aggregate.Sum(r.Summaries).Net()
}

// NetCash is the run-wide recent income minus refunds and withdrawals
func (r *Result) NetCash() float64 {
	return aggregate.Sum(r.Summaries).NetCash()
}

// Orchestrator drives sync runs
type Orchestrator struct {
	factory AdapterFactory
	opts    Options
	cursors CursorStore
	bus     *events.Bus
	metrics *metrics.Collectors
	sleep   paginator.Sleeper
	now     func() time.Time
	base    zerolog.Logger
	log     zerolog.Logger
}

// Option customises an Orchestrator
type Option func(*Orchestrator)

// WithCursorStore persists resume cursors across processes
func WithCursorStore(s CursorStore) Option {
	return func(o *Orchestrator) { o.cursors = s }
}

// WithEvents publishes progress on bus
func WithEvents(bus *events.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithMetrics records ambiguity counts that are not carried by events
func WithMetrics(m *metrics.Collectors) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithSleeper replaces real-time delays, for tests
func WithSleeper(s paginator.Sleeper) Option {
	return func(o *Orchestrator) { o.sleep = s }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator
func New(factory AdapterFactory, opts Options, log zerolog.Logger, options ...Option) *Orchestrator {
	if opts.Window <= 0 {
		opts.Window = aggregate.DefaultWindow
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	o := &Orchestrator{
		factory: factory,
		opts:    opts,
		sleep:   paginator.ContextSleep,
		now:     time.Now,
		base:    log,
		log:     log.With().Str("component", module).Logger(),
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

type job struct {
	account *domain.Account
	adapter domain.Adapter
}

type accountOutput struct {
	records []domain.BillRecord
	summary *domain.AccountSummary
	errs    []*domain.AccountError
}

// Run processes accounts and returns the merged result. Each account's
// LastFetchedPage and CachedSummary are updated in place, so passing the same
// slice to a later Run resumes where this one stopped.
//
// The only error returned is a configuration violation detected before any
// network call: an unknown platform or a duplicate account.
func (o *Orchestrator) Run(ctx context.Context, accounts []domain.Account) (*Result, error) {
	groups, err := o.plan(accounts)
	if err != nil {
		return nil, err
	}

	runID, _ := ctx.Value(runIDKey{}).(string)
	if runID == "" {
		runID = uuid.NewString()
	}
	res := &Result{RunID: runID, StartedAt: o.now()}
	o.bus.Emit(module, &events.RunStartedData{RunID: res.RunID, Accounts: len(accounts), Platforms: len(groups)})
	o.log.Info().Str("run_id", res.RunID).Int("accounts", len(accounts)).Int("platforms", len(groups)).Msg("Starting sync run")

	outputs := make([][]accountOutput, len(groups))
	var g errgroup.Group
	for i, jobs := range groups {
		i, jobs := i, jobs
		g.Go(func() error {
			outputs[i] = o.runPlatform(ctx, jobs)
			return nil
		})
	}
	_ = g.Wait()

	for _, platformOut := range outputs {
		for _, out := range platformOut {
			res.Records = append(res.Records, out.records...)
			if out.summary != nil {
				res.Summaries = append(res.Summaries, *out.summary)
			}
			res.Errors = append(res.Errors, out.errs...)
		}
	}
	res.Canceled = ctx.Err() != nil
	res.EndedAt = o.now()

	o.bus.Emit(module, &events.RunFinishedData{
		RunID:    res.RunID,
		Records:  len(res.Records),
		Errors:   len(res.Errors),
		Duration: res.EndedAt.Sub(res.StartedAt).Seconds(),
		Canceled: res.Canceled,
	})
	o.log.Info().
		Str("run_id", res.RunID).
		Int("records", len(res.Records)).
		Int("errors", len(res.Errors)).
		Bool("canceled", res.Canceled).
		Dur("duration", res.EndedAt.Sub(res.StartedAt)).
		Msg("Sync run finished")

	return res, nil
}

// plan builds every adapter up front and groups jobs by platform in
// declaration order
func (o *Orchestrator) plan(accounts []domain.Account) ([][]job, error) {
	byPlatform := make(map[domain.Platform][]job)
	seen := make(map[string]bool, len(accounts))

	for i := range accounts {
		acc := &accounts[i]
		if !acc.Platform.Valid() {
			return nil, fmt.Errorf("account %q: %w: %q", acc.Username, domain.ErrUnknownPlatform, acc.Platform)
		}
		if seen[acc.Key()] {
			return nil, fmt.Errorf("duplicate account %s", acc.Key())
		}
		seen[acc.Key()] = true

		adapter, err := o.factory.New(*acc)
		if err != nil {
			return nil, fmt.Errorf("failed to create adapter for %s: %w", acc.Key(), err)
		}
		byPlatform[acc.Platform] = append(byPlatform[acc.Platform], job{account: acc, adapter: adapter})
	}

	groups := make([][]job, 0, len(byPlatform))
	for _, p := range domain.Platforms {
		if jobs := byPlatform[p]; len(jobs) > 0 {
			groups = append(groups, jobs)
		}
	}
	return groups, nil
}

// runPlatform processes one platform's accounts strictly in order
func (o *Orchestrator) runPlatform(ctx context.Context, jobs []job) []accountOutput {
	out := make([]accountOutput, 0, len(jobs))
	for i, j := range jobs {
		if ctx.Err() != nil {
			o.log.Warn().Str("platform", string(j.account.Platform)).Int("skipped", len(jobs)-i).Msg("Run canceled, skipping remaining accounts")
			break
		}
		if i > 0 {
			if err := o.sleep(ctx, o.opts.AccountDelay); err != nil {
				break
			}
		}
		out = append(out, o.processAccount(ctx, j))
	}
	return out
}

func (o *Orchestrator) processAccount(ctx context.Context, j job) accountOutput {
	acc := j.account
	log := o.log.With().Str("platform", string(acc.Platform)).Str("account", acc.Username).Logger()
	var out accountOutput

	fail := func(op domain.Operation, err error) {
		out.errs = append(out.errs, &domain.AccountError{
			Platform: acc.Platform,
			Account:  acc.Username,
			Op:       op,
			Err:      err,
			At:       o.now(),
		})
		log.Error().Err(err).Str("op", string(op)).Msg("Account step failed")
	}

	o.seedCursor(ctx, acc, log)
	pg := o.opts.Pagination
	startPage := 1
	if pg.Resume {
		startPage = acc.LastFetchedPage + 1
	}
	o.bus.Emit(module, &events.AccountStartedData{
		Platform:  string(acc.Platform),
		Account:   acc.Username,
		StartPage: startPage,
	})

	session, err := j.adapter.Login(ctx, acc.Username, acc.Secret)
	if err != nil {
		fail(domain.OpLogin, &domain.AuthenticationError{Platform: acc.Platform, Account: acc.Username, Err: err})
		o.emitFinished(acc, nil, 0, 0, out.errs)
		return out
	}

	// Without resume every page is fetched again, so the fold starts empty
	var summary domain.AccountSummary
	if pg.Resume {
		summary = acc.CachedSummary
	}
	summary.Platform = acc.Platform
	summary.Account = acc.Username
	summary.Balance = nil

	balance, err := j.adapter.FetchBalance(ctx, session)
	if err != nil {
		fail(domain.OpBalance, &domain.BalanceExtractionError{Platform: acc.Platform, Account: acc.Username, Err: err})
	} else {
		summary.Balance = &balance
		log.Info().Float64("balance", balance).Msg("Fetched balance")
	}

	p := paginator.New(j.adapter, session, acc, pg, o.base,
		paginator.WithSleeper(o.sleep),
		paginator.WithObserver(o.pageObserver(acc)),
	)
	page := p.Run(ctx)
	if page.Err != nil {
		fail(domain.OpBills, page.Err)
	}
	if o.metrics != nil {
		o.metrics.RecordAmbiguities(string(acc.Platform), page.Ambiguities)
	}

	summary = aggregate.Fold(summary, page.Records, o.opts.Window, o.now(), o.opts.Location)
	summary.LastFetchedPage = acc.LastFetchedPage
	acc.CachedSummary = summary

	o.saveCursor(acc, log)

	out.records = page.Records
	out.summary = &summary
	o.emitFinished(acc, &summary, len(page.Records), page.Pages, out.errs)
	log.Info().
		Int("records", len(page.Records)).
		Int("pages", page.Pages).
		Str("state", page.State.String()).
		Msg("Account processed")
	return out
}

func (o *Orchestrator) seedCursor(ctx context.Context, acc *domain.Account, log zerolog.Logger) {
	if o.cursors == nil || !o.opts.Pagination.Resume {
		return
	}
	page, err := o.cursors.LoadCursor(ctx, acc.Platform, acc.Username)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load resume cursor, using in-memory cursor")
		return
	}
	if page > acc.LastFetchedPage {
		acc.LastFetchedPage = page
	}
}

func (o *Orchestrator) saveCursor(acc *domain.Account, log zerolog.Logger) {
	if o.cursors == nil || !o.opts.Pagination.Resume {
		return
	}
	// The cursor must land even when the run was canceled mid-account
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.cursors.SaveCursor(ctx, acc.Platform, acc.Username, acc.LastFetchedPage); err != nil {
		log.Warn().Err(err).Int("page", acc.LastFetchedPage).Msg("Failed to save resume cursor")
	}
}

func (o *Orchestrator) pageObserver(acc *domain.Account) paginator.Observer {
	if o.bus == nil {
		return paginator.Observer{}
	}
	return paginator.Observer{
		PageFetched: func(page, records int) {
			o.bus.Emit(module, &events.PageFetchedData{
				Platform: string(acc.Platform),
				Account:  acc.Username,
				Page:     page,
				Records:  records,
			})
		},
		PageFailed: func(page, attempt int, err error) {
			o.bus.Emit(module, &events.PageFailedData{
				Platform: string(acc.Platform),
				Account:  acc.Username,
				Page:     page,
				Attempt:  attempt,
				Error:    err.Error(),
			})
		},
	}
}

func (o *Orchestrator) emitFinished(acc *domain.Account, summary *domain.AccountSummary, records, pages int, errs []*domain.AccountError) {
	data := &events.AccountFinishedData{
		Platform: string(acc.Platform),
		Account:  acc.Username,
		Records:  records,
		Pages:    pages,
	}
	if summary != nil {
		data.Balance = summary.Balance
	}
	// Report the step that ended the account; a balance miss alone does not
	for _, e := range errs {
		if e.Op == domain.OpLogin || e.Op == domain.OpBills {
			data.Op = string(e.Op)
			data.Error = e.Message()
		}
	}
	o.bus.Emit(module, data)
}

type runIDKey struct{}

// ContextWithRunID makes a Run on the returned context use id instead of
// generating one, so callers can hand out the id before the run starts
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// IsCanceled reports whether err stems from run cancellation
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
