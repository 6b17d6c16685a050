// Package paginator drives one account's bill pages through a platform adapter
// with resume, retry and page-dedup handling.
package paginator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/billsync/internal/domain"
	"github.com/rs/zerolog"
)

// State is the paginator lifecycle position
type State int

const (
	Idle State = iota
	Fetching
	Draining
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Draining:
		return "draining"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Finished reports whether the state is terminal
func (s State) Finished() bool {
	return s == Draining || s == Done
}

// Sleeper waits for d or until ctx is cancelled
type Sleeper func(ctx context.Context, d time.Duration) error

// ContextSleep is the production Sleeper
func ContextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Source is the part of an Adapter the paginator needs
type Source interface {
	FetchBillPage(ctx context.Context, session domain.Session, page, pageSize int) ([]domain.RawRecord, bool, error)
	domain.RecordNormalizer
}

// Options configure one paginator run
type Options struct {
	PageSize   int
	FetchAll   bool
	MaxRetries int // retries per page after the first attempt
	RetryDelay time.Duration
	PageDelay  time.Duration
	MaxPages   int // 0 means unlimited
	Resume     bool
}

// DefaultOptions mirror the stock configuration
func DefaultOptions() Options {
	return Options{
		PageSize:   50,
		MaxRetries: 3,
		RetryDelay: time.Second,
		PageDelay:  500 * time.Millisecond,
		MaxPages:   100,
		Resume:     true,
	}
}

// Observer receives page-level progress. Either callback may be nil.
type Observer struct {
	PageFetched func(page, records int)
	PageFailed  func(page, attempt int, err error)
}

// Result is what one Run produced. Records are kept even when State is Draining.
type Result struct {
	Records     []domain.BillRecord
	Pages       int
	Ambiguities int
	State       State
	Err         error
	Failures    []error
}

// Paginator walks the pages of one account. It is not safe for concurrent use.
//
// The fetched-page set lives as long as the Paginator. Pages only move forward
// within one Run, so it only skips pages when Run is called again on the same
// Paginator; across runs the resume cursor does that job.
type Paginator struct {
	source   Source
	session  domain.Session
	account  *domain.Account
	opts     Options
	sleep    Sleeper
	observer Observer
	state    State
	fetched  map[int]struct{}
	log      zerolog.Logger
}

// Option customises a Paginator
type Option func(*Paginator)

// WithSleeper replaces the real-time sleeper
func WithSleeper(s Sleeper) Option {
	return func(p *Paginator) {
		if s != nil {
			p.sleep = s
		}
	}
}

// WithObserver attaches progress callbacks
func WithObserver(o Observer) Option {
	return func(p *Paginator) {
		p.observer = o
	}
}

// New creates a paginator bound to one account and its session.
// account.LastFetchedPage is advanced in place as pages succeed.
func New(source Source, session domain.Session, account *domain.Account, opts Options, log zerolog.Logger, options ...Option) *Paginator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultOptions().PageSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	p := &Paginator{
		source:  source,
		session: session,
		account: account,
		opts:    opts,
		sleep:   ContextSleep,
		state:   Idle,
		fetched: make(map[int]struct{}),
		log: log.With().
			Str("component", "paginator").
			Str("platform", string(account.Platform)).
			Str("account", account.Username).
			Logger(),
	}
	for _, o := range options {
		o(p)
	}
	return p
}

// State returns the current lifecycle position
func (p *Paginator) State() State {
	return p.state
}

// Fetched reports whether page was already retrieved by this paginator
func (p *Paginator) Fetched(page int) bool {
	_, ok := p.fetched[page]
	return ok
}

// StartPage is the first page the next Run requests
func (p *Paginator) StartPage() int {
	if p.opts.Resume {
		return p.account.LastFetchedPage + 1
	}
	return 1
}

// Run fetches pages until the account is exhausted, a stop condition is hit,
// or retries on one page run out.
func (p *Paginator) Run(ctx context.Context) Result {
	var res Result
	page := p.StartPage()
	p.state = Fetching

	p.log.Info().Int("start_page", page).Msg("Starting bill pagination")

	for {
		if p.opts.MaxPages > 0 && page > p.opts.MaxPages {
			p.log.Info().Int("max_pages", p.opts.MaxPages).Msg("Reached page limit")
			return p.finish(res, Done, nil)
		}

		if p.Fetched(page) {
			p.log.Debug().Int("page", page).Msg("Page already fetched in this run, skipping")
			page++
			continue
		}

		raws, hasMore, err := p.fetchWithRetry(ctx, page, &res)
		if err != nil {
			return p.finish(res, Draining, err)
		}

		if len(raws) == 0 {
			p.log.Info().Int("page", page).Msg("Empty page, pagination complete")
			return p.finish(res, Done, nil)
		}

		// The cursor moves before normalization so a restart never re-fetches this page
		p.fetched[page] = struct{}{}
		p.account.LastFetchedPage = page
		res.Pages++

		for _, raw := range raws {
			rec := p.source.Normalize(raw, p.account.Username)
			if len(rec.Ambiguities) > 0 {
				res.Ambiguities++
				p.log.Debug().
					Int("page", page).
					Strs("fields", rec.Ambiguities).
					Msg("Record has unparsable fields")
			}
			res.Records = append(res.Records, rec)
		}

		if p.observer.PageFetched != nil {
			p.observer.PageFetched(page, len(raws))
		}
		p.log.Info().
			Int("page", page).
			Int("records", len(raws)).
			Int("total", len(res.Records)).
			Msg("Fetched bill page")

		if !p.opts.FetchAll || !hasMore {
			return p.finish(res, Done, nil)
		}

		page++
		if err := p.sleep(ctx, p.opts.PageDelay); err != nil {
			return p.finish(res, Draining, err)
		}
	}
}

// fetchWithRetry requests one page, retrying the same page after RetryDelay
func (p *Paginator) fetchWithRetry(ctx context.Context, page int, res *Result) ([]domain.RawRecord, bool, error) {
	attempts := p.opts.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}

		raws, hasMore, err := p.source.FetchBillPage(ctx, p.session, page, p.opts.PageSize)
		if err == nil {
			return raws, hasMore, nil
		}

		lastErr = err
		fetchErr := &domain.PageFetchError{
			Platform: p.account.Platform,
			Account:  p.account.Username,
			Page:     page,
			Attempt:  attempt,
			Err:      err,
		}
		res.Failures = append(res.Failures, fetchErr)
		if p.observer.PageFailed != nil {
			p.observer.PageFailed(page, attempt, err)
		}
		p.log.Warn().Err(err).Int("page", page).Int("attempt", attempt).Msg("Bill page fetch failed")

		// A rejected session fails identically on every retry
		if errors.Is(err, domain.ErrSessionInvalid) {
			return nil, false, p.aborted(page, attempt, err)
		}
		if attempt < attempts {
			if err := p.sleep(ctx, p.opts.RetryDelay); err != nil {
				return nil, false, err
			}
		}
	}

	return nil, false, p.aborted(page, attempts, lastErr)
}

func (p *Paginator) aborted(page, attempts int, err error) error {
	return &domain.PaginationAbortedError{
		Platform: p.account.Platform,
		Account:  p.account.Username,
		Page:     page,
		Attempts: attempts,
		Err:      err,
	}
}

func (p *Paginator) finish(res Result, state State, err error) Result {
	p.state = state
	res.State = state
	res.Err = err
	if err != nil {
		p.log.Warn().Err(err).Int("pages", res.Pages).Int("records", len(res.Records)).Msg("Pagination stopped early")
	}
	return res
}
