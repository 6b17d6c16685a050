package paginator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aristath/billsync/internal/domain"
	testutil "github.com/aristath/billsync/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 502")

func newFixture(t *testing.T, pages int) (*testutil.MockAdapter, *domain.Account, domain.Session) {
	t.Helper()
	adapter := testutil.NewMockAdapter(domain.PlatformTianji)
	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	adapter.SetPages("alice", testutil.BillPages("o", pages, 2, at)...)

	account := &domain.Account{Platform: domain.PlatformTianji, Username: "alice"}
	session, err := adapter.Login(context.Background(), "alice", "x")
	require.NoError(t, err)
	return adapter, account, session
}

func fetchAll() Options {
	opts := DefaultOptions()
	opts.FetchAll = true
	return opts
}

func TestRun_FetchesUntilExhausted(t *testing.T) {
	adapter, account, session := newFixture(t, 3)
	sleeper := &testutil.SleepRecorder{}

	p := New(adapter, session, account, fetchAll(), zerolog.Nop(), WithSleeper(sleeper.Sleep))
	res := p.Run(context.Background())

	assert.Equal(t, Done, res.State)
	assert.NoError(t, res.Err)
	assert.Len(t, res.Records, 6)
	assert.Equal(t, 3, res.Pages)
	assert.Equal(t, 3, account.LastFetchedPage)
	assert.Equal(t, []int{1, 2, 3}, adapter.PagesRequested("alice"))
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 500 * time.Millisecond}, sleeper.Delays())
}

func TestRun_SinglePageWhenNotFetchingAll(t *testing.T) {
	adapter, account, session := newFixture(t, 3)

	opts := DefaultOptions()
	opts.FetchAll = false
	res := New(adapter, session, account, opts, zerolog.Nop(), WithSleeper((&testutil.SleepRecorder{}).Sleep)).Run(context.Background())

	assert.Equal(t, Done, res.State)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, []int{1}, adapter.PagesRequested("alice"))
}

func TestRun_EmptyPageIsDone(t *testing.T) {
	adapter := testutil.NewMockAdapter(domain.PlatformMiaoYue)
	account := &domain.Account{Platform: domain.PlatformMiaoYue, Username: "bob"}
	session, _ := adapter.Login(context.Background(), "bob", "x")

	res := New(adapter, session, account, fetchAll(), zerolog.Nop()).Run(context.Background())

	assert.Equal(t, Done, res.State)
	assert.Empty(t, res.Records)
	assert.Equal(t, 0, account.LastFetchedPage)
}

func TestRun_ResumeIsIdempotent(t *testing.T) {
	adapter, account, session := newFixture(t, 3)
	sleeper := &testutil.SleepRecorder{}

	opts := fetchAll()
	opts.MaxPages = 2
	first := New(adapter, session, account, opts, zerolog.Nop(), WithSleeper(sleeper.Sleep)).Run(context.Background())
	require.Equal(t, Done, first.State)
	require.Equal(t, 2, account.LastFetchedPage)

	opts.MaxPages = 0
	second := New(adapter, session, account, opts, zerolog.Nop(), WithSleeper(sleeper.Sleep)).Run(context.Background())
	require.Equal(t, Done, second.State)

	assert.Equal(t, []int{1, 2, 3}, adapter.PagesRequested("alice"))

	seen := make(map[string]bool)
	for _, rec := range append(first.Records, second.Records...) {
		key := rec.DedupKey()
		assert.False(t, seen[key], "duplicate record %s", key)
		seen[key] = true
	}
	assert.Len(t, seen, 6)
}

func TestRun_ResumeAfterCompletionFetchesOnlyLaterPages(t *testing.T) {
	adapter, account, session := newFixture(t, 2)
	sleeper := &testutil.SleepRecorder{}

	New(adapter, session, account, fetchAll(), zerolog.Nop(), WithSleeper(sleeper.Sleep)).Run(context.Background())
	again := New(adapter, session, account, fetchAll(), zerolog.Nop(), WithSleeper(sleeper.Sleep)).Run(context.Background())

	assert.Empty(t, again.Records)
	assert.Equal(t, []int{1, 2, 3}, adapter.PagesRequested("alice"))
}

func TestRun_NoResumeStartsAtOne(t *testing.T) {
	adapter, account, session := newFixture(t, 1)
	account.LastFetchedPage = 5

	opts := fetchAll()
	opts.Resume = false
	p := New(adapter, session, account, opts, zerolog.Nop())
	assert.Equal(t, 1, p.StartPage())

	res := p.Run(context.Background())
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, account.LastFetchedPage)
}

func TestRun_RetriesSamePage(t *testing.T) {
	adapter, account, session := newFixture(t, 2)
	adapter.FailPage("alice", 2, errUpstream, errUpstream)
	sleeper := &testutil.SleepRecorder{}

	res := New(adapter, session, account, fetchAll(), zerolog.Nop(), WithSleeper(sleeper.Sleep)).Run(context.Background())

	assert.Equal(t, Done, res.State)
	assert.NoError(t, res.Err)
	assert.Len(t, res.Records, 4)
	assert.Equal(t, []int{1, 2, 2, 2}, adapter.PagesRequested("alice"))
	require.Len(t, res.Failures, 2)

	var pfe *domain.PageFetchError
	require.True(t, errors.As(res.Failures[1], &pfe))
	assert.Equal(t, 2, pfe.Page)
	assert.Equal(t, 2, pfe.Attempt)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, time.Second}, sleeper.Delays())
}

func TestRun_ExhaustedRetriesDrainAndKeepPages(t *testing.T) {
	adapter, account, session := newFixture(t, 3)
	adapter.FailPage("alice", 2, errUpstream, errUpstream, errUpstream, errUpstream)

	res := New(adapter, session, account, fetchAll(), zerolog.Nop(), WithSleeper((&testutil.SleepRecorder{}).Sleep)).Run(context.Background())

	assert.Equal(t, Draining, res.State)
	assert.True(t, res.State.Finished())
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 1, account.LastFetchedPage)
	assert.Len(t, res.Failures, 4)

	var aborted *domain.PaginationAbortedError
	require.True(t, errors.As(res.Err, &aborted))
	assert.Equal(t, 2, aborted.Page)
	assert.Equal(t, 4, aborted.Attempts)
	assert.ErrorIs(t, res.Err, errUpstream)
}

func TestRun_InvalidSessionIsNotRetried(t *testing.T) {
	adapter, account, session := newFixture(t, 2)
	adapter.FailPage("alice", 1, domain.ErrSessionInvalid)

	res := New(adapter, session, account, fetchAll(), zerolog.Nop(), WithSleeper((&testutil.SleepRecorder{}).Sleep)).Run(context.Background())

	assert.Equal(t, Draining, res.State)
	assert.ErrorIs(t, res.Err, domain.ErrSessionInvalid)
	assert.Equal(t, []int{1}, adapter.PagesRequested("alice"))
}

func TestRun_MaxPagesIsDone(t *testing.T) {
	adapter, account, session := newFixture(t, 5)

	opts := fetchAll()
	opts.MaxPages = 3
	res := New(adapter, session, account, opts, zerolog.Nop(), WithSleeper((&testutil.SleepRecorder{}).Sleep)).Run(context.Background())

	assert.Equal(t, Done, res.State)
	assert.NoError(t, res.Err)
	assert.Equal(t, 3, res.Pages)
}

func TestRun_CancellationStopsBeforeNextPage(t *testing.T) {
	adapter, account, session := newFixture(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	adapter.OnFetch(func(c testutil.PageCall) {
		if c.Page == 2 {
			cancel()
		}
	})

	res := New(adapter, session, account, fetchAll(), zerolog.Nop(), WithSleeper((&testutil.SleepRecorder{}).Sleep)).Run(ctx)

	// Page 2 was already in flight and completes
	assert.Equal(t, Draining, res.State)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Len(t, res.Records, 4)
	assert.Equal(t, []int{1, 2}, adapter.PagesRequested("alice"))
}

func TestRun_SkipsPagesFetchedEarlierInRun(t *testing.T) {
	adapter, account, session := newFixture(t, 2)
	opts := fetchAll()
	opts.Resume = false

	p := New(adapter, session, account, opts, zerolog.Nop(), WithSleeper((&testutil.SleepRecorder{}).Sleep))
	first := p.Run(context.Background())
	require.Len(t, first.Records, 4)
	assert.True(t, p.Fetched(1))

	second := p.Run(context.Background())
	assert.Empty(t, second.Records)
	assert.Equal(t, []int{1, 2, 3}, adapter.PagesRequested("alice"))
}

func TestRun_ObserverSeesPagesAndFailures(t *testing.T) {
	adapter, account, session := newFixture(t, 1)
	adapter.FailPage("alice", 1, errUpstream)

	var fetched, failed []int
	obs := Observer{
		PageFetched: func(page, records int) { fetched = append(fetched, page) },
		PageFailed:  func(page, attempt int, err error) { failed = append(failed, attempt) },
	}
	New(adapter, session, account, fetchAll(), zerolog.Nop(),
		WithSleeper((&testutil.SleepRecorder{}).Sleep), WithObserver(obs)).Run(context.Background())

	assert.Equal(t, []int{1}, fetched)
	assert.Equal(t, []int{1}, failed)
}

func TestRun_CountsAmbiguousRecords(t *testing.T) {
	adapter := testutil.NewMockAdapter(domain.PlatformTianji)
	adapter.SetPages("alice", []domain.RawRecord{
		{"order_no": "1", "commission": "abc", "time": "2024-03-01 10:00:00"},
		{"order_no": "2", "commission": 5, "time": "2024-03-01 10:00:00"},
	})
	account := &domain.Account{Platform: domain.PlatformTianji, Username: "alice"}
	session, _ := adapter.Login(context.Background(), "alice", "x")

	res := New(adapter, session, account, fetchAll(), zerolog.Nop()).Run(context.Background())

	assert.Equal(t, 1, res.Ambiguities)
	assert.Nil(t, res.Records[0].Commission)
	assert.Equal(t, []string{"commission"}, res.Records[0].Ambiguities)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "draining", Draining.String())
	assert.False(t, Fetching.Finished())
	assert.True(t, Done.Finished())
}

func TestContextSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, ContextSleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, ContextSleep(context.Background(), 0))
}
