package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/events"
	"github.com/aristath/billsync/internal/paginator"
	testutil "github.com/aristath/billsync/internal/testing"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 3, 31, 12, 0, 0, 0, time.UTC)

type mockFactory map[domain.Platform]*testutil.MockAdapter

func (f mockFactory) New(account domain.Account) (domain.Adapter, error) {
	a, ok := f[account.Platform]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlatform, account.Platform)
	}
	return a, nil
}

type memCursors struct {
	mu    sync.Mutex
	pages map[string]int
}

func (m *memCursors) LoadCursor(ctx context.Context, p domain.Platform, account string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages[string(p)+"/"+account], nil
}

func (m *memCursors) SaveCursor(ctx context.Context, p domain.Platform, account string, page int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[string(p)+"/"+account] = page
	return nil
}

func testOptions() Options {
	pg := paginator.DefaultOptions()
	pg.FetchAll = true
	return Options{
		Pagination:   pg,
		AccountDelay: 2 * time.Second,
		Window:       30 * 24 * time.Hour,
		Location:     time.UTC,
	}
}

func newOrchestrator(f mockFactory, sleeper *testutil.SleepRecorder, opts ...Option) *Orchestrator {
	base := []Option{
		WithSleeper(sleeper.Sleep),
		WithClock(func() time.Time { return now }),
	}
	return New(f, testOptions(), zerolog.Nop(), append(base, opts...)...)
}

func TestRun_EndToEndExample(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	a.SetBalance("alice", 100)
	a.SetPages("alice", []domain.RawRecord{
		testutil.Bill("a-1", now.Add(-time.Hour), 50, "续费"),
		testutil.Bill("a-2", now.Add(-time.Hour), -20, "提现"),
	})
	b := testutil.NewMockAdapter(domain.PlatformXiaoTaiFeng)
	b.SetBalance("bob", 7)
	b.SetPages("bob", []domain.RawRecord{
		testutil.Bill("b-1", now.Add(-time.Hour), 30, "出售套餐"),
	})

	accounts := []domain.Account{
		{Platform: domain.PlatformXiaoTaiFeng, Username: "bob"},
		{Platform: domain.PlatformTianji, Username: "alice"},
	}
	res, err := newOrchestrator(mockFactory{domain.PlatformTianji: a, domain.PlatformXiaoTaiFeng: b}, &testutil.SleepRecorder{}).
		Run(context.Background(), accounts)
	require.NoError(t, err)

	require.Len(t, res.Records, 3)
	require.Len(t, res.Summaries, 2)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.RunID)

	// Merge order follows platform declaration order, not configuration order
	sa, sb := res.Summaries[0], res.Summaries[1]
	assert.Equal(t, domain.PlatformTianji, sa.Platform)
	assert.Equal(t, 50.0, sa.RecentIncome)
	assert.Equal(t, 20.0, sa.RecentWithdraw)
	assert.Equal(t, 0.0, sa.RecentRefund)
	assert.Equal(t, domain.PlatformXiaoTaiFeng, sb.Platform)
	assert.Equal(t, 30.0, sb.RecentIncome)
	assert.Equal(t, 60.0, res.NetCash())
	assert.Equal(t, 80.0, res.NetIncome())

	assert.Equal(t, domain.IncomeWithdrawal, res.Records[1].IncomeType)
	assert.Equal(t, domain.IncomePackageSale, res.Records[2].IncomeType)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	for _, u := range []string{"u1", "u2", "u3"} {
		a.SetBalance(u, 1)
		a.SetPages(u, []domain.RawRecord{testutil.Bill(u+"-1", now, 10, "续费")})
	}
	a.SetLoginError("u2", testutil.ErrMockLogin)
	sleeper := &testutil.SleepRecorder{}

	res, err := newOrchestrator(mockFactory{domain.PlatformTianji: a}, sleeper).
		Run(context.Background(), testutil.NewAccountFixtures(domain.PlatformTianji, 3))
	require.NoError(t, err)

	require.Len(t, res.Summaries, 2)
	assert.Equal(t, "u1", res.Summaries[0].Account)
	assert.Equal(t, "u3", res.Summaries[1].Account)
	assert.Len(t, res.Records, 2)

	require.Len(t, res.Errors, 1)
	e := res.Errors[0]
	assert.Equal(t, "u2", e.Account)
	assert.Equal(t, domain.OpLogin, e.Op)
	var authErr *domain.AuthenticationError
	assert.True(t, errors.As(e, &authErr))
	assert.ErrorIs(t, e, testutil.ErrMockLogin)

	assert.Equal(t, []string{"u1", "u2", "u3"}, a.Logins())
	assert.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, sleeper.Delays())
}

func TestRun_BalanceFailureStillFetchesBills(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformMiaoYue)
	a.SetPages("u1", []domain.RawRecord{testutil.Bill("1", now, 5, "续费")})

	res, err := newOrchestrator(mockFactory{domain.PlatformMiaoYue: a}, &testutil.SleepRecorder{}).
		Run(context.Background(), testutil.NewAccountFixtures(domain.PlatformMiaoYue, 1))
	require.NoError(t, err)

	require.Len(t, res.Summaries, 1)
	assert.Nil(t, res.Summaries[0].Balance)
	assert.Equal(t, 5.0, res.Summaries[0].RecentIncome)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.OpBalance, res.Errors[0].Op)
	assert.ErrorIs(t, res.Errors[0], domain.ErrBalanceNotFound)
}

func TestRun_DrainedPaginationIsReportedWithPartialRecords(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	a.SetBalance("u1", 0)
	a.SetPages("u1", testutil.BillPages("p", 3, 2, now)...)
	upstream := errors.New("502")
	a.FailPage("u1", 2, upstream, upstream, upstream, upstream)

	res, err := newOrchestrator(mockFactory{domain.PlatformTianji: a}, &testutil.SleepRecorder{}).
		Run(context.Background(), testutil.NewAccountFixtures(domain.PlatformTianji, 1))
	require.NoError(t, err)

	assert.Len(t, res.Records, 2)
	require.NotNil(t, res.Summaries[0].Balance)
	assert.Equal(t, 0.0, *res.Summaries[0].Balance)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, domain.OpBills, res.Errors[0].Op)
	var aborted *domain.PaginationAbortedError
	assert.True(t, errors.As(res.Errors[0], &aborted))
	assert.Equal(t, 1, res.Summaries[0].LastFetchedPage)
}

func TestRun_UnknownPlatformFailsBeforeNetwork(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	accounts := []domain.Account{
		{Platform: domain.PlatformTianji, Username: "u1"},
		{Platform: "nowhere", Username: "u2"},
	}

	_, err := newOrchestrator(mockFactory{domain.PlatformTianji: a}, &testutil.SleepRecorder{}).
		Run(context.Background(), accounts)

	assert.ErrorIs(t, err, domain.ErrUnknownPlatform)
	assert.Empty(t, a.Logins())
}

func TestRun_DuplicateAccountFails(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	accounts := []domain.Account{
		{Platform: domain.PlatformTianji, Username: "u1"},
		{Platform: domain.PlatformTianji, Username: "u1"},
	}

	_, err := newOrchestrator(mockFactory{domain.PlatformTianji: a}, &testutil.SleepRecorder{}).
		Run(context.Background(), accounts)

	assert.Error(t, err)
}

func TestRun_ResumesFromInMemoryCursor(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	a.SetBalance("u1", 1)
	a.SetPages("u1", testutil.BillPages("p", 2, 1, now)...)
	o := newOrchestrator(mockFactory{domain.PlatformTianji: a}, &testutil.SleepRecorder{})
	accounts := testutil.NewAccountFixtures(domain.PlatformTianji, 1)

	first, err := o.Run(context.Background(), accounts)
	require.NoError(t, err)
	assert.Len(t, first.Records, 2)
	assert.Equal(t, 2, accounts[0].LastFetchedPage)

	second, err := o.Run(context.Background(), accounts)
	require.NoError(t, err)
	assert.Empty(t, second.Records)
	assert.Equal(t, []int{1, 2, 3}, a.PagesRequested("u1"))

	// Cached summary carries forward across runs
	assert.Equal(t, 2, second.Summaries[0].TotalBillsSeen)
	assert.Equal(t, 20.0, second.Summaries[0].RecentIncome)
}

func TestRun_WithoutResumeDoesNotAccumulate(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	a.SetBalance("u1", 1)
	a.SetPages("u1", testutil.BillPages("p", 2, 1, now)...)
	opts := testOptions()
	opts.Pagination.Resume = false
	o := New(mockFactory{domain.PlatformTianji: a}, opts, zerolog.Nop(),
		WithSleeper((&testutil.SleepRecorder{}).Sleep),
		WithClock(func() time.Time { return now }),
	)
	accounts := testutil.NewAccountFixtures(domain.PlatformTianji, 1)

	first, err := o.Run(context.Background(), accounts)
	require.NoError(t, err)
	second, err := o.Run(context.Background(), accounts)
	require.NoError(t, err)

	assert.Len(t, second.Records, 2)
	assert.Equal(t, first.Summaries[0].TotalBillsSeen, second.Summaries[0].TotalBillsSeen)
	assert.Equal(t, first.Summaries[0].RecentIncome, second.Summaries[0].RecentIncome)
	assert.Equal(t, []int{1, 2, 1, 2}, a.PagesRequested("u1"))
}

func TestRun_ResumesFromCursorStore(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	a.SetBalance("u1", 1)
	a.SetPages("u1", testutil.BillPages("p", 3, 1, now)...)
	store := &memCursors{pages: map[string]int{"tianji/u1": 2}}

	res, err := newOrchestrator(mockFactory{domain.PlatformTianji: a}, &testutil.SleepRecorder{}, WithCursorStore(store)).
		Run(context.Background(), testutil.NewAccountFixtures(domain.PlatformTianji, 1))
	require.NoError(t, err)

	assert.Len(t, res.Records, 1)
	assert.Equal(t, []int{3}, a.PagesRequested("u1"))
	assert.Equal(t, 3, store.pages["tianji/u1"])
}

func TestRun_CancellationStopsRemainingAccounts(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	for _, u := range []string{"u1", "u2", "u3"} {
		a.SetBalance(u, 1)
		a.SetPages(u, []domain.RawRecord{testutil.Bill(u, now, 1, "续费")})
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.OnFetch(func(c testutil.PageCall) {
		if c.Username == "u1" {
			cancel()
		}
	})

	res, err := newOrchestrator(mockFactory{domain.PlatformTianji: a}, &testutil.SleepRecorder{}).
		Run(ctx, testutil.NewAccountFixtures(domain.PlatformTianji, 3))
	require.NoError(t, err)

	assert.True(t, res.Canceled)
	assert.Equal(t, []string{"u1"}, a.Logins())
	// The in-flight page completes and is kept
	assert.Len(t, res.Records, 1)
}

func TestRun_PlatformsRunConcurrently(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	b := testutil.NewMockAdapter(domain.PlatformMiaoYue)
	a.SetPages("u1", []domain.RawRecord{testutil.Bill("a", now, 1, "续费")})
	b.SetPages("u1", []domain.RawRecord{testutil.Bill("b", now, 1, "续费")})

	// Each platform blocks until the other has started fetching
	var wg sync.WaitGroup
	wg.Add(2)
	hook := func(testutil.PageCall) {
		wg.Done()
		wg.Wait()
	}
	a.OnFetch(hook)
	b.OnFetch(hook)

	accounts := append(testutil.NewAccountFixtures(domain.PlatformTianji, 1), testutil.NewAccountFixtures(domain.PlatformMiaoYue, 1)...)
	done := make(chan *Result, 1)
	go func() {
		res, _ := newOrchestrator(mockFactory{domain.PlatformTianji: a, domain.PlatformMiaoYue: b}, &testutil.SleepRecorder{}).
			Run(context.Background(), accounts)
		done <- res
	}()

	select {
	case res := <-done:
		assert.Len(t, res.Records, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("platform workers did not overlap")
	}
}

func TestRun_EmitsProgressEvents(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	a.SetBalance("u1", 3)
	a.SetPages("u1", []domain.RawRecord{testutil.Bill("1", now, 1, "续费")})
	a.SetLoginError("u2", testutil.ErrMockLogin)

	bus := events.NewBus(zerolog.Nop())
	var mu sync.Mutex
	var got []events.EventType
	bus.Subscribe(func(e *events.Event) {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
	})

	_, err := newOrchestrator(mockFactory{domain.PlatformTianji: a}, &testutil.SleepRecorder{}, WithEvents(bus)).
		Run(context.Background(), testutil.NewAccountFixtures(domain.PlatformTianji, 2))
	require.NoError(t, err)

	assert.Equal(t, []events.EventType{
		events.RunStarted,
		events.AccountStarted,
		events.PageFetched,
		events.AccountFinished,
		events.AccountStarted,
		events.AccountFailed,
		events.RunFinished,
	}, got)
}

func TestRun_UsesRunIDFromContext(t *testing.T) {
	a := testutil.NewMockAdapter(domain.PlatformTianji)
	ctx := ContextWithRunID(context.Background(), "fixed-id")

	res, err := newOrchestrator(mockFactory{domain.PlatformTianji: a}, &testutil.SleepRecorder{}).
		Run(ctx, testutil.NewAccountFixtures(domain.PlatformTianji, 1))
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", res.RunID)
}
