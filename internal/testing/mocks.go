package testing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/billsync/internal/classify"
	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
)

// ErrMockLogin is returned by MockAdapter.Login for accounts marked as failing
var ErrMockLogin = errors.New("mock login rejected")

// MockSession is the session handed out by MockAdapter
type MockSession struct {
	platform domain.Platform
	username string
}

func (s *MockSession) Platform() domain.Platform { return s.platform }
func (s *MockSession) Username() string          { return s.username }

// PageCall records one FetchBillPage invocation
type PageCall struct {
	Username string
	Page     int
	PageSize int
}

// MockAdapter is an in-memory domain.Adapter. Pages are served from fixtures
// keyed by username; a page past the end is empty.
type MockAdapter struct {
	mu          sync.Mutex
	platform    domain.Platform
	loc         *time.Location
	rules       classify.RuleSet
	loginErrs   map[string]error
	balances    map[string]float64
	balanceErrs map[string]error
	pages       map[string][][]domain.RawRecord
	pageErrs    map[string]map[int][]error
	logins      []string
	calls       []PageCall
	onFetch     func(PageCall)
}

// NewMockAdapter creates a mock adapter for p. Records are classified with
// p's rule set and times are read in UTC.
func NewMockAdapter(p domain.Platform) *MockAdapter {
	rules, err := classify.ForPlatform(p)
	if err != nil {
		panic(fmt.Sprintf("mock adapter: %v", err))
	}
	return &MockAdapter{
		platform:    p,
		loc:         time.UTC,
		rules:       rules,
		loginErrs:   make(map[string]error),
		balances:    make(map[string]float64),
		balanceErrs: make(map[string]error),
		pages:       make(map[string][][]domain.RawRecord),
		pageErrs:    make(map[string]map[int][]error),
	}
}

// Platform returns the platform this mock pretends to be
func (m *MockAdapter) Platform() domain.Platform {
	return m.platform
}

// SetLoginError makes Login fail for username
func (m *MockAdapter) SetLoginError(username string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loginErrs[username] = err
}

// SetBalance sets the balance returned for username
func (m *MockAdapter) SetBalance(username string, balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[username] = balance
}

// SetBalanceError makes FetchBalance fail for username
func (m *MockAdapter) SetBalanceError(username string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceErrs[username] = err
}

// SetPages sets the pages served for username. pages[0] is page 1.
func (m *MockAdapter) SetPages(username string, pages ...[]domain.RawRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[username] = pages
}

// FailPage queues errors for page; each fetch of that page consumes one
func (m *MockAdapter) FailPage(username string, page int, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pageErrs[username] == nil {
		m.pageErrs[username] = make(map[int][]error)
	}
	m.pageErrs[username][page] = append(m.pageErrs[username][page], errs...)
}

// OnFetch registers a hook called before every page is served
func (m *MockAdapter) OnFetch(fn func(PageCall)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFetch = fn
}

// Logins returns the usernames Login was called with, in order
func (m *MockAdapter) Logins() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.logins...)
}

// Calls returns every page request, in order
func (m *MockAdapter) Calls() []PageCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]PageCall(nil), m.calls...)
}

// PagesRequested returns the page numbers requested for username
func (m *MockAdapter) PagesRequested(username string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pages []int
	for _, c := range m.calls {
		if c.Username == username {
			pages = append(pages, c.Page)
		}
	}
	return pages
}

// Login succeeds unless an error was set for username
func (m *MockAdapter) Login(ctx context.Context, username, secret string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins = append(m.logins, username)
	if err := m.loginErrs[username]; err != nil {
		return nil, err
	}
	return &MockSession{platform: m.platform, username: username}, nil
}

// FetchBalance returns the configured balance, or ErrBalanceNotFound
func (m *MockAdapter) FetchBalance(ctx context.Context, session domain.Session) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.balanceErrs[session.Username()]; err != nil {
		return 0, err
	}
	balance, ok := m.balances[session.Username()]
	if !ok {
		return 0, domain.ErrBalanceNotFound
	}
	return balance, nil
}

// FetchBillPage serves the fixture page, or a queued error for it
func (m *MockAdapter) FetchBillPage(ctx context.Context, session domain.Session, page, pageSize int) ([]domain.RawRecord, bool, error) {
	m.mu.Lock()
	call := PageCall{Username: session.Username(), Page: page, PageSize: pageSize}
	m.calls = append(m.calls, call)
	hook := m.onFetch
	m.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if queued := m.pageErrs[call.Username][page]; len(queued) > 0 {
		m.pageErrs[call.Username][page] = queued[1:]
		return nil, false, queued[0]
	}

	pages := m.pages[call.Username]
	if page < 1 || page > len(pages) {
		return nil, false, nil
	}
	return pages[page-1], page < len(pages), nil
}

// Normalize reads the generic fixture keys produced by Bill
func (m *MockAdapter) Normalize(raw domain.RawRecord, account string) domain.BillRecord {
	f := normalize.NewFields(raw, m.loc)

	commission := f.Money("commission")
	remark := f.Remark("remark")
	kind, _ := normalize.Text(raw["kind"])

	rec := domain.BillRecord{
		Platform:        m.platform,
		Account:         account,
		OrderNo:         f.String("order_no"),
		TransactionTime: f.Timestamp("time"),
		SalePrice:       f.Money("sale"),
		Commission:      commission,
		Remark:          remark,
	}
	rec.CostPrice = normalize.Difference(rec.SalePrice, commission)
	rec.IncomeType = m.rules.Classify(classify.Input{
		Commission: commission,
		Text:       []*string{remark},
		BillKind:   kind,
	})
	rec.Ambiguities = f.Ambiguities()
	return rec
}
