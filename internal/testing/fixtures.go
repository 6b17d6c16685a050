package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/billsync/internal/domain"
)

// Bill builds a raw fixture record understood by MockAdapter.Normalize
func Bill(orderNo string, at time.Time, commission float64, remark string) domain.RawRecord {
	return domain.RawRecord{
		"order_no":   orderNo,
		"time":       at.Format(domain.TimeLayout),
		"commission": commission,
		"remark":     remark,
	}
}

// BillPages returns n pages of size records each with distinct order numbers
func BillPages(prefix string, n, size int, at time.Time) [][]domain.RawRecord {
	pages := make([][]domain.RawRecord, 0, n)
	for p := 1; p <= n; p++ {
		page := make([]domain.RawRecord, 0, size)
		for i := 1; i <= size; i++ {
			page = append(page, Bill(fmt.Sprintf("%s-%d-%d", prefix, p, i), at, 10, "续费"))
		}
		pages = append(pages, page)
	}
	return pages
}

// NewAccountFixtures returns accounts for platform with usernames u1..un
func NewAccountFixtures(platform domain.Platform, n int) []domain.Account {
	accounts := make([]domain.Account, 0, n)
	for i := 1; i <= n; i++ {
		accounts = append(accounts, domain.Account{
			Platform: platform,
			Username: fmt.Sprintf("u%d", i),
			Secret:   "secret",
		})
	}
	return accounts
}

// FrozenClock is a settable clock for deterministic window tests
type FrozenClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFrozenClock returns a clock stuck at now
func NewFrozenClock(now time.Time) *FrozenClock {
	return &FrozenClock{now: now}
}

// Now returns the frozen instant
func (c *FrozenClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FrozenClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// SleepRecorder is a paginator/orchestrator Sleeper that records delays
// instead of waiting
type SleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

// Sleep records d and returns immediately unless ctx is done
func (s *SleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

// Delays returns every recorded delay
func (s *SleepRecorder) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
