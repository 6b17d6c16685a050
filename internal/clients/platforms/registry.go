// Package platforms builds a fresh Adapter per account from its platform.
package platforms

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/billsync/internal/clients/miaoyue"
	"github.com/aristath/billsync/internal/clients/tianji"
	"github.com/aristath/billsync/internal/clients/xiaotaifeng"
	"github.com/aristath/billsync/internal/domain"
)

// Options are shared by every adapter the registry builds
type Options struct {
	Timeout         time.Duration
	RequestInterval time.Duration
	Location        *time.Location
}

// Factory builds an adapter for one account
type Factory func(account domain.Account, opts Options, log zerolog.Logger) (domain.Adapter, error)

// Registry maps platforms to adapter factories
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.Platform]Factory
	opts      Options
	log       zerolog.Logger
}

// NewRegistry returns a registry with the three built-in platforms
func NewRegistry(opts Options, log zerolog.Logger) *Registry {
	r := &Registry{
		factories: make(map[domain.Platform]Factory),
		opts:      opts,
		log:       log,
	}
	r.Register(domain.PlatformTianji, newTianji)
	r.Register(domain.PlatformXiaoTaiFeng, newXiaoTaiFeng)
	r.Register(domain.PlatformMiaoYue, newMiaoYue)
	return r
}

// Register adds or replaces the factory for p
func (r *Registry) Register(p domain.Platform, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[p] = f
}

// New builds the adapter for account. Every call returns a new instance so
// sessions never cross accounts.
func (r *Registry) New(account domain.Account) (domain.Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[account.Platform]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownPlatform, account.Platform)
	}
	return f(account, r.opts, r.log)
}

// Validate checks that every account has a registered platform and that
// (platform, username) is unique.
func (r *Registry) Validate(accounts []domain.Account) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		if _, ok := r.factories[a.Platform]; !ok {
			return fmt.Errorf("account %q: %w: %q", a.Username, domain.ErrUnknownPlatform, a.Platform)
		}
		if a.Username == "" {
			return fmt.Errorf("%s account with empty username", a.Platform)
		}
		if _, dup := seen[a.Key()]; dup {
			return fmt.Errorf("duplicate account %s", a.Key())
		}
		seen[a.Key()] = struct{}{}
	}
	return nil
}

func newTianji(account domain.Account, opts Options, log zerolog.Logger) (domain.Adapter, error) {
	c, err := tianji.NewClient(tianji.Config{
		BaseURL:         account.BaseURL,
		Timeout:         opts.Timeout,
		Location:        opts.Location,
		RequestInterval: opts.RequestInterval,
	}, log)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func newXiaoTaiFeng(account domain.Account, opts Options, log zerolog.Logger) (domain.Adapter, error) {
	return xiaotaifeng.NewClient(xiaotaifeng.Config{
		BaseURL:         account.BaseURL,
		Timeout:         opts.Timeout,
		Location:        opts.Location,
		RequestInterval: opts.RequestInterval,
	}, log), nil
}

func newMiaoYue(account domain.Account, opts Options, log zerolog.Logger) (domain.Adapter, error) {
	return miaoyue.NewClient(miaoyue.Config{
		BaseURL:         account.BaseURL,
		Timeout:         opts.Timeout,
		Location:        opts.Location,
		RequestInterval: opts.RequestInterval,
	}, log), nil
}
