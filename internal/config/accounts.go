package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/aristath/billsync/internal/domain"
	"github.com/rs/zerolog"
)

// accountsFile is the on-disk roster shape:
//
//	[[account]]
//	platform = "tianji"
//	username = "shop01"
//	secret   = "..."
type accountsFile struct {
	Accounts []accountEntry `toml:"account"`
}

type accountEntry struct {
	Platform string `toml:"platform"`
	Username string `toml:"username"`
	Secret   string `toml:"secret"`
	BaseURL  string `toml:"base_url"`
	Disabled bool   `toml:"disabled"`
}

// AccountLoader reads the account roster from TOML
type AccountLoader struct {
	log zerolog.Logger
}

// NewAccountLoader creates a new roster loader.
func NewAccountLoader(log zerolog.Logger) *AccountLoader {
	return &AccountLoader{
		log: log.With().Str("component", "account_loader").Logger(),
	}
}

// LoadFromFile reads and validates the roster at path
func (l *AccountLoader) LoadFromFile(path string) ([]domain.Account, error) {
	l.log.Info().Str("path", path).Msg("Loading account roster")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("accounts file not found: %s", path)
	}

	var file accountsFile
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}
	return l.build(file)
}

// LoadFromString reads a roster held in memory
func (l *AccountLoader) LoadFromString(s string) ([]domain.Account, error) {
	var file accountsFile
	if _, err := toml.Decode(s, &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts: %w", err)
	}
	return l.build(file)
}

func (l *AccountLoader) build(file accountsFile) ([]domain.Account, error) {
	accounts := make([]domain.Account, 0, len(file.Accounts))
	seen := make(map[string]bool, len(file.Accounts))

	for i, e := range file.Accounts {
		if e.Disabled {
			continue
		}
		p, err := domain.ParsePlatform(e.Platform)
		if err != nil {
			return nil, fmt.Errorf("account #%d: %w", i+1, err)
		}
		username := strings.TrimSpace(e.Username)
		if username == "" {
			return nil, fmt.Errorf("account #%d: username is required", i+1)
		}
		acc := domain.Account{
			Platform: p,
			Username: username,
			Secret:   e.Secret,
			BaseURL:  strings.TrimSpace(e.BaseURL),
		}
		if seen[acc.Key()] {
			return nil, fmt.Errorf("account #%d: duplicate account %s", i+1, acc.Key())
		}
		seen[acc.Key()] = true
		accounts = append(accounts, acc)
	}

	l.log.Info().Int("accounts", len(accounts)).Msg("Account roster loaded")
	return accounts, nil
}

// FilterAccounts keeps the accounts whose platform is enabled, preserving order
func (c *Config) FilterAccounts(accounts []domain.Account) []domain.Account {
	out := make([]domain.Account, 0, len(accounts))
	for _, a := range accounts {
		if c.PlatformEnabled(a.Platform) {
			out = append(out, a)
		}
	}
	return out
}
