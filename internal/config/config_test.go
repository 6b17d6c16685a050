package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/billsync/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BILLSYNC_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, 8090, cfg.Port)
	assert.Equal(t, "accounts.toml", cfg.AccountsFile)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.False(t, cfg.Sync.QueryAllBills)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, time.Second, cfg.Sync.RetryDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.PageDelay)
	assert.Equal(t, 2*time.Second, cfg.Sync.PlatformDelay)
	assert.Equal(t, 30*time.Second, cfg.Sync.RequestTimeout)
	assert.Equal(t, 30, cfg.Sync.DaysForRecent)
	assert.Equal(t, 100, cfg.Sync.MaxPages)
	assert.True(t, cfg.Sync.EnableResume)
	assert.Equal(t, "@every 6h", cfg.Sync.Schedule)
	assert.Equal(t, 200, cfg.Sync.KeepRuns)
	assert.Equal(t, 30, cfg.Export.RetentionDays)
	assert.False(t, cfg.Export.Enabled())
	assert.Empty(t, cfg.Platforms)
	assert.Equal(t, filepath.Join(cfg.DataDir, "ledger.db"), cfg.DatabasePath())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("BILLSYNC_DATA_DIR", t.TempDir())
	t.Setenv("BILL_PAGE_SIZE", "20")
	t.Setenv("QUERY_ALL_BILLS", "true")
	t.Setenv("RETRY_DELAY", "2.5")
	t.Setenv("BILLSYNC_PLATFORMS", "tianji, miaoyue")
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.Sync.PageSize)
	assert.True(t, cfg.Sync.QueryAllBills)
	assert.Equal(t, 2500*time.Millisecond, cfg.Sync.RetryDelay)
	assert.Equal(t, 3, cfg.Sync.MaxRetries)
	assert.Equal(t, []domain.Platform{domain.PlatformTianji, domain.PlatformMiaoYue}, cfg.Platforms)
	assert.True(t, cfg.PlatformEnabled(domain.PlatformMiaoYue))
	assert.False(t, cfg.PlatformEnabled(domain.PlatformXiaoTaiFeng))
}

func TestLoad_RejectsUnknownPlatform(t *testing.T) {
	t.Setenv("BILLSYNC_DATA_DIR", t.TempDir())
	t.Setenv("BILLSYNC_PLATFORMS", "tianji,elsewhere")

	_, err := Load()
	assert.ErrorIs(t, err, domain.ErrUnknownPlatform)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:     8090,
			Timezone: DefaultTimezone,
			Sync:     SyncConfig{PageSize: 50, MaxRetries: 3, DaysForRecent: 30, MaxPages: 100},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 0 }},
		{"page size", func(c *Config) { c.Sync.PageSize = 0 }},
		{"retries", func(c *Config) { c.Sync.MaxRetries = -1 }},
		{"window", func(c *Config) { c.Sync.DaysForRecent = 0 }},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{"half credentials", func(c *Config) {
			c.Export = ExportConfig{Bucket: "b", AccessKeyID: "id"}
		}},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLocation_ShanghaiOffset(t *testing.T) {
	cfg := &Config{Timezone: DefaultTimezone}
	loc, err := cfg.Location()
	require.NoError(t, err)

	_, offset := time.Date(2024, 3, 1, 0, 0, 0, 0, loc).Zone()
	assert.Equal(t, 8*3600, offset)
}

const roster = `
[[account]]
platform = "tianji"
username = "shop01"
secret = "s1"

[[account]]
platform = "MiaoYue"
username = " 13800000000 "
secret = "s2"
base_url = "http://localhost:9999"

[[account]]
platform = "xiaotaifeng"
username = "old"
disabled = true
`

func TestAccountLoader_LoadFromString(t *testing.T) {
	accounts, err := NewAccountLoader(zerolog.Nop()).LoadFromString(roster)
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	assert.Equal(t, domain.PlatformTianji, accounts[0].Platform)
	assert.Equal(t, "shop01", accounts[0].Username)
	assert.Equal(t, "s1", accounts[0].Secret)
	assert.Equal(t, domain.PlatformMiaoYue, accounts[1].Platform)
	assert.Equal(t, "13800000000", accounts[1].Username)
	assert.Equal(t, "http://localhost:9999", accounts[1].BaseURL)
}

func TestAccountLoader_Errors(t *testing.T) {
	loader := NewAccountLoader(zerolog.Nop())

	_, err := loader.LoadFromString("[[account]]\nplatform = \"nowhere\"\nusername = \"a\"\n")
	assert.ErrorIs(t, err, domain.ErrUnknownPlatform)

	_, err = loader.LoadFromString("[[account]]\nplatform = \"tianji\"\nusername = \"\"\n")
	assert.Error(t, err)

	dup := "[[account]]\nplatform = \"tianji\"\nusername = \"a\"\n[[account]]\nplatform = \"tianji\"\nusername = \"a\"\n"
	_, err = loader.LoadFromString(dup)
	assert.ErrorContains(t, err, "duplicate")

	_, err = loader.LoadFromString("not toml [")
	assert.Error(t, err)
}

func TestAccountLoader_LoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.toml")
	require.NoError(t, os.WriteFile(path, []byte(roster), 0600))

	accounts, err := NewAccountLoader(zerolog.Nop()).LoadFromFile(path)
	require.NoError(t, err)
	assert.Len(t, accounts, 2)

	_, err = NewAccountLoader(zerolog.Nop()).LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "not found")
}

func TestFilterAccounts(t *testing.T) {
	cfg := &Config{Platforms: []domain.Platform{domain.PlatformTianji}}
	in := []domain.Account{
		{Platform: domain.PlatformMiaoYue, Username: "a"},
		{Platform: domain.PlatformTianji, Username: "b"},
	}

	out := cfg.FilterAccounts(in)
	require.Len(t, out, 1)
	assert.Equal(t, "b", out[0].Username)
}
