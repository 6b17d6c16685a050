package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/utils"
	"github.com/joho/godotenv"
)

// DefaultTimezone is where the upstream platforms report their timestamps
const DefaultTimezone = "Asia/Shanghai"

type Config struct {
	DataDir      string // Base directory for the ledger database (always absolute)
	AccountsFile string
	LogLevel     string
	LogPretty    bool
	Port         int
	Timezone     string
	Platforms    []domain.Platform // Enabled platforms; empty means all

	Sync   SyncConfig
	Export ExportConfig
}

// SyncConfig holds the run settings handed to the orchestrator
type SyncConfig struct {
	PageSize       int
	QueryAllBills  bool
	MaxRetries     int
	RetryDelay     time.Duration
	PageDelay      time.Duration
	PlatformDelay  time.Duration // delay between accounts of one platform
	RequestTimeout time.Duration
	RequestRate    time.Duration // minimum spacing of upstream requests
	DaysForRecent  int
	MaxPages       int
	EnableResume   bool
	Schedule       string
	KeepRuns       int // runs kept in the ledger by the maintenance job
}

// ExportConfig configures report snapshot upload. Export is off when Bucket is empty.
type ExportConfig struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int // 0 keeps snapshots forever
}

// Enabled reports whether snapshot upload is configured
func (e ExportConfig) Enabled() bool {
	return e.Bucket != ""
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if it doesn't)
	_ = godotenv.Load()

	dataDir := getEnv("BILLSYNC_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	platforms, err := parsePlatforms(getEnv("BILLSYNC_PLATFORMS", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:      absDataDir,
		AccountsFile: getEnv("BILLSYNC_ACCOUNTS_FILE", "accounts.toml"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogPretty:    getEnvAsBool("LOG_PRETTY", false),
		Port:         getEnvAsInt("BILLSYNC_PORT", 8090),
		Timezone:     getEnv("BILLSYNC_TIMEZONE", DefaultTimezone),
		Platforms:    platforms,
		Sync: SyncConfig{
			PageSize:       getEnvAsInt("BILL_PAGE_SIZE", 50),
			QueryAllBills:  getEnvAsBool("QUERY_ALL_BILLS", false),
			MaxRetries:     getEnvAsInt("MAX_RETRIES", 3),
			RetryDelay:     getEnvAsSeconds("RETRY_DELAY", 1.0),
			PageDelay:      getEnvAsSeconds("PAGE_DELAY", 0.5),
			PlatformDelay:  getEnvAsSeconds("PLATFORM_DELAY", 2.0),
			RequestTimeout: getEnvAsSeconds("REQUEST_TIMEOUT", 30),
			RequestRate:    getEnvAsSeconds("REQUEST_INTERVAL", 0.2),
			DaysForRecent:  getEnvAsInt("DAYS_FOR_RECENT", 30),
			MaxPages:       getEnvAsInt("MAX_PAGES", 100),
			EnableResume:   getEnvAsBool("ENABLE_RESUME", true),
			Schedule:       getEnv("SYNC_SCHEDULE", "@every 6h"),
			KeepRuns:       getEnvAsInt("LEDGER_KEEP_RUNS", 200),
		},
		Export: ExportConfig{
			Bucket:          getEnv("S3_BUCKET", ""),
			Prefix:          getEnv("S3_PREFIX", "billsync"),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "auto"),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("S3_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("BILL_PAGE_SIZE must be positive, got %d", c.Sync.PageSize)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.DaysForRecent <= 0 {
		return fmt.Errorf("DAYS_FOR_RECENT must be positive, got %d", c.Sync.DaysForRecent)
	}
	if c.Sync.MaxPages < 0 {
		return fmt.Errorf("MAX_PAGES must not be negative, got %d", c.Sync.MaxPages)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Export.Enabled() && (c.Export.AccessKeyID == "") != (c.Export.SecretAccessKey == "") {
		return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
	}
	return nil
}

// Location resolves Timezone. Asia/Shanghai falls back to a fixed +08:00 zone
// on hosts without tzdata.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err == nil {
		return loc, nil
	}
	if c.Timezone == DefaultTimezone {
		return time.FixedZone("CST", 8*3600), nil
	}
	return nil, fmt.Errorf("invalid BILLSYNC_TIMEZONE %q: %w", c.Timezone, err)
}

// DatabasePath is the ledger database file inside DataDir
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// PlatformEnabled reports whether accounts of p should be synced
func (c *Config) PlatformEnabled(p domain.Platform) bool {
	if len(c.Platforms) == 0 {
		return true
	}
	for _, enabled := range c.Platforms {
		if enabled == p {
			return true
		}
	}
	return false
}

func parsePlatforms(s string) ([]domain.Platform, error) {
	var platforms []domain.Platform
	for _, name := range utils.ParseCSV(s) {
		p, err := domain.ParsePlatform(name)
		if err != nil {
			return nil, fmt.Errorf("invalid BILLSYNC_PLATFORMS: %w", err)
		}
		platforms = append(platforms, p)
	}
	return platforms, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsSeconds reads a fractional number of seconds
func getEnvAsSeconds(key string, defaultSeconds float64) time.Duration {
	seconds := defaultSeconds
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil && f >= 0 {
			seconds = f
		}
	}
	return time.Duration(seconds * float64(time.Second))
}
