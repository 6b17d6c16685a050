// Package testing provides shared fixtures for billsync tests: a mock
// platform adapter, bill fixtures, a frozen clock and migrated databases.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/aristath/billsync/internal/database"
)

// NewTestDB creates a migrated SQLite database in the test's temp directory.
// The database is closed automatically when the test ends.
func NewTestDB(t *testing.T, name string) *database.DB {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("Failed to create test database %s: %v", name, err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: Failed to close test database %s: %v", name, err)
		}
	})

	if err := db.Migrate(); err != nil {
		t.Fatalf("Failed to migrate test database %s: %v", name, err)
	}
	return db
}
