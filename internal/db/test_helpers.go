package db

import (
	"path/filepath"
	"testing"
)

// newTestDB opens a fresh sqlite database in a per-test temp directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	database, err := NewDB(path)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() {
		if err := database.Close(); err != nil {
			t.Errorf("failed to close test db: %v", err)
		}
	})
	return database
}
