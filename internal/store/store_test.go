package store

import (
	"path/filepath"
	"testing"

	"github.com/myconet/myconet/internal/db"
)

// newTestPool opens a temp-file SQLite pool, the way tests across the
// repo do.
func newTestPool(t *testing.T) *db.Pool {
	t.Helper()

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}
