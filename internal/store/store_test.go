package store

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
)

// newTestDB opens a fresh state database in a temp directory.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "state.db"), testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { db.Close() })

	return db
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
