package testutil

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/flitsinc/go-sessions/internal/state"
)

// OpenTestDB opens a migrated SQLite database in a temp directory and closes
// it when the test ends.
func OpenTestDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// OpenTestStore wraps OpenTestDB in a Store.
func OpenTestStore(t testing.TB) *state.Store {
	t.Helper()
	return state.NewStore(OpenTestDB(t))
}
