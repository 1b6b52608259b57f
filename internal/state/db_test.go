package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMigrateRecordsVersionOnce(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "nested", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	require.Equal(t, schemaVersion, version)

	require.NoError(t, Migrate(context.Background(), db))

	var tables int
	require.NoError(t, db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('tasks', 'task_updates', 'steering_events')`,
	).Scan(&tables))
	require.Equal(t, 3, tables)
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open(MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewStore(db)
	got, err := store.ListTasks(context.Background(), "nobody")
	require.NoError(t, err)
	require.Empty(t, got)

	_, err = Open("")
	require.Error(t, err)
}
