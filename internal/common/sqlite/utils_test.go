package sqlite

import (
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenCreatesDatabaseWithPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "app.db")

	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)
}

func TestEnsureColumn(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec("CREATE TABLE items (id TEXT PRIMARY KEY)")
	require.NoError(t, err)

	exists, err := ColumnExists(db, "items", "label")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, EnsureColumn(db, "items", "label", "TEXT NOT NULL DEFAULT ''"))
	exists, err = ColumnExists(db, "items", "label")
	require.NoError(t, err)
	assert.True(t, exists)

	// Re-running the migration is a no-op.
	require.NoError(t, EnsureColumn(db, "items", "label", "TEXT NOT NULL DEFAULT ''"))

	_, err = db.Exec("INSERT INTO items (id, label) VALUES ('a', 'x')")
	require.NoError(t, err)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, ":memory:", NormalizePath(":memory:"))
	assert.Equal(t, "", NormalizePath(""))
	assert.True(t, filepath.IsAbs(NormalizePath("relative/app.db")))
}

func TestBoolToInt(t *testing.T) {
	assert.Equal(t, 1, BoolToInt(true))
	assert.Equal(t, 0, BoolToInt(false))
}
