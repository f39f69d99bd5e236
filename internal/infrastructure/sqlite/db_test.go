package sqlite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewDBCreatesFileAndSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "clide.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	_, err = os.Stat(path)
	require.NoError(t, err, "database file should exist")

	var name string
	err = db.conn.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='transcripts'").Scan(&name)
	require.NoError(t, err)
	require.Equal(t, "transcripts", name)
}

func TestNewDBCreatesNestedDirectories(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "a", "b", "c", "clide.db")

	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	info, err := os.Stat(filepath.Join(base, "a", "b", "c"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewDBBacksUpExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clide.db")

	first, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewDB(path)
	require.NoError(t, err)
	defer func() { _ = second.Close() }()

	_, err = os.Stat(path + ".bak")
	require.NoError(t, err, "backup should exist after reopening")
}

func TestNewDBReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clide.db")

	for i := 0; i < 3; i++ {
		db, err := NewDB(path)
		require.NoError(t, err)
		require.NoError(t, db.Close())
	}
}
