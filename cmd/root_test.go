package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/clide/internal/config"
	"github.com/zjrosen/clide/internal/infrastructure/sqlite"
)

// TestMissingTranscriptDB verifies the transcripts subcommand's guard:
// without a database file there is nothing to open.
func TestMissingTranscriptDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), ".clide", "transcript.db")

	_, err := os.Stat(dbPath)
	require.True(t, os.IsNotExist(err), "expected transcript db to not exist")
}

// TestTranscriptDBRoundTrip verifies the path runApp takes when opening
// the per-workspace transcript database.
func TestTranscriptDBRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), ".clide", "transcript.db")

	db, err := sqlite.NewDB(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = os.Stat(dbPath)
	require.NoError(t, err, "expected transcript db to be created")
}

func TestWriteDefaultConfigIsLoadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".clide", "config.yaml")

	require.NoError(t, config.WriteDefaultConfig(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, config.Defaults().Validate())
}
