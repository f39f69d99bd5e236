package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *TranscriptRepository {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "clide.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db.Transcripts()
}

func TestTranscriptRecordBuffersUntilFlush(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, "claude", "agent:1", "user", "explain this function"))
	require.NoError(t, repo.Record(ctx, "claude", "agent:1", "assistant", "it parses frames"))

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "records should stay buffered before flush")

	require.NoError(t, repo.Flush(ctx))

	n, err = repo.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestTranscriptFlushEmptyBufferIsNoop(t *testing.T) {
	repo := newTestRepo(t)
	require.NoError(t, repo.Flush(context.Background()))
}

func TestTranscriptAutoFlushAtThreshold(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < flushThreshold; i++ {
		require.NoError(t, repo.Record(ctx, "claude", "agent:1", "assistant", "chunk"))
	}

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.EqualValues(t, flushThreshold, n, "buffer should flush itself at the threshold")
}

func TestTranscriptListByRequestPreservesOrder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, "claude", "agent:7", "user", "first"))
	require.NoError(t, repo.Record(ctx, "claude", "agent:7", "assistant", "second"))
	require.NoError(t, repo.Record(ctx, "claude", "agent:8", "user", "other request"))
	require.NoError(t, repo.Flush(ctx))

	records, err := repo.ListByRequest(ctx, "agent:7")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "first", records[0].Content)
	require.Equal(t, "second", records[1].Content)
	require.False(t, records[0].CreatedAt.IsZero())
}

func TestTranscriptListByProfileNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, "claude", "agent:1", "user", "oldest"))
	require.NoError(t, repo.Record(ctx, "claude", "agent:2", "user", "newest"))
	require.NoError(t, repo.Record(ctx, "gpt", "agent:3", "user", "other profile"))
	require.NoError(t, repo.Flush(ctx))

	records, err := repo.ListByProfile(ctx, "claude", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "newest", records[0].Content)
	require.Equal(t, "oldest", records[1].Content)

	limited, err := repo.ListByProfile(ctx, "claude", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestTranscriptPurgeOlderThan(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, "claude", "agent:1", "user", "recent"))
	require.NoError(t, repo.Flush(ctx))

	removed, err := repo.PurgeOlderThan(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Zero(t, removed, "recent records survive the cutoff")

	removed, err = repo.PurgeOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}
