package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/zjrosen/clide/internal/dispatch"
	"github.com/zjrosen/clide/internal/log"
)

const transcriptColumns = "id, profile_id, request_id, role, content, created_at"

// flushThreshold triggers an automatic flush once that many records are
// buffered, so a long session never holds an unbounded buffer.
const flushThreshold = 32

var _ dispatch.TranscriptWriter = (*TranscriptRepository)(nil)

// TranscriptRepository buffers conversation records and writes them to
// SQLite in batches. Record is cheap; Flush commits the buffer in one
// transaction.
type TranscriptRepository struct {
	db *sql.DB

	mu     sync.Mutex
	buffer []TranscriptModel
}

func newTranscriptRepository(db *sql.DB) *TranscriptRepository {
	return &TranscriptRepository{db: db}
}

// Record buffers one transcript entry. The buffer is committed when it
// reaches flushThreshold or when Flush is called.
func (r *TranscriptRepository) Record(ctx context.Context, profileID, requestID, role, content string) error {
	r.mu.Lock()
	r.buffer = append(r.buffer, TranscriptModel{
		ProfileID: profileID,
		RequestID: requestID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().Unix(),
	})
	full := len(r.buffer) >= flushThreshold
	r.mu.Unlock()

	if full {
		return r.Flush(ctx)
	}
	return nil
}

// Flush writes all buffered records in a single transaction. On error the
// buffer is retained so a later flush can retry.
func (r *TranscriptRepository) Flush(ctx context.Context) error {
	r.mu.Lock()
	pending := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		r.restore(pending)
		return fmt.Errorf("beginning transcript transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO transcripts (profile_id, request_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		r.restore(pending)
		return fmt.Errorf("preparing transcript insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range pending {
		if _, err := stmt.ExecContext(ctx, m.ProfileID, m.RequestID, m.Role, m.Content, m.CreatedAt); err != nil {
			_ = tx.Rollback()
			r.restore(pending)
			return fmt.Errorf("inserting transcript: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		r.restore(pending)
		return fmt.Errorf("committing transcripts: %w", err)
	}

	log.Debug(log.CatDB, "flushed transcripts", "count", len(pending))
	return nil
}

// restore puts failed records back at the front of the buffer.
func (r *TranscriptRepository) restore(pending []TranscriptModel) {
	r.mu.Lock()
	r.buffer = append(pending, r.buffer...)
	r.mu.Unlock()
}

// ListByProfile returns up to limit records for one profile, newest first.
func (r *TranscriptRepository) ListByProfile(ctx context.Context, profileID string, limit int) ([]TranscriptRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+transcriptColumns+" FROM transcripts WHERE profile_id = ? ORDER BY id DESC LIMIT ?",
		profileID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts by profile: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTranscripts(rows)
}

// ListByRequest returns every record for one request in insertion order.
func (r *TranscriptRepository) ListByRequest(ctx context.Context, requestID string) ([]TranscriptRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+transcriptColumns+" FROM transcripts WHERE request_id = ? ORDER BY id",
		requestID)
	if err != nil {
		return nil, fmt.Errorf("querying transcripts by request: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTranscripts(rows)
}

// Count returns the number of persisted records.
func (r *TranscriptRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM transcripts").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting transcripts: %w", err)
	}
	return n, nil
}

// PurgeOlderThan deletes records created before cutoff and returns how
// many rows were removed.
func (r *TranscriptRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM transcripts WHERE created_at < ?", cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purging transcripts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading purge count: %w", err)
	}
	return n, nil
}

func collectTranscripts(rows *sql.Rows) ([]TranscriptRecord, error) {
	var out []TranscriptRecord
	for rows.Next() {
		m, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m.toRecord())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transcripts: %w", err)
	}
	return out, nil
}

func scanTranscript(row interface{ Scan(...any) error }) (TranscriptModel, error) {
	var m TranscriptModel
	err := row.Scan(&m.ID, &m.ProfileID, &m.RequestID, &m.Role, &m.Content, &m.CreatedAt)
	if err != nil {
		return TranscriptModel{}, fmt.Errorf("scanning transcript: %w", err)
	}
	return m, nil
}
