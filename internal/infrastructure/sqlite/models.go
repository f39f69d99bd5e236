package sqlite

import "time"

// TranscriptModel mirrors a row of the transcripts table. Timestamps are
// stored as Unix seconds.
type TranscriptModel struct {
	ID        int64
	ProfileID string
	RequestID string
	Role      string
	Content   string
	CreatedAt int64
}

// TranscriptRecord is the domain view of a transcript entry.
type TranscriptRecord struct {
	ID        int64
	ProfileID string
	RequestID string
	Role      string
	Content   string
	CreatedAt time.Time
}

func (m TranscriptModel) toRecord() TranscriptRecord {
	return TranscriptRecord{
		ID:        m.ID,
		ProfileID: m.ProfileID,
		RequestID: m.RequestID,
		Role:      m.Role,
		Content:   m.Content,
		CreatedAt: time.Unix(m.CreatedAt, 0).UTC(),
	}
}
