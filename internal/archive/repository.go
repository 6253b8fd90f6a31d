// Package archive persists finalized session records and serves them after
// the session is gone from memory.
package archive

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onair-audio/backend/pkg/errs"
)

// Row is one persisted archive without the transcript body.
type Row struct {
	ID               uuid.UUID `json:"id"`
	BroadcastID      uuid.UUID `json:"broadcast_id"`
	StartedAt        time.Time `json:"started_at"`
	EndedAt          time.Time `json:"ended_at"`
	PeakListeners    int       `json:"peak_listeners"`
	ChatMessageCount int       `json:"chat_message_count"`
	ModerationCount  int       `json:"moderation_count"`
	TranscriptURL    string    `json:"transcript_url,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Repository handles broadcast_archives persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an archive repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores a finalized record with its transcript body.
func (r *Repository) Insert(ctx context.Context, id, broadcastID uuid.UUID, startedAt, endedAt time.Time, peakListeners, chatCount, moderationCount int, transcript []byte) error {
	const q = `INSERT INTO broadcast_archives
		(id, broadcast_id, started_at, ended_at, peak_listeners, chat_message_count, moderation_count, transcript)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, q, id, broadcastID, startedAt, endedAt, peakListeners, chatCount, moderationCount, transcript)
	return err
}

// Get returns one archive row.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*Row, error) {
	const q = `SELECT id, broadcast_id, started_at, ended_at, peak_listeners, chat_message_count, moderation_count, transcript_url, created_at
		FROM broadcast_archives WHERE id = $1`
	var row Row
	err := r.pool.QueryRow(ctx, q, id).Scan(&row.ID, &row.BroadcastID, &row.StartedAt, &row.EndedAt,
		&row.PeakListeners, &row.ChatMessageCount, &row.ModerationCount, &row.TranscriptURL, &row.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFound("archive")
		}
		return nil, err
	}
	return &row, nil
}

// ListByBroadcast returns archives for a broadcast, newest first.
func (r *Repository) ListByBroadcast(ctx context.Context, broadcastID uuid.UUID) ([]Row, error) {
	const q = `SELECT id, broadcast_id, started_at, ended_at, peak_listeners, chat_message_count, moderation_count, transcript_url, created_at
		FROM broadcast_archives WHERE broadcast_id = $1 ORDER BY ended_at DESC`
	rows, err := r.pool.Query(ctx, q, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.ID, &row.BroadcastID, &row.StartedAt, &row.EndedAt,
			&row.PeakListeners, &row.ChatMessageCount, &row.ModerationCount, &row.TranscriptURL, &row.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetTranscript returns the raw transcript JSON for upload.
func (r *Repository) GetTranscript(ctx context.Context, id uuid.UUID) ([]byte, error) {
	const q = `SELECT transcript FROM broadcast_archives WHERE id = $1`
	var body []byte
	if err := r.pool.QueryRow(ctx, q, id).Scan(&body); err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFound("archive")
		}
		return nil, err
	}
	return body, nil
}

// SetTranscriptURL records the uploaded object URL.
func (r *Repository) SetTranscriptURL(ctx context.Context, id uuid.UUID, url string) error {
	const q = `UPDATE broadcast_archives SET transcript_url = $1 WHERE id = $2`
	_, err := r.pool.Exec(ctx, q, url, id)
	return err
}
