// Package broadcasts exposes the engine's read surface over HTTP and the
// Postgres access for broadcast bootstrap metadata and session logs.
package broadcasts

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/errs"
)

// Repository reads broadcast metadata and records join/leave attendance.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a broadcasts repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetBootstrap loads the metadata a session is opened with. The engine never
// creates or updates broadcast rows.
func (r *Repository) GetBootstrap(ctx context.Context, broadcastID uuid.UUID) (*models.Bootstrap, error) {
	const q = `SELECT id, host_id, title, quality, allow_guests, chat_enabled, moderation_enabled, max_listeners
		FROM broadcasts WHERE id = $1`
	var b models.Bootstrap
	err := r.pool.QueryRow(ctx, q, broadcastID).Scan(&b.BroadcastID, &b.HostID, &b.Title, &b.Quality,
		&b.AllowGuests, &b.ChatEnabled, &b.ModerationEnabled, &b.MaxListeners)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFound("broadcast")
		}
		return nil, err
	}
	return &b, nil
}

// LogJoin records a join event in the attendance log.
func (r *Repository) LogJoin(ctx context.Context, broadcastID, userID uuid.UUID, role models.Role) error {
	const q = `INSERT INTO session_logs (id, broadcast_id, user_id, role, joined_at)
		VALUES (gen_random_uuid(), $1, $2, $3, NOW())`
	_, err := r.pool.Exec(ctx, q, broadcastID, userID, string(role))
	return err
}

// LogLeave closes the user's most recent open attendance row.
func (r *Repository) LogLeave(ctx context.Context, broadcastID, userID uuid.UUID, role models.Role) error {
	const q = `UPDATE session_logs SET left_at = NOW()
		WHERE id = (
			SELECT id FROM session_logs
			WHERE broadcast_id = $1 AND user_id = $2 AND role = $3 AND left_at IS NULL
			ORDER BY joined_at DESC LIMIT 1
		)`
	_, err := r.pool.Exec(ctx, q, broadcastID, userID, string(role))
	return err
}

// AttendanceEntry is one attendance row for dashboards.
type AttendanceEntry struct {
	UserID   uuid.UUID   `json:"user_id"`
	Role     models.Role `json:"role"`
	JoinedAt string      `json:"joined_at"`
	LeftAt   *string     `json:"left_at,omitempty"`
}

// Attendance returns the attendance log for a broadcast in join order.
func (r *Repository) Attendance(ctx context.Context, broadcastID uuid.UUID) ([]AttendanceEntry, error) {
	const q = `SELECT user_id, role, joined_at::text, left_at::text
		FROM session_logs WHERE broadcast_id = $1 ORDER BY joined_at`
	rows, err := r.pool.Query(ctx, q, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AttendanceEntry
	for rows.Next() {
		var e AttendanceEntry
		if err := rows.Scan(&e.UserID, &e.Role, &e.JoinedAt, &e.LeftAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
