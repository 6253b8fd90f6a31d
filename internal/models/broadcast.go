package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionState is the broadcast session lifecycle state. Ended is terminal;
// a new session must be created to go live again.
type SessionState string

const (
	StateIdle  SessionState = "idle"
	StateReady SessionState = "ready"
	StateLive  SessionState = "live"
	StateEnded SessionState = "ended"
)

// Bootstrap is the broadcast metadata handed over by the CRUD service when a
// session is opened. The engine never creates or updates these records.
type Bootstrap struct {
	BroadcastID       uuid.UUID `json:"broadcast_id"`
	HostID            uuid.UUID `json:"host_id"`
	Title             string    `json:"title"`
	Quality           string    `json:"quality"`
	AllowGuests       bool      `json:"allow_guests"`
	ChatEnabled       bool      `json:"chat_enabled"`
	ModerationEnabled bool      `json:"moderation_enabled"`
	MaxListeners      int       `json:"max_listeners"`
}

// SessionSnapshot is the externally visible view of a live session.
type SessionSnapshot struct {
	BroadcastID   uuid.UUID    `json:"broadcast_id"`
	State         SessionState `json:"state"`
	HostID        uuid.UUID    `json:"host_id"`
	StartedAt     *time.Time   `json:"started_at,omitempty"`
	EndedAt       *time.Time   `json:"ended_at,omitempty"`
	Listeners     int          `json:"listeners"`
	PeakListeners int          `json:"peak_listeners"`
	ActiveSources int          `json:"active_sources"`
}

// ArchiveRecord is the finalized handoff emitted exactly once when a session
// ends. The engine retains nothing after the handoff.
type ArchiveRecord struct {
	ID                uuid.UUID          `json:"id"`
	BroadcastID       uuid.UUID          `json:"broadcast_id"`
	StartedAt         time.Time          `json:"started_at"`
	EndedAt           time.Time          `json:"ended_at"`
	PeakListeners     int                `json:"peak_listeners"`
	ChatMessages      []ChatMessage      `json:"chat_messages"`
	ModerationActions []ModerationAction `json:"moderation_actions"`
	TranscriptURL     string             `json:"transcript_url,omitempty"`
}
