package models

import (
	"time"

	"github.com/google/uuid"
)

// Connection describes one live network connection in a session. Owned by
// the registry; the back-reference to the session never implies ownership.
type Connection struct {
	ID          string    `json:"id"`
	BroadcastID uuid.UUID `json:"broadcast_id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	Muted       bool      `json:"muted"`
	Online      bool      `json:"online"`
	JoinedAt    time.Time `json:"joined_at"`
	Device      string    `json:"device,omitempty"`
	Location    string    `json:"location,omitempty"`
}

// SourceType labels the producer behind an audio source.
type SourceType string

const (
	SourceHost    SourceType = "host"
	SourceGuest   SourceType = "guest"
	SourceCaller  SourceType = "caller"
	SourceMusic   SourceType = "music"
	SourceEffects SourceType = "effects"
)

// AudioSource describes one producer attached to a session's mixer.
type AudioSource struct {
	ID           uuid.UUID  `json:"id"`
	ConnectionID string     `json:"connection_id"`
	Type         SourceType `json:"type"`
	Gain         int        `json:"gain"` // 0-100
	Muted        bool       `json:"muted"`
	Priority     int        `json:"priority"` // higher wins when slots are contended
	Active       bool       `json:"active"`
	ActiveSince  time.Time  `json:"active_since"`
}
