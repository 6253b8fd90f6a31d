package models

import (
	"time"

	"github.com/google/uuid"
)

// MessageType distinguishes who or what produced a chat message.
type MessageType string

const (
	MessageUser         MessageType = "user"
	MessageHost         MessageType = "host"
	MessageModerator    MessageType = "moderator"
	MessageSystem       MessageType = "system"
	MessageAnnouncement MessageType = "announcement"
)

// ModerationState tracks soft-delete state of a message. Hidden messages stay
// addressable for audit; only deleted ones may be purged.
type ModerationState string

const (
	ModerationNone    ModerationState = "none"
	ModerationHidden  ModerationState = "hidden"
	ModerationDeleted ModerationState = "deleted"
)

// ChatMessage is one entry in a session's append-only chat log.
type ChatMessage struct {
	ID               uuid.UUID       `json:"id"`
	BroadcastID      uuid.UUID       `json:"broadcast_id"`
	ConnectionID     string          `json:"connection_id"`
	UserID           uuid.UUID       `json:"user_id"`
	Content          string          `json:"content"`
	Type             MessageType     `json:"type"`
	ReplyTo          *uuid.UUID      `json:"reply_to,omitempty"`
	Likes            int             `json:"likes"`
	Reactions        map[string]int  `json:"reactions,omitempty"` // emoji -> count
	ModerationState  ModerationState `json:"moderation_state"`
	ModerationReason string          `json:"moderation_reason,omitempty"`
	Pinned           bool            `json:"pinned"`
	Highlighted      bool            `json:"highlighted"`
	CreatedAt        time.Time       `json:"created_at"`
}
