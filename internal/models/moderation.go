package models

import (
	"time"

	"github.com/google/uuid"
)

// ActionType is the kind of moderation action applied to a user or message.
type ActionType string

const (
	ActionMute        ActionType = "mute"
	ActionUnmute      ActionType = "unmute"
	ActionBan         ActionType = "ban"
	ActionUnban       ActionType = "unban"
	ActionTimeout     ActionType = "timeout"
	ActionHide        ActionType = "hide"
	ActionDelete      ActionType = "delete"
	ActionPin         ActionType = "pin"
	ActionUnpin       ActionType = "unpin"
	ActionHighlight   ActionType = "highlight"
	ActionUnhighlight ActionType = "unhighlight"
)

// TargetsUser reports whether the action targets a user (vs a message).
func (a ActionType) TargetsUser() bool {
	switch a {
	case ActionMute, ActionUnmute, ActionBan, ActionUnban, ActionTimeout:
		return true
	}
	return false
}

// ModerationAction is one entry in a session's append-only moderation trail.
type ModerationAction struct {
	ID          uuid.UUID      `json:"id"`
	BroadcastID uuid.UUID      `json:"broadcast_id"`
	TargetUser  uuid.UUID      `json:"target_user,omitempty"`
	TargetMsg   *uuid.UUID     `json:"target_msg,omitempty"`
	ModeratorID uuid.UUID      `json:"moderator_id"`
	Action      ActionType     `json:"action"`
	Reason      string         `json:"reason,omitempty"`
	Duration    *time.Duration `json:"duration,omitempty"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}
