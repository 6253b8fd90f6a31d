// Package moderation applies mute/ban/timeout and message actions against a
// session, keeping an append-only trail for audit.
package moderation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onair-audio/backend/internal/metrics"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/errs"
)

// MessageStore is the slice of the chat log the engine mutates.
type MessageStore interface {
	SetModerationState(messageID uuid.UUID, state models.ModerationState, reason string) (*models.ChatMessage, error)
	SetPinned(messageID uuid.UUID, pinned bool) (*models.ChatMessage, error)
	SetHighlighted(messageID uuid.UUID, highlighted bool) (*models.ChatMessage, error)
}

// Evictor force-disconnects all of a user's connections. Called when a ban is
// applied; a mute only blocks chat, not listening.
type Evictor func(userID uuid.UUID, reason string)

// Target identifies what a moderation action applies to.
type Target struct {
	UserID    uuid.UUID
	MessageID *uuid.UUID
}

type userState struct {
	muted      bool
	mutedUntil *time.Time // set for timeouts; nil means indefinite when muted
	banned     bool
}

// Engine is a session's moderation state machine. User restrictions are
// enforced lazily: a timeout is considered expired the next time the target's
// permission is checked, never later than their next action.
type Engine struct {
	broadcastID uuid.UUID
	enabled     bool

	mu      sync.Mutex
	actions []models.ModerationAction
	users   map[uuid.UUID]*userState

	msgs  MessageStore
	evict Evictor
	log   *zap.Logger
	mc    *metrics.Collector
}

// NewEngine creates a moderation engine for one session.
func NewEngine(broadcastID uuid.UUID, enabled bool, msgs MessageStore, evict Evictor, log *zap.Logger, mc *metrics.Collector) *Engine {
	return &Engine{
		broadcastID: broadcastID,
		enabled:     enabled,
		users:       make(map[uuid.UUID]*userState),
		msgs:        msgs,
		evict:       evict,
		log:         log.With(zap.String("broadcast_id", broadcastID.String())),
		mc:          mc,
	}
}

// SetMessageStore attaches the chat log. The engine and the log reference
// each other, so whichever is built second is wired here.
func (e *Engine) SetMessageStore(msgs MessageStore) {
	e.mu.Lock()
	e.msgs = msgs
	e.mu.Unlock()
}

// Apply validates the moderator's capability, records the action in the
// append-only trail, and synchronously updates the affected user or message
// state. Rejected actions leave no trace in the trail.
func (e *Engine) Apply(moderator *models.Connection, target Target, action models.ActionType, reason string, duration *time.Duration) (*models.ModerationAction, error) {
	if !moderator.Role.Can(models.CapModerate) {
		return nil, errs.NotAuthorized("moderator capability required")
	}
	if !e.enabled {
		return nil, errs.Forbidden("moderation is disabled for this session")
	}

	now := time.Now()
	rec := models.ModerationAction{
		ID:          uuid.New(),
		BroadcastID: e.broadcastID,
		ModeratorID: moderator.UserID,
		Action:      action,
		Reason:      reason,
		Duration:    duration,
		Active:      true,
		CreatedAt:   now,
	}

	if action.TargetsUser() {
		if target.UserID == uuid.Nil {
			return nil, errs.InvalidParameter("target user required")
		}
		rec.TargetUser = target.UserID
		if err := e.applyUserAction(&rec, target.UserID, action, now, duration); err != nil {
			return nil, err
		}
	} else {
		if target.MessageID == nil {
			return nil, errs.InvalidParameter("target message required")
		}
		rec.TargetMsg = target.MessageID
		if err := e.applyMessageAction(*target.MessageID, action, reason); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	e.actions = append(e.actions, rec)
	e.mu.Unlock()

	e.log.Info("moderation action applied",
		zap.String("action", string(action)),
		zap.String("moderator_id", moderator.UserID.String()),
		zap.String("target_user", rec.TargetUser.String()),
		zap.String("reason", reason))
	if e.mc != nil {
		e.mc.ModerationAction(string(action))
	}
	return &rec, nil
}

func (e *Engine) applyUserAction(rec *models.ModerationAction, userID uuid.UUID, action models.ActionType, now time.Time, duration *time.Duration) error {
	e.mu.Lock()
	st, ok := e.users[userID]
	if !ok {
		st = &userState{}
		e.users[userID] = st
	}
	switch action {
	case models.ActionMute:
		st.muted = true
		st.mutedUntil = nil
	case models.ActionTimeout:
		if duration == nil || *duration <= 0 {
			e.mu.Unlock()
			return errs.InvalidParameter("timeout requires a positive duration")
		}
		until := now.Add(*duration)
		st.muted = true
		st.mutedUntil = &until
		rec.ExpiresAt = &until
	case models.ActionUnmute:
		st.muted = false
		st.mutedUntil = nil
	case models.ActionBan:
		st.banned = true
	case models.ActionUnban:
		st.banned = false
	default:
		e.mu.Unlock()
		return errs.InvalidParameter(fmt.Sprintf("unknown user action %q", action))
	}
	banned := st.banned && action == models.ActionBan
	e.mu.Unlock()

	if banned && e.evict != nil {
		e.evict(userID, rec.Reason)
	}
	return nil
}

func (e *Engine) applyMessageAction(messageID uuid.UUID, action models.ActionType, reason string) error {
	if e.msgs == nil {
		return errs.Internal("no message store attached", nil)
	}
	var err error
	switch action {
	case models.ActionHide:
		_, err = e.msgs.SetModerationState(messageID, models.ModerationHidden, reason)
	case models.ActionDelete:
		_, err = e.msgs.SetModerationState(messageID, models.ModerationDeleted, reason)
	case models.ActionPin:
		_, err = e.msgs.SetPinned(messageID, true)
	case models.ActionUnpin:
		_, err = e.msgs.SetPinned(messageID, false)
	case models.ActionHighlight:
		_, err = e.msgs.SetHighlighted(messageID, true)
	case models.ActionUnhighlight:
		_, err = e.msgs.SetHighlighted(messageID, false)
	default:
		return errs.InvalidParameter(fmt.Sprintf("unknown message action %q", action))
	}
	return err
}

// CanChat reports whether the user may post right now. Expired timeouts are
// cleared here (lazy expiry).
func (e *Engine) CanChat(userID uuid.UUID, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.users[userID]
	if !ok {
		return nil
	}
	if st.banned {
		return errs.Forbidden("user is banned")
	}
	if st.muted {
		if st.mutedUntil != nil && !at.Before(*st.mutedUntil) {
			st.muted = false
			st.mutedUntil = nil
			return nil
		}
		return errs.Forbidden("user is muted")
	}
	return nil
}

// IsBanned reports whether the user is banned from the session. Checked on
// every join attempt for the remainder of the session.
func (e *Engine) IsBanned(userID uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.users[userID]
	return ok && st.banned
}

// Actions returns a copy of the append-only trail.
func (e *Engine) Actions() []models.ModerationAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.ModerationAction, len(e.actions))
	copy(out, e.actions)
	return out
}
