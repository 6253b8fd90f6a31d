// Package chat holds the per-session message log, reaction counters and
// retention rules.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/onair-audio/backend/internal/metrics"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/errs"
)

// ReactionKind selects the reaction operation.
type ReactionKind string

const (
	ReactLike        ReactionKind = "like"
	ReactEmoji       ReactionKind = "emoji"
	ReactEmojiRemove ReactionKind = "emoji_remove"
)

// PermissionChecker reports whether a user may chat right now. Implemented by
// the moderation engine; lazy expiry of timeouts happens inside this check.
type PermissionChecker interface {
	CanChat(userID uuid.UUID, at time.Time) error
}

// Fanout delivers an accepted message or reaction to all session connections.
// Post and React are serialized by the session command loop, so fan-out order
// matches accept order.
type Fanout func(event string, payload interface{})

// Log is a session's append-only chat log. Hidden and deleted messages stay
// addressable by ID for audit but are excluded from default listing.
type Log struct {
	broadcastID uuid.UUID
	enabled     bool

	mu       sync.Mutex
	messages []*models.ChatMessage
	byID     map[uuid.UUID]*models.ChatMessage
	likes    map[uuid.UUID]map[uuid.UUID]struct{} // message -> users who liked
	limiters map[string]*rate.Limiter             // per connection

	ratePerSec float64
	burst      int

	perm   PermissionChecker
	fanout Fanout
	log    *zap.Logger
	mc     *metrics.Collector
}

// NewLog creates a chat log for one session.
func NewLog(broadcastID uuid.UUID, enabled bool, ratePerSec float64, burst int, perm PermissionChecker, fanout Fanout, log *zap.Logger, mc *metrics.Collector) *Log {
	return &Log{
		broadcastID: broadcastID,
		enabled:     enabled,
		byID:        make(map[uuid.UUID]*models.ChatMessage),
		likes:       make(map[uuid.UUID]map[uuid.UUID]struct{}),
		limiters:    make(map[string]*rate.Limiter),
		ratePerSec:  ratePerSec,
		burst:       burst,
		perm:        perm,
		fanout:      fanout,
		log:         log.With(zap.String("broadcast_id", broadcastID.String())),
		mc:          mc,
	}
}

func (l *Log) limiter(connectionID string) *rate.Limiter {
	lim, ok := l.limiters[connectionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.ratePerSec), l.burst)
		l.limiters[connectionID] = lim
	}
	return lim
}

// Post validates and appends a message, then fans it out. Muted or banned
// authors and disabled chat are rejected with Forbidden and the rejection is
// logged for moderation visibility.
func (l *Log) Post(conn *models.Connection, content string, typ models.MessageType, replyTo *uuid.UUID) (*models.ChatMessage, error) {
	if !l.enabled {
		return nil, errs.Forbidden("chat is disabled for this session")
	}
	if content == "" {
		return nil, errs.InvalidParameter("empty message")
	}
	now := time.Now()
	if l.perm != nil {
		if err := l.perm.CanChat(conn.UserID, now); err != nil {
			l.log.Info("chat message rejected",
				zap.String("user_id", conn.UserID.String()),
				zap.String("reason", err.Error()))
			return nil, err
		}
	}

	l.mu.Lock()
	if !l.limiter(conn.ID).Allow() {
		l.mu.Unlock()
		return nil, errs.Forbidden("message rate limit exceeded")
	}
	if replyTo != nil {
		if _, ok := l.byID[*replyTo]; !ok {
			l.mu.Unlock()
			return nil, errs.NotFound("reply-to message")
		}
	}
	msg := &models.ChatMessage{
		ID:              uuid.New(),
		BroadcastID:     l.broadcastID,
		ConnectionID:    conn.ID,
		UserID:          conn.UserID,
		Content:         content,
		Type:            typ,
		ReplyTo:         replyTo,
		Reactions:       make(map[string]int),
		ModerationState: models.ModerationNone,
		CreatedAt:       now,
	}
	l.messages = append(l.messages, msg)
	l.byID[msg.ID] = msg
	out := *msg
	l.mu.Unlock()

	if l.mc != nil {
		l.mc.ChatMessage()
	}
	if l.fanout != nil {
		l.fanout("chat_message", out)
	}
	return &out, nil
}

// React applies a like toggle or an emoji counter update. Likes are
// idempotent per user: a second like removes the first. Emoji counters never
// go below zero.
func (l *Log) React(userID uuid.UUID, messageID uuid.UUID, kind ReactionKind, emoji string) (*models.ChatMessage, error) {
	l.mu.Lock()
	msg, ok := l.byID[messageID]
	if !ok {
		l.mu.Unlock()
		return nil, errs.NotFound("message")
	}
	switch kind {
	case ReactLike:
		set, ok := l.likes[messageID]
		if !ok {
			set = make(map[uuid.UUID]struct{})
			l.likes[messageID] = set
		}
		if _, liked := set[userID]; liked {
			delete(set, userID)
		} else {
			set[userID] = struct{}{}
		}
		msg.Likes = len(set)
	case ReactEmoji:
		if emoji == "" {
			l.mu.Unlock()
			return nil, errs.InvalidParameter("emoji required")
		}
		msg.Reactions[emoji]++
	case ReactEmojiRemove:
		if emoji == "" {
			l.mu.Unlock()
			return nil, errs.InvalidParameter("emoji required")
		}
		if msg.Reactions[emoji] > 0 {
			msg.Reactions[emoji]--
		}
	default:
		l.mu.Unlock()
		return nil, errs.InvalidParameter("unknown reaction kind")
	}
	out := copyMessage(msg)
	l.mu.Unlock()

	if l.fanout != nil {
		l.fanout("chat_reaction", out)
	}
	return &out, nil
}

// Get returns a message by ID regardless of moderation state (audit path).
func (l *Log) Get(messageID uuid.UUID) (*models.ChatMessage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	msg, ok := l.byID[messageID]
	if !ok {
		return nil, errs.NotFound("message")
	}
	out := copyMessage(msg)
	return &out, nil
}

// List returns messages in accept order, excluding hidden and deleted ones.
func (l *Log) List() []models.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ChatMessage, 0, len(l.messages))
	for _, m := range l.messages {
		if m.ModerationState != models.ModerationNone {
			continue
		}
		out = append(out, copyMessage(m))
	}
	return out
}

// SetModerationState updates a message's moderation state and reason.
func (l *Log) SetModerationState(messageID uuid.UUID, state models.ModerationState, reason string) (*models.ChatMessage, error) {
	l.mu.Lock()
	msg, ok := l.byID[messageID]
	if !ok {
		l.mu.Unlock()
		return nil, errs.NotFound("message")
	}
	msg.ModerationState = state
	msg.ModerationReason = reason
	out := copyMessage(msg)
	l.mu.Unlock()
	return &out, nil
}

// SetPinned updates a message's pinned flag.
func (l *Log) SetPinned(messageID uuid.UUID, pinned bool) (*models.ChatMessage, error) {
	l.mu.Lock()
	msg, ok := l.byID[messageID]
	if !ok {
		l.mu.Unlock()
		return nil, errs.NotFound("message")
	}
	msg.Pinned = pinned
	out := copyMessage(msg)
	l.mu.Unlock()
	return &out, nil
}

// SetHighlighted updates a message's highlighted flag.
func (l *Log) SetHighlighted(messageID uuid.UUID, highlighted bool) (*models.ChatMessage, error) {
	l.mu.Lock()
	msg, ok := l.byID[messageID]
	if !ok {
		l.mu.Unlock()
		return nil, errs.NotFound("message")
	}
	msg.Highlighted = highlighted
	out := copyMessage(msg)
	l.mu.Unlock()
	return &out, nil
}

// ActivitySince returns per-user message counts and last-message times over
// the trailing window, for moderation dashboards.
func (l *Log) ActivitySince(cutoff time.Time) map[uuid.UUID]UserActivity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[uuid.UUID]UserActivity)
	for _, m := range l.messages {
		if m.CreatedAt.Before(cutoff) {
			continue
		}
		a := out[m.UserID]
		a.Messages++
		if m.CreatedAt.After(a.LastMessage) {
			a.LastMessage = m.CreatedAt
		}
		out[m.UserID] = a
	}
	return out
}

// UserActivity aggregates one user's chat activity over a trailing window.
type UserActivity struct {
	Messages    int       `json:"messages"`
	LastMessage time.Time `json:"last_message"`
}

// Flush returns the full log (deleted messages excluded, hidden kept for
// audit) for the persistence handoff. The log is not cleared; the session is
// torn down right after.
func (l *Log) Flush() []models.ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.ChatMessage, 0, len(l.messages))
	for _, m := range l.messages {
		if m.ModerationState == models.ModerationDeleted {
			continue
		}
		out = append(out, copyMessage(m))
	}
	return out
}

// Len returns the number of accepted messages, including moderated ones.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func copyMessage(m *models.ChatMessage) models.ChatMessage {
	out := *m
	out.Reactions = make(map[string]int, len(m.Reactions))
	for k, v := range m.Reactions {
		out.Reactions[k] = v
	}
	return out
}
