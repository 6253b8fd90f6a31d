package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/onair-audio/backend/internal/chat"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/internal/moderation"
	"github.com/onair-audio/backend/pkg/errs"
)

// AttachSource attaches a producer's audio source to the mix. The publishing
// capability is required and the session must be ready or live.
func (s *Session) AttachSource(connectionID string, src models.AudioSource) (models.AudioSource, error) {
	var out models.AudioSource
	var err error
	if !s.do(func() { out, err = s.attachSource(connectionID, src) }) {
		return models.AudioSource{}, errs.InvalidState("session has ended")
	}
	return out, err
}

func (s *Session) attachSource(connectionID string, src models.AudioSource) (models.AudioSource, error) {
	conn, ok := s.registry.get(connectionID)
	if !ok {
		return models.AudioSource{}, errs.NotFound("connection")
	}
	if !conn.Role.Can(models.CapPublishAudio) {
		return models.AudioSource{}, errs.NotAuthorized("publishing capability required")
	}
	if st := s.State(); st != models.StateReady && st != models.StateLive {
		return models.AudioSource{}, errs.InvalidState("session is " + string(st))
	}
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	src.ConnectionID = connectionID
	if err := s.mixer.Attach(src); err != nil {
		return models.AudioSource{}, err
	}
	attached, _ := s.mixer.Get(src.ID)
	return attached, nil
}

// DetachSource removes a source. The owning connection or a connection with
// the start/stop capability may detach.
func (s *Session) DetachSource(connectionID string, sourceID uuid.UUID) error {
	var err error
	if !s.do(func() { err = s.withOwnedSource(connectionID, sourceID, s.mixer.Detach) }) {
		return errs.InvalidState("session has ended")
	}
	return err
}

// SetSourceGain updates a source's gain, effective on the next mix cycle.
func (s *Session) SetSourceGain(connectionID string, sourceID uuid.UUID, gain int) error {
	var err error
	if !s.do(func() {
		err = s.withOwnedSource(connectionID, sourceID, func(id uuid.UUID) error {
			return s.mixer.SetGain(id, gain)
		})
	}) {
		return errs.InvalidState("session has ended")
	}
	return err
}

// SetSourceMuted updates a source's mute flag, effective on the next mix
// cycle.
func (s *Session) SetSourceMuted(connectionID string, sourceID uuid.UUID, muted bool) error {
	var err error
	if !s.do(func() {
		err = s.withOwnedSource(connectionID, sourceID, func(id uuid.UUID) error {
			return s.mixer.SetMuted(id, muted)
		})
	}) {
		return errs.InvalidState("session has ended")
	}
	return err
}

func (s *Session) withOwnedSource(connectionID string, sourceID uuid.UUID, fn func(uuid.UUID) error) error {
	conn, ok := s.registry.get(connectionID)
	if !ok {
		return errs.NotFound("connection")
	}
	src, ok := s.mixer.Get(sourceID)
	if !ok {
		return errs.NotFound("source")
	}
	if src.ConnectionID != connectionID && !conn.Role.Can(models.CapStartStop) {
		return errs.NotAuthorized("source belongs to another connection")
	}
	return fn(sourceID)
}

// PushAudio queues one producer frame. This is the hot path: it bypasses the
// command loop and relies on the mixer's own lock, so frame ingest never
// queues behind chat or moderation work.
func (s *Session) PushAudio(connectionID string, sourceID uuid.UUID, seq uint64, payload []byte) error {
	if s.State() != models.StateLive {
		return errs.InvalidState("session is not live")
	}
	src, ok := s.mixer.Get(sourceID)
	if !ok {
		return errs.NotFound("source")
	}
	if src.ConnectionID != connectionID {
		return errs.NotAuthorized("source belongs to another connection")
	}
	return s.mixer.Push(sourceID, seq, payload)
}

// Sources returns the currently attached source set.
func (s *Session) Sources() []models.AudioSource { return s.mixer.Snapshot() }

// Listeners returns listener connections in join order.
func (s *Session) Listeners() []models.Connection {
	return s.registry.listByRole(models.RoleListener)
}

// PostChat appends a chat message. Privileged message types require the
// matching capability; everyone else posts as a user message.
func (s *Session) PostChat(connectionID string, content string, typ models.MessageType, replyTo *uuid.UUID) (*models.ChatMessage, error) {
	var msg *models.ChatMessage
	var err error
	if !s.do(func() { msg, err = s.postChat(connectionID, content, typ, replyTo) }) {
		return nil, errs.InvalidState("session has ended")
	}
	return msg, err
}

func (s *Session) postChat(connectionID string, content string, typ models.MessageType, replyTo *uuid.UUID) (*models.ChatMessage, error) {
	conn, ok := s.registry.get(connectionID)
	if !ok {
		return nil, errs.NotFound("connection")
	}
	if !conn.Role.Can(models.CapChat) {
		return nil, errs.NotAuthorized("chat capability required")
	}
	switch typ {
	case "", models.MessageUser:
		typ = models.MessageUser
	case models.MessageHost:
		if conn.Role != models.RoleHost {
			return nil, errs.NotAuthorized("host message type requires the host role")
		}
	case models.MessageModerator:
		if !conn.Role.Can(models.CapModerate) {
			return nil, errs.NotAuthorized("moderator message type requires the moderate capability")
		}
	case models.MessageSystem, models.MessageAnnouncement:
		if !conn.Role.Can(models.CapStartStop) && !conn.Role.Can(models.CapModerate) {
			return nil, errs.NotAuthorized("announcement requires host or moderator")
		}
	default:
		return nil, errs.InvalidParameter("unknown message type")
	}
	return s.chat.Post(conn, content, typ, replyTo)
}

// React applies a like toggle or emoji update to a message.
func (s *Session) React(connectionID string, messageID uuid.UUID, kind chat.ReactionKind, emoji string) (*models.ChatMessage, error) {
	var msg *models.ChatMessage
	var err error
	if !s.do(func() {
		conn, ok := s.registry.get(connectionID)
		if !ok {
			err = errs.NotFound("connection")
			return
		}
		if !conn.Role.Can(models.CapChat) {
			err = errs.NotAuthorized("chat capability required")
			return
		}
		msg, err = s.chat.React(conn.UserID, messageID, kind, emoji)
	}) {
		return nil, errs.InvalidState("session has ended")
	}
	return msg, err
}

// Moderate applies a moderation action on behalf of a connection. Mute state
// changes are mirrored onto the target's connections and the action is pushed
// to all clients.
func (s *Session) Moderate(connectionID string, target moderation.Target, action models.ActionType, reason string, duration *time.Duration) (*models.ModerationAction, error) {
	var rec *models.ModerationAction
	var err error
	if !s.do(func() { rec, err = s.moderate(connectionID, target, action, reason, duration) }) {
		return nil, errs.InvalidState("session has ended")
	}
	return rec, err
}

func (s *Session) moderate(connectionID string, target moderation.Target, action models.ActionType, reason string, duration *time.Duration) (*models.ModerationAction, error) {
	conn, ok := s.registry.get(connectionID)
	if !ok {
		return nil, errs.NotFound("connection")
	}
	rec, err := s.moderation.Apply(conn, target, action, reason, duration)
	if err != nil {
		return nil, err
	}
	switch action {
	case models.ActionMute, models.ActionTimeout:
		for _, c := range s.registry.byUser(target.UserID) {
			s.registry.setMuted(c.ID, true)
		}
	case models.ActionUnmute:
		for _, c := range s.registry.byUser(target.UserID) {
			s.registry.setMuted(c.ID, false)
		}
	}
	s.coord.sink.Broadcast(s.boot.BroadcastID, "moderation", rec)
	return rec, nil
}

// sourceDropped is the mixer's malformed/evicted callback; clients see the
// source leave the mix.
func (s *Session) sourceDropped(src models.AudioSource, reason string) {
	s.coord.sink.Broadcast(s.boot.BroadcastID, "source_dropped", map[string]interface{}{
		"source_id":     src.ID,
		"connection_id": src.ConnectionID,
		"reason":        reason,
	})
}
