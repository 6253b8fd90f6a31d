package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onair-audio/backend/internal/chat"
	"github.com/onair-audio/backend/internal/mixer"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/internal/moderation"
	"github.com/onair-audio/backend/internal/presence"
	"github.com/onair-audio/backend/pkg/errs"
)

const (
	// archiveTimeout bounds the persistence handoff after a session ends.
	archiveTimeout = 30 * time.Second
	// deadAirCheckInterval is how often the dead-air watcher samples the
	// mixer while the session is live.
	deadAirCheckInterval = time.Second
)

// StatePayload is pushed on every lifecycle transition.
type StatePayload struct {
	BroadcastID uuid.UUID           `json:"broadcast_id"`
	State       models.SessionState `json:"state"`
	Reason      string              `json:"reason,omitempty"`
	At          time.Time           `json:"at"`
}

// Session is one broadcast session. Every mutation goes through the command
// loop, so a host-stop racing a moderation ban can never interleave.
type Session struct {
	coord *Coordinator
	boot  models.Bootstrap
	log   *zap.Logger

	mu        sync.RWMutex
	state     models.SessionState
	startedAt *time.Time
	endedAt   *time.Time
	peak      int

	registry   *Registry
	mixer      *mixer.Mixer
	chat       *chat.Log
	moderation *moderation.Engine
	presence   *presence.Broadcaster

	cmds      chan func()
	closed    chan struct{}
	cancel    context.CancelFunc
	hostGrace *time.Timer
}

func newSession(coord *Coordinator, boot models.Bootstrap) *Session {
	log := coord.log.With(zap.String("broadcast_id", boot.BroadcastID.String()))
	s := &Session{
		coord:    coord,
		boot:     boot,
		log:      log,
		state:    models.StateIdle,
		registry: newRegistry(boot.BroadcastID, boot.MaxListeners),
		cmds:     make(chan func()),
		closed:   make(chan struct{}),
	}
	s.mixer = mixer.New(boot.BroadcastID, coord.cfg, func(f mixer.Frame) {
		coord.sink.SendFrame(boot.BroadcastID, f.Seq, f.Payload)
	}, log, coord.mc)
	s.mixer.SetSourceDroppedHandler(s.sourceDropped)
	s.moderation = moderation.NewEngine(boot.BroadcastID, boot.ModerationEnabled, nil, s.evictUser, log, coord.mc)
	s.chat = chat.NewLog(boot.BroadcastID, boot.ChatEnabled,
		coord.cfg.ChatRatePerSec, coord.cfg.ChatBurst,
		s.moderation, func(event string, payload interface{}) {
			// Chat goes through the cross-instance channel only, so every
			// instance (this one included) delivers exactly once.
			coord.sink.Publish(boot.BroadcastID, event, payload)
		}, log, coord.mc)
	s.moderation.SetMessageStore(s.chat)
	s.presence = presence.New(boot.BroadcastID, coord.cfg.PresenceInterval, s,
		func(event string, payload interface{}) {
			coord.sink.Broadcast(boot.BroadcastID, event, payload)
		}, log)
	return s
}

// start launches the command loop and presence broadcaster.
func (s *Session) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.presence.Run(ctx)
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.closed)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-s.cmds:
			fn()
		}
	}
}

// do runs fn on the command loop and waits for it. Returns false when the
// session has already ended.
func (s *Session) do(fn func()) bool {
	done := make(chan struct{})
	select {
	case <-s.closed:
		return false
	case s.cmds <- func() { defer close(done); fn() }:
	}
	select {
	case <-done:
		return true
	case <-s.closed:
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
}

// State returns the current lifecycle state.
func (s *Session) State() models.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state models.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// BroadcastID returns the session's broadcast identifier.
func (s *Session) BroadcastID() uuid.UUID { return s.boot.BroadcastID }

// Bootstrap returns the metadata the session was opened with.
func (s *Session) Bootstrap() models.Bootstrap { return s.boot }

// Join registers a connection. Banned users are rejected for the remainder
// of the session; a reconnecting host cancels the disconnect grace timer.
func (s *Session) Join(conn *models.Connection) error {
	var err error
	if !s.do(func() { err = s.join(conn) }) {
		return errs.InvalidState("session has ended")
	}
	return err
}

func (s *Session) join(conn *models.Connection) error {
	if s.State() == models.StateEnded {
		return errs.InvalidState("session has ended")
	}
	if !conn.Role.Valid() {
		return errs.InvalidParameter("unknown role")
	}
	if s.moderation.IsBanned(conn.UserID) {
		return errs.Forbidden("user is banned from this session")
	}
	switch conn.Role {
	case models.RoleHost:
		if conn.UserID != s.boot.HostID {
			return errs.NotAuthorized("only the declared host may connect as host")
		}
	case models.RoleGuest, models.RoleCaller:
		if !s.boot.AllowGuests {
			return errs.Forbidden("guests are not allowed in this session")
		}
	}
	if err := s.registry.register(conn); err != nil {
		return err
	}

	if conn.Role == models.RoleHost {
		if s.hostGrace != nil {
			s.hostGrace.Stop()
			s.hostGrace = nil
			s.log.Info("host reconnected within grace window",
				zap.String("connection_id", conn.ID))
		}
		if s.State() == models.StateIdle {
			s.setState(models.StateReady)
			s.broadcastState("host attached")
		}
	}
	if conn.Role == models.RoleListener {
		s.mu.Lock()
		if lc := s.registry.listenerCount(); lc > s.peak {
			s.peak = lc
		}
		s.mu.Unlock()
		if s.coord.mc != nil {
			s.coord.mc.ListenerJoin()
		}
	}
	if sl := s.coord.sessionLogger(); sl != nil {
		go func() {
			_ = sl.LogJoin(context.Background(), s.boot.BroadcastID, conn.UserID, conn.Role)
		}()
	}
	s.coord.sink.Broadcast(s.boot.BroadcastID, "presence_update", s.presence.Snapshot())
	s.log.Info("connection joined",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", conn.UserID.String()),
		zap.String("role", string(conn.Role)))
	return nil
}

// Leave removes a connection and its mixer sources. A host drop during a
// live session arms the grace timer instead of ending immediately, so a
// transient network drop can recover.
func (s *Session) Leave(connectionID string) {
	s.do(func() { s.leave(connectionID) })
}

func (s *Session) leave(connectionID string) {
	conn := s.registry.unregister(connectionID)
	if conn == nil {
		return
	}
	s.mixer.DetachByConnection(connectionID)
	if conn.Role == models.RoleListener && s.coord.mc != nil {
		s.coord.mc.ListenerLeave()
	}
	if sl := s.coord.sessionLogger(); sl != nil {
		go func() {
			_ = sl.LogLeave(context.Background(), s.boot.BroadcastID, conn.UserID, conn.Role)
		}()
	}
	if conn.Role == models.RoleHost {
		switch s.State() {
		case models.StateLive:
			s.armHostGrace()
		case models.StateReady:
			s.setState(models.StateIdle)
			s.broadcastState("host detached")
		}
	}
	s.coord.sink.Broadcast(s.boot.BroadcastID, "presence_update", s.presence.Snapshot())
	s.log.Info("connection left",
		zap.String("connection_id", connectionID),
		zap.String("role", string(conn.Role)))
}

func (s *Session) armHostGrace() {
	if s.hostGrace != nil {
		s.hostGrace.Stop()
	}
	grace := s.coord.cfg.HostGrace
	s.log.Warn("host disconnected, grace window armed", zap.Duration("grace", grace))
	s.hostGrace = time.AfterFunc(grace, func() {
		s.do(func() {
			if s.State() != models.StateLive {
				return
			}
			if _, ok := s.registry.host(); ok {
				return
			}
			s.end("host disconnect grace expired")
		})
	})
}

// Start transitions Ready -> Live. Only the declared host may start.
func (s *Session) Start(connectionID string) error {
	var err error
	if !s.do(func() { err = s.startBroadcast(connectionID) }) {
		return errs.InvalidState("session has ended")
	}
	return err
}

func (s *Session) startBroadcast(connectionID string) error {
	conn, ok := s.registry.get(connectionID)
	if !ok {
		return errs.NotFound("connection")
	}
	if !conn.Role.Can(models.CapStartStop) || conn.UserID != s.boot.HostID {
		return errs.NotAuthorized("only the host may start the broadcast")
	}
	if st := s.State(); st != models.StateReady {
		return errs.InvalidState("session is " + string(st) + ", not ready")
	}
	now := time.Now()
	s.mu.Lock()
	s.state = models.StateLive
	s.startedAt = &now
	s.mu.Unlock()

	s.mixer.Run(context.Background())
	go s.watchDeadAir()
	if s.coord.mc != nil {
		s.coord.mc.SessionLive()
	}
	s.broadcastState("broadcast started")
	s.log.Info("broadcast started", zap.String("host_connection", connectionID))
	return nil
}

// Stop ends the session. Idempotent: stopping an ended session returns the
// terminal state with no further teardown.
func (s *Session) Stop(connectionID string) (models.SessionState, error) {
	if s.State() == models.StateEnded {
		return models.StateEnded, nil
	}
	var err error
	ok := s.do(func() {
		// A teardown queued ahead of this command may have already run;
		// stopping is still a no-op success then.
		if s.State() == models.StateEnded {
			return
		}
		conn, found := s.registry.get(connectionID)
		if !found {
			err = errs.NotFound("connection")
			return
		}
		if !conn.Role.Can(models.CapStartStop) {
			err = errs.NotAuthorized("only the host or an admin may stop the broadcast")
			return
		}
		s.end("stopped by " + string(conn.Role))
	})
	if !ok {
		return models.StateEnded, nil
	}
	return s.State(), err
}

// ForceEnd ends the session without an acting connection (admin/shutdown).
func (s *Session) ForceEnd(reason string) {
	s.do(func() { s.end(reason) })
}

// end performs the one and only teardown: stop mixing, flush chat, emit the
// archive record, evict everything. Runs on the command loop.
func (s *Session) end(reason string) {
	if s.State() == models.StateEnded {
		return
	}
	wasLive := s.State() == models.StateLive
	now := time.Now()
	s.mu.Lock()
	s.state = models.StateEnded
	s.endedAt = &now
	started := now
	if s.startedAt != nil {
		started = *s.startedAt
	}
	peak := s.peak
	s.mu.Unlock()

	if s.hostGrace != nil {
		s.hostGrace.Stop()
		s.hostGrace = nil
	}
	s.mixer.Close()
	s.presence.Stop()

	rec := models.ArchiveRecord{
		ID:                uuid.New(),
		BroadcastID:       s.boot.BroadcastID,
		StartedAt:         started,
		EndedAt:           now,
		PeakListeners:     peak,
		ChatMessages:      s.chat.Flush(),
		ModerationActions: s.moderation.Actions(),
	}

	evicted := s.registry.evictAll()
	if s.coord.mc != nil {
		for _, c := range evicted {
			if c.Role == models.RoleListener {
				s.coord.mc.ListenerLeave()
			}
		}
		if wasLive {
			s.coord.mc.SessionEnded()
		}
	}
	s.broadcastState(reason)
	s.coord.sink.EvictAll(s.boot.BroadcastID, reason)
	s.coord.remove(s.boot.BroadcastID)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.coord.archive.Finalize(ctx, rec); err != nil {
			s.log.Error("archive handoff failed", zap.Error(err))
		}
	}()

	s.log.Info("session ended",
		zap.String("reason", reason),
		zap.Int("peak_listeners", peak),
		zap.Int("chat_messages", len(rec.ChatMessages)),
		zap.Int("moderation_actions", len(rec.ModerationActions)))
	s.cancel()
}

// watchDeadAir ends a live session that has had zero active producer sources
// for longer than the configured grace (implicit host disconnect).
func (s *Session) watchDeadAir() {
	grace := s.coord.cfg.DeadAirGrace
	ticker := time.NewTicker(deadAirCheckInterval)
	defer ticker.Stop()
	var zeroSince time.Time
	for range ticker.C {
		if s.State() != models.StateLive {
			return
		}
		if s.mixer.ActiveSources() > 0 {
			zeroSince = time.Time{}
			continue
		}
		if zeroSince.IsZero() {
			zeroSince = time.Now()
			continue
		}
		if time.Since(zeroSince) >= grace {
			s.log.Warn("dead air grace expired, ending session")
			s.do(func() { s.end("dead air timeout") })
			return
		}
	}
}

func (s *Session) broadcastState(reason string) {
	s.coord.sink.Broadcast(s.boot.BroadcastID, "session_state", StatePayload{
		BroadcastID: s.boot.BroadcastID,
		State:       s.State(),
		Reason:      reason,
		At:          time.Now(),
	})
}

// evictUser is the moderation ban hook: close every connection of the user.
func (s *Session) evictUser(userID uuid.UUID, reason string) {
	for _, c := range s.registry.byUser(userID) {
		s.registry.unregister(c.ID)
		s.mixer.DetachByConnection(c.ID)
		s.coord.sink.Evict(s.boot.BroadcastID, c.ID, reason)
		if c.Role == models.RoleListener && s.coord.mc != nil {
			s.coord.mc.ListenerLeave()
		}
	}
}

// Snapshot returns the externally visible session view.
func (s *Session) Snapshot() models.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return models.SessionSnapshot{
		BroadcastID:   s.boot.BroadcastID,
		State:         s.state,
		HostID:        s.boot.HostID,
		StartedAt:     s.startedAt,
		EndedAt:       s.endedAt,
		Listeners:     s.registry.listenerCount(),
		PeakListeners: s.peak,
		ActiveSources: s.mixer.ActiveSources(),
	}
}

// ChatHistory returns the visible chat log.
func (s *Session) ChatHistory() []models.ChatMessage { return s.chat.List() }

// ModerationTrail returns the append-only moderation log.
func (s *Session) ModerationTrail() []models.ModerationAction { return s.moderation.Actions() }

// presence.Source implementation.

// ListenerCount returns the number of connected listeners.
func (s *Session) ListenerCount() int { return s.registry.listenerCount() }

// ListenerSample returns up to n listeners in join order.
func (s *Session) ListenerSample(n int) []models.Connection { return s.registry.sample(n) }

// ChatActivity aggregates chat activity over the trailing window.
func (s *Session) ChatActivity() map[uuid.UUID]chat.UserActivity {
	return s.chat.ActivitySince(time.Now().Add(-s.coord.cfg.ActivityWindow))
}
