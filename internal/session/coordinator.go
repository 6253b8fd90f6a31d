// Package session implements the broadcast session engine: the lifecycle
// state machine, the connection registry, and the per-session single-writer
// command loop that serializes all mutations.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onair-audio/backend/config"
	"github.com/onair-audio/backend/internal/metrics"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/errs"
)

// EventSink delivers engine events to connected clients. Implemented by the
// realtime hub; implementations must not block.
type EventSink interface {
	// Broadcast sends an event to all local connections of a session and
	// publishes it for other instances.
	Broadcast(broadcastID uuid.UUID, event string, payload interface{})
	// Publish sends via the cross-instance channel only, so the subscriber
	// callback delivers exactly once everywhere (chat path).
	Publish(broadcastID uuid.UUID, event string, payload interface{})
	// SendFrame fans one mixed audio frame out to all listener connections.
	SendFrame(broadcastID uuid.UUID, seq uint64, payload []byte)
	// Evict closes one connection.
	Evict(broadcastID uuid.UUID, connectionID string, reason string)
	// EvictAll closes every connection of a session.
	EvictAll(broadcastID uuid.UUID, reason string)
}

// BootstrapStore loads broadcast metadata created by the CRUD collaborator.
type BootstrapStore interface {
	GetBootstrap(ctx context.Context, broadcastID uuid.UUID) (*models.Bootstrap, error)
}

// ArchiveSink receives the finalized record exactly once when a session ends.
type ArchiveSink interface {
	Finalize(ctx context.Context, rec models.ArchiveRecord) error
}

// SessionLogStore records join/leave events for attendance dashboards.
type SessionLogStore interface {
	LogJoin(ctx context.Context, broadcastID, userID uuid.UUID, role models.Role) error
	LogLeave(ctx context.Context, broadcastID, userID uuid.UUID, role models.Role) error
}

// Coordinator tracks all open sessions on this instance. Sessions are
// partitioned by broadcast ID and proceed fully in parallel.
type Coordinator struct {
	cfg     config.BroadcastConfig
	store   BootstrapStore
	archive ArchiveSink
	sink    EventSink
	log     *zap.Logger
	mc      *metrics.Collector

	mu         sync.RWMutex
	sessions   map[uuid.UUID]*Session
	sessionLog SessionLogStore
}

// NewCoordinator creates the session coordinator.
func NewCoordinator(cfg config.BroadcastConfig, store BootstrapStore, archive ArchiveSink, sink EventSink, log *zap.Logger, mc *metrics.Collector) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		archive:  archive,
		sink:     sink,
		log:      log,
		mc:       mc,
		sessions: make(map[uuid.UUID]*Session),
	}
}

// SetSessionLogStore sets the optional join/leave recorder.
func (c *Coordinator) SetSessionLogStore(s SessionLogStore) {
	c.mu.Lock()
	c.sessionLog = s
	c.mu.Unlock()
}

// Open returns the session for a broadcast, creating it in Idle state from
// the bootstrap metadata on first use.
func (c *Coordinator) Open(ctx context.Context, broadcastID uuid.UUID) (*Session, error) {
	c.mu.RLock()
	if s, ok := c.sessions[broadcastID]; ok {
		c.mu.RUnlock()
		return s, nil
	}
	c.mu.RUnlock()

	boot, err := c.store.GetBootstrap(ctx, broadcastID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[broadcastID]; ok {
		return s, nil
	}
	s := newSession(c, *boot)
	c.sessions[broadcastID] = s
	s.start()
	c.log.Info("session opened",
		zap.String("broadcast_id", broadcastID.String()),
		zap.String("host_id", boot.HostID.String()))
	return s, nil
}

// Get returns an open session or NotFound.
func (c *Coordinator) Get(broadcastID uuid.UUID) (*Session, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[broadcastID]
	if !ok {
		return nil, errs.NotFound("session")
	}
	return s, nil
}

// Shutdown force-ends every open session (server shutdown path).
func (c *Coordinator) Shutdown() {
	c.mu.RLock()
	open := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		open = append(open, s)
	}
	c.mu.RUnlock()
	for _, s := range open {
		s.ForceEnd("server shutdown")
	}
}

func (c *Coordinator) remove(broadcastID uuid.UUID) {
	c.mu.Lock()
	delete(c.sessions, broadcastID)
	c.mu.Unlock()
}

func (c *Coordinator) sessionLogger() SessionLogStore {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionLog
}
