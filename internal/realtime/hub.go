package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onair-audio/backend/internal/models"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// RedisPublisher publishes session events for cross-instance broadcast.
type RedisPublisher interface {
	PublishBroadcastEvent(broadcastID uuid.UUID, event string, payload []byte) error
}

// RedisSubscriber subscribes to session channels and invokes handler for
// incoming events.
type RedisSubscriber interface {
	SubscribeBroadcast(broadcastID uuid.UUID, handler func(event string, payload []byte)) (cancel func(), err error)
}

// Hub maintains broadcast_id -> set of connections and fans out control
// events and mixed audio frames. Uses Redis pub/sub for horizontal scaling:
// local broadcast + publish to Redis. Implements the session engine's event
// sink.
type Hub struct {
	// broadcastID -> map[connectionID]*Client
	sessions map[uuid.UUID]map[string]*Client
	subs     map[uuid.UUID]func() // cancel Redis subscription per broadcast
	mu       sync.RWMutex
	logger   *zap.Logger
	redis    RedisPublisher
	redisSub RedisSubscriber
}

// NewHub creates a new WebSocket hub.
func NewHub(logger *zap.Logger, redisPub RedisPublisher, redisSub RedisSubscriber) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[string]*Client),
		subs:     make(map[uuid.UUID]func()),
		logger:   logger,
		redis:    redisPub,
		redisSub: redisSub,
	}
}

// Register adds a client to a session room. Starts the Redis subscription for
// this broadcast if it is the first client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	if h.sessions[c.BroadcastID] == nil {
		h.sessions[c.BroadcastID] = make(map[string]*Client)
		if h.redisSub != nil {
			cancel, err := h.redisSub.SubscribeBroadcast(c.BroadcastID, func(event string, payload []byte) {
				h.broadcastLocal(c.BroadcastID, event, json.RawMessage(payload))
			})
			if err == nil {
				h.subs[c.BroadcastID] = cancel
			} else {
				h.logger.Warn("redis subscribe failed",
					zap.String("broadcast_id", c.BroadcastID.String()), zap.Error(err))
			}
		}
	}
	h.sessions[c.BroadcastID][c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("client registered",
		zap.String("connection_id", c.ID),
		zap.String("broadcast_id", c.BroadcastID.String()))
}

// Unregister removes a client from a session room. Cancels the Redis
// subscription when the last client leaves.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if m, ok := h.sessions[c.BroadcastID]; ok {
		delete(m, c.ID)
		if len(m) == 0 {
			delete(h.sessions, c.BroadcastID)
			if cancel, ok := h.subs[c.BroadcastID]; ok {
				cancel()
				delete(h.subs, c.BroadcastID)
			}
		}
	}
	h.mu.Unlock()
	h.logger.Debug("client unregistered",
		zap.String("connection_id", c.ID),
		zap.String("broadcast_id", c.BroadcastID.String()))
}

// broadcastLocal sends a control event to all local clients of a session.
func (h *Hub) broadcastLocal(broadcastID uuid.UUID, event string, payload interface{}) {
	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		data, _ = json.Marshal(payload)
	}
	msg := WSMessage{Event: event, Data: data}

	h.mu.RLock()
	clients := h.sessions[broadcastID]
	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			// control buffer full, skip
		}
	}
	h.mu.RUnlock()
}

// Broadcast sends to local clients and publishes to Redis for other
// instances.
func (h *Hub) Broadcast(broadcastID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	h.broadcastLocal(broadcastID, event, json.RawMessage(data))
	if h.redis != nil {
		_ = h.redis.PublishBroadcastEvent(broadcastID, event, data)
	}
}

// Publish publishes to Redis only (no direct local broadcast), so the
// subscriber callback performs the broadcast once for all instances
// including this one. Used for chat so local clients never see duplicates.
func (h *Hub) Publish(broadcastID uuid.UUID, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if h.redis != nil {
		_ = h.redis.PublishBroadcastEvent(broadcastID, event, data)
		return
	}
	h.broadcastLocal(broadcastID, event, json.RawMessage(data))
}

// SendFrame fans one mixed audio frame out to the session's listener
// connections. The frame is encoded once; per-client queues drop the oldest
// frame when a slow consumer falls behind.
func (h *Hub) SendFrame(broadcastID uuid.UUID, seq uint64, payload []byte) {
	frame := encodeDownstreamFrame(seq, payload)
	h.mu.RLock()
	for _, c := range h.sessions[broadcastID] {
		if c.Role != models.RoleListener && c.Role != models.RoleModerator {
			continue
		}
		c.queueFrame(frame)
	}
	h.mu.RUnlock()
}

// SendToClient sends a control event to a single client.
func (h *Hub) SendToClient(broadcastID uuid.UUID, connectionID string, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := WSMessage{Event: event, Data: data}
	h.mu.RLock()
	c, ok := h.sessions[broadcastID][connectionID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// Evict closes one connection after telling it why.
func (h *Hub) Evict(broadcastID uuid.UUID, connectionID string, reason string) {
	h.mu.RLock()
	c, ok := h.sessions[broadcastID][connectionID]
	h.mu.RUnlock()
	if !ok || c == nil {
		return
	}
	c.evict(reason)
}

// EvictAll closes every connection of a session.
func (h *Hub) EvictAll(broadcastID uuid.UUID, reason string) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.sessions[broadcastID]))
	for _, c := range h.sessions[broadcastID] {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.evict(reason)
	}
}

// ConnectionCount returns the number of local connections in a session.
func (h *Hub) ConnectionCount(broadcastID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[broadcastID])
}
