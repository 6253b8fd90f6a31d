package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/errs"
)

// Registry owns every live connection of one session. All mutations run on
// the session command loop (single writer); the lock makes reads safe from
// presence and HTTP paths.
type Registry struct {
	broadcastID  uuid.UUID
	maxListeners int

	mu    sync.RWMutex
	conns map[string]*models.Connection
	order []string // connection IDs in join order
}

func newRegistry(broadcastID uuid.UUID, maxListeners int) *Registry {
	return &Registry{
		broadcastID:  broadcastID,
		maxListeners: maxListeners,
		conns:        make(map[string]*models.Connection),
	}
}

// register inserts a connection. At most one host connection may exist at a
// time; listener capacity is enforced here.
func (r *Registry) register(conn *models.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn.Role == models.RoleHost {
		for _, c := range r.conns {
			if c.Role == models.RoleHost {
				return errs.DuplicateHost("a host connection already exists for this session")
			}
		}
	}
	if conn.Role == models.RoleListener && r.maxListeners > 0 && r.listenerCountLocked() >= r.maxListeners {
		return errs.Forbidden("listener capacity reached")
	}
	conn.Online = true
	r.conns[conn.ID] = conn
	r.order = append(r.order, conn.ID)
	return nil
}

// unregister removes a connection and returns it, or nil if unknown.
func (r *Registry) unregister(connectionID string) *models.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[connectionID]
	if !ok {
		return nil
	}
	delete(r.conns, connectionID)
	for i, id := range r.order {
		if id == connectionID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	conn.Online = false
	return conn
}

// get returns the connection by ID.
func (r *Registry) get(connectionID string) (*models.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connectionID]
	return c, ok
}

// host returns the current host connection, if any.
func (r *Registry) host() (*models.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if c := r.conns[id]; c != nil && c.Role == models.RoleHost {
			return c, true
		}
	}
	return nil, false
}

// listByRole returns connections with the given role in join order.
func (r *Registry) listByRole(role models.Role) []models.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Connection
	for _, id := range r.order {
		if c := r.conns[id]; c != nil && c.Role == role {
			out = append(out, *c)
		}
	}
	return out
}

// byUser returns all connections belonging to a user, in join order.
func (r *Registry) byUser(userID uuid.UUID) []models.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.Connection
	for _, id := range r.order {
		if c := r.conns[id]; c != nil && c.UserID == userID {
			out = append(out, *c)
		}
	}
	return out
}

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) listenerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listenerCountLocked()
}

func (r *Registry) listenerCountLocked() int {
	n := 0
	for _, c := range r.conns {
		if c.Role == models.RoleListener {
			n++
		}
	}
	return n
}

// sample returns up to n listener connections in join order, for presence
// updates.
func (r *Registry) sample(n int) []models.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Connection, 0, n)
	for _, id := range r.order {
		if len(out) >= n {
			break
		}
		if c := r.conns[id]; c != nil && c.Role == models.RoleListener {
			out = append(out, *c)
		}
	}
	return out
}

// evictAll removes every connection and returns them in join order.
func (r *Registry) evictAll() []models.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Connection, 0, len(r.conns))
	for _, id := range r.order {
		if c := r.conns[id]; c != nil {
			c.Online = false
			out = append(out, *c)
		}
	}
	r.conns = make(map[string]*models.Connection)
	r.order = nil
	return out
}

// setMuted updates a connection's mute flag, used by moderation.
func (r *Registry) setMuted(connectionID string, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[connectionID]; ok {
		c.Muted = muted
	}
}
