package broadcasts

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/onair-audio/backend/internal/session"
	"github.com/onair-audio/backend/pkg/response"
)

// Handler handles the session engine's HTTP read surface.
type Handler struct {
	repo  *Repository
	coord *session.Coordinator
}

// NewHandler creates a broadcasts handler.
func NewHandler(repo *Repository, coord *session.Coordinator) *Handler {
	return &Handler{repo: repo, coord: coord}
}

func parseBroadcastID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return uuid.Nil, false
	}
	return id, true
}

// OpenSession handles POST /broadcasts/:id/session. Opens (or returns) the
// idle session for a broadcast so clients can connect.
func (h *Handler) OpenSession(c *gin.Context) {
	id, ok := parseBroadcastID(c)
	if !ok {
		return
	}
	sess, err := h.coord.Open(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sess.Snapshot())
}

// GetSession handles GET /broadcasts/:id/session.
func (h *Handler) GetSession(c *gin.Context) {
	id, ok := parseBroadcastID(c)
	if !ok {
		return
	}
	sess, err := h.coord.Get(id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sess.Snapshot())
}

// EndSession handles POST /broadcasts/:id/session/end (admin only). Ends the
// session without an acting connection.
func (h *Handler) EndSession(c *gin.Context) {
	id, ok := parseBroadcastID(c)
	if !ok {
		return
	}
	sess, err := h.coord.Get(id)
	if err != nil {
		response.Error(c, err)
		return
	}
	sess.ForceEnd("ended by admin")
	response.OK(c, gin.H{"state": "ended"})
}

// ListListeners handles GET /broadcasts/:id/listeners.
func (h *Handler) ListListeners(c *gin.Context) {
	id, ok := parseBroadcastID(c)
	if !ok {
		return
	}
	sess, err := h.coord.Get(id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sess.Listeners())
}

// ListSources handles GET /broadcasts/:id/sources.
func (h *Handler) ListSources(c *gin.Context) {
	id, ok := parseBroadcastID(c)
	if !ok {
		return
	}
	sess, err := h.coord.Get(id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sess.Sources())
}

// ChatHistory handles GET /broadcasts/:id/chat. Hidden and deleted messages
// are excluded.
func (h *Handler) ChatHistory(c *gin.Context) {
	id, ok := parseBroadcastID(c)
	if !ok {
		return
	}
	sess, err := h.coord.Get(id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sess.ChatHistory())
}

// ModerationTrail handles GET /broadcasts/:id/moderation (moderators only).
func (h *Handler) ModerationTrail(c *gin.Context) {
	id, ok := parseBroadcastID(c)
	if !ok {
		return
	}
	sess, err := h.coord.Get(id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, sess.ModerationTrail())
}

// Attendance handles GET /broadcasts/:id/attendance (moderators only).
func (h *Handler) Attendance(c *gin.Context) {
	id, ok := parseBroadcastID(c)
	if !ok {
		return
	}
	entries, err := h.repo.Attendance(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "failed to load attendance")
		return
	}
	response.OK(c, entries)
}
