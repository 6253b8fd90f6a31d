package archive

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onair-audio/backend/pkg/response"
	"github.com/onair-audio/backend/pkg/storage"
)

// Handler serves persisted archives.
type Handler struct {
	repo   *Repository
	s3     *storage.S3
	logger *zap.Logger
}

// NewHandler creates an archive handler. s3 may be nil when uploads are
// disabled; download URLs then fall back to the stored object URL.
func NewHandler(repo *Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	return &Handler{repo: repo, s3: s3, logger: logger}
}

// ListByBroadcast handles GET /broadcasts/:id/archives.
func (h *Handler) ListByBroadcast(c *gin.Context) {
	broadcastID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid broadcast id")
		return
	}
	rows, err := h.repo.ListByBroadcast(c.Request.Context(), broadcastID)
	if err != nil {
		response.Internal(c, "failed to list archives")
		return
	}
	response.OK(c, rows)
}

// GenerateDownloadURL handles GET /archives/:id/download-url.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid archive id")
		return
	}
	row, err := h.repo.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	if h.s3 == nil {
		if row.TranscriptURL == "" {
			response.NotFound(c, "transcript not uploaded")
			return
		}
		response.OK(c, gin.H{"url": row.TranscriptURL})
		return
	}
	key := storage.ArchiveKey(row.BroadcastID.String(), row.ID.String())
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), key, h.s3.PresignExpire())
	if err != nil {
		h.logger.Error("presign failed", zap.String("archive_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to generate download url")
		return
	}
	response.OK(c, gin.H{"url": url})
}
