package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/pkg/queue"
)

// Exporter receives finalized session records, persists them and enqueues
// the transcript upload. Implements the session engine's archive sink.
type Exporter struct {
	repo   *Repository
	queue  *queue.Queue
	logger *zap.Logger
}

// NewExporter creates the archive exporter.
func NewExporter(repo *Repository, q *queue.Queue, logger *zap.Logger) *Exporter {
	return &Exporter{repo: repo, queue: q, logger: logger}
}

// Finalize persists the record and hands the transcript upload to the
// background worker. Called exactly once per session.
func (e *Exporter) Finalize(ctx context.Context, rec models.ArchiveRecord) error {
	transcript, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	if err := e.repo.Insert(ctx, rec.ID, rec.BroadcastID, rec.StartedAt, rec.EndedAt,
		rec.PeakListeners, len(rec.ChatMessages), len(rec.ModerationActions), transcript); err != nil {
		return fmt.Errorf("insert archive: %w", err)
	}
	if e.queue != nil {
		if err := e.queue.EnqueueArchiveUpload(ctx, queue.ArchiveUploadPayload{
			ArchiveID:   rec.ID,
			BroadcastID: rec.BroadcastID,
		}); err != nil {
			// The row is persisted; the upload can be re-enqueued by hand.
			e.logger.Error("enqueue archive upload failed",
				zap.String("archive_id", rec.ID.String()), zap.Error(err))
		}
	}
	e.logger.Info("archive finalized",
		zap.String("archive_id", rec.ID.String()),
		zap.String("broadcast_id", rec.BroadcastID.String()),
		zap.Int("chat_messages", len(rec.ChatMessages)),
		zap.Int("peak_listeners", rec.PeakListeners))
	return nil
}
