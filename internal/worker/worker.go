// Package worker runs the background job loop that uploads finalized
// broadcast transcripts to S3.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/onair-audio/backend/internal/archive"
	"github.com/onair-audio/backend/pkg/queue"
	"github.com/onair-audio/backend/pkg/storage"
)

// ArchiveProcessor processes archive upload jobs: read the transcript from
// Postgres, upload to S3, record the object URL.
type ArchiveProcessor struct {
	repo   *archive.Repository
	s3     *storage.S3
	queue  *queue.Queue
	logger *zap.Logger
}

// NewArchiveProcessor creates an archive upload processor.
func NewArchiveProcessor(repo *archive.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *ArchiveProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArchiveProcessor{repo: repo, s3: s3, queue: q, logger: logger}
}

// Process executes one archive upload job.
func (p *ArchiveProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeArchiveUpload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchiveUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	row, err := p.repo.Get(ctx, payload.ArchiveID)
	if err != nil {
		return fmt.Errorf("archive not found: %s", payload.ArchiveID)
	}
	if row.TranscriptURL != "" {
		p.logger.Info("archive already uploaded", zap.String("archive_id", row.ID.String()))
		return nil
	}

	transcript, err := p.repo.GetTranscript(ctx, payload.ArchiveID)
	if err != nil {
		return fmt.Errorf("load transcript: %w", err)
	}

	key := storage.ArchiveKey(payload.BroadcastID.String(), payload.ArchiveID.String())
	url, err := p.s3.UploadArchive(ctx, key, bytes.NewReader(transcript))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}

	if err := p.repo.SetTranscriptURL(ctx, payload.ArchiveID, url); err != nil {
		return fmt.Errorf("update db: %w", err)
	}

	p.logger.Info("archive upload completed",
		zap.String("archive_id", payload.ArchiveID.String()),
		zap.String("s3_key", key))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *ArchiveProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("archive worker stopping")
			return
		default:
		}

		job, _, err := p.queue.Dequeue(ctx)
		if err != nil {
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
