// Package worker implements the thumbnail pipeline execution loop.
package worker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/thumbforge/thumbforge/internal/fetcher"
	"github.com/thumbforge/thumbforge/internal/job"
	"github.com/thumbforge/thumbforge/internal/metrics"
	"github.com/thumbforge/thumbforge/internal/thumbnail"
)

// Worker consumes queued job ids and runs claim -> fetch -> transform ->
// finalize for each. Every stage failure is absorbed into the job's failed
// status; nothing a single job does can stop the loop.
type Worker struct {
	queue       job.Queue
	store       job.Store
	fetcher     *fetcher.Fetcher
	transformer *thumbnail.Transformer
	logger      *zap.Logger
}

// New constructs a Worker.
func New(
	queue job.Queue,
	store job.Store,
	f *fetcher.Fetcher,
	t *thumbnail.Transformer,
	logger *zap.Logger,
) *Worker {
	return &Worker{
		queue:       queue,
		store:       store,
		fetcher:     f,
		transformer: t,
		logger:      logger,
	}
}

// Run blocks, consuming queue items until the context finishes. Each poll is
// bounded by the queue's timeout so cancellation is observed promptly; the
// in-flight job is finished before returning.
func (w *Worker) Run(ctx context.Context) {
	for {
		id, ok, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		// The pipeline runs detached from the shutdown signal: once a job is
		// claimed it must reach completed or failed, otherwise it would be
		// stranded in processing where Claim no-ops.
		w.processJob(context.WithoutCancel(ctx), id)
	}
}

func (w *Worker) processJob(ctx context.Context, id uuid.UUID) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	j, err := w.store.Claim(ctx, id)
	if errors.Is(err, job.ErrNotFound) {
		// Late or duplicate delivery for a row that never landed; skip.
		w.logger.Warn("queued job missing from store", zap.String("job_id", id.String()))
		return
	}
	if err != nil {
		w.logger.Error("claim job failed", zap.String("job_id", id.String()), zap.Error(err))
		return
	}
	if j.Status != job.StatusProcessing {
		// Another consumer holds the claim, or the job is already done.
		w.logger.Info("job skipped",
			zap.String("job_id", id.String()),
			zap.String("status", string(j.Status)),
		)
		return
	}

	resp, err := w.fetcher.Fetch(ctx, j.URL)
	if err != nil {
		w.failJob(ctx, id, "download failed", err)
		return
	}

	meta, err := w.transformer.Transform(ctx, id, resp.Body)
	if err != nil {
		w.failJob(ctx, id, "transform failed", err)
		return
	}

	result := job.Result{
		Width:             meta.Width,
		Height:            meta.Height,
		Format:            meta.Format,
		SizeBytes:         meta.SizeBytes,
		SourceContentType: resp.ContentType,
		SourceURL:         j.URL,
		ThumbnailPath:     meta.Path,
	}
	if _, err := w.store.Complete(ctx, id, result); err != nil {
		w.logger.Error("complete job failed", zap.String("job_id", id.String()), zap.Error(err))
		return
	}
	metrics.ObserveJobProcessed(string(job.StatusCompleted))
	w.logger.Info("job completed",
		zap.String("job_id", id.String()),
		zap.String("format", meta.Format),
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
	)
}

func (w *Worker) failJob(ctx context.Context, id uuid.UUID, stage string, cause error) {
	if _, err := w.store.Fail(ctx, id, cause.Error()); err != nil {
		w.logger.Error("fail job status update failed",
			zap.String("job_id", id.String()),
			zap.Error(err),
		)
		return
	}
	metrics.ObserveJobProcessed(string(job.StatusFailed))
	w.logger.Warn(stage, zap.String("job_id", id.String()), zap.Error(cause))
}
