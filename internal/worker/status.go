package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hamlet/api/internal/model"
	"github.com/hamlet/api/internal/queue"
	"github.com/hamlet/api/internal/store"
)

// StatusWorker is the barrier poller: it re-enqueues itself until every
// child of a job has left pending, then decides the job's fate. Waiting
// is self-rescheduling, never a blocking sleep, so the worker slot is
// free between polls.
type StatusWorker struct {
	exports      store.ExportStore
	media        store.MediaStore
	queue        queue.Dispatcher
	results      queue.TaskResults
	pollInterval time.Duration
	log          *slog.Logger
}

func NewStatusWorker(exports store.ExportStore, media store.MediaStore, q queue.Dispatcher, results queue.TaskResults, pollInterval time.Duration, log *slog.Logger) *StatusWorker {
	return &StatusWorker{
		exports:      exports,
		media:        media,
		queue:        q,
		results:      results,
		pollInterval: pollInterval,
		log:          log,
	}
}

func (w *StatusWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.ExportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal status poll payload: %w", err)
	}

	if err := w.Poll(ctx, p.ExportID); err != nil {
		// Unexpected errors are fatal for the job and re-raised for the
		// queue's own failure bookkeeping.
		_ = w.exports.SetJobStatus(ctx, p.ExportID, model.StatusFailed)
		w.log.Error("status poll failed", "exportId", p.ExportID, "error", err)
		return err
	}
	return nil
}

// Poll runs one barrier check. Children still pending are first
// reconciled against the queue's result backend, since a crashed worker
// may never have written its own status.
func (w *StatusWorker) Poll(ctx context.Context, exportID int64) error {
	job, err := w.exports.GetJob(ctx, exportID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	pending, err := w.media.ListPendingMedia(ctx, job.ID)
	if err != nil {
		return err
	}

	stillPending := false
	for _, m := range pending {
		if m.TaskID != "" {
			failed, err := w.results.MediaTaskFailed(m.TaskID)
			if err != nil {
				return err
			}
			if failed {
				if err := w.media.ForceMediaFailed(ctx, m.ID); err != nil {
					return err
				}
				continue
			}
		}
		stillPending = true
	}

	if stillPending {
		taskID, err := w.queue.EnqueueStatusPoll(ctx, job.ID, w.pollInterval)
		if err != nil {
			return err
		}
		return w.exports.SetJobTask(ctx, job.ID, taskID)
	}

	failedCount, err := w.media.CountMediaByStatus(ctx, job.ID, model.StatusFailed)
	if err != nil {
		return err
	}
	if failedCount > 0 {
		w.log.Info("export failed, children failed", "exportId", job.ID, "failedCount", failedCount)
		return w.exports.SetJobStatus(ctx, job.ID, model.StatusFailed)
	}

	// All children accounted for; the job stays running until the
	// artifact writer finishes.
	taskID, err := w.queue.EnqueueArtifactWrite(ctx, job.ID)
	if err != nil {
		return err
	}
	return w.exports.SetJobTask(ctx, job.ID, taskID)
}
