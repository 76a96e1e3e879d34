package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/hamlet/api/internal/client"
	"github.com/hamlet/api/internal/model"
	"github.com/hamlet/api/internal/queue"
	"github.com/hamlet/api/internal/store"
)

// SubjectSetWorker runs the fan-out step of a subject-set export: one
// media metadata child plus one fetch task per image location, then the
// first barrier poll.
type SubjectSetWorker struct {
	exports store.ExportStore
	media   store.MediaStore
	queue   queue.Dispatcher
	catalog client.Catalog
	log     *slog.Logger
}

func NewSubjectSetWorker(exports store.ExportStore, media store.MediaStore, q queue.Dispatcher, catalog client.Catalog, log *slog.Logger) *SubjectSetWorker {
	return &SubjectSetWorker{exports: exports, media: media, queue: q, catalog: catalog, log: log}
}

func (w *SubjectSetWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.ExportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal subject set export payload: %w", err)
	}

	// The fan-out is not retried; any failure before the barrier poll is
	// enqueued is terminal for the job.
	if err := w.run(ctx, &p); err != nil {
		_ = w.exports.SetJobStatus(ctx, p.ExportID, model.StatusFailed)
		w.log.Error("subject set export failed", "exportId", p.ExportID, "error", err)
		return err
	}
	return nil
}

func (w *SubjectSetWorker) run(ctx context.Context, p *queue.ExportPayload) error {
	job, err := w.exports.GetJob(ctx, p.ExportID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if err := w.exports.SetJobStatus(ctx, job.ID, model.StatusRunning); err != nil {
		return err
	}
	w.log.Info("starting subject set export", "exportId", job.ID, "subjectSetId", job.TargetID)

	created := 0
	it := w.catalog.Subjects(ctx, p.AccessToken, job.TargetID)
	for it.Next() {
		subject := it.Subject()
		for _, location := range subject.Locations {
			url := firstLocationURL(location)
			if url == "" {
				continue
			}

			m, err := w.media.CreateMedia(ctx, job.ID, subject.ID, url)
			if err != nil {
				return err
			}
			taskID, err := w.queue.EnqueueMediaFetch(ctx, m.ID)
			if err != nil {
				return err
			}
			if err := w.media.SetMediaTask(ctx, m.ID, taskID); err != nil {
				return err
			}
			created++
		}
	}
	if err := it.Err(); err != nil {
		return err
	}

	// The fan-out happens-before the first poll; the poller decides
	// immediately for empty subject sets.
	pollID, err := w.queue.EnqueueStatusPoll(ctx, job.ID, 0)
	if err != nil {
		return err
	}
	if err := w.exports.SetJobTask(ctx, job.ID, pollID); err != nil {
		return err
	}

	w.log.Info("subject set export fanned out", "exportId", job.ID, "mediaCount", created)
	return nil
}
