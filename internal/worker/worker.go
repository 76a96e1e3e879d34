// Package worker implements the export pipeline's task families. Workers
// never block waiting on each other: the barrier poller re-enqueues
// itself with a delay, and all state crosses task boundaries through the
// record store.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/hibiken/asynq"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/queue"
)

// Handlers bundles every task family for mux registration.
type Handlers struct {
	SubjectSet *SubjectSetWorker
	Media      *MediaWorker
	Status     *StatusWorker
	Artifact   *ArtifactWorker
	Workflow   *WorkflowWorker
	Assistant  *AssistantWorker
}

func (h *Handlers) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(queue.TaskSubjectSetExport, h.SubjectSet.ProcessTask)
	mux.HandleFunc(queue.TaskMediaFetch, h.Media.ProcessTask)
	mux.HandleFunc(queue.TaskStatusPoll, h.Status.ProcessTask)
	mux.HandleFunc(queue.TaskArtifactWrite, h.Artifact.ProcessTask)
	mux.HandleFunc(queue.TaskWorkflowExport, h.Workflow.ProcessTask)
	mux.HandleFunc(queue.TaskAssistantExport, h.Assistant.ProcessTask)
}

// finalAttempt reports whether the current invocation is the task's last
// one before the queue archives it.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	max, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= max
}

// settle makes the retry-or-fail decision at a task boundary. Retryable
// errors propagate so the queue re-runs the task after the fixed backoff;
// non-retryable errors and exhausted retries mark the record failed first,
// then still propagate so the queue's own bookkeeping stays consistent.
func settle(ctx context.Context, err error, markFailed func()) error {
	if err == nil {
		return nil
	}
	if !apperrors.IsRetryable(err) {
		markFailed()
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if finalAttempt(ctx) {
		markFailed()
	}
	return err
}

// firstLocationURL picks the media URL out of a subject location map.
// Locations normally carry a single mime-type -> URL entry; keys are
// sorted so multi-entry maps resolve deterministically.
func firstLocationURL(location map[string]string) string {
	if len(location) == 0 {
		return ""
	}
	keys := make([]string, 0, len(location))
	for k := range location {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return location[keys[0]]
}

// removeScratch deletes a task-private scratch file. Guarded against the
// file never having been created.
func removeScratch(path string, log *slog.Logger) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn("failed to remove scratch file", "path", path, "error", err)
	}
}
