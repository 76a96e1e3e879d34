package queue

import (
	"errors"

	"github.com/hibiken/asynq"
)

// TaskResults consults the queue's result backend for the fate of a task.
// It backs the record store's reconciliation check: a sub-record still
// pending whose task the queue gave up on must be forced to failed.
type TaskResults interface {
	// MediaTaskFailed reports whether a media fetch task is known to
	// have failed for good (all retries exhausted).
	MediaTaskFailed(taskID string) (bool, error)
}

// InspectorResults implements TaskResults on asynq's Inspector.
type InspectorResults struct {
	inspector *asynq.Inspector
}

func NewInspectorResults(opt asynq.RedisClientOpt) *InspectorResults {
	return &InspectorResults{inspector: asynq.NewInspector(opt)}
}

func (r *InspectorResults) MediaTaskFailed(taskID string) (bool, error) {
	info, err := r.inspector.GetTaskInfo(QueueMedia, taskID)
	if err != nil {
		// A task the backend no longer knows about is not evidence of
		// failure; the record keeps waiting on its own status update.
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return false, nil
		}
		return false, err
	}
	return info.State == asynq.TaskStateArchived, nil
}

func (r *InspectorResults) Close() error {
	return r.inspector.Close()
}
