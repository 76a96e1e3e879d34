// Package queue wraps the asynq client behind typed enqueue operations.
// Every task carries only primitive identifiers and the bearer credential;
// all rich state lives in the record store.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// Task type names, one per task family.
const (
	TaskSubjectSetExport = "export:subject_set"
	TaskMediaFetch       = "export:media_fetch"
	TaskStatusPoll       = "export:status_poll"
	TaskArtifactWrite    = "export:artifact_write"
	TaskWorkflowExport   = "export:workflow"
	TaskAssistantExport  = "export:assistant"
)

// Queue names with their server weights.
const (
	QueueExports = "exports"
	QueueMedia   = "media"
)

// ExportPayload drives the fan-out, poll and artifact tasks.
type ExportPayload struct {
	ExportID    int64  `json:"exportId"`
	AccessToken string `json:"accessToken,omitempty"`
}

// WorkflowPayload drives the workflow consensus-join task.
type WorkflowPayload struct {
	ExportID      int64  `json:"exportId"`
	AccessToken   string `json:"accessToken"`
	StoragePrefix string `json:"storagePrefix"`
}

// AssistantPayload drives the ML hand-off task.
type AssistantPayload struct {
	ExportID    int64  `json:"exportId"`
	AccessToken string `json:"accessToken"`
	Backend     string `json:"backend"`
}

// MediaPayload drives a single media fetch.
type MediaPayload struct {
	MediaID int64 `json:"mediaId"`
}

// Dispatcher enqueues pipeline tasks. Every method returns the task id
// that was stamped on the enqueued task, for reconciliation.
type Dispatcher interface {
	EnqueueSubjectSetExport(ctx context.Context, exportID int64, accessToken string) (string, error)
	EnqueueWorkflowExport(ctx context.Context, exportID int64, accessToken, storagePrefix string) (string, error)
	EnqueueAssistantExport(ctx context.Context, exportID int64, accessToken, backend string) (string, error)
	EnqueueMediaFetch(ctx context.Context, mediaID int64) (string, error)
	EnqueueStatusPoll(ctx context.Context, exportID int64, delay time.Duration) (string, error)
	EnqueueArtifactWrite(ctx context.Context, exportID int64) (string, error)
}

// Queue is the asynq-backed Dispatcher.
type Queue struct {
	client     *asynq.Client
	maxRetries int
	retention  time.Duration
}

func New(client *asynq.Client, maxRetries int) *Queue {
	return &Queue{
		client:     client,
		maxRetries: maxRetries,
		retention:  24 * time.Hour,
	}
}

func (q *Queue) EnqueueSubjectSetExport(ctx context.Context, exportID int64, accessToken string) (string, error) {
	// The fan-out is not retried: a failure before the barrier poll is
	// enqueued leaves no poller to observe a second attempt.
	return q.enqueue(ctx, TaskSubjectSetExport, ExportPayload{ExportID: exportID, AccessToken: accessToken},
		asynq.Queue(QueueExports), asynq.MaxRetry(0))
}

func (q *Queue) EnqueueWorkflowExport(ctx context.Context, exportID int64, accessToken, storagePrefix string) (string, error) {
	return q.enqueue(ctx, TaskWorkflowExport, WorkflowPayload{ExportID: exportID, AccessToken: accessToken, StoragePrefix: storagePrefix},
		asynq.Queue(QueueExports), asynq.MaxRetry(q.maxRetries))
}

func (q *Queue) EnqueueAssistantExport(ctx context.Context, exportID int64, accessToken, backend string) (string, error) {
	return q.enqueue(ctx, TaskAssistantExport, AssistantPayload{ExportID: exportID, AccessToken: accessToken, Backend: backend},
		asynq.Queue(QueueExports), asynq.MaxRetry(q.maxRetries))
}

func (q *Queue) EnqueueMediaFetch(ctx context.Context, mediaID int64) (string, error) {
	// Retention keeps finished tasks visible to the reconciliation check.
	return q.enqueue(ctx, TaskMediaFetch, MediaPayload{MediaID: mediaID},
		asynq.Queue(QueueMedia), asynq.MaxRetry(q.maxRetries), asynq.Retention(q.retention))
}

func (q *Queue) EnqueueStatusPoll(ctx context.Context, exportID int64, delay time.Duration) (string, error) {
	opts := []asynq.Option{asynq.Queue(QueueExports), asynq.MaxRetry(0)}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	return q.enqueue(ctx, TaskStatusPoll, ExportPayload{ExportID: exportID}, opts...)
}

func (q *Queue) EnqueueArtifactWrite(ctx context.Context, exportID int64) (string, error) {
	return q.enqueue(ctx, TaskArtifactWrite, ExportPayload{ExportID: exportID},
		asynq.Queue(QueueExports), asynq.MaxRetry(q.maxRetries))
}

func (q *Queue) enqueue(ctx context.Context, taskType string, payload interface{}, opts ...asynq.Option) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s payload: %w", taskType, err)
	}

	taskID := uuid.New().String()
	opts = append(opts, asynq.TaskID(taskID))

	if _, err := q.client.EnqueueContext(ctx, asynq.NewTask(taskType, data), opts...); err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", taskType, err)
	}
	return taskID, nil
}
