package service

import (
	"context"
	"log/slog"

	"github.com/hamlet/api/internal/model"
	"github.com/hamlet/api/internal/queue"
	"github.com/hamlet/api/internal/store"
)

// ExportService is the trigger boundary: it creates the pending job
// record, enqueues the first pipeline task and returns immediately. The
// caller has already done its permission checks.
type ExportService struct {
	store          store.Store
	queue          queue.Dispatcher
	defaultBackend string
	log            *slog.Logger
}

func NewExportService(st store.Store, q queue.Dispatcher, defaultBackend string, log *slog.Logger) *ExportService {
	return &ExportService{store: st, queue: q, defaultBackend: defaultBackend, log: log}
}

// StartSubjectSetExport kicks off a subject-set export pipeline.
func (s *ExportService) StartSubjectSetExport(ctx context.Context, subjectSetID int64, accessToken string) (*model.ExportJob, error) {
	job, err := s.store.Exports().CreateJob(ctx, model.KindSubjectSet, subjectSetID, "", "")
	if err != nil {
		return nil, err
	}

	taskID, err := s.queue.EnqueueSubjectSetExport(ctx, job.ID, accessToken)
	if err != nil {
		return nil, s.abandon(ctx, job, err)
	}
	return s.recordTask(ctx, job, taskID)
}

// StartWorkflowExport kicks off a workflow consensus export.
func (s *ExportService) StartWorkflowExport(ctx context.Context, workflowID int64, accessToken, storagePrefix string) (*model.ExportJob, error) {
	job, err := s.store.Exports().CreateJob(ctx, model.KindWorkflow, workflowID, storagePrefix, "")
	if err != nil {
		return nil, err
	}

	taskID, err := s.queue.EnqueueWorkflowExport(ctx, job.ID, accessToken, storagePrefix)
	if err != nil {
		return nil, s.abandon(ctx, job, err)
	}
	return s.recordTask(ctx, job, taskID)
}

// StartAssistantExport kicks off an ML subject-assistant export.
func (s *ExportService) StartAssistantExport(ctx context.Context, subjectSetID int64, accessToken, backend string) (*model.ExportJob, error) {
	if backend == "" {
		backend = s.defaultBackend
	}

	job, err := s.store.Exports().CreateJob(ctx, model.KindMLSubjectAssistant, subjectSetID, "", backend)
	if err != nil {
		return nil, err
	}

	taskID, err := s.queue.EnqueueAssistantExport(ctx, job.ID, accessToken, backend)
	if err != nil {
		return nil, s.abandon(ctx, job, err)
	}
	return s.recordTask(ctx, job, taskID)
}

// GetExport reads a job's current status and output references.
func (s *ExportService) GetExport(ctx context.Context, id int64) (*model.ExportJob, error) {
	return s.store.Exports().GetJob(ctx, id)
}

// ListExports returns all jobs for one target, newest first.
func (s *ExportService) ListExports(ctx context.Context, kind model.JobKind, targetID int64) ([]*model.ExportJob, error) {
	return s.store.Exports().ListJobsByTarget(ctx, kind, targetID)
}

func (s *ExportService) recordTask(ctx context.Context, job *model.ExportJob, taskID string) (*model.ExportJob, error) {
	if err := s.store.Exports().SetJobTask(ctx, job.ID, taskID); err != nil {
		return nil, err
	}
	job.TaskID = taskID
	s.log.Info("export enqueued", "exportId", job.ID, "kind", job.Kind, "targetId", job.TargetID)
	return job, nil
}

// abandon fails a job whose first task never made it onto the queue.
func (s *ExportService) abandon(ctx context.Context, job *model.ExportJob, cause error) error {
	if err := s.store.Exports().SetJobStatus(ctx, job.ID, model.StatusFailed); err != nil {
		s.log.Error("failed to abandon export", "exportId", job.ID, "error", err)
	}
	return cause
}
