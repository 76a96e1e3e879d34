// Package store defines the Job Record Store contract. All inter-task
// state crosses through these interfaces; tasks exchange only primitive
// ids and credentials.
package store

import (
	"context"

	"github.com/hamlet/api/internal/model"
)

// ExportStore manages export job records.
type ExportStore interface {
	CreateJob(ctx context.Context, kind model.JobKind, targetID int64, storagePrefix, backend string) (*model.ExportJob, error)
	GetJob(ctx context.Context, id int64) (*model.ExportJob, error)
	ListJobsByTarget(ctx context.Context, kind model.JobKind, targetID int64) ([]*model.ExportJob, error)

	// SetJobStatus applies a monotonic status change. Attempts to move a
	// terminal record are silently dropped.
	SetJobStatus(ctx context.Context, id int64, status model.Status) error
	SetJobTask(ctx context.Context, id int64, taskID string) error

	// AttachArtifact records the stored output file and marks the job
	// complete in a single atomic write.
	AttachArtifact(ctx context.Context, id int64, name, url string) error

	// SetAssistantResult records the shareable manifest URL plus the
	// external prediction job reference and marks the job complete.
	SetAssistantResult(ctx context.Context, id int64, manifestURL, mlJobID, mlJobURL string) error
}

// MediaStore manages per-media-item sub-records of subject-set exports.
type MediaStore interface {
	CreateMedia(ctx context.Context, exportID, subjectID int64, url string) (*model.MediaMetadata, error)
	GetMedia(ctx context.Context, id int64) (*model.MediaMetadata, error)
	SetMediaTask(ctx context.Context, id int64, taskID string) error

	// SetMediaRunning moves a pending record to running; a no-op for
	// records that already left pending.
	SetMediaRunning(ctx context.Context, id int64) error

	// CompleteMedia stores filesize and hash and marks the record
	// complete, exactly once, in a single atomic write.
	CompleteMedia(ctx context.Context, id int64, filesize int64, hash string) error

	// ForceMediaFailed marks a non-terminal record failed. Used by the
	// fetch worker on exhaustion and by the barrier poller's
	// reconciliation pass.
	ForceMediaFailed(ctx context.Context, id int64) error

	ListMediaByJob(ctx context.Context, exportID int64) ([]*model.MediaMetadata, error)
	ListPendingMedia(ctx context.Context, exportID int64) ([]*model.MediaMetadata, error)
	CountMediaByStatus(ctx context.Context, exportID int64, status model.Status) (int64, error)

	// DistinctMediaBySubjects returns the distinct (subject_id, url)
	// pairs among all media records for the given subjects.
	DistinctMediaBySubjects(ctx context.Context, subjectIDs []int64) ([]model.MediaRef, error)
}

// Store aggregates the record stores behind one connection.
type Store interface {
	Exports() ExportStore
	Media() MediaStore
	Open() error
	Close() error
}
