package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/model"
)

// ExportJobStore implements store.ExportStore.
type ExportJobStore struct {
	storage *Store
}

const exportColumns = `
	id, kind, target_id, status, coalesce(task_id, ''),
	coalesce(storage_prefix, ''), coalesce(ml_backend, ''),
	coalesce(manifest_url, ''), coalesce(ml_job_id, ''), coalesce(ml_job_url, ''),
	coalesce(artifact_name, ''), coalesce(artifact_url, ''),
	created, modified`

func (s *ExportJobStore) CreateJob(ctx context.Context, kind model.JobKind, targetID int64, storagePrefix, backend string) (*model.ExportJob, error) {
	db, err := s.storage.Database()
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO export_jobs (kind, target_id, status, storage_prefix, ml_backend)
		VALUES ($1, $2, 'p', nullif($3, ''), nullif($4, ''))
		RETURNING ` + exportColumns

	row := db.QueryRow(ctx, query, string(kind), targetID, storagePrefix, backend)
	return scanExportJob(row)
}

func (s *ExportJobStore) GetJob(ctx context.Context, id int64) (*model.ExportJob, error) {
	db, err := s.storage.Database()
	if err != nil {
		return nil, err
	}

	row := db.QueryRow(ctx, `SELECT `+exportColumns+` FROM export_jobs WHERE id = $1`, id)
	job, err := scanExportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("export job %d not found", id)
	}
	return job, err
}

func (s *ExportJobStore) ListJobsByTarget(ctx context.Context, kind model.JobKind, targetID int64) ([]*model.ExportJob, error) {
	db, err := s.storage.Database()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, `
		SELECT `+exportColumns+`
		FROM export_jobs
		WHERE kind = $1 AND target_id = $2
		ORDER BY created DESC`, string(kind), targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.ExportJob
	for rows.Next() {
		job, err := scanExportJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SetJobStatus updates the status with the monotonic guard applied in SQL:
// terminal records are never moved, re-applying the current status is a
// harmless no-op.
func (s *ExportJobStore) SetJobStatus(ctx context.Context, id int64, status model.Status) error {
	db, err := s.storage.Database()
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		UPDATE export_jobs
		SET status = $2, modified = now()
		WHERE id = $1 AND (status = $2 OR status NOT IN ('c', 'f'))`,
		id, status.Code())
	return err
}

func (s *ExportJobStore) SetJobTask(ctx context.Context, id int64, taskID string) error {
	db, err := s.storage.Database()
	if err != nil {
		return err
	}

	cmd, err := db.Exec(ctx, `
		UPDATE export_jobs SET task_id = $2, modified = now() WHERE id = $1`,
		id, taskID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("export job %d not found", id)
	}
	return nil
}

func (s *ExportJobStore) AttachArtifact(ctx context.Context, id int64, name, url string) error {
	db, err := s.storage.Database()
	if err != nil {
		return err
	}

	cmd, err := db.Exec(ctx, `
		UPDATE export_jobs
		SET artifact_name = $2, artifact_url = $3, status = 'c', modified = now()
		WHERE id = $1 AND status = 'r'`,
		id, name, url)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("export job %d is not running, artifact not attached", id)
	}
	return nil
}

func (s *ExportJobStore) SetAssistantResult(ctx context.Context, id int64, manifestURL, mlJobID, mlJobURL string) error {
	db, err := s.storage.Database()
	if err != nil {
		return err
	}

	cmd, err := db.Exec(ctx, `
		UPDATE export_jobs
		SET manifest_url = $2, ml_job_id = $3, ml_job_url = $4, status = 'c', modified = now()
		WHERE id = $1 AND status = 'r'`,
		id, manifestURL, mlJobID, mlJobURL)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("export job %d is not running, result not recorded", id)
	}
	return nil
}

func scanExportJob(row pgx.Row) (*model.ExportJob, error) {
	var job model.ExportJob
	var statusCode string
	var kind string

	err := row.Scan(
		&job.ID, &kind, &job.TargetID, &statusCode, &job.TaskID,
		&job.StoragePrefix, &job.Backend,
		&job.ManifestURL, &job.MLJobID, &job.MLJobURL,
		&job.ArtifactName, &job.ArtifactURL,
		&job.Created, &job.Modified,
	)
	if err != nil {
		return nil, err
	}

	job.Kind = model.JobKind(kind)
	job.Status, err = model.StatusFromCode(statusCode)
	if err != nil {
		return nil, err
	}
	return &job, nil
}
