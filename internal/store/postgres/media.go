package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/model"
)

// MediaMetadataStore implements store.MediaStore.
type MediaMetadataStore struct {
	storage *Store
}

const mediaColumns = `
	id, export_id, subject_id, url, status, coalesce(task_id, ''),
	filesize, hash, created, modified`

func (s *MediaMetadataStore) CreateMedia(ctx context.Context, exportID, subjectID int64, url string) (*model.MediaMetadata, error) {
	db, err := s.storage.Database()
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO media_metadata (export_id, subject_id, url, status)
		VALUES ($1, $2, $3, 'p')
		RETURNING ` + mediaColumns

	row := db.QueryRow(ctx, query, exportID, subjectID, url)
	return scanMediaMetadata(row)
}

func (s *MediaMetadataStore) GetMedia(ctx context.Context, id int64) (*model.MediaMetadata, error) {
	db, err := s.storage.Database()
	if err != nil {
		return nil, err
	}

	row := db.QueryRow(ctx, `SELECT `+mediaColumns+` FROM media_metadata WHERE id = $1`, id)
	m, err := scanMediaMetadata(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NewNotFoundError("media metadata %d not found", id)
	}
	return m, err
}

func (s *MediaMetadataStore) SetMediaTask(ctx context.Context, id int64, taskID string) error {
	db, err := s.storage.Database()
	if err != nil {
		return err
	}

	cmd, err := db.Exec(ctx, `
		UPDATE media_metadata SET task_id = $2, modified = now() WHERE id = $1`,
		id, taskID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return apperrors.NewNotFoundError("media metadata %d not found", id)
	}
	return nil
}

func (s *MediaMetadataStore) SetMediaRunning(ctx context.Context, id int64) error {
	db, err := s.storage.Database()
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		UPDATE media_metadata
		SET status = 'r', modified = now()
		WHERE id = $1 AND status = 'p'`, id)
	return err
}

func (s *MediaMetadataStore) CompleteMedia(ctx context.Context, id int64, filesize int64, hash string) error {
	db, err := s.storage.Database()
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		UPDATE media_metadata
		SET filesize = $2, hash = $3, status = 'c', modified = now()
		WHERE id = $1 AND status = 'r'`,
		id, filesize, hash)
	return err
}

func (s *MediaMetadataStore) ForceMediaFailed(ctx context.Context, id int64) error {
	db, err := s.storage.Database()
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		UPDATE media_metadata
		SET status = 'f', modified = now()
		WHERE id = $1 AND status IN ('p', 'r')`, id)
	return err
}

func (s *MediaMetadataStore) ListMediaByJob(ctx context.Context, exportID int64) ([]*model.MediaMetadata, error) {
	return s.listMedia(ctx, `
		SELECT `+mediaColumns+`
		FROM media_metadata
		WHERE export_id = $1
		ORDER BY id`, exportID)
}

func (s *MediaMetadataStore) ListPendingMedia(ctx context.Context, exportID int64) ([]*model.MediaMetadata, error) {
	return s.listMedia(ctx, `
		SELECT `+mediaColumns+`
		FROM media_metadata
		WHERE export_id = $1 AND status = 'p'
		ORDER BY id`, exportID)
}

func (s *MediaMetadataStore) CountMediaByStatus(ctx context.Context, exportID int64, status model.Status) (int64, error) {
	db, err := s.storage.Database()
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.QueryRow(ctx, `
		SELECT count(*) FROM media_metadata WHERE export_id = $1 AND status = $2`,
		exportID, status.Code()).Scan(&count)
	return count, err
}

func (s *MediaMetadataStore) DistinctMediaBySubjects(ctx context.Context, subjectIDs []int64) ([]model.MediaRef, error) {
	db, err := s.storage.Database()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, `
		SELECT DISTINCT subject_id, url
		FROM media_metadata
		WHERE subject_id = ANY($1)
		ORDER BY subject_id, url`, subjectIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []model.MediaRef
	for rows.Next() {
		var ref model.MediaRef
		if err := rows.Scan(&ref.SubjectID, &ref.URL); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (s *MediaMetadataStore) listMedia(ctx context.Context, query string, exportID int64) ([]*model.MediaMetadata, error) {
	db, err := s.storage.Database()
	if err != nil {
		return nil, err
	}

	rows, err := db.Query(ctx, query, exportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*model.MediaMetadata
	for rows.Next() {
		m, err := scanMediaMetadata(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func scanMediaMetadata(row pgx.Row) (*model.MediaMetadata, error) {
	var m model.MediaMetadata
	var statusCode string

	err := row.Scan(
		&m.ID, &m.ExportID, &m.SubjectID, &m.URL, &statusCode, &m.TaskID,
		&m.Filesize, &m.Hash, &m.Created, &m.Modified,
	)
	if err != nil {
		return nil, err
	}

	m.Status, err = model.StatusFromCode(statusCode)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
