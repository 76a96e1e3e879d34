package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/client"
	"github.com/hamlet/api/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExportStore is an in-memory store.ExportStore.
type fakeExportStore struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*model.ExportJob
}

func newFakeExportStore() *fakeExportStore {
	return &fakeExportStore{jobs: map[int64]*model.ExportJob{}}
}

func (s *fakeExportStore) CreateJob(_ context.Context, kind model.JobKind, targetID int64, storagePrefix, backend string) (*model.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	job := &model.ExportJob{
		ID:            s.nextID,
		Kind:          kind,
		TargetID:      targetID,
		Status:        model.StatusPending,
		StoragePrefix: storagePrefix,
		Backend:       backend,
		Created:       time.Now(),
	}
	s.jobs[job.ID] = job
	return copyJob(job), nil
}

func (s *fakeExportStore) GetJob(_ context.Context, id int64) (*model.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("export %d not found", id)
	}
	return copyJob(job), nil
}

func (s *fakeExportStore) ListJobsByTarget(_ context.Context, kind model.JobKind, targetID int64) ([]*model.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.ExportJob
	for _, job := range s.jobs {
		if job.Kind == kind && job.TargetID == targetID {
			out = append(out, copyJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *fakeExportStore) SetJobStatus(_ context.Context, id int64, status model.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return apperrors.NewNotFoundError("export %d not found", id)
	}
	if job.Status != status && !job.Status.CanTransition(status) {
		return nil
	}
	job.Status = status
	return nil
}

func (s *fakeExportStore) SetJobTask(_ context.Context, id int64, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return apperrors.NewNotFoundError("export %d not found", id)
	}
	job.TaskID = taskID
	return nil
}

func (s *fakeExportStore) AttachArtifact(_ context.Context, id int64, name, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return apperrors.NewNotFoundError("export %d not found", id)
	}
	if job.Status != model.StatusRunning {
		return fmt.Errorf("export %d is not running", id)
	}
	job.ArtifactName = name
	job.ArtifactURL = url
	job.Status = model.StatusComplete
	return nil
}

func (s *fakeExportStore) SetAssistantResult(_ context.Context, id int64, manifestURL, mlJobID, mlJobURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return apperrors.NewNotFoundError("export %d not found", id)
	}
	if job.Status != model.StatusRunning {
		return fmt.Errorf("export %d is not running", id)
	}
	job.ManifestURL = manifestURL
	job.MLJobID = mlJobID
	job.MLJobURL = mlJobURL
	job.Status = model.StatusComplete
	return nil
}

func copyJob(job *model.ExportJob) *model.ExportJob {
	c := *job
	return &c
}

// fakeMediaStore is an in-memory store.MediaStore.
type fakeMediaStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*model.MediaMetadata
}

func newFakeMediaStore() *fakeMediaStore {
	return &fakeMediaStore{items: map[int64]*model.MediaMetadata{}}
}

func (s *fakeMediaStore) CreateMedia(_ context.Context, exportID, subjectID int64, url string) (*model.MediaMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m := &model.MediaMetadata{
		ID:        s.nextID,
		ExportID:  exportID,
		SubjectID: subjectID,
		URL:       url,
		Status:    model.StatusPending,
		Created:   time.Now(),
	}
	s.items[m.ID] = m
	return copyMedia(m), nil
}

func (s *fakeMediaStore) GetMedia(_ context.Context, id int64) (*model.MediaMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("media %d not found", id)
	}
	return copyMedia(m), nil
}

func (s *fakeMediaStore) SetMediaTask(_ context.Context, id int64, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return apperrors.NewNotFoundError("media %d not found", id)
	}
	m.TaskID = taskID
	return nil
}

func (s *fakeMediaStore) SetMediaRunning(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return apperrors.NewNotFoundError("media %d not found", id)
	}
	if m.Status.CanTransition(model.StatusRunning) {
		m.Status = model.StatusRunning
	}
	return nil
}

func (s *fakeMediaStore) CompleteMedia(_ context.Context, id int64, filesize int64, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return apperrors.NewNotFoundError("media %d not found", id)
	}
	if m.Status != model.StatusRunning {
		return fmt.Errorf("media %d is not running", id)
	}
	m.Filesize = &filesize
	m.Hash = &hash
	m.Status = model.StatusComplete
	return nil
}

func (s *fakeMediaStore) ForceMediaFailed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.items[id]
	if !ok {
		return apperrors.NewNotFoundError("media %d not found", id)
	}
	if m.Status.CanTransition(model.StatusFailed) {
		m.Status = model.StatusFailed
	}
	return nil
}

func (s *fakeMediaStore) ListMediaByJob(_ context.Context, exportID int64) ([]*model.MediaMetadata, error) {
	return s.listByJob(exportID, func(m *model.MediaMetadata) bool { return true }), nil
}

func (s *fakeMediaStore) ListPendingMedia(_ context.Context, exportID int64) ([]*model.MediaMetadata, error) {
	pending := func(m *model.MediaMetadata) bool { return m.Status == model.StatusPending }
	return s.listByJob(exportID, pending), nil
}

func (s *fakeMediaStore) CountMediaByStatus(_ context.Context, exportID int64, status model.Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.items {
		if m.ExportID == exportID && m.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *fakeMediaStore) DistinctMediaBySubjects(_ context.Context, subjectIDs []int64) ([]model.MediaRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := map[int64]bool{}
	for _, id := range subjectIDs {
		wanted[id] = true
	}
	seen := map[model.MediaRef]bool{}
	var refs []model.MediaRef
	for _, m := range s.items {
		if !wanted[m.SubjectID] {
			continue
		}
		ref := model.MediaRef{SubjectID: m.SubjectID, URL: m.URL}
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].SubjectID != refs[j].SubjectID {
			return refs[i].SubjectID < refs[j].SubjectID
		}
		return refs[i].URL < refs[j].URL
	})
	return refs, nil
}

func (s *fakeMediaStore) listByJob(exportID int64, keep func(*model.MediaMetadata) bool) []*model.MediaMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.MediaMetadata
	for _, m := range s.items {
		if m.ExportID == exportID && keep(m) {
			out = append(out, copyMedia(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyMedia(m *model.MediaMetadata) *model.MediaMetadata {
	c := *m
	return &c
}

// enqueued records one dispatcher call.
type enqueued struct {
	task  string
	id    int64
	delay time.Duration
}

// fakeDispatcher records every enqueue and hands back synthetic task ids.
type fakeDispatcher struct {
	mu    sync.Mutex
	calls []enqueued
	err   error
}

func (d *fakeDispatcher) record(task string, id int64, delay time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.calls = append(d.calls, enqueued{task: task, id: id, delay: delay})
	return fmt.Sprintf("task-%s-%d", task, len(d.calls)), nil
}

func (d *fakeDispatcher) EnqueueSubjectSetExport(_ context.Context, exportID int64, _ string) (string, error) {
	return d.record("subject_set", exportID, 0)
}

func (d *fakeDispatcher) EnqueueWorkflowExport(_ context.Context, exportID int64, _, _ string) (string, error) {
	return d.record("workflow", exportID, 0)
}

func (d *fakeDispatcher) EnqueueAssistantExport(_ context.Context, exportID int64, _, _ string) (string, error) {
	return d.record("assistant", exportID, 0)
}

func (d *fakeDispatcher) EnqueueMediaFetch(_ context.Context, mediaID int64) (string, error) {
	return d.record("media_fetch", mediaID, 0)
}

func (d *fakeDispatcher) EnqueueStatusPoll(_ context.Context, exportID int64, delay time.Duration) (string, error) {
	return d.record("status_poll", exportID, delay)
}

func (d *fakeDispatcher) EnqueueArtifactWrite(_ context.Context, exportID int64) (string, error) {
	return d.record("artifact_write", exportID, 0)
}

func (d *fakeDispatcher) byTask(task string) []enqueued {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []enqueued
	for _, c := range d.calls {
		if c.task == task {
			out = append(out, c)
		}
	}
	return out
}

// fakeResults answers reconciliation lookups from a fixed map.
type fakeResults struct {
	failed map[string]bool
}

func (r *fakeResults) MediaTaskFailed(taskID string) (bool, error) {
	return r.failed[taskID], nil
}

// sliceSource serves subjects from a slice.
type sliceSource struct {
	subjects []client.Subject
	pos      int
	err      error
}

func (s *sliceSource) Next() bool {
	return s.err == nil && s.pos < len(s.subjects)
}

func (s *sliceSource) Subject() client.Subject {
	sub := s.subjects[s.pos]
	s.pos++
	return sub
}

func (s *sliceSource) Err() error { return s.err }

// fakeCatalog serves a canned subject set and subject list.
type fakeCatalog struct {
	set      *client.SubjectSet
	setErr   error
	subjects []client.Subject
	iterErr  error
}

func (c *fakeCatalog) SubjectSet(_ context.Context, _ string, id int64) (*client.SubjectSet, error) {
	if c.setErr != nil {
		return nil, c.setErr
	}
	if c.set != nil {
		return c.set, nil
	}
	return &client.SubjectSet{ID: id, ProjectID: "1234"}, nil
}

func (c *fakeCatalog) Subjects(_ context.Context, _ string, _ int64) client.SubjectSource {
	return &sliceSource{subjects: c.subjects, err: c.iterErr}
}

// fakeObjectStore captures the last uploaded object.
type fakeObjectStore struct {
	key         string
	contentType string
	body        []byte
	err         error
}

func (o *fakeObjectStore) Upload(_ context.Context, key string, body io.Reader, contentType string) (string, error) {
	if o.err != nil {
		return "", o.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	o.key = key
	o.contentType = contentType
	o.body = data
	return "https://storage.test/" + key, nil
}

func (o *fakeObjectStore) GetPublicURL(key string) string {
	return "https://storage.test/" + key
}

// fakeBlobs captures the last published manifest.
type fakeBlobs struct {
	blobName string
	content  []byte
	err      error
}

func (b *fakeBlobs) Publish(_ context.Context, sourcePath, blobName string) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return "", err
	}
	b.blobName = blobName
	b.content = data
	return "https://blobs.test/" + blobName + "?sas", nil
}

// fakeBackend records the manifest URL it was handed.
type fakeBackend struct {
	name        string
	manifestURL string
	err         error
}

func (b *fakeBackend) Name() string { return b.name }

func (b *fakeBackend) Submit(_ context.Context, manifestURL string) (*client.PredictionJob, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.manifestURL = manifestURL
	return &client.PredictionJob{ID: "ml-42", URL: "https://predict.test/task/ml-42"}, nil
}

func stringsReader(s string) io.ReadCloser {
	return io.NopCloser(bytes.NewReader([]byte(s)))
}

// fakeAggregation serves canned data requests and a canned reductions CSV.
type fakeAggregation struct {
	requests []client.DataRequest
	reqErr   error
	csv      string
	dlErr    error
	dlURL    string
}

func (a *fakeAggregation) DataRequests(_ context.Context, _ string, _ int64) ([]client.DataRequest, error) {
	if a.reqErr != nil {
		return nil, a.reqErr
	}
	return a.requests, nil
}

func (a *fakeAggregation) Download(_ context.Context, url string) (io.ReadCloser, error) {
	if a.dlErr != nil {
		return nil, a.dlErr
	}
	a.dlURL = url
	return stringsReader(a.csv), nil
}
