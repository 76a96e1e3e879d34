package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/client"
	"github.com/hamlet/api/internal/model"
	"github.com/hamlet/api/internal/queue"
	"github.com/hamlet/api/internal/store"
)

// subjectInfo is the per-frame metadata carried in the manifest. The
// prediction services expect it as a JSON string, not a nested object.
type subjectInfo struct {
	ProjectID    string `json:"project_id"`
	SubjectSetID string `json:"subject_set_id"`
	SubjectID    string `json:"subject_id"`
	FrameID      string `json:"frame_id"`
}

// manifestRow pairs an image URL with its stringified subject info.
type manifestRow [2]string

// AssistantWorker hands a subject set off to a prediction service:
// collect every frame, package the manifest as JSON, publish it behind a
// time-limited shareable URL, submit that URL. A retry redoes all four
// stages; each is side-effect idempotent.
type AssistantWorker struct {
	exports  store.ExportStore
	catalog  client.Catalog
	blobs    client.BlobPublisher
	backends map[string]client.PredictionBackend
	tmpDir   string
	log      *slog.Logger
}

func NewAssistantWorker(exports store.ExportStore, catalog client.Catalog, blobs client.BlobPublisher, backends []client.PredictionBackend, tmpDir string, log *slog.Logger) *AssistantWorker {
	byName := make(map[string]client.PredictionBackend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	return &AssistantWorker{
		exports:  exports,
		catalog:  catalog,
		blobs:    blobs,
		backends: byName,
		tmpDir:   tmpDir,
		log:      log,
	}
}

func (w *AssistantWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.AssistantPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal assistant export payload: %w", err)
	}

	err := w.Export(ctx, &p)
	return settle(ctx, err, func() {
		_ = w.exports.SetJobStatus(ctx, p.ExportID, model.StatusFailed)
		w.log.Error("assistant export failed", "exportId", p.ExportID, "backend", p.Backend, "error", err)
	})
}

func (w *AssistantWorker) Export(ctx context.Context, p *queue.AssistantPayload) error {
	job, err := w.exports.GetJob(ctx, p.ExportID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	backend, ok := w.backends[p.Backend]
	if !ok {
		return apperrors.NewNotFoundError("unknown prediction backend %q", p.Backend)
	}

	if err := w.exports.SetJobStatus(ctx, job.ID, model.StatusRunning); err != nil {
		return err
	}

	// Stage 1: collect. The full manifest is held in memory; subject
	// sets are bounded in practice.
	rows, err := w.collect(ctx, p.AccessToken, job.TargetID)
	if err != nil {
		return err
	}

	// Stage 2: package. Sentinel guards cleanup against the scratch
	// file never having been created.
	scratchPath := ""
	defer func() { removeScratch(scratchPath, w.log) }()

	scratchPath, err = w.writeManifest(rows)
	if err != nil {
		return err
	}

	// Stage 3: publish.
	blobName := fmt.Sprintf("ml-subject-assistant-%d-export%d.json", job.TargetID, job.ID)
	shareableURL, err := w.blobs.Publish(ctx, scratchPath, blobName)
	if err != nil {
		return err
	}

	// Stage 4: submit.
	predictionJob, err := backend.Submit(ctx, shareableURL)
	if err != nil {
		return err
	}

	if err := w.exports.SetAssistantResult(ctx, job.ID, shareableURL, predictionJob.ID, predictionJob.URL); err != nil {
		return err
	}

	w.log.Info("assistant export submitted",
		"exportId", job.ID, "backend", backend.Name(), "mlJobId", predictionJob.ID, "frames", len(rows))
	return nil
}

// collect emits one manifest row per frame of every subject in the set.
func (w *AssistantWorker) collect(ctx context.Context, accessToken string, subjectSetID int64) ([]manifestRow, error) {
	subjectSet, err := w.catalog.SubjectSet(ctx, accessToken, subjectSetID)
	if err != nil {
		return nil, err
	}

	rows := make([]manifestRow, 0)
	it := w.catalog.Subjects(ctx, accessToken, subjectSetID)
	for it.Next() {
		subject := it.Subject()
		for frameID, location := range subject.Locations {
			imageURL := firstLocationURL(location)
			if imageURL == "" {
				continue
			}

			info, err := json.Marshal(subjectInfo{
				ProjectID:    subjectSet.ProjectID,
				SubjectSetID: strconv.FormatInt(subjectSetID, 10),
				SubjectID:    strconv.FormatInt(subject.ID, 10),
				FrameID:      strconv.Itoa(frameID),
			})
			if err != nil {
				return nil, err
			}
			rows = append(rows, manifestRow{imageURL, string(info)})
		}
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return rows, nil
}

func (w *AssistantWorker) writeManifest(rows []manifestRow) (string, error) {
	f, err := os.CreateTemp(w.tmpDir, "ml-subject-assistant-*.json")
	if err != nil {
		return "", err
	}
	path := f.Name()

	data, err := json.Marshal(rows)
	if err != nil {
		f.Close()
		return path, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return path, err
	}
	return path, f.Close()
}
