package worker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/hamlet/api/internal/client"
	"github.com/hamlet/api/internal/model"
	"github.com/hamlet/api/internal/queue"
	"github.com/hamlet/api/internal/store"
)

// tsvLeader is the fixed first line of subject-set exports, consumed
// byte-for-byte by the upstream platform's bulk-import tooling.
const tsvLeader = "TsvHttpData-1.0"

// ArtifactWorker serializes a finished subject-set export to TSV and
// moves it into durable storage.
type ArtifactWorker struct {
	exports store.ExportStore
	media   store.MediaStore
	objects client.ObjectStore
	tmpDir  string
	log     *slog.Logger
}

func NewArtifactWorker(exports store.ExportStore, media store.MediaStore, objects client.ObjectStore, tmpDir string, log *slog.Logger) *ArtifactWorker {
	return &ArtifactWorker{exports: exports, media: media, objects: objects, tmpDir: tmpDir, log: log}
}

func (w *ArtifactWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.ExportPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal artifact write payload: %w", err)
	}

	err := w.Write(ctx, p.ExportID)
	return settle(ctx, err, func() {
		_ = w.exports.SetJobStatus(ctx, p.ExportID, model.StatusFailed)
		w.log.Error("artifact write failed", "exportId", p.ExportID, "error", err)
	})
}

// Write serializes all children in creation order, uploads the file under
// a deterministic name and completes the job. The scratch file is removed
// on every exit path.
func (w *ArtifactWorker) Write(ctx context.Context, exportID int64) error {
	job, err := w.exports.GetJob(ctx, exportID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	items, err := w.media.ListMediaByJob(ctx, job.ID)
	if err != nil {
		return err
	}

	scratchPath := ""
	defer func() { removeScratch(scratchPath, w.log) }()

	scratchPath, err = w.writeTSV(items)
	if err != nil {
		return err
	}

	f, err := os.Open(scratchPath)
	if err != nil {
		return err
	}
	defer f.Close()

	name := fmt.Sprintf("subject-set-%d-export%d.tsv", job.TargetID, job.ID)
	url, err := w.objects.Upload(ctx, name, f, "text/tab-separated-values")
	if err != nil {
		return err
	}

	if err := w.exports.AttachArtifact(ctx, job.ID, name, url); err != nil {
		return err
	}

	w.log.Info("artifact written", "exportId", job.ID, "name", name, "rows", len(items))
	return nil
}

func (w *ArtifactWorker) writeTSV(items []*model.MediaMetadata) (string, error) {
	f, err := os.CreateTemp(w.tmpDir, "subject-set-export-*.tsv")
	if err != nil {
		return "", err
	}
	path := f.Name()

	cw := csv.NewWriter(f)
	cw.Comma = '\t'
	// The bulk-import tooling reads the excel-tab dialect, rows end CRLF.
	cw.UseCRLF = true

	if err := cw.Write([]string{tsvLeader}); err != nil {
		f.Close()
		return path, err
	}
	for _, m := range items {
		var filesize int64
		if m.Filesize != nil {
			filesize = *m.Filesize
		}
		var hash string
		if m.Hash != nil {
			hash = *m.Hash
		}
		if err := cw.Write([]string{m.URL, strconv.FormatInt(filesize, 10), hash}); err != nil {
			f.Close()
			return path, err
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return path, err
	}
	return path, f.Close()
}
