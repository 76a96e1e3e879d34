package worker

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strconv"

	"github.com/hibiken/asynq"

	"github.com/hamlet/api/internal/apperrors"
	"github.com/hamlet/api/internal/client"
	"github.com/hamlet/api/internal/model"
	"github.com/hamlet/api/internal/queue"
	"github.com/hamlet/api/internal/store"
)

const reductionsRequestedData = "subject_reductions"

var urlSchemeRe = regexp.MustCompile(`^https?://`)

// WorkflowWorker runs the workflow export: fetch the latest consensus
// reductions from the aggregation service, join them against locally
// known media URLs and persist the result as a storage-prefixed CSV.
type WorkflowWorker struct {
	exports store.ExportStore
	media   store.MediaStore
	caesar  client.Aggregation
	objects client.ObjectStore
	tmpDir  string
	log     *slog.Logger
}

func NewWorkflowWorker(exports store.ExportStore, media store.MediaStore, caesar client.Aggregation, objects client.ObjectStore, tmpDir string, log *slog.Logger) *WorkflowWorker {
	return &WorkflowWorker{exports: exports, media: media, caesar: caesar, objects: objects, tmpDir: tmpDir, log: log}
}

func (w *WorkflowWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.WorkflowPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal workflow export payload: %w", err)
	}

	err := w.Export(ctx, &p)
	return settle(ctx, err, func() {
		_ = w.exports.SetJobStatus(ctx, p.ExportID, model.StatusFailed)
		w.log.Error("workflow export failed", "exportId", p.ExportID, "error", err)
	})
}

// Export runs the whole join; every step is a hard failure point.
func (w *WorkflowWorker) Export(ctx context.Context, p *queue.WorkflowPayload) error {
	job, err := w.exports.GetJob(ctx, p.ExportID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if err := w.exports.SetJobStatus(ctx, job.ID, model.StatusRunning); err != nil {
		return err
	}

	requests, err := w.caesar.DataRequests(ctx, p.AccessToken, job.TargetID)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return apperrors.NewExportFailure("workflow %d has no data requests", job.TargetID)
	}

	latest := selectLatestReductions(requests)
	if latest == nil {
		return apperrors.NewExportFailure("workflow %d has no %s request", job.TargetID, reductionsRequestedData)
	}
	if latest.URL == "" {
		return apperrors.NewExportFailure("latest %s request for workflow %d has no download url", reductionsRequestedData, job.TargetID)
	}

	body, err := w.caesar.Download(ctx, latest.URL)
	if err != nil {
		return err
	}
	defer body.Close()

	consensus, err := buildConsensus(body)
	if err != nil {
		return err
	}

	subjectIDs := make([]int64, 0, len(consensus))
	for id := range consensus {
		subjectIDs = append(subjectIDs, id)
	}
	sort.Slice(subjectIDs, func(i, j int) bool { return subjectIDs[i] < subjectIDs[j] })

	refs, err := w.media.DistinctMediaBySubjects(ctx, subjectIDs)
	if err != nil {
		return err
	}

	rows := joinConsensus(refs, consensus, p.StoragePrefix)

	scratchPath := ""
	defer func() { removeScratch(scratchPath, w.log) }()

	scratchPath, err = w.writeCSV(rows)
	if err != nil {
		return err
	}

	f, err := os.Open(scratchPath)
	if err != nil {
		return err
	}
	defer f.Close()

	name := fmt.Sprintf("workflow-%d-export%d.csv", job.TargetID, job.ID)
	url, err := w.objects.Upload(ctx, name, f, "text/csv")
	if err != nil {
		return err
	}

	if err := w.exports.AttachArtifact(ctx, job.ID, name, url); err != nil {
		return err
	}

	w.log.Info("workflow export written", "exportId", job.ID, "name", name, "rows", len(rows))
	return nil
}

// selectLatestReductions picks the subject_reductions request with the
// most recent updated_at. The sort is stable, so requests sharing a
// timestamp keep their upstream list order and the earlier one wins;
// upstream ordering itself is unspecified.
func selectLatestReductions(requests []client.DataRequest) *client.DataRequest {
	sorted := make([]client.DataRequest, len(requests))
	copy(sorted, requests)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].UpdatedAt > sorted[j].UpdatedAt
	})

	for i := range sorted {
		if sorted[i].RequestedData == reductionsRequestedData {
			return &sorted[i]
		}
	}
	return nil
}

// buildConsensus parses a reductions CSV and records the first-seen
// most-likely value per subject. Files without the consensus column
// produce an empty map.
func buildConsensus(r io.Reader) (map[int64]string, error) {
	cr := csv.NewReader(r)

	header, err := cr.Read()
	if err == io.EOF {
		return map[int64]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read reductions header: %w", err)
	}

	subjectCol, likelyCol := -1, -1
	for i, name := range header {
		switch name {
		case "subject_id":
			subjectCol = i
		case "data.most_likely":
			likelyCol = i
		}
	}

	consensus := map[int64]string{}
	if subjectCol < 0 || likelyCol < 0 {
		return consensus, nil
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read reductions row: %w", err)
		}

		subjectID, err := strconv.ParseInt(record[subjectCol], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed subject id %q in reductions", record[subjectCol])
		}
		if _, seen := consensus[subjectID]; !seen {
			consensus[subjectID] = record[likelyCol]
		}
	}
	return consensus, nil
}

// joinConsensus emits one CSV row per known (subject, url) pair that has
// a consensus entry: the cloud-storage path plus the consensus value.
// Only a leading http:// or https:// is stripped from the source URL.
func joinConsensus(refs []model.MediaRef, consensus map[int64]string, storagePrefix string) [][]string {
	var rows [][]string
	for _, ref := range refs {
		value, ok := consensus[ref.SubjectID]
		if !ok {
			continue
		}
		rows = append(rows, []string{
			fmt.Sprintf("gs://%s/%s", storagePrefix, urlSchemeRe.ReplaceAllString(ref.URL, "")),
			value,
		})
	}
	return rows
}

func (w *WorkflowWorker) writeCSV(rows [][]string) (string, error) {
	f, err := os.CreateTemp(w.tmpDir, "workflow-export-*.csv")
	if err != nil {
		return "", err
	}
	path := f.Name()

	cw := csv.NewWriter(f)
	cw.UseCRLF = true
	for _, row := range rows {
		if err := cw.Write(row); err != nil {
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
