package worker

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hamlet/api/internal/model"
	"github.com/hamlet/api/internal/queue"
	"github.com/hamlet/api/internal/store"
)

// MediaWorker fetches one media item, computing its byte length and
// base64-encoded MD5 digest.
type MediaWorker struct {
	media      store.MediaStore
	httpClient *http.Client
	log        *slog.Logger
}

func NewMediaWorker(media store.MediaStore, timeout time.Duration, log *slog.Logger) *MediaWorker {
	return &MediaWorker{
		media:      media,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}
}

func (w *MediaWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var p queue.MediaPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal media fetch payload: %w", err)
	}
	return w.Fetch(ctx, p.MediaID)
}

// Fetch runs one fetch attempt. A dead URL (non-2xx) fails the record
// immediately; transport failures are left to the queue's retry policy
// until the bound is exhausted. Terminal records are left untouched.
func (w *MediaWorker) Fetch(ctx context.Context, mediaID int64) error {
	m, err := w.media.GetMedia(ctx, mediaID)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	if m.Status.Terminal() {
		return nil
	}
	if m.Status == model.StatusPending {
		if err := w.media.SetMediaRunning(ctx, m.ID); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		w.fail(ctx, m.ID)
		return fmt.Errorf("bad media url %q: %w", m.URL, asynq.SkipRetry)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return w.transportFailure(ctx, m.ID, fmt.Errorf("media fetch %s: %w", m.URL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A dead media URL is not transient.
		w.fail(ctx, m.ID)
		return fmt.Errorf("media fetch %s returned %s: %w", m.URL, resp.Status, asynq.SkipRetry)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return w.transportFailure(ctx, m.ID, fmt.Errorf("media fetch %s body read: %w", m.URL, err))
	}

	digest := md5.Sum(body)
	hash := base64.StdEncoding.EncodeToString(digest[:])

	if err := w.media.CompleteMedia(ctx, m.ID, int64(len(body)), hash); err != nil {
		return err
	}

	w.log.Debug("media fetched", "mediaId", m.ID, "filesize", len(body))
	return nil
}

func (w *MediaWorker) transportFailure(ctx context.Context, mediaID int64, err error) error {
	if finalAttempt(ctx) {
		w.fail(ctx, mediaID)
	}
	return err
}

func (w *MediaWorker) fail(ctx context.Context, mediaID int64) {
	if err := w.media.ForceMediaFailed(ctx, mediaID); err != nil {
		w.log.Error("failed to mark media failed", "mediaId", mediaID, "error", err)
	}
}
