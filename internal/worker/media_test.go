package worker

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/hamlet/api/internal/model"
)

func TestFetchRecordsSizeAndDigest(t *testing.T) {
	body := []byte("not really a jpeg")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	media := newFakeMediaStore()
	w := NewMediaWorker(media, 5*time.Second, testLogger())

	ctx := context.Background()
	m, _ := media.CreateMedia(ctx, 1, 100, srv.URL+"/a.jpg")

	if err := w.Fetch(ctx, m.ID); err != nil {
		t.Fatalf("Fetch: %v", err)
	}

	got, _ := media.GetMedia(ctx, m.ID)
	if got.Status != model.StatusComplete {
		t.Fatalf("expected complete media, got %s", got.Status)
	}
	if got.Filesize == nil || *got.Filesize != int64(len(body)) {
		t.Fatalf("unexpected filesize %v", got.Filesize)
	}

	digest := md5.Sum(body)
	wantHash := base64.StdEncoding.EncodeToString(digest[:])
	if got.Hash == nil || *got.Hash != wantHash {
		t.Fatalf("expected hash %q, got %v", wantHash, got.Hash)
	}
}

func TestFetchFailsImmediatelyOnDeadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	media := newFakeMediaStore()
	w := NewMediaWorker(media, 5*time.Second, testLogger())

	ctx := context.Background()
	m, _ := media.CreateMedia(ctx, 1, 100, srv.URL+"/gone.jpg")

	err := w.Fetch(ctx, m.ID)
	if err == nil {
		t.Fatal("expected error for 404")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for dead url, got %v", err)
	}

	got, _ := media.GetMedia(ctx, m.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed media, got %s", got.Status)
	}
}

func TestFetchFailsRecordOnTransportErrorExhaustion(t *testing.T) {
	media := newFakeMediaStore()
	w := NewMediaWorker(media, 100*time.Millisecond, testLogger())

	ctx := context.Background()
	m, _ := media.CreateMedia(ctx, 1, 100, "http://127.0.0.1:1/unreachable.jpg")

	// Without queue metadata the attempt counts as the last one.
	err := w.Fetch(ctx, m.ID)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("transport errors must stay retryable, got %v", err)
	}

	got, _ := media.GetMedia(ctx, m.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed media after final attempt, got %s", got.Status)
	}
}

func TestFetchLeavesTerminalRecordsAlone(t *testing.T) {
	media := newFakeMediaStore()
	w := NewMediaWorker(media, 5*time.Second, testLogger())

	ctx := context.Background()
	m, _ := media.CreateMedia(ctx, 1, 100, "https://example.org/a.jpg")
	_ = media.SetMediaRunning(ctx, m.ID)
	_ = media.CompleteMedia(ctx, m.ID, 10, "hash")

	if err := w.Fetch(ctx, m.ID); err != nil {
		t.Fatalf("Fetch on terminal record: %v", err)
	}

	got, _ := media.GetMedia(ctx, m.ID)
	if *got.Filesize != 10 || got.Status != model.StatusComplete {
		t.Fatalf("terminal record was touched: %+v", got)
	}
}
