package worker

import (
	"context"
	"testing"
	"time"

	"github.com/hamlet/api/internal/model"
)

func TestPollDecidesImmediatelyForZeroChildren(t *testing.T) {
	exports := newFakeExportStore()
	media := newFakeMediaStore()
	dispatcher := &fakeDispatcher{}
	w := NewStatusWorker(exports, media, dispatcher, &fakeResults{}, 10*time.Second, testLogger())

	ctx := context.Background()
	job, _ := exports.CreateJob(ctx, model.KindSubjectSet, 5, "", "")
	_ = exports.SetJobStatus(ctx, job.ID, model.StatusRunning)

	if err := w.Poll(ctx, job.ID); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	writes := dispatcher.byTask("artifact_write")
	if len(writes) != 1 || writes[0].id != job.ID {
		t.Fatalf("expected one artifact write for job %d, got %v", job.ID, writes)
	}
	if polls := dispatcher.byTask("status_poll"); len(polls) != 0 {
		t.Fatalf("expected no reschedule, got %v", polls)
	}

	got, _ := exports.GetJob(ctx, job.ID)
	if got.TaskID == "" {
		t.Fatal("expected job task id to track the artifact write")
	}
}

func TestPollReschedulesWhilePendingChildrenRemain(t *testing.T) {
	exports := newFakeExportStore()
	media := newFakeMediaStore()
	dispatcher := &fakeDispatcher{}
	interval := 10 * time.Second
	w := NewStatusWorker(exports, media, dispatcher, &fakeResults{}, interval, testLogger())

	ctx := context.Background()
	job, _ := exports.CreateJob(ctx, model.KindSubjectSet, 5, "", "")
	_ = exports.SetJobStatus(ctx, job.ID, model.StatusRunning)

	m, _ := media.CreateMedia(ctx, job.ID, 100, "https://example.org/a.jpg")
	_ = media.SetMediaTask(ctx, m.ID, "media-task-1")

	if err := w.Poll(ctx, job.ID); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	polls := dispatcher.byTask("status_poll")
	if len(polls) != 1 {
		t.Fatalf("expected one reschedule, got %v", polls)
	}
	if polls[0].delay != interval {
		t.Fatalf("expected reschedule delay %v, got %v", interval, polls[0].delay)
	}
	if writes := dispatcher.byTask("artifact_write"); len(writes) != 0 {
		t.Fatalf("expected no artifact write yet, got %v", writes)
	}
}

func TestPollFailsJobWhenChildrenFailed(t *testing.T) {
	exports := newFakeExportStore()
	media := newFakeMediaStore()
	dispatcher := &fakeDispatcher{}
	w := NewStatusWorker(exports, media, dispatcher, &fakeResults{}, 10*time.Second, testLogger())

	ctx := context.Background()
	job, _ := exports.CreateJob(ctx, model.KindSubjectSet, 5, "", "")
	_ = exports.SetJobStatus(ctx, job.ID, model.StatusRunning)

	ok, _ := media.CreateMedia(ctx, job.ID, 100, "https://example.org/a.jpg")
	_ = media.SetMediaRunning(ctx, ok.ID)
	_ = media.CompleteMedia(ctx, ok.ID, 10, "hash")

	bad, _ := media.CreateMedia(ctx, job.ID, 101, "https://example.org/b.jpg")
	_ = media.ForceMediaFailed(ctx, bad.ID)

	if err := w.Poll(ctx, job.ID); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	got, _ := exports.GetJob(ctx, job.ID)
	if got.Status != model.StatusFailed {
		t.Fatalf("expected failed job, got %s", got.Status)
	}
	if writes := dispatcher.byTask("artifact_write"); len(writes) != 0 {
		t.Fatalf("expected no artifact write for failed job, got %v", writes)
	}
}

func TestPollReconcilesVanishedMediaTasks(t *testing.T) {
	exports := newFakeExportStore()
	media := newFakeMediaStore()
	dispatcher := &fakeDispatcher{}
	results := &fakeResults{failed: map[string]bool{"media-task-1": true}}
	w := NewStatusWorker(exports, media, dispatcher, results, 10*time.Second, testLogger())

	ctx := context.Background()
	job, _ := exports.CreateJob(ctx, model.KindSubjectSet, 5, "", "")
	_ = exports.SetJobStatus(ctx, job.ID, model.StatusRunning)

	// Stuck pending, but the queue archived its task.
	m, _ := media.CreateMedia(ctx, job.ID, 100, "https://example.org/a.jpg")
	_ = media.SetMediaTask(ctx, m.ID, "media-task-1")

	if err := w.Poll(ctx, job.ID); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	gotMedia, _ := media.GetMedia(ctx, m.ID)
	if gotMedia.Status != model.StatusFailed {
		t.Fatalf("expected reconciled media to be failed, got %s", gotMedia.Status)
	}
	gotJob, _ := exports.GetJob(ctx, job.ID)
	if gotJob.Status != model.StatusFailed {
		t.Fatalf("expected job to fail in the same poll, got %s", gotJob.Status)
	}
}

func TestPollLeavesTerminalJobsAlone(t *testing.T) {
	exports := newFakeExportStore()
	media := newFakeMediaStore()
	dispatcher := &fakeDispatcher{}
	w := NewStatusWorker(exports, media, dispatcher, &fakeResults{}, 10*time.Second, testLogger())

	ctx := context.Background()
	job, _ := exports.CreateJob(ctx, model.KindSubjectSet, 5, "", "")
	_ = exports.SetJobStatus(ctx, job.ID, model.StatusFailed)

	if err := w.Poll(ctx, job.ID); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(dispatcher.calls) != 0 {
		t.Fatalf("expected no enqueues for terminal job, got %v", dispatcher.calls)
	}
}
