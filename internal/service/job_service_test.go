package service_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"modelconv/internal/job"
	"modelconv/internal/service"
	"modelconv/internal/store"
	"modelconv/internal/store/memory"
)

type fakeQueue struct {
	enqueued []string
}

func (q *fakeQueue) Enqueue(id string) {
	q.enqueued = append(q.enqueued, id)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newService(st *memory.Store, q *fakeQueue, opts ...service.Option) *service.JobService {
	sweeper := service.NewRetentionSweeper(st, time.Hour, testLogger())
	return service.NewJobService(st, q, sweeper, nil, testLogger(), opts...)
}

func TestSubmitQueuesJob(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := &fakeQueue{}
	at := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)

	svc := newService(st, q,
		service.WithClock(fixedClock(at)),
		service.WithIDGenerator(func() string { return "fixed-id" }),
	)

	id, err := svc.Submit(ctx, "chair.glb", []byte("glb-bytes"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if id != "fixed-id" {
		t.Fatalf("expected generated id, got %q", id)
	}
	if len(q.enqueued) != 1 || q.enqueued[0] != "fixed-id" {
		t.Fatalf("expected job handed to the queue, got %#v", q.enqueued)
	}

	j, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.State != job.StateQueued {
		t.Fatalf("expected queued, got %q", j.State)
	}
	if !j.SubmittedAt.Equal(at) {
		t.Fatalf("expected submitted_at %v, got %v", at, j.SubmittedAt)
	}
	if j.SourceFilename != "chair.glb" {
		t.Fatalf("expected source filename kept, got %q", j.SourceFilename)
	}
}

func TestSubmitRejectsEmptyPayload(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	q := &fakeQueue{}
	svc := newService(st, q)

	_, err := svc.Submit(ctx, "empty.glb", nil)
	if !errors.Is(err, service.ErrEmptyUpload) {
		t.Fatalf("expected ErrEmptyUpload, got %v", err)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("rejected submission must not reach the queue")
	}
	counts, _ := st.CountByState(ctx)
	if len(counts) != 0 {
		t.Fatalf("rejected submission must not be stored: %#v", counts)
	}
}

func TestSubmitDefaultsMissingFilename(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newService(st, &fakeQueue{})

	id, err := svc.Submit(ctx, "  ", []byte("glb"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	j, _ := st.Get(ctx, id)
	if j.SourceFilename != "model.glb" {
		t.Fatalf("expected fallback filename, got %q", j.SourceFilename)
	}
}

func TestSubmitEvictsExpiredTerminalJobs(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newService(st, &fakeQueue{})
	now := time.Now().UTC()

	// Failed two hours ago: evicted on the next submission.
	st.Insert(ctx, job.New("expired", "old.glb", nil, now.Add(-3*time.Hour)))
	st.UpdateState(ctx, "expired", job.Start(now.Add(-3*time.Hour)))
	st.UpdateState(ctx, "expired", job.Fail("boom", now.Add(-2*time.Hour)))

	// Finished recently: kept.
	st.Insert(ctx, job.New("fresh", "new.glb", nil, now.Add(-10*time.Minute)))
	st.UpdateState(ctx, "fresh", job.Start(now.Add(-10*time.Minute)))
	st.UpdateState(ctx, "fresh", job.Finish([]byte("zip"), nil, now.Add(-5*time.Minute)))

	// Running for ages: retention never touches live jobs.
	st.Insert(ctx, job.New("stuck", "stuck.glb", nil, now.Add(-6*time.Hour)))
	st.UpdateState(ctx, "stuck", job.Start(now.Add(-6*time.Hour)))

	if _, err := svc.Submit(ctx, "trigger.glb", []byte("glb")); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := st.Get(ctx, "expired"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected expired job to be evicted, got %v", err)
	}
	if _, err := st.Get(ctx, "fresh"); err != nil {
		t.Fatalf("fresh terminal job must survive: %v", err)
	}
	if _, err := st.Get(ctx, "stuck"); err != nil {
		t.Fatalf("running job must survive retention: %v", err)
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	svc := newService(memory.New(), &fakeQueue{})

	_, err := svc.GetStatus(context.Background(), "nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGetStatusReflectsOutcome(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newService(st, &fakeQueue{})
	now := time.Now().UTC()

	st.Insert(ctx, job.New("done", "chair.glb", []byte("glb"), now))
	st.UpdateState(ctx, "done", job.Start(now))
	st.UpdateState(ctx, "done", job.Finish([]byte("zipbytes"), []job.Artifact{{Name: "chair.obj", Size: 9}}, now))

	v, err := svc.GetStatus(ctx, "done")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if v.State != job.StateFinished {
		t.Fatalf("expected finished, got %q", v.State)
	}
	if len(v.Artifacts) != 1 || v.Artifacts[0].Name != "chair.obj" {
		t.Fatalf("unexpected artifacts: %#v", v.Artifacts)
	}
	if v.ArchiveSize != int64(len("zipbytes")) {
		t.Fatalf("unexpected archive size: %d", v.ArchiveSize)
	}
	if v.StartedAt == nil || v.CompletedAt == nil {
		t.Fatalf("expected timestamps in the view")
	}
}

func TestGetArchiveStates(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newService(st, &fakeQueue{})
	now := time.Now().UTC()

	if _, _, err := svc.GetArchive(ctx, "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unknown job: expected ErrNotFound, got %v", err)
	}

	st.Insert(ctx, job.New("pending", "a.glb", []byte("glb"), now))
	if _, _, err := svc.GetArchive(ctx, "pending"); !errors.Is(err, service.ErrNotReady) {
		t.Fatalf("queued job: expected ErrNotReady, got %v", err)
	}

	st.UpdateState(ctx, "pending", job.Start(now))
	if _, _, err := svc.GetArchive(ctx, "pending"); !errors.Is(err, service.ErrNotReady) {
		t.Fatalf("running job: expected ErrNotReady, got %v", err)
	}

	st.UpdateState(ctx, "pending", job.Fail("boom", now))
	if _, _, err := svc.GetArchive(ctx, "pending"); !errors.Is(err, service.ErrNotReady) {
		t.Fatalf("failed job: expected ErrNotReady, got %v", err)
	}
}

func TestGetArchiveReturnsBytesAndName(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	svc := newService(st, &fakeQueue{})
	now := time.Now().UTC()

	st.Insert(ctx, job.New("done", "chair.glb", []byte("glb"), now))
	st.UpdateState(ctx, "done", job.Start(now))
	st.UpdateState(ctx, "done", job.Finish([]byte("zipbytes"), []job.Artifact{{Name: "chair.obj", Size: 9}}, now))

	data, name, err := svc.GetArchive(ctx, "done")
	if err != nil {
		t.Fatalf("get archive: %v", err)
	}
	if string(data) != "zipbytes" {
		t.Fatalf("unexpected archive bytes: %q", data)
	}
	if name != "chair.zip" {
		t.Fatalf("expected chair.zip, got %q", name)
	}
}
