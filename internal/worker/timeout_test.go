package worker_test

import (
	"context"
	"testing"
	"time"

	"modelconv/internal/job"
	"modelconv/internal/store/memory"
	"modelconv/internal/worker"
)

func seedRunning(t *testing.T, st *memory.Store, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := st.Insert(ctx, job.New(id, id+".glb", []byte("glb"), now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, applied, err := st.UpdateState(ctx, id, job.Start(now)); err != nil || !applied {
		t.Fatalf("start transition: applied=%v err=%v", applied, err)
	}
}

func TestSupervisorExpiresRunningJob(t *testing.T) {
	st := memory.New()
	rec := &recorder{}
	sup := worker.NewTimeoutSupervisor(st, 50*time.Millisecond, rec, testLogger())
	defer sup.Stop()

	seedRunning(t, st, "slow")
	sup.Arm("slow")

	j := waitForState(t, st, "slow", job.StateTimedOut)
	if j.Error != "conversion exceeded 0s limit" {
		t.Fatalf("unexpected timeout reason: %q", j.Error)
	}
	if j.CompletedAt == nil {
		t.Fatalf("expected completed_at on an expired job")
	}
	waitFor(t, "timeout event", func() bool { return len(rec.byStatus(job.StateTimedOut)) == 1 })
	waitFor(t, "timer cleanup", func() bool { return sup.Armed() == 0 })
}

func TestDisarmStopsTimer(t *testing.T) {
	st := memory.New()
	sup := worker.NewTimeoutSupervisor(st, 40*time.Millisecond, nil, testLogger())
	defer sup.Stop()

	seedRunning(t, st, "quick")
	sup.Arm("quick")
	sup.Disarm("quick")

	time.Sleep(120 * time.Millisecond)
	j, _ := st.Get(context.Background(), "quick")
	if j.State != job.StateRunning {
		t.Fatalf("disarmed job must keep running, got %q", j.State)
	}
	if sup.Armed() != 0 {
		t.Fatalf("expected no timers after disarm")
	}
}

func TestExpiryLosesAfterSettle(t *testing.T) {
	st := memory.New()
	rec := &recorder{}
	sup := worker.NewTimeoutSupervisor(st, 40*time.Millisecond, rec, testLogger())
	defer sup.Stop()

	seedRunning(t, st, "fast")
	sup.Arm("fast")

	// The worker wins before the timer fires.
	now := time.Now().UTC()
	if _, applied, err := st.UpdateState(context.Background(), "fast", job.Finish([]byte("zip"), nil, now)); err != nil || !applied {
		t.Fatalf("finish transition: applied=%v err=%v", applied, err)
	}

	time.Sleep(120 * time.Millisecond)
	j, _ := st.Get(context.Background(), "fast")
	if j.State != job.StateFinished || j.Error != "" {
		t.Fatalf("late expiry corrupted the job: %q %q", j.State, j.Error)
	}
	if got := rec.byStatus(job.StateTimedOut); len(got) != 0 {
		t.Fatalf("no timeout event for a finished job, got %#v", got)
	}
}

func TestArmIsIdempotent(t *testing.T) {
	st := memory.New()
	sup := worker.NewTimeoutSupervisor(st, time.Minute, nil, testLogger())
	defer sup.Stop()

	seedRunning(t, st, "one")
	sup.Arm("one")
	sup.Arm("one")

	if sup.Armed() != 1 {
		t.Fatalf("expected one timer, got %d", sup.Armed())
	}
}

func TestStopCancelsAllTimers(t *testing.T) {
	st := memory.New()
	sup := worker.NewTimeoutSupervisor(st, 40*time.Millisecond, nil, testLogger())

	seedRunning(t, st, "a")
	seedRunning(t, st, "b")
	sup.Arm("a")
	sup.Arm("b")
	sup.Stop()

	time.Sleep(120 * time.Millisecond)
	for _, id := range []string{"a", "b"} {
		j, _ := st.Get(context.Background(), id)
		if j.State != job.StateRunning {
			t.Fatalf("job %s expired after Stop, state %q", id, j.State)
		}
	}
	if sup.Armed() != 0 {
		t.Fatalf("expected no timers after stop")
	}

	// Arming after Stop is ignored.
	sup.Arm("a")
	if sup.Armed() != 0 {
		t.Fatalf("arm after stop must be a no-op")
	}
}
