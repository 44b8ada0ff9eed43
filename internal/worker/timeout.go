package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"modelconv/internal/events"
	"modelconv/internal/job"
	"modelconv/internal/store"
)

// TimeoutSupervisor enforces the per-job wall clock limit. Every
// running job carries one armed timer; when it fires the supervisor
// tries to expire the job, and the store's transition check guarantees
// that either the worker's result or the timeout lands, never both.
type TimeoutSupervisor struct {
	store   JobStore
	timeout time.Duration
	events  events.Publisher
	logger  *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewTimeoutSupervisor(st JobStore, timeout time.Duration, pub events.Publisher, logger *slog.Logger) *TimeoutSupervisor {
	if pub == nil {
		pub = events.Nop()
	}
	return &TimeoutSupervisor{
		store:   st,
		timeout: timeout,
		events:  pub,
		logger:  logger,
		timers:  make(map[string]*time.Timer),
	}
}

// Timeout returns the limit applied to every job.
func (s *TimeoutSupervisor) Timeout() time.Duration { return s.timeout }

// Arm starts the job's timer. Arming an already armed id is a no-op.
func (s *TimeoutSupervisor) Arm(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if _, ok := s.timers[id]; ok {
		return
	}
	s.timers[id] = time.AfterFunc(s.timeout, func() { s.expire(id) })
}

// Disarm cancels the job's timer. Safe to call whether or not the
// timer already fired.
func (s *TimeoutSupervisor) Disarm(id string) {
	s.mu.Lock()
	t, ok := s.timers[id]
	if ok {
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if ok {
		t.Stop()
	}
}

// Armed reports how many timers are currently outstanding.
func (s *TimeoutSupervisor) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels all timers. Jobs already expired stay expired.
func (s *TimeoutSupervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *TimeoutSupervisor) expire(id string) {
	s.mu.Lock()
	delete(s.timers, id)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	reason := expireReason(s.timeout)
	updated, applied, err := s.store.UpdateState(ctx, id, job.Expire(reason, now))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("expire job", "job_id", id, "error", err)
		}
		return
	}
	if !applied {
		// The worker settled the job first; its result stands.
		s.logger.Debug("timeout fired after completion", "job_id", id, "state", updated.State)
		return
	}

	s.logger.Warn("job timed out", "job_id", id, "timeout", s.timeout)
	s.events.Publish(events.Event{JobID: id, Status: job.StateTimedOut, Detail: reason, At: now})
}

func expireReason(d time.Duration) string {
	return fmt.Sprintf("conversion exceeded %ds limit", int(d.Seconds()))
}
