// Package worker drains the pending queue and drives conversions
// through the job state machine.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"modelconv/internal/archive"
	"modelconv/internal/engine"
	"modelconv/internal/events"
	"modelconv/internal/job"
)

// JobStore is the slice of the store the worker package needs.
type JobStore interface {
	Get(ctx context.Context, id string) (*job.Job, error)
	UpdateState(ctx context.Context, id string, fn job.Transition) (*job.Job, bool, error)
	ListByState(ctx context.Context, state job.State) ([]string, error)
}

const defaultConcurrency = 2

// Pool runs a fixed number of conversion slots over an unbounded FIFO
// of job ids. Enqueue never blocks; jobs wait in submission order until
// a slot frees up.
type Pool struct {
	store    JobStore
	engine   engine.Engine
	archiver archive.Archiver
	timeouts *TimeoutSupervisor
	events   events.Publisher
	logger   *slog.Logger
	slots    int

	mu      sync.Mutex
	cond    *sync.Cond
	pending []string
	started bool
	stopped bool
	wg      sync.WaitGroup
}

type Option func(*Pool)

// WithConcurrency sets the number of conversion slots.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.slots = n
		}
	}
}

// WithEvents publishes job state changes as the pool applies them.
func WithEvents(pub events.Publisher) Option {
	return func(p *Pool) {
		if pub != nil {
			p.events = pub
		}
	}
}

func NewPool(st JobStore, eng engine.Engine, ar archive.Archiver, timeouts *TimeoutSupervisor, logger *slog.Logger, opts ...Option) *Pool {
	p := &Pool{
		store:    st,
		engine:   eng,
		archiver: ar,
		timeouts: timeouts,
		events:   events.Nop(),
		logger:   logger,
		slots:    defaultConcurrency,
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start recovers jobs left behind by a previous process and spawns the
// conversion slots.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("worker: pool already started")
	}
	p.started = true
	p.mu.Unlock()

	p.recover(ctx)

	for i := 0; i < p.slots; i++ {
		p.wg.Add(1)
		go p.runSlot(i + 1)
	}
	p.logger.Info("worker pool started", "slots", p.slots)
	return nil
}

// Stop lets in-flight conversions finish and abandons the rest of the
// queue. Abandoned jobs stay queued in the store and are requeued by
// the next Start against a persistent backend.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue appends a job id to the pending queue.
func (p *Pool) Enqueue(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.logger.Warn("enqueue after stop, job stays queued in store", "job_id", id)
		return
	}
	p.pending = append(p.pending, id)
	p.cond.Signal()
}

// Depth reports how many jobs wait for a slot.
func (p *Pool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pool) runSlot(n int) {
	defer p.wg.Done()
	for {
		id, ok := p.next()
		if !ok {
			return
		}
		p.process(context.Background(), n, id)
	}
}

func (p *Pool) next() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.pending) == 0 && !p.stopped {
		p.cond.Wait()
	}
	if p.stopped {
		return "", false
	}
	id := p.pending[0]
	p.pending = p.pending[1:]
	return id, true
}

// recover handles the two leftovers a restart can produce: running
// jobs whose worker is gone, and queued jobs that were never claimed.
func (p *Pool) recover(ctx context.Context) {
	running, err := p.store.ListByState(ctx, job.StateRunning)
	if err != nil {
		p.logger.Error("list running jobs", "error", err)
	}
	for _, id := range running {
		now := time.Now().UTC()
		if _, applied, err := p.store.UpdateState(ctx, id, job.Fail("conversion interrupted by restart", now)); err == nil && applied {
			p.logger.Warn("failed abandoned job", "job_id", id)
			p.events.Publish(events.Event{JobID: id, Status: job.StateFailed, Detail: "conversion interrupted by restart", At: now})
		}
	}

	queued, err := p.store.ListByState(ctx, job.StateQueued)
	if err != nil {
		p.logger.Error("list queued jobs", "error", err)
		return
	}
	for _, id := range queued {
		p.Enqueue(id)
	}
	if len(queued) > 0 {
		p.logger.Info("requeued pending jobs", "count", len(queued))
	}
}
