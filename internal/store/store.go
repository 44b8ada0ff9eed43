// Package store defines the persistence contract shared by every job
// store backend. All job state lives behind this interface; workers,
// timeout timers and the HTTP layer communicate exclusively through it.
package store

import (
	"context"
	"errors"
	"time"

	"modelconv/internal/job"
)

var (
	ErrNotFound    = errors.New("store: job not found")
	ErrDuplicateID = errors.New("store: job id already exists")
)

// Store is implemented by the memory, postgres, redis and sqlite
// backends. Get and UpdateState return copies; callers never share
// memory with the store.
type Store interface {
	// Insert stores a new job. ErrDuplicateID when the id is taken.
	Insert(ctx context.Context, j *job.Job) error

	// Get returns a copy of the job or ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)

	// UpdateState applies fn to the job while it is held exclusively.
	// It returns the job as stored afterwards and whether fn applied.
	// Concurrent callers serialize here; exactly one of two racing
	// terminal transitions wins.
	UpdateState(ctx context.Context, id string, fn job.Transition) (*job.Job, bool, error)

	// ListByState returns ids in submission order.
	ListByState(ctx context.Context, state job.State) ([]string, error)

	// ListTerminalOlderThan returns ids of terminal jobs whose
	// completion (or submission, if completion was never stamped)
	// is older than age.
	ListTerminalOlderThan(ctx context.Context, age time.Duration) ([]string, error)

	// Remove deletes the job. ErrNotFound when it is absent.
	Remove(ctx context.Context, id string) error

	// CountByState reports how many jobs sit in each state.
	CountByState(ctx context.Context) (map[job.State]int, error)

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
