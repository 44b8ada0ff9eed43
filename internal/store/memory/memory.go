// Package memory holds jobs in process memory. It is the default
// backend: a restart loses all jobs, which matches the service's
// polling contract where an unknown id is simply reported as not found.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"modelconv/internal/job"
	"modelconv/internal/store"
)

type Store struct {
	mu   sync.RWMutex
	jobs map[string]*job.Job
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{jobs: make(map[string]*job.Job)}
}

func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[j.ID]; ok {
		return store.ErrDuplicateID
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (s *Store) UpdateState(ctx context.Context, id string, fn job.Transition) (*job.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	applied := fn(j)
	return j.Clone(), applied, nil
}

func (s *Store) ListByState(ctx context.Context, state job.State) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*job.Job, 0)
	for _, j := range s.jobs {
		if j.State == state {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool {
		if matched[i].SubmittedAt.Equal(matched[k].SubmittedAt) {
			return matched[i].ID < matched[k].ID
		}
		return matched[i].SubmittedAt.Before(matched[k].SubmittedAt)
	})

	ids := make([]string, len(matched))
	for i, j := range matched {
		ids[i] = j.ID
	}
	return ids, nil
}

func (s *Store) ListTerminalOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-age)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, j := range s.jobs {
		if !j.State.Terminal() {
			continue
		}
		ref := j.SubmittedAt
		if j.CompletedAt != nil {
			ref = *j.CompletedAt
		}
		if ref.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *Store) CountByState(ctx context.Context) (map[job.State]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[job.State]int)
	for _, j := range s.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (s *Store) Migrate(ctx context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }
