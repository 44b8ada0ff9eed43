// Package redis keeps jobs in Redis as JSON blobs, one key per job
// plus a set of known ids. UpdateState uses WATCH so two concurrent
// transitions on the same job cannot both win.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"modelconv/internal/job"
	"modelconv/internal/store"
)

const (
	jobKeyPrefix = "modelconv:job:"
	indexKey     = "modelconv:jobs"

	// maxTxRetries bounds WATCH retries when another writer keeps
	// touching the same key.
	maxTxRetries = 16
)

type Store struct {
	rdb *redis.Client
}

var _ store.Store = (*Store)(nil)

func New(addr string) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

// NewWithClient wraps an existing client, e.g. one shared with other
// subsystems or a test instance.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) key(id string) string { return jobKeyPrefix + id }

func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	raw, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	ok, err := s.rdb.SetNX(ctx, s.key(j.ID), raw, 0).Result()
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrDuplicateID
	}
	return s.rdb.SAdd(ctx, indexKey, j.ID).Err()
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var j job.Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &j, nil
}

func (s *Store) UpdateState(ctx context.Context, id string, fn job.Transition) (*job.Job, bool, error) {
	key := s.key(id)

	var (
		updated *job.Job
		applied bool
	)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return store.ErrNotFound
			}
			return err
		}
		var j job.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}

		applied = fn(&j)
		updated = &j
		if !applied {
			return nil
		}

		out, err := json.Marshal(&j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == nil {
			return updated, applied, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, false, err
	}
	return nil, false, fmt.Errorf("update job %s: key kept changing under watch", id)
}

func (s *Store) ListByState(ctx context.Context, state job.State) ([]string, error) {
	jobs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var matched []*job.Job
	for _, j := range jobs {
		if j.State == state {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].SubmittedAt.Equal(matched[b].SubmittedAt) {
			return matched[a].SubmittedAt.Before(matched[b].SubmittedAt)
		}
		return matched[a].ID < matched[b].ID
	})

	ids := make([]string, 0, len(matched))
	for _, j := range matched {
		ids = append(ids, j.ID)
	}
	return ids, nil
}

func (s *Store) ListTerminalOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	jobs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-age)
	var ids []string
	for _, j := range jobs {
		if !j.State.Terminal() {
			continue
		}
		ref := j.SubmittedAt
		if j.CompletedAt != nil {
			ref = *j.CompletedAt
		}
		if ref.Before(cutoff) {
			ids = append(ids, j.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return err
	}
	if err := s.rdb.SRem(ctx, indexKey, id).Err(); err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountByState(ctx context.Context) (map[job.State]int, error) {
	jobs, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[job.State]int)
	for _, j := range jobs {
		counts[j.State]++
	}
	return counts, nil
}

// Migrate is a no-op; Redis needs no schema.
func (s *Store) Migrate(ctx context.Context) error { return nil }

func (s *Store) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }

func (s *Store) Close() error { return s.rdb.Close() }

// loadAll fetches every indexed job in one MGET. Index members whose
// blob has disappeared are pruned on the way.
func (s *Store) loadAll(ctx context.Context) ([]*job.Job, error) {
	ids, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]*job.Job, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			_ = s.rdb.SRem(ctx, indexKey, ids[i]).Err()
			continue
		}
		var j job.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", ids[i], err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
