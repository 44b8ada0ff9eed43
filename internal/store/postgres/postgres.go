// Package postgres keeps jobs in PostgreSQL. UpdateState serializes
// concurrent transitions with a row lock, so the winner between a
// worker result and a timeout is decided by the database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"modelconv/internal/job"
	"modelconv/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	source_filename TEXT NOT NULL,
	payload         BYTEA,
	state           TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	artifacts       JSONB,
	archive         BYTEA,
	submitted_at    TIMESTAMPTZ NOT NULL,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);`,
	`CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs (state);`,
	`CREATE INDEX IF NOT EXISTS jobs_completed_at_idx ON jobs (completed_at);`,
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, q := range migrations {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate jobs table: %w", err)
		}
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	const q = `
INSERT INTO jobs (id, source_filename, payload, state, error, artifacts, archive, submitted_at, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO NOTHING;
`
	tag, err := s.pool.Exec(ctx, q,
		j.ID,
		j.SourceFilename,
		j.Payload,
		string(j.State),
		j.Error,
		artifactsJSON(j.Artifacts),
		j.Archive,
		j.SubmittedAt,
		j.StartedAt,
		j.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrDuplicateID
	}
	return nil
}

const selectCols = `id, source_filename, payload, state, error, artifacts, archive, submitted_at, started_at, completed_at`

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	const q = `SELECT ` + selectCols + ` FROM jobs WHERE id = $1;`
	return scanJob(s.pool.QueryRow(ctx, q, id))
}

func (s *Store) UpdateState(ctx context.Context, id string, fn job.Transition) (*job.Job, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const q = `SELECT ` + selectCols + ` FROM jobs WHERE id = $1 FOR UPDATE;`
	j, err := scanJob(tx.QueryRow(ctx, q, id))
	if err != nil {
		return nil, false, err
	}

	applied := fn(j)
	if applied {
		const upd = `
UPDATE jobs
SET payload=$2, state=$3, error=$4, artifacts=$5, archive=$6, started_at=$7, completed_at=$8
WHERE id=$1;
`
		if _, err := tx.Exec(ctx, upd,
			j.ID,
			j.Payload,
			string(j.State),
			j.Error,
			artifactsJSON(j.Artifacts),
			j.Archive,
			j.StartedAt,
			j.CompletedAt,
		); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return j, applied, nil
}

func (s *Store) ListByState(ctx context.Context, state job.State) ([]string, error) {
	const q = `SELECT id FROM jobs WHERE state = $1 ORDER BY submitted_at, id;`

	rows, err := s.pool.Query(ctx, q, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *Store) ListTerminalOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	const q = `
SELECT id FROM jobs
WHERE state = ANY($1) AND COALESCE(completed_at, submitted_at) < $2
ORDER BY id;
`
	cutoff := time.Now().UTC().Add(-age)
	rows, err := s.pool.Query(ctx, q, terminalStates, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	const q = `DELETE FROM jobs WHERE id = $1;`

	tag, err := s.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountByState(ctx context.Context) (map[job.State]int, error) {
	const q = `SELECT state, COUNT(*) FROM jobs GROUP BY state;`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[job.State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[job.State(state)] = n
	}
	return counts, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

var terminalStates = []string{
	string(job.StateFinished),
	string(job.StateFailed),
	string(job.StateTimedOut),
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j         job.Job
		stateText string
		artsBytes []byte
	)
	if err := row.Scan(
		&j.ID,
		&j.SourceFilename,
		&j.Payload,
		&stateText,
		&j.Error,
		&artsBytes, // NULL => nil
		&j.Archive,
		&j.SubmittedAt,
		&j.StartedAt,
		&j.CompletedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	j.State = job.State(stateText)
	if len(artsBytes) > 0 {
		if err := json.Unmarshal(artsBytes, &j.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return &j, nil
}

// artifactsJSON renders the artifact list for the jsonb column, NULL
// when there are none.
func artifactsJSON(arts []job.Artifact) json.RawMessage {
	if len(arts) == 0 {
		return nil
	}
	raw, _ := json.Marshal(arts)
	return raw
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
