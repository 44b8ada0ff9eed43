// Package sqlite keeps jobs in a single SQLite file, for deployments
// that want survival across restarts without running a database server.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"modelconv/internal/job"
	"modelconv/internal/store"
)

type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer; capping the pool at a single connection
	// makes UpdateState transactions serialize instead of failing busy.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	id              TEXT PRIMARY KEY,
	source_filename TEXT NOT NULL,
	payload         BLOB,
	state           TEXT NOT NULL,
	error           TEXT NOT NULL DEFAULT '',
	artifacts       TEXT,
	archive         BLOB,
	submitted_at    INTEGER NOT NULL,
	started_at      INTEGER,
	completed_at    INTEGER
);
CREATE INDEX IF NOT EXISTS jobs_state_idx ON jobs(state);
CREATE INDEX IF NOT EXISTS jobs_completed_at_idx ON jobs(completed_at);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate jobs table: %w", err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, j *job.Job) error {
	const q = `
INSERT INTO jobs (id, source_filename, payload, state, error, artifacts, archive, submitted_at, started_at, completed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(ctx, q,
		j.ID,
		j.SourceFilename,
		j.Payload,
		string(j.State),
		j.Error,
		artifactsText(j.Artifacts),
		j.Archive,
		j.SubmittedAt.UnixNano(),
		nullNano(j.StartedAt),
		nullNano(j.CompletedAt),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return store.ErrDuplicateID
		}
		return err
	}
	return nil
}

const selectCols = `id, source_filename, payload, state, error, artifacts, archive, submitted_at, started_at, completed_at`

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	const q = `SELECT ` + selectCols + ` FROM jobs WHERE id = ?;`
	return scanJob(s.db.QueryRowContext(ctx, q, id))
}

func (s *Store) UpdateState(ctx context.Context, id string, fn job.Transition) (*job.Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	const q = `SELECT ` + selectCols + ` FROM jobs WHERE id = ?;`
	j, err := scanJob(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, false, err
	}

	applied := fn(j)
	if applied {
		const upd = `
UPDATE jobs
SET payload=?, state=?, error=?, artifacts=?, archive=?, started_at=?, completed_at=?
WHERE id=?;
`
		if _, err := tx.ExecContext(ctx, upd,
			j.Payload,
			string(j.State),
			j.Error,
			artifactsText(j.Artifacts),
			j.Archive,
			nullNano(j.StartedAt),
			nullNano(j.CompletedAt),
			j.ID,
		); err != nil {
			return nil, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return j, applied, nil
}

func (s *Store) ListByState(ctx context.Context, state job.State) ([]string, error) {
	const q = `SELECT id FROM jobs WHERE state = ? ORDER BY submitted_at, id;`

	rows, err := s.db.QueryContext(ctx, q, string(state))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *Store) ListTerminalOlderThan(ctx context.Context, age time.Duration) ([]string, error) {
	const q = `
SELECT id FROM jobs
WHERE state IN (?, ?, ?) AND COALESCE(completed_at, submitted_at) < ?
ORDER BY id;
`
	cutoff := time.Now().UTC().Add(-age).UnixNano()
	rows, err := s.db.QueryContext(ctx, q,
		string(job.StateFinished),
		string(job.StateFailed),
		string(job.StateTimedOut),
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectIDs(rows)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	const q = `DELETE FROM jobs WHERE id = ?;`

	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CountByState(ctx context.Context) (map[job.State]int, error) {
	const q = `SELECT state, COUNT(*) FROM jobs GROUP BY state;`

	rows, err := s.db.QueryContext(ctx, q)
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

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		stateText   string
		arts        sql.NullString
		submittedAt int64
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	if err := row.Scan(
		&j.ID,
		&j.SourceFilename,
		&j.Payload,
		&stateText,
		&j.Error,
		&arts,
		&j.Archive,
		&submittedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	j.State = job.State(stateText)
	j.SubmittedAt = time.Unix(0, submittedAt).UTC()
	j.StartedAt = nanoTime(startedAt)
	j.CompletedAt = nanoTime(completedAt)
	if arts.Valid && arts.String != "" {
		if err := json.Unmarshal([]byte(arts.String), &j.Artifacts); err != nil {
			return nil, fmt.Errorf("decode artifacts: %w", err)
		}
	}
	return &j, nil
}

func artifactsText(arts []job.Artifact) sql.NullString {
	if len(arts) == 0 {
		return sql.NullString{}
	}
	raw, _ := json.Marshal(arts)
	return sql.NullString{String: string(raw), Valid: true}
}

func nullNano(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nanoTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func collectIDs(rows *sql.Rows) ([]string, error) {
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
