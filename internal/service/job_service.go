// Package service exposes the conversion job API used by both the HTTP
// transport and the batch CLI: submit a model, poll its state, fetch
// the finished archive.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"modelconv/internal/events"
	"modelconv/internal/job"
)

// JobStore is the slice of the store the service needs.
type JobStore interface {
	Insert(ctx context.Context, j *job.Job) error
	Get(ctx context.Context, id string) (*job.Job, error)
}

// Queue hands accepted jobs to the worker pool. Enqueue must not block.
type Queue interface {
	Enqueue(id string)
}

var (
	ErrEmptyUpload = errors.New("service: uploaded file is empty")
	ErrNotReady    = errors.New("service: job output is not ready")
)

// defaultSourceName stands in when an upload arrives without a filename.
const defaultSourceName = "model.glb"

type JobService struct {
	store   JobStore
	queue   Queue
	sweeper *RetentionSweeper
	events  events.Publisher
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

type Option func(*JobService)

// WithClock fixes the service's notion of now. Tests use this to pin
// submission timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *JobService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides job id generation.
func WithIDGenerator(gen func() string) Option {
	return func(s *JobService) {
		if gen != nil {
			s.newID = gen
		}
	}
}

func NewJobService(st JobStore, q Queue, sweeper *RetentionSweeper, pub events.Publisher, logger *slog.Logger, opts ...Option) *JobService {
	if pub == nil {
		pub = events.Nop()
	}
	s := &JobService{
		store:   st,
		queue:   q,
		sweeper: sweeper,
		events:  pub,
		logger:  logger,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the upload, stores it as a queued job and hands the
// id to the worker pool. Each submission first sweeps expired terminal
// jobs so memory use tracks actual traffic.
func (s *JobService) Submit(ctx context.Context, sourceFilename string, payload []byte) (string, error) {
	s.sweeper.Sweep(ctx)

	if len(payload) == 0 {
		return "", ErrEmptyUpload
	}
	if strings.TrimSpace(sourceFilename) == "" {
		sourceFilename = defaultSourceName
	}

	id := s.newID()
	now := s.now().UTC()
	if err := s.store.Insert(ctx, job.New(id, sourceFilename, payload, now)); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	s.queue.Enqueue(id)

	s.logger.Info("job submitted",
		"job_id", id,
		"source", sourceFilename,
		"bytes", len(payload),
	)
	s.events.Publish(events.Event{JobID: id, Status: job.StateQueued, At: now})
	return id, nil
}

// GetStatus returns the job's current state without its bulk bytes.
func (s *JobService) GetStatus(ctx context.Context, id string) (job.View, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return job.View{}, err
	}
	return j.View(), nil
}

// GetArchive returns the finished job's archive and a download name
// derived from the upload. Jobs in any other state yield ErrNotReady.
func (s *JobService) GetArchive(ctx context.Context, id string) ([]byte, string, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if j.State != job.StateFinished {
		return nil, "", ErrNotReady
	}
	return j.Archive, archiveName(j.SourceFilename), nil
}

func archiveName(sourceFilename string) string {
	base := filepath.Base(strings.TrimSpace(sourceFilename))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." {
		base = "model"
	}
	return base + ".zip"
}
