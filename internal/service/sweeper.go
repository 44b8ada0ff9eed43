package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"modelconv/internal/store"
)

// SweepStore is the slice of the store the sweeper needs.
type SweepStore interface {
	ListTerminalOlderThan(ctx context.Context, age time.Duration) ([]string, error)
	Remove(ctx context.Context, id string) error
}

// RetentionSweeper evicts terminal jobs older than the retention
// window. Queued and running jobs are never touched, no matter how old.
type RetentionSweeper struct {
	store  SweepStore
	window time.Duration
	logger *slog.Logger
}

func NewRetentionSweeper(st SweepStore, window time.Duration, logger *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{store: st, window: window, logger: logger}
}

// Window returns the configured retention window.
func (rs *RetentionSweeper) Window() time.Duration { return rs.window }

// Sweep removes every eligible job and reports how many went. Errors
// are logged and swallowed; eviction must never fail a submission.
func (rs *RetentionSweeper) Sweep(ctx context.Context) int {
	ids, err := rs.store.ListTerminalOlderThan(ctx, rs.window)
	if err != nil {
		rs.logger.Error("list expired jobs", "error", err)
		return 0
	}

	evicted := 0
	for _, id := range ids {
		if err := rs.store.Remove(ctx, id); err != nil {
			// Lost a race against another sweep; anything else is worth a log line.
			if !errors.Is(err, store.ErrNotFound) {
				rs.logger.Error("evict job", "job_id", id, "error", err)
			}
			continue
		}
		evicted++
	}
	if evicted > 0 {
		rs.logger.Info("evicted expired jobs", "count", evicted, "window", rs.window)
	}
	return evicted
}
