package worker

import (
	"context"
	"errors"
	"time"

	"modelconv/internal/events"
	"modelconv/internal/job"
)

// process drives a single job through its lifecycle: claim it, convert
// with a deadline, pack the outputs, settle the final state. Any settle
// that loses against the timeout supervisor is discarded; the job's
// recorded state is the only truth clients see.
func (p *Pool) process(ctx context.Context, slot int, id string) {
	now := time.Now().UTC()

	claimed, applied, err := p.store.UpdateState(ctx, id, job.Start(now))
	if err != nil {
		p.logger.Error("claim job", "job_id", id, "slot", slot, "error", err)
		return
	}
	if !applied {
		// Evicted or already settled between enqueue and claim.
		p.logger.Warn("job no longer queued", "job_id", id, "state", claimed.State)
		return
	}
	p.logger.Info("conversion started",
		"job_id", id,
		"slot", slot,
		"source", claimed.SourceFilename,
		"bytes", len(claimed.Payload),
	)
	p.events.Publish(events.Event{JobID: id, Status: job.StateRunning, At: now})

	p.timeouts.Arm(id)
	defer p.timeouts.Disarm(id)

	// Give the engine the same deadline the supervisor enforces so a
	// cooperative conversion stops burning the slot once it is lost.
	cctx, cancel := context.WithDeadline(ctx, claimed.StartedAt.Add(p.timeouts.Timeout()))
	defer cancel()

	files, convErr := p.engine.Convert(cctx, claimed.Payload, claimed.SourceFilename)

	finishedAt := time.Now().UTC()
	var settle job.Transition
	var final job.State
	var detail string

	switch {
	case convErr == nil:
		blob, artifacts, packErr := p.archiver.Pack(files)
		if packErr != nil {
			detail = packErr.Error()
			settle = job.Fail(detail, finishedAt)
			final = job.StateFailed
		} else {
			settle = job.Finish(blob, artifacts, finishedAt)
			final = job.StateFinished
		}
	case errors.Is(convErr, context.DeadlineExceeded):
		detail = expireReason(p.timeouts.Timeout())
		settle = job.Expire(detail, finishedAt)
		final = job.StateTimedOut
	default:
		detail = convErr.Error()
		settle = job.Fail(detail, finishedAt)
		final = job.StateFailed
	}

	updated, applied, err := p.store.UpdateState(ctx, id, settle)
	if err != nil {
		p.logger.Error("settle job", "job_id", id, "error", err)
		return
	}
	if !applied {
		p.logger.Info("conversion result discarded",
			"job_id", id,
			"state", updated.State,
			"duration_ms", time.Since(now).Milliseconds(),
		)
		return
	}

	p.events.Publish(events.Event{JobID: id, Status: final, Detail: detail, At: finishedAt})
	switch final {
	case job.StateFinished:
		p.logger.Info("conversion finished",
			"job_id", id,
			"slot", slot,
			"artifacts", len(updated.Artifacts),
			"archive_bytes", len(updated.Archive),
			"duration_ms", time.Since(now).Milliseconds(),
		)
	default:
		p.logger.Warn("conversion did not finish",
			"job_id", id,
			"slot", slot,
			"state", final,
			"reason", detail,
			"duration_ms", time.Since(now).Milliseconds(),
		)
	}
}
