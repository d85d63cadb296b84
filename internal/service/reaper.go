package service

import (
	"context"
	"fmt"
	"time"

	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/logger"
)

// DefaultStaleAfter is how long an active row may go without a write before
// the reaper fails it.
const DefaultStaleAfter = 15 * time.Minute

const reapBatch = 500

// Reaper fails jobs and pipelines whose background unit stopped writing.
type Reaper struct {
	Deps
	staleAfter time.Duration
	notify     notifier
	log        *logger.Logger
	now        func() time.Time
}

func NewReaper(deps Deps, staleAfter time.Duration) *Reaper {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	log := deps.Log.With("component", "Reaper")
	return &Reaper{
		Deps:       deps,
		staleAfter: staleAfter,
		notify:     notifier{bus: deps.Bus, log: log},
		log:        log,
		now:        time.Now,
	}
}

// SweepResult counts what one sweep failed.
type SweepResult struct {
	Jobs      int
	Pipelines int
}

// Sweep reads stale candidates and fails each one with a conditional write
// that re-checks staleness, so a row written after the read is left alone.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := r.now().Add(-r.staleAfter)
	reason := fmt.Sprintf("Job stalled: no progress for %s", r.staleAfter)

	jobs, err := r.Jobs.ListStale(ctx, cutoff, reapBatch)
	if err != nil {
		return res, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	for _, candidate := range jobs {
		changed, err := r.Jobs.FailIfStale(ctx, candidate.ID, cutoff, reason)
		if err != nil {
			return res, fmt.Errorf("failed to reap job %s: %w", candidate.ID, err)
		}
		if !changed {
			continue
		}
		res.Jobs++
		r.Registry.Cancel(candidate.ID, ErrCanceled)
		if job, err := r.Jobs.Get(ctx, candidate.ID); err == nil {
			r.notify.job(ctx, job)
		}
		r.log.Warn("reaped stalled job", "jobId", candidate.ID, "lastUpdate", candidate.UpdatedAt)
	}

	pipelines, err := r.Pipelines.ListStale(ctx, cutoff, reapBatch)
	if err != nil {
		return res, fmt.Errorf("failed to list stale pipelines: %w", err)
	}
	for _, candidate := range pipelines {
		changed, err := r.Pipelines.FailIfStale(ctx, candidate.ID, cutoff, reason)
		if err != nil {
			return res, fmt.Errorf("failed to reap pipeline %s: %w", candidate.ID, err)
		}
		if !changed {
			continue
		}
		res.Pipelines++
		r.Registry.Cancel(candidate.ID, ErrCanceled)
		if p, err := r.Pipelines.Get(ctx, candidate.ID); err == nil {
			r.notify.pipeline(ctx, p)
		}
		r.log.Warn("reaped stalled pipeline", "pipelineId", candidate.ID, "lastUpdate", candidate.UpdatedAt)
	}

	r.Metrics.Reaped(events.KindJob, res.Jobs)
	r.Metrics.Reaped(events.KindPipeline, res.Pipelines)
	return res, nil
}

// Run sweeps every interval until ctx ends.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := r.Sweep(ctx)
			if err != nil {
				r.log.Error("reaper sweep failed", "error", err)
				continue
			}
			if res.Jobs > 0 || res.Pipelines > 0 {
				r.log.Info("reaper sweep", "jobs", res.Jobs, "pipelines", res.Pipelines)
			}
		}
	}
}
