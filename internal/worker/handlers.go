package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/service"
)

// Handlers execute queued units with the same services the local dispatcher
// uses.
type Handlers struct {
	jobs      *service.JobService
	pipelines *service.PipelineService
	reaper    *service.Reaper
	log       *logger.Logger
}

func NewHandlers(jobs *service.JobService, pipelines *service.PipelineService, reaper *service.Reaper, log *logger.Logger) *Handlers {
	return &Handlers{
		jobs:      jobs,
		pipelines: pipelines,
		reaper:    reaper,
		log:       log.With("component", "Worker"),
	}
}

// ProcessGeneration handles TaskTypeGeneration.
func (h *Handlers) ProcessGeneration(ctx context.Context, t *asynq.Task) error {
	id, err := parseUnitPayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	h.log.Info("starting generation job", "jobId", id)
	return h.finish("job", id, h.jobs.Run(ctx, id))
}

// ProcessPipeline handles TaskTypePipeline.
func (h *Handlers) ProcessPipeline(ctx context.Context, t *asynq.Task) error {
	id, err := parseUnitPayload(t)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	h.log.Info("starting pipeline", "pipelineId", id)
	return h.finish("pipeline", id, h.pipelines.Run(ctx, id))
}

// ProcessReap handles the periodic TaskTypeReap.
func (h *Handlers) ProcessReap(ctx context.Context, t *asynq.Task) error {
	res, err := h.reaper.Sweep(ctx)
	if err != nil {
		return err
	}
	if res.Jobs > 0 || res.Pipelines > 0 {
		h.log.Info("reaper sweep", "jobs", res.Jobs, "pipelines", res.Pipelines)
	}
	return nil
}

// finish maps a unit outcome to the asynq result. The row already carries
// the failure, so errors are reported without retry.
func (h *Handlers) finish(kind, id string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrTerminalState), errors.Is(err, service.ErrAlreadyRunning):
		h.log.Info("unit skipped", "kind", kind, "id", id, "reason", err)
		return nil
	}
	return fmt.Errorf("%s %s: %v: %w", kind, id, err, asynq.SkipRetry)
}
