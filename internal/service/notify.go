package service

import (
	"context"
	"time"

	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
)

// notifier publishes a change event after every committed write. Publishing
// is best effort: the row is the source of truth.
type notifier struct {
	bus events.Bus
	log *logger.Logger
}

func (n notifier) job(ctx context.Context, job *model.GenerationJob) {
	ev := events.Event{
		Kind:        events.KindJob,
		ID:          job.ID,
		OwnerID:     job.OwnerID,
		Status:      job.Status,
		Progress:    job.Progress,
		CurrentStep: job.CurrentStep,
		At:          time.Now().UTC(),
	}
	if job.ErrorMessage != nil {
		ev.Error = *job.ErrorMessage
	}
	n.publish(ctx, ev)
}

func (n notifier) pipeline(ctx context.Context, p *model.PipelineJob) {
	ev := events.Event{
		Kind:    events.KindPipeline,
		ID:      p.ID,
		OwnerID: p.OwnerID,
		Status:  p.Status,
		At:      time.Now().UTC(),
	}
	if p.CurrentStepIndex < len(p.Steps) {
		ev.CurrentStep = string(p.Steps[p.CurrentStepIndex].Name)
	}
	ev.Progress = aggregateProgress(p, 0)
	if p.ErrorMessage != nil {
		ev.Error = *p.ErrorMessage
	}
	n.publish(ctx, ev)
}

func (n notifier) publish(ctx context.Context, ev events.Event) {
	if n.bus == nil {
		return
	}
	if err := n.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		n.log.Warn("failed to publish change event", "kind", ev.Kind, "id", ev.ID, "error", err)
	}
}
