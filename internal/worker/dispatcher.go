package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/service"
)

// QueueDispatcher hands units to asynq so any worker process sharing the
// redis instance can run them. Task ids equal job or pipeline ids, which
// makes enqueueing idempotent and lets Cancel address the running task.
type QueueDispatcher struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	registry  *service.Registry
	log       *logger.Logger
}

func NewQueueDispatcher(client *asynq.Client, inspector *asynq.Inspector, registry *service.Registry, log *logger.Logger) *QueueDispatcher {
	return &QueueDispatcher{
		client:    client,
		inspector: inspector,
		registry:  registry,
		log:       log.With("component", "QueueDispatcher"),
	}
}

func (d *QueueDispatcher) DispatchJob(ctx context.Context, jobID string) error {
	return d.enqueue(ctx, TaskTypeGeneration, jobID)
}

func (d *QueueDispatcher) DispatchPipeline(ctx context.Context, pipelineID string) error {
	return d.enqueue(ctx, TaskTypePipeline, pipelineID)
}

func (d *QueueDispatcher) enqueue(ctx context.Context, taskType, id string) error {
	task, err := newUnitTask(taskType, id)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	// Failures are recorded on the row; a retry would re-run a job whose
	// status is already terminal.
	info, err := d.client.EnqueueContext(ctx, task,
		asynq.TaskID(id),
		asynq.Queue(QueueGeneration),
		asynq.MaxRetry(0),
		asynq.Timeout(unitTimeout),
		asynq.Retention(24*time.Hour),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		d.log.Info("task already enqueued", "type", taskType, "id", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	d.log.Debug("task enqueued", "type", taskType, "id", id, "queue", info.Queue)
	return nil
}

// Cancel stops the unit wherever it runs. Units in this process are
// cancelled through the registry; others get an asynq cancel signal, and a
// task still waiting in the queue is deleted.
func (d *QueueDispatcher) Cancel(ctx context.Context, id string) error {
	if d.registry.Cancel(id, service.ErrCanceled) {
		return nil
	}
	if err := d.inspector.CancelProcessing(id); err != nil {
		d.log.Debug("cancel signal not sent", "id", id, "error", err)
	}
	if err := d.inspector.DeleteTask(QueueGeneration, id); err != nil &&
		!errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
		d.log.Debug("queued task not deleted", "id", id, "error", err)
	}
	return nil
}
