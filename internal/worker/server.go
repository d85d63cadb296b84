package worker

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/logger"
)

// NewServer builds the asynq worker server. Its logger is the zap sugared
// logger, which satisfies asynq.Logger.
func NewServer(redis config.RedisConfig, concurrency int, level string, log *logger.Logger) *asynq.Server {
	if concurrency <= 0 {
		concurrency = 10
	}
	return asynq.NewServer(RedisOpt(redis), asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueGeneration:  9,
			QueueMaintenance: 1,
		},
		LogLevel:        LogLevel(level),
		Logger:          log.With("component", "asynq").SugaredLogger,
		ShutdownTimeout: 30 * time.Second,
	})
}

// NewServeMux routes task types to handlers.
func NewServeMux(h *Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeGeneration, h.ProcessGeneration)
	mux.HandleFunc(TaskTypePipeline, h.ProcessPipeline)
	mux.HandleFunc(TaskTypeReap, h.ProcessReap)
	return mux
}

// NewScheduler registers the periodic reaper sweep. Only one scheduler per
// deployment should run; the unique option keeps overlapping sweeps out.
func NewScheduler(redis config.RedisConfig, interval time.Duration, level string, log *logger.Logger) (*asynq.Scheduler, error) {
	if interval <= 0 {
		interval = time.Minute
	}
	scheduler := asynq.NewScheduler(RedisOpt(redis), &asynq.SchedulerOpts{
		Logger:   log.With("component", "asynq-scheduler").SugaredLogger,
		LogLevel: LogLevel(level),
	})
	_, err := scheduler.Register(
		fmt.Sprintf("@every %s", interval),
		asynq.NewTask(TaskTypeReap, nil),
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Unique(interval),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register reaper schedule: %w", err)
	}
	return scheduler, nil
}
