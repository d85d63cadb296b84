package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/metrics"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/service"
	"github.com/makeasinger/songforge/internal/store"
	"github.com/makeasinger/songforge/internal/worker"
)

const (
	DispatchLocal = "local"
	DispatchQueue = "queue"
)

type Services struct {
	Registry  *service.Registry
	Jobs      *service.JobService
	Pipelines *service.PipelineService
	Reaper    *service.Reaper
	Bus       events.Bus
	Metrics   *metrics.Metrics

	// Exactly one of Local and Queue is set.
	Local *service.LocalDispatcher
	Queue *worker.QueueDispatcher
}

func wireServices(base context.Context, db *gorm.DB, cfg *config.Config, clients Clients, reg prometheus.Registerer, log *logger.Logger) (Services, error) {
	var bus events.Bus = events.NewLocalBus()
	if clients.Redis != nil {
		rb, err := events.NewRedisBus(clients.Redis, cfg.Events.Channel, log)
		if err != nil {
			return Services{}, fmt.Errorf("init event bus: %w", err)
		}
		bus = rb
	}

	m := metrics.New(reg)
	registry := service.NewRegistry()
	tracks := store.NewTrackStore(db, log)
	deps := service.Deps{
		Jobs:      store.NewJobStore(db, log),
		Tracks:    tracks,
		Pipelines: store.NewPipelineStore(db, log),
		Providers: clients.Providers,
		Poller:    service.NewPoller(cfg.Generation.PollInterval, m, log),
		Style:     service.NewStyleService(clients.LLM, cfg.Generation.RefineWithLLM, log),
		Artifacts: service.NewArtifactService(tracks, clients.Storage, log),
		Registry:  registry,
		Bus:       bus,
		Metrics:   m,
		Log:       log,
	}

	jobs := service.NewJobService(deps, service.JobConfig{
		DefaultProvider: model.ProviderName(cfg.Generation.DefaultProvider),
		PollBudgets: map[model.ProviderName]int{
			model.ProviderSuno:   cfg.Suno.MaxPolls,
			model.ProviderMureka: cfg.Mureka.MaxPolls,
			model.ProviderTest:   cfg.TestProvider.MaxPolls,
		},
		Retry: client.RetryPolicy{
			Attempts: cfg.Generation.SubmitAttempts,
			Base:     cfg.Generation.SubmitRetryBase,
		},
	})
	pipelines := service.NewPipelineService(deps, jobs)

	out := Services{
		Registry:  registry,
		Jobs:      jobs,
		Pipelines: pipelines,
		Reaper:    service.NewReaper(deps, cfg.Reaper.StaleAfter),
		Bus:       bus,
		Metrics:   m,
	}

	switch cfg.Dispatch.Mode {
	case DispatchQueue:
		out.Queue = worker.NewQueueDispatcher(clients.Asynq, clients.Inspector, registry, log)
		jobs.SetDispatcher(out.Queue)
		pipelines.SetDispatcher(out.Queue)
	case DispatchLocal, "":
		out.Local = service.NewLocalDispatcher(base, registry, log)
		out.Local.Bind(jobs.Run, pipelines.Run)
		jobs.SetDispatcher(out.Local)
		pipelines.SetDispatcher(out.Local)
	default:
		return Services{}, fmt.Errorf("unknown dispatch mode %q", cfg.Dispatch.Mode)
	}

	return out, nil
}
