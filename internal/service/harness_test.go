package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/metrics"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/store"
	"github.com/makeasinger/songforge/internal/testutil"
)

const testPollInterval = 10 * time.Millisecond

type harnessOpts struct {
	delay      time.Duration
	pollBudget int
	llm        client.ChatCompleter
	storage    client.StorageClient
	extra      []client.Provider
}

type harness struct {
	db         *gorm.DB
	deps       Deps
	jobs       *JobService
	pipelines  *PipelineService
	reaper     *Reaper
	provider   *client.TestProvider
	registry   *Registry
	dispatcher *LocalDispatcher
	events     *eventLog
}

func newHarness(t *testing.T, opts harnessOpts) *harness {
	t.Helper()

	db := testutil.DB(t)
	log := testutil.Logger(t)
	provider := client.NewTestProvider(opts.delay)
	providers := client.NewRegistry(append([]client.Provider{provider}, opts.extra...)...)
	registry := NewRegistry()
	m := metrics.New(prometheus.NewRegistry())

	bus := events.NewLocalBus()
	rec := &eventLog{}
	require.NoError(t, bus.StartForwarder(context.Background(), rec.add))

	tracks := store.NewTrackStore(db, log)
	deps := Deps{
		Jobs:      store.NewJobStore(db, log),
		Tracks:    tracks,
		Pipelines: store.NewPipelineStore(db, log),
		Providers: providers,
		Poller:    NewPoller(testPollInterval, m, log),
		Style:     NewStyleService(opts.llm, opts.llm != nil, log),
		Artifacts: NewArtifactService(tracks, opts.storage, log),
		Registry:  registry,
		Bus:       bus,
		Metrics:   m,
		Log:       log,
	}

	budget := opts.pollBudget
	if budget == 0 {
		budget = 500
	}
	jobs := NewJobService(deps, JobConfig{
		DefaultProvider: model.ProviderTest,
		PollBudgets:     map[model.ProviderName]int{model.ProviderTest: budget, model.ProviderMureka: budget},
		Retry:           client.RetryPolicy{Attempts: 3, Base: time.Millisecond},
	})
	pipelines := NewPipelineService(deps, jobs)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher := NewLocalDispatcher(ctx, registry, log)
	dispatcher.Bind(jobs.Run, pipelines.Run)
	jobs.SetDispatcher(dispatcher)
	pipelines.SetDispatcher(dispatcher)

	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
	})

	return &harness{
		db:         db,
		deps:       deps,
		jobs:       jobs,
		pipelines:  pipelines,
		reaper:     NewReaper(deps, 15*time.Minute),
		provider:   provider,
		registry:   registry,
		dispatcher: dispatcher,
		events:     rec,
	}
}

// waitJob polls the store until the job satisfies cond.
func (h *harness) waitJob(t *testing.T, id string, cond func(*model.GenerationJob) bool) *model.GenerationJob {
	t.Helper()
	var last *model.GenerationJob
	require.Eventually(t, func() bool {
		job, err := h.deps.Jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = job
		return cond(job)
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func (h *harness) waitTerminal(t *testing.T, id string) *model.GenerationJob {
	t.Helper()
	return h.waitJob(t, id, func(j *model.GenerationJob) bool { return j.Status.IsTerminal() })
}

func (h *harness) waitPipeline(t *testing.T, id string) *model.PipelineJob {
	t.Helper()
	var last *model.PipelineJob
	require.Eventually(t, func() bool {
		p, err := h.deps.Pipelines.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = p
		return p.Status.IsTerminal() && !h.registry.Running(id)
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) add(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) forID(id string) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.events {
		if ev.ID == id {
			out = append(out, ev)
		}
	}
	return out
}

// fakeLLM answers every completion with reply, or fails with err.
type fakeLLM struct {
	reply string
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeLLM) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeLLM) IsConfigured() bool { return true }

func (f *fakeLLM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
