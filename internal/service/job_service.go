package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/metrics"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/store"
)

// Deps are the collaborators shared by the lifecycle services.
type Deps struct {
	Jobs      *store.JobStore
	Tracks    *store.TrackStore
	Pipelines *store.PipelineStore
	Providers *client.Registry
	Poller    *Poller
	Style     *StyleService
	Artifacts *ArtifactService
	Registry  *Registry
	Bus       events.Bus
	Metrics   *metrics.Metrics
	Log       *logger.Logger
}

// JobConfig holds per-deployment generation budgets.
type JobConfig struct {
	DefaultProvider model.ProviderName
	PollBudgets     map[model.ProviderName]int
	Retry           client.RetryPolicy
}

// DefaultPollBudget applies to providers without an explicit budget.
const DefaultPollBudget = 60

const maxMutateAttempts = 5

// JobService owns the state machine of a GenerationJob.
type JobService struct {
	Deps
	cfg        JobConfig
	dispatcher Dispatcher
	notify     notifier
	log        *logger.Logger
}

func NewJobService(deps Deps, cfg JobConfig) *JobService {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = model.ProviderSuno
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = client.DefaultRetryPolicy
	}
	log := deps.Log.With("service", "JobService")
	return &JobService{
		Deps:   deps,
		cfg:    cfg,
		notify: notifier{bus: deps.Bus, log: log},
		log:    log,
	}
}

// SetDispatcher wires the dispatcher used by Create and Reset.
func (s *JobService) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// Create validates the request, stores a pending job and dispatches its
// background unit. It never waits for the provider. When an identical
// request of the same owner is still in flight, that job is returned with
// existing set.
func (s *JobService) Create(ctx context.Context, ownerID string, req *model.GenerateRequest) (job *model.GenerationJob, existing bool, err error) {
	params, err := s.snapshot(req)
	if err != nil {
		return nil, false, err
	}

	fingerprint := Fingerprint(ownerID, params)
	if dup, err := s.Jobs.FindActiveByFingerprint(ctx, ownerID, fingerprint); err == nil {
		s.log.Info("coalesced duplicate generation request", "jobId", dup.ID, "ownerId", ownerID)
		return dup, true, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to check for duplicates: %w", err)
	}

	job, err = s.insert(ctx, ownerID, params, fingerprint, nil)
	if err != nil {
		return nil, false, err
	}

	if err := s.dispatcher.DispatchJob(ctx, job.ID); err != nil {
		s.log.Error("dispatch failed", "jobId", job.ID, "error", err)
		if failed, ferr := s.FinalizeFailure(ctx, job.ID, "dispatch failed: "+err.Error()); ferr == nil {
			job = failed
		}
		return job, false, fmt.Errorf("failed to dispatch job: %w", err)
	}
	return job, false, nil
}

// snapshot validates req and freezes it into the params stored on the job.
func (s *JobService) snapshot(req *model.GenerateRequest) (model.GenerationParams, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return model.GenerationParams{}, &ValidationError{Message: "Prompt is required"}
	}
	provider := model.ProviderName(strings.ToLower(strings.TrimSpace(string(req.Provider))))
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	if _, err := s.Providers.Get(string(provider)); err != nil {
		return model.GenerationParams{}, &ValidationError{Message: fmt.Sprintf("Provider %q is not available", provider)}
	}
	return model.GenerationParams{
		Prompt:          strings.TrimSpace(req.Prompt),
		Style:           strings.TrimSpace(req.Style),
		Title:           strings.TrimSpace(req.Title),
		DurationSeconds: req.DurationSeconds,
		Instrumental:    req.Instrumental,
		Lyrics:          req.Lyrics,
		Model:           req.Model,
		Provider:        provider,
	}, nil
}

func (s *JobService) insert(ctx context.Context, ownerID string, params model.GenerationParams, fingerprint string, pipelineID *string) (*model.GenerationJob, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	job := &model.GenerationJob{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Provider:      params.Provider,
		Model:         params.Model,
		Status:        model.JobStatusPending,
		Progress:      0,
		CurrentStep:   "Queued",
		RequestParams: raw,
		PipelineID:    pipelineID,
		Fingerprint:   fingerprint,
	}
	if err := s.Jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}
	s.Metrics.JobCreated(string(job.Provider))
	s.notify.job(ctx, job)
	return job, nil
}

// Fingerprint identifies a request for in-flight de-duplication.
func Fingerprint(ownerID string, p model.GenerationParams) string {
	raw, _ := json.Marshal(p)
	sum := sha256.Sum256(append([]byte(ownerID+"\x00"), raw...))
	return hex.EncodeToString(sum[:])
}

// Get returns the job and, once completed, its track. An empty ownerID skips
// the ownership check (admin paths).
func (s *JobService) Get(ctx context.Context, ownerID, id string) (*model.GenerationJob, *model.Track, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return nil, nil, ErrJobNotFound
	}
	if job.Status != model.JobStatusCompleted || job.ResultTrackID == nil {
		return job, nil, nil
	}
	track, err := s.Tracks.Get(ctx, *job.ResultTrackID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load track: %w", err)
	}
	return job, track, nil
}

func (s *JobService) load(ctx context.Context, id string) (*model.GenerationJob, error) {
	job, err := s.Jobs.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}

// mutate re-reads the job, lets fn compute the updates and writes them with
// a revision check, retrying on conflict. fn returning no updates skips the
// write.
func (s *JobService) mutate(ctx context.Context, id string, fn func(job *model.GenerationJob) (map[string]interface{}, error)) (*model.GenerationJob, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		job, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		updates, err := fn(job)
		if err != nil {
			return job, err
		}
		if len(updates) == 0 {
			return job, nil
		}
		err = s.Jobs.Update(ctx, job, updates)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update job %s: %w", id, err)
		}
		s.notify.job(ctx, job)
		return job, nil
	}
	return nil, fmt.Errorf("job %s: %w", id, store.ErrVersionConflict)
}

// MarkProcessing records a checkpoint. The first call moves the job from
// pending to processing. A lower progress than stored is ignored; an equal
// one still refreshes the label, which keeps updatedAt moving while polling.
func (s *JobService) MarkProcessing(ctx context.Context, id string, progress int, label string) (*model.GenerationJob, error) {
	return s.mutate(ctx, id, func(job *model.GenerationJob) (map[string]interface{}, error) {
		if job.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		updates := map[string]interface{}{}
		if job.Status == model.JobStatusPending {
			updates["status"] = model.JobStatusProcessing
			updates["started_at"] = time.Now().UTC()
		}
		if progress > job.Progress {
			updates["progress"] = progress
		}
		if progress >= job.Progress && label != "" && label != job.CurrentStep {
			updates["current_step"] = label
		}
		return updates, nil
	})
}

// FinalizeSuccess completes the job. The track must already exist and carry
// audio.
func (s *JobService) FinalizeSuccess(ctx context.Context, id, trackID string) (*model.GenerationJob, error) {
	track, err := s.Tracks.Get(ctx, trackID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTrackNotPersisted
		}
		return nil, err
	}
	if track.AudioLocation == "" {
		return nil, ErrTrackNotPersisted
	}

	job, err := s.mutate(ctx, id, func(job *model.GenerationJob) (map[string]interface{}, error) {
		if job.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		if !job.Status.CanTransition(model.JobStatusCompleted) {
			return nil, fmt.Errorf("%s -> completed: %w", job.Status, ErrInvalidTransition)
		}
		return map[string]interface{}{
			"status":          model.JobStatusCompleted,
			"progress":        model.ProgressCompleted,
			"current_step":    "Completed",
			"result_track_id": track.ID,
			"completed_at":    time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return job, err
	}
	s.Metrics.JobFinished(string(job.Provider), string(job.Status), runSeconds(job))
	return job, nil
}

// FinalizeFailure fails the job with reason and leaves progress as is.
func (s *JobService) FinalizeFailure(ctx context.Context, id, reason string) (*model.GenerationJob, error) {
	job, err := s.mutate(ctx, id, func(job *model.GenerationJob) (map[string]interface{}, error) {
		if job.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		return map[string]interface{}{
			"status":        model.JobStatusFailed,
			"error_message": reason,
			"completed_at":  time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return job, err
	}
	s.Metrics.JobFinished(string(job.Provider), string(job.Status), runSeconds(job))
	return job, nil
}

func runSeconds(job *model.GenerationJob) float64 {
	start := job.CreatedAt
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	if job.CompletedAt == nil || start.IsZero() {
		return 0
	}
	return job.CompletedAt.Sub(start).Seconds()
}

// Run is the background unit of a standalone job.
func (s *JobService) Run(ctx context.Context, id string) error {
	_, err := s.runJob(ctx, id)
	return err
}

// runJob registers the unit, executes it and records any failure on the
// row. A terminal row found along the way (reset, reaper) ends the run
// quietly with ErrTerminalState.
func (s *JobService) runJob(ctx context.Context, id string) (*model.Track, error) {
	runCtx, wake, release, err := s.Registry.Start(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	s.Metrics.StartUnit(events.KindJob)
	defer s.Metrics.EndUnit(events.KindJob)

	var track *model.Track
	err = protect(func() (err error) {
		track, err = s.execute(runCtx, id, wake)
		return err
	})
	if err == nil {
		return track, nil
	}
	if errors.Is(err, ErrTerminalState) {
		s.log.Info("job already terminal, stopping", "jobId", id)
		return nil, err
	}
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		s.log.Error("job panicked", "jobId", id, "panic", panicErr.Value, "stack", string(panicErr.Stack))
	}

	reason := failureReason(runCtx, err)
	s.log.Warn("job failed", "jobId", id, "reason", reason)
	if _, ferr := s.FinalizeFailure(context.WithoutCancel(ctx), id, reason); ferr != nil && !errors.Is(ferr, ErrTerminalState) {
		s.log.Error("failed to record job failure", "jobId", id, "error", ferr)
	}
	return nil, err
}

func (s *JobService) execute(ctx context.Context, id string, wake <-chan struct{}) (*model.Track, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, ErrTerminalState
	}
	params, err := job.Params()
	if err != nil {
		return nil, fmt.Errorf("corrupt request params: %w", err)
	}
	provider, err := s.Providers.Get(string(job.Provider))
	if err != nil {
		return nil, err
	}
	log := s.log.With("jobId", id, "provider", job.Provider)
	log.Info("generation started")

	checkpoint := func(progress int, label string) error {
		if _, err := s.MarkProcessing(ctx, id, progress, label); err != nil {
			return err
		}
		// A base job keeps its pipeline alive for the reaper.
		if job.PipelineID != nil {
			if err := s.Pipelines.Touch(ctx, *job.PipelineID); err != nil {
				log.Warn("failed to touch pipeline", "pipelineId", *job.PipelineID, "error", err)
			}
		}
		return nil
	}

	if err := checkpoint(model.ProgressStarted, "Checking entitlement"); err != nil {
		return nil, err
	}

	// Pipeline base jobs arrive with a refined style already.
	refine := job.PipelineID == nil
	if err := checkpoint(model.ProgressPromptRefined, "Refining prompt"); err != nil {
		return nil, err
	}
	if refine {
		params.Prompt = s.Style.RefinePrompt(ctx, params)
	}
	if err := checkpoint(model.ProgressLyricsReady, "Writing lyrics"); err != nil {
		return nil, err
	}
	if refine {
		params.Lyrics = s.Style.WriteLyrics(ctx, params)
	}
	if err := checkpoint(model.ProgressStyleRefined, "Refining style"); err != nil {
		return nil, err
	}
	if refine {
		params.Style = s.Style.RefineStyle(ctx, params)
	}

	taskID, err := client.SubmitWithRetry(ctx, provider, &client.SubmitRequest{
		Kind:            client.TaskGenerate,
		Prompt:          params.Prompt,
		Style:           params.Style,
		Title:           params.Title,
		Lyrics:          params.Lyrics,
		Instrumental:    params.Instrumental,
		Model:           job.Model,
		DurationSeconds: params.DurationSeconds,
	}, s.cfg.Retry, log)
	if err != nil {
		s.Metrics.SubmitFailed(provider.Name())
		return nil, err
	}
	log.Info("submitted to provider", "taskId", taskID)

	if _, err := s.mutate(ctx, id, func(job *model.GenerationJob) (map[string]interface{}, error) {
		if job.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		return map[string]interface{}{
			"provider_task_id": taskID,
			"current_step":     "Waiting for " + provider.Name(),
		}, nil
	}); err != nil {
		return nil, err
	}

	artifact, err := s.Poller.Run(ctx, PollSpec{
		Provider:    provider,
		Kind:        client.TaskGenerate,
		TaskID:      taskID,
		MaxAttempts: s.pollBudget(job.Provider),
		Wake:        wake,
		OnAttempt: func(attempt, maxAttempts int) error {
			return checkpoint(model.PollProgress(attempt, maxAttempts), fmt.Sprintf("Generating (poll %d/%d)", attempt, maxAttempts))
		},
	})
	if err != nil {
		return nil, err
	}

	if err := checkpoint(model.ProgressGenerated, "Generation complete"); err != nil {
		return nil, err
	}
	if err := checkpoint(model.ProgressPersisting, "Saving track"); err != nil {
		return nil, err
	}

	track, err := s.Artifacts.Persist(ctx, job, params, artifact)
	if err != nil {
		return nil, err
	}
	if _, err := s.FinalizeSuccess(ctx, id, track.ID); err != nil {
		return nil, err
	}
	log.Info("generation completed", "trackId", track.ID, "duration", track.DurationSeconds)
	return track, nil
}

func (s *JobService) pollBudget(p model.ProviderName) int {
	if n, ok := s.cfg.PollBudgets[p]; ok && n > 0 {
		return n
	}
	return DefaultPollBudget
}

// failureReason is the message recorded on a failed row.
func failureReason(ctx context.Context, err error) string {
	if ctx.Err() != nil || errors.Is(err, ErrCanceled) {
		if errors.Is(err, ErrCanceled) || errors.Is(context.Cause(ctx), ErrCanceled) {
			return "canceled"
		}
		return "interrupted: service shutting down"
	}
	var provErr *ProviderFailureError
	if errors.As(err, &provErr) {
		return provErr.Reason
	}
	return err.Error()
}

// Reset cancels a job that is still running, fails it as canceled and starts
// a fresh job from the same parameters.
func (s *JobService) Reset(ctx context.Context, ownerID, id string) (fresh *model.GenerationJob, old *model.GenerationJob, err error) {
	old, _, err = s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	if old.PipelineID != nil {
		return nil, nil, &ValidationError{Message: "Pipeline jobs cannot be reset individually"}
	}

	if !old.Status.IsTerminal() {
		if err := s.dispatcher.Cancel(ctx, id); err != nil {
			s.log.Warn("cancel failed", "jobId", id, "error", err)
		}
		if failed, err := s.FinalizeFailure(ctx, id, "canceled"); err == nil {
			old = failed
		} else if !errors.Is(err, ErrTerminalState) {
			return nil, nil, err
		}
	}

	params, err := old.Params()
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt request params: %w", err)
	}
	fresh, _, err = s.Create(ctx, old.OwnerID, &model.GenerateRequest{
		Prompt:          params.Prompt,
		Provider:        params.Provider,
		Model:           params.Model,
		Style:           params.Style,
		Title:           params.Title,
		DurationSeconds: params.DurationSeconds,
		Instrumental:    params.Instrumental,
		Lyrics:          params.Lyrics,
	})
	if err != nil {
		return nil, old, err
	}
	return fresh, old, nil
}

// Nudge wakes the unit waiting on a provider task, if it runs here. Provider
// callbacks are hints only; polling stays authoritative.
func (s *JobService) Nudge(ctx context.Context, taskID string) bool {
	if job, err := s.Jobs.FindByProviderTaskID(ctx, taskID); err == nil {
		return s.Registry.Wake(job.ID)
	}
	if step, err := s.Pipelines.FindStepByProviderTaskID(ctx, taskID); err == nil {
		return s.Registry.Wake(step.PipelineID)
	}
	return false
}
