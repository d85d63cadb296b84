package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/events"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/store"
)

// stageKinds maps optional pipeline steps to provider task kinds.
var stageKinds = map[model.StepName]client.TaskKind{
	model.StepExtension:       client.TaskExtend,
	model.StepVocalSeparation: client.TaskVocalSeparation,
	model.StepWavConversion:   client.TaskWavConversion,
}

// PipelineService runs a base generation followed by optional stages that
// operate on the base track. A failed stage halts the chain; whatever
// earlier steps produced is kept.
type PipelineService struct {
	Deps
	jobs       *JobService
	dispatcher Dispatcher
	notify     notifier
	log        *logger.Logger
}

func NewPipelineService(deps Deps, jobs *JobService) *PipelineService {
	log := deps.Log.With("service", "PipelineService")
	return &PipelineService{
		Deps:   deps,
		jobs:   jobs,
		notify: notifier{bus: deps.Bus, log: log},
		log:    log,
	}
}

func (s *PipelineService) SetDispatcher(d Dispatcher) { s.dispatcher = d }

// Create validates the request, stores the pipeline with its fixed step list
// and dispatches it.
func (s *PipelineService) Create(ctx context.Context, ownerID string, req *model.PipelineRequest) (*model.PipelineJob, error) {
	if req == nil {
		return nil, &ValidationError{Message: "Prompt is required"}
	}
	base, err := s.jobs.snapshot(&req.GenerateRequest)
	if err != nil {
		return nil, err
	}
	params := model.PipelineParams{
		GenerationParams:      base,
		EnableExtension:       req.EnableExtension,
		EnableVocalSeparation: req.EnableVocalSeparation,
		EnableWavConversion:   req.EnableWavConversion,
		ExtendAtSeconds:       req.ExtendAtSeconds,
		ExtendPrompt:          req.ExtendPrompt,
	}

	provider, err := s.Providers.Get(string(base.Provider))
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	steps := model.BuildSteps(params)
	for _, step := range steps {
		if kind, ok := stageKinds[step.Name]; ok && !provider.Supports(kind) {
			return nil, &ValidationError{Message: fmt.Sprintf("Provider %s does not support %s", provider.Name(), step.Name)}
		}
	}

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	p := &model.PipelineJob{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		Provider:      base.Provider,
		Status:        model.JobStatusPending,
		RequestParams: raw,
		Steps:         steps,
	}
	if err := s.Pipelines.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}
	s.notify.pipeline(ctx, p)

	if err := s.dispatcher.DispatchPipeline(ctx, p.ID); err != nil {
		s.log.Error("dispatch failed", "pipelineId", p.ID, "error", err)
		_, _ = s.fail(ctx, p.ID, "dispatch failed: "+err.Error())
		return p, fmt.Errorf("failed to dispatch pipeline: %w", err)
	}
	return p, nil
}

func (s *PipelineService) load(ctx context.Context, id string) (*model.PipelineJob, error) {
	p, err := s.Pipelines.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPipelineNotFound
	}
	return p, err
}

func (s *PipelineService) mutate(ctx context.Context, id string, fn func(p *model.PipelineJob) (map[string]interface{}, error)) (*model.PipelineJob, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		p, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		updates, err := fn(p)
		if err != nil {
			return p, err
		}
		if len(updates) == 0 {
			return p, nil
		}
		err = s.Pipelines.Update(ctx, p, updates)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update pipeline %s: %w", id, err)
		}
		s.notify.pipeline(ctx, p)
		return p, nil
	}
	return nil, fmt.Errorf("pipeline %s: %w", id, store.ErrVersionConflict)
}

func (s *PipelineService) fail(ctx context.Context, id, message string) (*model.PipelineJob, error) {
	p, err := s.mutate(ctx, id, func(p *model.PipelineJob) (map[string]interface{}, error) {
		if p.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		return map[string]interface{}{
			"status":        model.JobStatusFailed,
			"error_message": message,
			"completed_at":  time.Now().UTC(),
		}, nil
	})
	if err == nil {
		s.Metrics.PipelineFinished(string(model.JobStatusFailed))
	}
	return p, err
}

// Run is the background unit of a pipeline.
func (s *PipelineService) Run(ctx context.Context, id string) error {
	runCtx, wake, release, err := s.Registry.Start(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	s.Metrics.StartUnit(events.KindPipeline)
	defer s.Metrics.EndUnit(events.KindPipeline)

	err = protect(func() error { return s.execute(runCtx, id, wake) })
	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		s.log.Error("pipeline panicked", "pipelineId", id, "panic", panicErr.Value, "stack", string(panicErr.Stack))
		if _, ferr := s.fail(context.WithoutCancel(ctx), id, panicErr.Error()); ferr != nil && !errors.Is(ferr, ErrTerminalState) {
			s.log.Error("failed to record pipeline failure", "pipelineId", id, "error", ferr)
		}
		return err
	}
	if err != nil && !errors.Is(err, ErrTerminalState) {
		s.log.Warn("pipeline failed", "pipelineId", id, "error", err)
	}
	return err
}

// chainState carries what later steps need from earlier ones.
type chainState struct {
	params     model.PipelineParams
	provider   client.Provider
	baseTaskID string
	baseTrack  *model.Track
}

func (s *PipelineService) execute(ctx context.Context, id string, wake <-chan struct{}) error {
	p, err := s.load(ctx, id)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return ErrTerminalState
	}
	params, err := p.Params()
	if err != nil {
		_, _ = s.fail(context.WithoutCancel(ctx), id, "corrupt request params")
		return fmt.Errorf("corrupt request params: %w", err)
	}
	provider, err := s.Providers.Get(string(p.Provider))
	if err != nil {
		_, _ = s.fail(context.WithoutCancel(ctx), id, err.Error())
		return err
	}
	state := &chainState{params: params, provider: provider}

	p, err = s.mutate(ctx, id, func(p *model.PipelineJob) (map[string]interface{}, error) {
		if p.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		if p.Status == model.JobStatusPending {
			return map[string]interface{}{"status": model.JobStatusProcessing}, nil
		}
		return nil, nil
	})
	if err != nil {
		if !errors.Is(err, ErrTerminalState) {
			_, _ = s.fail(context.WithoutCancel(ctx), id, failureReason(ctx, err))
		}
		return err
	}

	for i := range p.Steps {
		step := &p.Steps[i]
		if _, err := s.mutate(ctx, id, func(p *model.PipelineJob) (map[string]interface{}, error) {
			if p.Status.IsTerminal() {
				return nil, ErrTerminalState
			}
			return map[string]interface{}{"current_step_index": i}, nil
		}); err != nil {
			return s.halt(ctx, id, step, err)
		}

		if err := s.Pipelines.UpdateStep(ctx, step, map[string]interface{}{
			"status":     model.StepStatusProcessing,
			"started_at": time.Now().UTC(),
		}); err != nil {
			return s.halt(ctx, id, step, err)
		}

		result, err := s.runStep(ctx, p, step, state, wake)
		if err != nil {
			return s.halt(ctx, id, step, err)
		}

		raw, err := json.Marshal(result)
		if err != nil {
			return s.halt(ctx, id, step, err)
		}
		if err := s.Pipelines.UpdateStep(context.WithoutCancel(ctx), step, map[string]interface{}{
			"status":       model.StepStatusCompleted,
			"progress":     100,
			"result":       datatypes.JSON(raw),
			"completed_at": time.Now().UTC(),
		}); err != nil {
			return s.halt(ctx, id, step, err)
		}
		s.log.Info("pipeline step completed", "pipelineId", id, "step", step.Name)
	}

	_, err = s.mutate(ctx, id, func(p *model.PipelineJob) (map[string]interface{}, error) {
		if p.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		for _, st := range p.Steps {
			if st.Status != model.StepStatusCompleted {
				return nil, fmt.Errorf("step %s is %s: %w", st.Name, st.Status, ErrInvalidTransition)
			}
		}
		return map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"completed_at": time.Now().UTC(),
		}, nil
	})
	if err != nil {
		return err
	}
	s.Metrics.PipelineFinished(string(model.JobStatusCompleted))
	s.log.Info("pipeline completed", "pipelineId", id)
	return nil
}

// halt records a step failure and fails the pipeline as "<step>: <reason>".
// Later steps are left pending.
func (s *PipelineService) halt(ctx context.Context, id string, step *model.PipelineStep, cause error) error {
	if errors.Is(cause, ErrTerminalState) {
		return cause
	}
	reason := failureReason(ctx, cause)
	bg := context.WithoutCancel(ctx)

	if err := s.Pipelines.UpdateStep(bg, step, map[string]interface{}{
		"status":        model.StepStatusFailed,
		"error_message": reason,
		"completed_at":  time.Now().UTC(),
	}); err != nil {
		s.log.Error("failed to record step failure", "pipelineId", id, "step", step.Name, "error", err)
	}
	if _, err := s.fail(bg, id, fmt.Sprintf("%s: %s", step.Name, reason)); err != nil && !errors.Is(err, ErrTerminalState) {
		s.log.Error("failed to record pipeline failure", "pipelineId", id, "error", err)
	}
	return fmt.Errorf("step %s: %w", step.Name, cause)
}

func (s *PipelineService) runStep(ctx context.Context, p *model.PipelineJob, step *model.PipelineStep, state *chainState, wake <-chan struct{}) (interface{}, error) {
	switch step.Name {
	case model.StepStyleRefinement:
		return s.refine(ctx, state), nil
	case model.StepBaseGeneration:
		return s.generateBase(ctx, p, step, state)
	}
	kind, ok := stageKinds[step.Name]
	if !ok {
		return nil, fmt.Errorf("unknown step %q", step.Name)
	}
	return s.runStage(ctx, p, step, kind, state, wake)
}

type refinementResult struct {
	Prompt string `json:"prompt"`
	Style  string `json:"style"`
	Lyrics string `json:"lyrics,omitempty"`
}

func (s *PipelineService) refine(ctx context.Context, state *chainState) *refinementResult {
	gp := &state.params.GenerationParams
	gp.Prompt = s.Style.RefinePrompt(ctx, *gp)
	gp.Lyrics = s.Style.WriteLyrics(ctx, *gp)
	gp.Style = s.Style.RefineStyle(ctx, *gp)
	return &refinementResult{Prompt: gp.Prompt, Style: gp.Style, Lyrics: gp.Lyrics}
}

type baseResult struct {
	JobID            string  `json:"jobId"`
	TrackID          string  `json:"trackId"`
	AudioURL         string  `json:"audioUrl"`
	ProviderNativeID string  `json:"providerNativeId"`
	DurationSeconds  float64 `json:"durationSeconds"`
}

func (s *PipelineService) generateBase(ctx context.Context, p *model.PipelineJob, step *model.PipelineStep, state *chainState) (*baseResult, error) {
	pipelineID := p.ID
	job, err := s.jobs.insert(ctx, p.OwnerID, state.params.GenerationParams, "", &pipelineID)
	if err != nil {
		return nil, err
	}
	if _, err := s.mutate(ctx, p.ID, func(p *model.PipelineJob) (map[string]interface{}, error) {
		if p.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		return map[string]interface{}{"base_job_id": job.ID}, nil
	}); err != nil {
		return nil, err
	}

	track, err := s.jobs.runJob(ctx, job.ID)
	if err != nil {
		// The job row carries the precise reason.
		if failed, lerr := s.jobs.load(context.WithoutCancel(ctx), job.ID); lerr == nil && failed.ErrorMessage != nil && ctx.Err() == nil {
			return nil, &ProviderFailureError{Reason: *failed.ErrorMessage}
		}
		return nil, err
	}

	done, err := s.jobs.load(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	if done.ProviderTaskID != nil {
		state.baseTaskID = *done.ProviderTaskID
		if err := s.Pipelines.UpdateStep(ctx, step, map[string]interface{}{"provider_task_id": *done.ProviderTaskID}); err != nil {
			return nil, err
		}
	}
	state.baseTrack = track

	if _, err := s.mutate(ctx, p.ID, func(p *model.PipelineJob) (map[string]interface{}, error) {
		if p.Status.IsTerminal() {
			return nil, ErrTerminalState
		}
		return map[string]interface{}{"base_track_id": track.ID}, nil
	}); err != nil {
		return nil, err
	}

	return &baseResult{
		JobID:            job.ID,
		TrackID:          track.ID,
		AudioURL:         track.AudioLocation,
		ProviderNativeID: track.ProviderNativeID,
		DurationSeconds:  track.DurationSeconds,
	}, nil
}

func (s *PipelineService) runStage(ctx context.Context, p *model.PipelineJob, step *model.PipelineStep, kind client.TaskKind, state *chainState, wake <-chan struct{}) (*client.Artifact, error) {
	if state.baseTrack == nil {
		return nil, fmt.Errorf("no base track to operate on")
	}
	params := state.params

	req := &client.SubmitRequest{
		Kind:          kind,
		Prompt:        params.Prompt,
		Style:         params.Style,
		Title:         params.Title,
		Instrumental:  params.Instrumental,
		Model:         params.Model,
		SourceTaskID:  state.baseTaskID,
		SourceAudioID: state.baseTrack.ProviderNativeID,
	}
	if kind == client.TaskExtend {
		if params.ExtendPrompt != "" {
			req.Prompt = params.ExtendPrompt
		}
		req.ContinueAt = params.ExtendAtSeconds
		if req.ContinueAt <= 0 || req.ContinueAt > state.baseTrack.DurationSeconds {
			req.ContinueAt = state.baseTrack.DurationSeconds
		}
	}

	log := s.log.With("pipelineId", p.ID, "step", step.Name)
	taskID, err := client.SubmitWithRetry(ctx, state.provider, req, s.jobs.cfg.Retry, log)
	if err != nil {
		s.Metrics.SubmitFailed(state.provider.Name())
		return nil, err
	}
	if err := s.Pipelines.UpdateStep(ctx, step, map[string]interface{}{"provider_task_id": taskID}); err != nil {
		return nil, err
	}

	artifact, err := s.Poller.Run(ctx, PollSpec{
		Provider:    state.provider,
		Kind:        kind,
		TaskID:      taskID,
		MaxAttempts: s.jobs.pollBudget(p.Provider),
		Wake:        wake,
		OnAttempt: func(attempt, maxAttempts int) error {
			if err := s.Pipelines.UpdateStep(ctx, step, map[string]interface{}{
				"progress": 100 * attempt / maxAttempts,
			}); err != nil {
				return err
			}
			return s.Pipelines.Touch(ctx, p.ID)
		},
	})
	if err != nil {
		return nil, err
	}

	prefix := fmt.Sprintf("pipelines/%s/%s/%s", p.OwnerID, p.ID, step.Name)
	mirrored := *artifact
	mirrored.AudioURL = s.Artifacts.Mirror(ctx, prefix+extOf(artifact.AudioURL, ".mp3"), artifact.AudioURL)
	mirrored.VocalURL = s.Artifacts.Mirror(ctx, prefix+"-vocals"+extOf(artifact.VocalURL, ".mp3"), artifact.VocalURL)
	mirrored.InstrumentalURL = s.Artifacts.Mirror(ctx, prefix+"-instrumental"+extOf(artifact.InstrumentalURL, ".mp3"), artifact.InstrumentalURL)
	mirrored.WavURL = s.Artifacts.Mirror(ctx, prefix+extOf(artifact.WavURL, ".wav"), artifact.WavURL)
	return &mirrored, nil
}

// Status is the polling read model of a pipeline.
func (s *PipelineService) Status(ctx context.Context, ownerID, id string) (*model.PipelineStatus, error) {
	p, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && p.OwnerID != ownerID {
		return nil, ErrPipelineNotFound
	}

	fraction := 0.0
	for _, st := range p.Steps {
		if st.Status != model.StepStatusProcessing {
			continue
		}
		fraction = float64(st.Progress) / 100
		if st.Name == model.StepBaseGeneration && p.BaseJobID != nil {
			if job, err := s.Jobs.Get(ctx, *p.BaseJobID); err == nil {
				fraction = float64(job.Progress) / 100
			}
		}
		break
	}

	out := &model.PipelineStatus{
		Success:                true,
		PipelineID:             p.ID,
		Status:                 p.Status,
		CurrentStepIndex:       p.CurrentStepIndex,
		Steps:                  make([]model.StepView, 0, len(p.Steps)),
		AggregateProgress:      aggregateProgress(p, fraction),
		EstimatedTimeRemaining: int(estimateRemaining(p, fraction).Seconds()),
		BaseJobID:              p.BaseJobID,
		BaseTrackID:            p.BaseTrackID,
		ErrorMessage:           p.ErrorMessage,
	}
	for _, st := range p.Steps {
		view := model.StepView{
			Name:           st.Name,
			Status:         st.Status,
			Progress:       st.Progress,
			ProviderTaskID: st.ProviderTaskID,
			ErrorMessage:   st.ErrorMessage,
		}
		if len(st.Result) > 0 {
			view.Result = json.RawMessage(st.Result)
		}
		out.Steps = append(out.Steps, view)
	}
	return out, nil
}

// aggregateProgress weighs steps equally; the active step contributes
// fraction of its weight.
func aggregateProgress(p *model.PipelineJob, fraction float64) int {
	if p.Status == model.JobStatusCompleted {
		return 100
	}
	total := len(p.Steps)
	if total == 0 {
		return 0
	}
	done := 0
	active := false
	for _, st := range p.Steps {
		switch st.Status {
		case model.StepStatusCompleted:
			done++
		case model.StepStatusProcessing:
			active = true
		}
	}
	value := float64(done)
	if active && p.Status == model.JobStatusProcessing {
		value += clamp01(fraction)
	}
	return int(value / float64(total) * 100)
}

// estimateRemaining sums nominal durations of what is left to run.
func estimateRemaining(p *model.PipelineJob, fraction float64) time.Duration {
	if p.Status.IsTerminal() {
		return 0
	}
	var left time.Duration
	for _, st := range p.Steps {
		nominal := model.NominalStepDuration[st.Name]
		switch st.Status {
		case model.StepStatusPending:
			left += nominal
		case model.StepStatusProcessing:
			left += time.Duration(float64(nominal) * (1 - clamp01(fraction)))
		}
	}
	return left
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
