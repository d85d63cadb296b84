package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/model"
	"github.com/makeasinger/songforge/internal/testutil"
)

func stepStatuses(p *model.PipelineJob) []model.StepStatus {
	out := make([]model.StepStatus, len(p.Steps))
	for i, st := range p.Steps {
		out[i] = st.Status
	}
	return out
}

func TestPipelineService_BaseFailureHaltsChain(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.provider.FailKinds = map[client.TaskKind]string{client.TaskGenerate: "content rejected"}

	p, err := h.pipelines.Create(context.Background(), "u1", &model.PipelineRequest{
		GenerateRequest: model.GenerateRequest{Prompt: "test track"},
		EnableExtension: true,
	})
	require.NoError(t, err)
	require.Len(t, p.Steps, 3)

	done := h.waitPipeline(t, p.ID)
	assert.Equal(t, model.JobStatusFailed, done.Status)
	assert.Equal(t, []model.StepStatus{
		model.StepStatusCompleted,
		model.StepStatusFailed,
		model.StepStatusPending,
	}, stepStatuses(done))
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "base_generation: content rejected", *done.ErrorMessage)
	assert.Equal(t, "content rejected", *done.Steps[1].ErrorMessage)
	assert.Nil(t, done.BaseTrackID)

	// The base job is a regular generation job tied to the pipeline.
	require.NotNil(t, done.BaseJobID)
	base, err := h.deps.Jobs.Get(context.Background(), *done.BaseJobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, base.Status)
	assert.Equal(t, p.ID, *base.PipelineID)
}

func TestPipelineService_RunsAllStages(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	p, err := h.pipelines.Create(context.Background(), "u1", &model.PipelineRequest{
		GenerateRequest:       model.GenerateRequest{Prompt: "test track", Title: "Chain"},
		EnableExtension:       true,
		EnableVocalSeparation: true,
		EnableWavConversion:   true,
		ExtendAtSeconds:       500,
	})
	require.NoError(t, err)
	require.Len(t, p.Steps, 5)

	done := h.waitPipeline(t, p.ID)
	require.Equal(t, model.JobStatusCompleted, done.Status, "error: %v", done.ErrorMessage)
	for _, st := range done.Steps {
		assert.Equal(t, model.StepStatusCompleted, st.Status, st.Name)
		assert.Equal(t, 100, st.Progress, st.Name)
		assert.NotEmpty(t, st.Result, st.Name)
	}
	require.NotNil(t, done.BaseTrackID)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 4, done.CurrentStepIndex)

	var wav client.Artifact
	require.NoError(t, json.Unmarshal(done.Steps[4].Result, &wav))
	assert.Contains(t, wav.WavURL, ".wav")

	var vocals client.Artifact
	require.NoError(t, json.Unmarshal(done.Steps[3].Result, &vocals))
	assert.NotEmpty(t, vocals.VocalURL)
	assert.NotEmpty(t, vocals.InstrumentalURL)

	status, err := h.pipelines.Status(context.Background(), "u1", p.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, status.AggregateProgress)
	assert.Zero(t, status.EstimatedTimeRemaining)
	assert.Len(t, status.Steps, 5)
}

func TestPipelineService_MinimalPipelineHasTwoSteps(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: time.Hour})

	p, err := h.pipelines.Create(context.Background(), "u1", &model.PipelineRequest{
		GenerateRequest: model.GenerateRequest{Prompt: "test track"},
	})
	require.NoError(t, err)

	names := []model.StepName{p.Steps[0].Name, p.Steps[1].Name}
	assert.Equal(t, []model.StepName{model.StepStyleRefinement, model.StepBaseGeneration}, names)
	assert.Len(t, p.Steps, 2)
}

func TestPipelineService_RejectsUnsupportedStage(t *testing.T) {
	mureka := client.NewMurekaClient(&config.MurekaConfig{APIKey: "k", BaseURL: "http://mureka.invalid"}, testutil.Logger(t))
	h := newHarness(t, harnessOpts{extra: []client.Provider{mureka}})

	_, err := h.pipelines.Create(context.Background(), "u1", &model.PipelineRequest{
		GenerateRequest:       model.GenerateRequest{Prompt: "test track", Provider: model.ProviderMureka},
		EnableVocalSeparation: true,
	})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "Provider mureka does not support vocal_separation", vErr.Message)

	var count int64
	require.NoError(t, h.db.Model(&model.PipelineJob{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPipelineService_RequiresPrompt(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, err := h.pipelines.Create(context.Background(), "u1", &model.PipelineRequest{})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "Prompt is required", vErr.Message)
}

func TestPipelineService_StatusChecksOwner(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: time.Hour})

	p, err := h.pipelines.Create(context.Background(), "u1", &model.PipelineRequest{
		GenerateRequest: model.GenerateRequest{Prompt: "test track"},
	})
	require.NoError(t, err)

	_, err = h.pipelines.Status(context.Background(), "u2", p.ID)
	assert.ErrorIs(t, err, ErrPipelineNotFound)

	status, err := h.pipelines.Status(context.Background(), "", p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, status.PipelineID)
	assert.Less(t, status.AggregateProgress, 100)
}

func TestAggregateProgress(t *testing.T) {
	p := &model.PipelineJob{
		Status: model.JobStatusProcessing,
		Steps: []model.PipelineStep{
			{Name: model.StepStyleRefinement, Status: model.StepStatusCompleted},
			{Name: model.StepBaseGeneration, Status: model.StepStatusProcessing},
			{Name: model.StepExtension, Status: model.StepStatusPending},
			{Name: model.StepVocalSeparation, Status: model.StepStatusPending},
		},
	}

	assert.Equal(t, 37, aggregateProgress(p, 0.5))
	assert.Equal(t, 25, aggregateProgress(p, 0))
	assert.Equal(t, 50, aggregateProgress(p, 7))
	assert.Equal(t, 270*time.Second, estimateRemaining(p, 0.5))

	p.Status = model.JobStatusFailed
	assert.Equal(t, 25, aggregateProgress(p, 0.5))
	assert.Zero(t, estimateRemaining(p, 0.5))

	p.Status = model.JobStatusCompleted
	assert.Equal(t, 100, aggregateProgress(p, 0))
}
