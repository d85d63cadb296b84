package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/model"
)

func TestJobService_CreateRequiresPrompt(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Provider: model.ProviderTest})

	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "Prompt is required", vErr.Message)

	var count int64
	require.NoError(t, h.db.Model(&model.GenerationJob{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestJobService_CreateRejectsUnknownProvider(t *testing.T) {
	h := newHarness(t, harnessOpts{})

	_, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "x", Provider: model.ProviderSuno})

	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestJobService_CompletesWithTestProvider(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: 30 * time.Millisecond})

	job, existing, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "test track", Provider: model.ProviderTest})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Contains(t, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}, job.Status)
	assert.LessOrEqual(t, job.Progress, 10)

	done := h.waitTerminal(t, job.ID)
	require.Equal(t, model.JobStatusCompleted, done.Status, "error: %v", done.ErrorMessage)
	assert.Equal(t, 100, done.Progress)
	assert.Nil(t, done.ErrorMessage)
	require.NotNil(t, done.ResultTrackID)
	require.NotNil(t, done.ProviderTaskID)

	got, track, err := h.jobs.Get(context.Background(), "u1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, done.ID, got.ID)
	require.NotNil(t, track)
	assert.Equal(t, float64(client.TestTrackDuration), track.DurationSeconds)
	assert.NotEmpty(t, track.AudioLocation)
	assert.Equal(t, "u1", track.OwnerID)
}

func TestJobService_ProgressNeverDecreases(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: 50 * time.Millisecond})

	job, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "test track"})
	require.NoError(t, err)
	h.waitTerminal(t, job.ID)

	evs := h.events.forID(job.ID)
	require.NotEmpty(t, evs)
	last := 0
	for _, ev := range evs {
		assert.GreaterOrEqual(t, ev.Progress, last, "progress went backwards at %q", ev.CurrentStep)
		last = ev.Progress
	}
	assert.Equal(t, 100, last)
}

func TestJobService_MarkProcessingIgnoresLowerProgress(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	job, err := h.jobs.insert(ctx, "u1", model.GenerationParams{Prompt: "x", Provider: model.ProviderTest}, "fp", nil)
	require.NoError(t, err)

	updated, err := h.jobs.MarkProcessing(ctx, job.ID, 30, "Writing lyrics")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, updated.Status)
	assert.NotNil(t, updated.StartedAt)

	updated, err = h.jobs.MarkProcessing(ctx, job.ID, 15, "Refining prompt")
	require.NoError(t, err)
	assert.Equal(t, 30, updated.Progress)
	assert.Equal(t, "Writing lyrics", updated.CurrentStep)
}

func TestJobService_TerminalJobsRejectMutations(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	job, err := h.jobs.insert(ctx, "u1", model.GenerationParams{Prompt: "x", Provider: model.ProviderTest}, "fp", nil)
	require.NoError(t, err)

	failed, err := h.jobs.FinalizeFailure(ctx, job.ID, "boom")
	require.NoError(t, err)
	revision := failed.Revision

	_, err = h.jobs.MarkProcessing(ctx, job.ID, 50, "late")
	assert.ErrorIs(t, err, ErrTerminalState)
	_, err = h.jobs.FinalizeFailure(ctx, job.ID, "again")
	assert.ErrorIs(t, err, ErrTerminalState)

	got, err := h.deps.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, revision, got.Revision)
	assert.Equal(t, "boom", *got.ErrorMessage)
}

func TestJobService_FinalizeSuccessRequiresTrack(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	ctx := context.Background()

	job, err := h.jobs.insert(ctx, "u1", model.GenerationParams{Prompt: "x", Provider: model.ProviderTest}, "fp", nil)
	require.NoError(t, err)
	_, err = h.jobs.MarkProcessing(ctx, job.ID, 85, "Saving track")
	require.NoError(t, err)

	_, err = h.jobs.FinalizeSuccess(ctx, job.ID, "no-such-track")
	assert.ErrorIs(t, err, ErrTrackNotPersisted)

	got, err := h.deps.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusProcessing, got.Status)
}

func TestJobService_SubmitFailuresFailJob(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.provider.SubmitErr = &client.APIError{Provider: "test", StatusCode: 503, Body: "upstream unavailable"}

	job, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "test track"})
	require.NoError(t, err)

	done := h.waitTerminal(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Contains(t, *done.ErrorMessage, "after 3 attempts")
	assert.Contains(t, *done.ErrorMessage, "503")
	assert.Contains(t, *done.ErrorMessage, "upstream unavailable")
	assert.Nil(t, done.ResultTrackID)
}

func TestJobService_ProviderFailure(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.provider.FailKinds = map[client.TaskKind]string{client.TaskGenerate: "content rejected"}

	job, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "test track"})
	require.NoError(t, err)

	done := h.waitTerminal(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, done.Status)
	assert.Equal(t, "content rejected", *done.ErrorMessage)
	assert.Less(t, done.Progress, 100)
}

func TestJobService_SurvivesUnreadablePollResponse(t *testing.T) {
	h := newHarness(t, harnessOpts{})
	h.provider.GarbledPolls = 1

	job, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "test track"})
	require.NoError(t, err)

	done := h.waitTerminal(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, done.Status, "error: %v", done.ErrorMessage)
}

func TestJobService_PanicFailsJob(t *testing.T) {
	prov := &scriptedProvider{script: func(n int) (*client.PollResult, error) {
		var res *client.PollResult
		return &client.PollResult{Status: res.Status}, nil
	}}
	h := newHarness(t, harnessOpts{extra: []client.Provider{prov}})

	job, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "test track", Provider: "scripted"})
	require.NoError(t, err)

	done := h.waitTerminal(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, done.Status)
	require.NotNil(t, done.ErrorMessage)
	assert.Equal(t, "internal error", *done.ErrorMessage)
	require.Eventually(t, func() bool { return !h.registry.Running(job.ID) }, time.Second, 5*time.Millisecond)
}

func TestJobService_PollTimeout(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: time.Hour, pollBudget: 3})

	job, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "test track"})
	require.NoError(t, err)

	done := h.waitTerminal(t, job.ID)
	assert.Equal(t, model.JobStatusFailed, done.Status)
	assert.Equal(t, "timed out after 3 polls", *done.ErrorMessage)
	assert.GreaterOrEqual(t, done.Progress, model.ProgressStyleRefined)
	assert.LessOrEqual(t, done.Progress, model.ProgressGenerated)
}

func TestJobService_CoalescesDuplicateRequests(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: time.Hour})
	ctx := context.Background()
	req := &model.GenerateRequest{Prompt: "same idea", Style: "lofi"}

	first, existing, err := h.jobs.Create(ctx, "u1", req)
	require.NoError(t, err)
	assert.False(t, existing)

	second, existing, err := h.jobs.Create(ctx, "u1", req)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, first.ID, second.ID)

	other, existing, err := h.jobs.Create(ctx, "u2", req)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestJobService_ResetCancelsRunningUnit(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: time.Hour})
	ctx := context.Background()

	job, _, err := h.jobs.Create(ctx, "u1", &model.GenerateRequest{Prompt: "test track"})
	require.NoError(t, err)
	h.waitJob(t, job.ID, func(j *model.GenerationJob) bool { return j.ProviderTaskID != nil })
	require.True(t, h.registry.Running(job.ID))

	fresh, old, err := h.jobs.Reset(ctx, "u1", job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID)
	assert.Equal(t, job.ID, old.ID)

	require.Eventually(t, func() bool { return !h.registry.Running(job.ID) }, 5*time.Second, 5*time.Millisecond)

	stopped, err := h.deps.Jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, stopped.Status)
	assert.Equal(t, "canceled", *stopped.ErrorMessage)

	// The replacement carries the same request.
	oldParams, err := stopped.Params()
	require.NoError(t, err)
	replacement, err := h.deps.Jobs.Get(ctx, fresh.ID)
	require.NoError(t, err)
	newParams, err := replacement.Params()
	require.NoError(t, err)
	assert.Equal(t, oldParams, newParams)
	assert.False(t, replacement.Status.IsTerminal())
}

func TestJobService_ResetChecksOwner(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: time.Hour})
	ctx := context.Background()

	job, _, err := h.jobs.Create(ctx, "u1", &model.GenerateRequest{Prompt: "test track"})
	require.NoError(t, err)

	_, _, err = h.jobs.Reset(ctx, "u2", job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobService_NudgeWakesPoller(t *testing.T) {
	h := newHarness(t, harnessOpts{delay: time.Hour})
	ctx := context.Background()

	job, _, err := h.jobs.Create(ctx, "u1", &model.GenerateRequest{Prompt: "test track"})
	require.NoError(t, err)
	running := h.waitJob(t, job.ID, func(j *model.GenerationJob) bool { return j.ProviderTaskID != nil })

	assert.True(t, h.jobs.Nudge(ctx, *running.ProviderTaskID))
	assert.False(t, h.jobs.Nudge(ctx, "unknown-task"))
}

func TestJobService_RefinesWithLLM(t *testing.T) {
	llm := &fakeLLM{reply: "dreamy synth pads, slow tempo"}
	h := newHarness(t, harnessOpts{llm: llm})

	job, _, err := h.jobs.Create(context.Background(), "u1", &model.GenerateRequest{Prompt: "night drive", Instrumental: true})
	require.NoError(t, err)

	done := h.waitTerminal(t, job.ID)
	assert.Equal(t, model.JobStatusCompleted, done.Status)
	// Prompt and style; instrumental tracks skip lyrics.
	assert.Equal(t, 2, llm.count())

	// The stored request stays the caller's original.
	params, err := done.Params()
	require.NoError(t, err)
	assert.Equal(t, "night drive", params.Prompt)
}

func TestFailureReason(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "quota", failureReason(ctx, &ProviderFailureError{Reason: "quota"}))
	assert.Equal(t, "timed out after 4 polls", failureReason(ctx, &PollTimeoutError{Attempts: 4}))

	canceled, cancel := context.WithCancelCause(ctx)
	cancel(ErrCanceled)
	assert.Equal(t, "canceled", failureReason(canceled, context.Canceled))

	shutdown, stop := context.WithCancel(ctx)
	stop()
	assert.Equal(t, "interrupted: service shutting down", failureReason(shutdown, context.Canceled))
}
