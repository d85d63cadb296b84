package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TestProvider is an in-process provider with deterministic output. A task
// finishes once Delay has elapsed since submit.
type TestProvider struct {
	Delay time.Duration

	// FailKinds makes tasks of the given kind finish as failed with the
	// mapped reason. SubmitErr, when set, is returned by every Submit.
	FailKinds map[TaskKind]string
	SubmitErr error

	// GarbledPolls is the number of polls, across all tasks, answered with
	// a body that does not decode.
	GarbledPolls int

	mu    sync.Mutex
	tasks map[string]testTask
	now   func() time.Time
}

type testTask struct {
	kind        TaskKind
	title       string
	submittedAt time.Time
}

// TestTrackDuration is the duration of every canned artifact.
const TestTrackDuration = 60

func NewTestProvider(delay time.Duration) *TestProvider {
	return &TestProvider{
		Delay: delay,
		tasks: make(map[string]testTask),
		now:   time.Now,
	}
}

func (p *TestProvider) Name() string { return "test" }

func (p *TestProvider) Supports(kind TaskKind) bool {
	switch kind {
	case TaskGenerate, TaskExtend, TaskVocalSeparation, TaskWavConversion:
		return true
	}
	return false
}

func (p *TestProvider) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.SubmitErr != nil {
		return "", p.SubmitErr
	}
	if !p.Supports(req.Kind) {
		return "", ErrUnsupportedTask
	}

	id := "test-" + uuid.NewString()
	title := req.Title
	if title == "" {
		title = "Test Track"
	}

	p.mu.Lock()
	p.tasks[id] = testTask{kind: req.Kind, title: title, submittedAt: p.now()}
	p.mu.Unlock()
	return id, nil
}

func (p *TestProvider) Poll(ctx context.Context, kind TaskKind, taskID string) (*PollResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	task, ok := p.tasks[taskID]
	garbled := p.GarbledPolls > 0
	if garbled {
		p.GarbledPolls--
	}
	p.mu.Unlock()
	if garbled {
		return nil, &EnvelopeError{Provider: p.Name(), Field: FieldBody, Detail: "invalid character '<' looking for beginning of value"}
	}
	if !ok {
		return nil, &APIError{Provider: p.Name(), StatusCode: 404, Body: "task not found"}
	}
	if task.kind != kind {
		return nil, &EnvelopeError{Provider: p.Name(), Field: "kind", Detail: fmt.Sprintf("task %s is %s, not %s", taskID, task.kind, kind)}
	}

	if p.now().Sub(task.submittedAt) < p.Delay {
		return &PollResult{Status: PollPending}, nil
	}
	if reason, fail := p.FailKinds[kind]; fail {
		return &PollResult{Status: PollFailed, Reason: reason}, nil
	}

	base := "https://cdn.songforge.test/" + taskID
	artifact := &Artifact{
		ProviderNativeID: "audio-" + taskID,
		Title:            task.title,
		DurationSeconds:  TestTrackDuration,
	}
	switch kind {
	case TaskGenerate, TaskExtend:
		artifact.AudioURL = base + ".mp3"
		artifact.ArtworkURL = base + ".jpg"
		artifact.Tags = "test"
	case TaskVocalSeparation:
		artifact.VocalURL = base + "-vocals.mp3"
		artifact.InstrumentalURL = base + "-instrumental.mp3"
	case TaskWavConversion:
		artifact.WavURL = base + ".wav"
	}
	return &PollResult{Status: PollSucceeded, Artifact: artifact}, nil
}
