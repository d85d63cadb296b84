package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/logger"
)

// flakyProvider fails the first n submits.
type flakyProvider struct {
	*TestProvider
	failures int32
	calls    atomic.Int32
	err      error
}

func (p *flakyProvider) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if p.calls.Add(1) <= p.failures {
		return "", p.err
	}
	return p.TestProvider.Submit(ctx, req)
}

var fastRetry = RetryPolicy{Attempts: 3, Base: time.Millisecond}

func TestSubmitWithRetry_RecoversFromTransientFailures(t *testing.T) {
	p := &flakyProvider{TestProvider: NewTestProvider(0), failures: 2, err: errors.New("connection reset")}

	taskID, err := SubmitWithRetry(context.Background(), p, &SubmitRequest{Kind: TaskGenerate, Prompt: "x"}, fastRetry, logger.NewNop())

	require.NoError(t, err)
	assert.NotEmpty(t, taskID)
	assert.Equal(t, int32(3), p.calls.Load())
}

func TestSubmitWithRetry_ExhaustsAttempts(t *testing.T) {
	apiErr := &APIError{Provider: "test", StatusCode: 503, Body: "service unavailable"}
	p := &flakyProvider{TestProvider: NewTestProvider(0), failures: 10, err: apiErr}

	_, err := SubmitWithRetry(context.Background(), p, &SubmitRequest{Kind: TaskGenerate, Prompt: "x"}, fastRetry, logger.NewNop())

	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, 3, subErr.Attempts)
	assert.Equal(t, int32(3), p.calls.Load())
	assert.ErrorIs(t, err, apiErr)
	assert.Contains(t, err.Error(), "status 503")
	assert.Contains(t, err.Error(), "service unavailable")
}

func TestSubmitWithRetry_LinearDelay(t *testing.T) {
	p := &flakyProvider{TestProvider: NewTestProvider(0), failures: 10, err: errors.New("boom")}
	policy := RetryPolicy{Attempts: 3, Base: 20 * time.Millisecond}

	start := time.Now()
	_, err := SubmitWithRetry(context.Background(), p, &SubmitRequest{Kind: TaskGenerate}, policy, logger.NewNop())
	elapsed := time.Since(start)

	require.Error(t, err)
	// 20ms after the first attempt, 40ms after the second.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestSubmitWithRetry_StopsOnCancel(t *testing.T) {
	p := &flakyProvider{TestProvider: NewTestProvider(0), failures: 10, err: errors.New("boom")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := SubmitWithRetry(ctx, p, &SubmitRequest{Kind: TaskGenerate}, RetryPolicy{Attempts: 3, Base: time.Second}, logger.NewNop())

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), p.calls.Load())
}

func TestSubmitWithRetry_UnsupportedKind(t *testing.T) {
	m := NewMurekaClient(&config.MurekaConfig{APIKey: "k", BaseURL: "http://unused"}, logger.NewNop())

	_, err := SubmitWithRetry(context.Background(), m, &SubmitRequest{Kind: TaskVocalSeparation}, fastRetry, logger.NewNop())
	assert.ErrorIs(t, err, ErrUnsupportedTask)
}

func TestTestProvider_CompletesAfterDelay(t *testing.T) {
	p := NewTestProvider(time.Minute)
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	ctx := context.Background()
	taskID, err := p.Submit(ctx, &SubmitRequest{Kind: TaskGenerate, Prompt: "x", Title: "Demo"})
	require.NoError(t, err)

	res, err := p.Poll(ctx, TaskGenerate, taskID)
	require.NoError(t, err)
	assert.Equal(t, PollPending, res.Status)

	clock = clock.Add(time.Minute)
	res, err = p.Poll(ctx, TaskGenerate, taskID)
	require.NoError(t, err)
	require.Equal(t, PollSucceeded, res.Status)
	assert.Equal(t, float64(TestTrackDuration), res.Artifact.DurationSeconds)
	assert.Equal(t, "Demo", res.Artifact.Title)
	assert.NotEmpty(t, res.Artifact.AudioURL)
}

func TestTestProvider_FailKinds(t *testing.T) {
	p := NewTestProvider(0)
	p.FailKinds = map[TaskKind]string{TaskExtend: "extension rejected"}

	ctx := context.Background()
	taskID, err := p.Submit(ctx, &SubmitRequest{Kind: TaskExtend})
	require.NoError(t, err)

	res, err := p.Poll(ctx, TaskExtend, taskID)
	require.NoError(t, err)
	assert.Equal(t, PollFailed, res.Status)
	assert.Equal(t, "extension rejected", res.Reason)
}

func TestMurekaClient_SubmitAndPoll(t *testing.T) {
	var submitted map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/song/generate":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&submitted))
			_, _ = w.Write([]byte(`{"id":"m-1","created_at":1700000000,"model":"auto","status":"preparing"}`))
		case "/v1/song/query/m-1":
			_, _ = w.Write([]byte(`{"id":"m-1","status":"succeeded","choices":[{"id":"c-1","url":"https://cdn/m.mp3","flac_url":"https://cdn/m.flac","duration":61500}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewMurekaClient(&config.MurekaConfig{APIKey: "k", BaseURL: srv.URL, DefaultModel: "auto"}, logger.NewNop())
	ctx := context.Background()

	taskID, err := c.Submit(ctx, &SubmitRequest{Kind: TaskGenerate, Prompt: "dreamy", Style: "ambient", Instrumental: true})
	require.NoError(t, err)
	assert.Equal(t, "m-1", taskID)
	assert.Equal(t, "[Instrumental]", submitted["lyrics"])
	assert.Equal(t, "ambient, dreamy", submitted["prompt"])

	res, err := c.Poll(ctx, TaskGenerate, taskID)
	require.NoError(t, err)
	require.Equal(t, PollSucceeded, res.Status)
	assert.Equal(t, "c-1", res.Artifact.ProviderNativeID)
	assert.Equal(t, 61.5, res.Artifact.DurationSeconds)
	assert.Equal(t, "https://cdn/m.flac", res.Artifact.WavURL)
}

func TestMurekaClient_PollStatuses(t *testing.T) {
	body := `{"id":"m-1","status":"running"}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()
	c := NewMurekaClient(&config.MurekaConfig{APIKey: "k", BaseURL: srv.URL}, logger.NewNop())
	ctx := context.Background()

	res, err := c.Poll(ctx, TaskGenerate, "m-1")
	require.NoError(t, err)
	assert.Equal(t, PollPending, res.Status)

	body = `{"id":"m-1","status":"failed","failed_reason":"content policy"}`
	res, err = c.Poll(ctx, TaskGenerate, "m-1")
	require.NoError(t, err)
	assert.Equal(t, PollFailed, res.Status)
	assert.Equal(t, "content policy", res.Reason)

	body = `{"id":"m-1","status":"exploded"}`
	_, err = c.Poll(ctx, TaskGenerate, "m-1")
	var envErr *EnvelopeError
	assert.ErrorAs(t, err, &envErr)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(NewTestProvider(0))

	p, err := r.Get("test")
	require.NoError(t, err)
	assert.Equal(t, "test", p.Name())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.Equal(t, []string{"test"}, r.Names())
}
