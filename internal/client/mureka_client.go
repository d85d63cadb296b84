package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/makeasinger/songforge/internal/config"
	"github.com/makeasinger/songforge/internal/logger"
)

// MurekaClient implements Provider for the Mureka song API. It only
// generates; post-processing stages are rejected up front.
type MurekaClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	log          *logger.Logger
}

type murekaGenerateRequest struct {
	Lyrics string `json:"lyrics"`
	Prompt string `json:"prompt,omitempty"`
	Model  string `json:"model"`
}

type murekaTask struct {
	ID           string         `json:"id"`
	CreatedAt    int64          `json:"created_at"`
	Model        string         `json:"model"`
	Status       string         `json:"status"`
	FailedReason string         `json:"failed_reason"`
	Choices      []murekaChoice `json:"choices"`
}

type murekaChoice struct {
	ID       string `json:"id"`
	Index    int    `json:"index"`
	URL      string `json:"url"`
	FlacURL  string `json:"flac_url"`
	Duration int64  `json:"duration"` // milliseconds
	Lyrics   string `json:"lyrics"`
}

var murekaStatuses = map[string]PollStatus{
	"preparing": PollPending,
	"queued":    PollPending,
	"running":   PollPending,
	"streaming": PollPending,
	"reviewing": PollPending,
	"succeeded": PollSucceeded,
	"failed":    PollFailed,
	"timeouted": PollFailed,
	"cancelled": PollFailed,
}

// instrumentalLyrics is what Mureka expects when no vocals are wanted.
const instrumentalLyrics = "[Instrumental]"

func NewMurekaClient(cfg *config.MurekaConfig, log *logger.Logger) *MurekaClient {
	return &MurekaClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		log:          log.With("provider", "mureka"),
	}
}

func (c *MurekaClient) Name() string { return "mureka" }

func (c *MurekaClient) Supports(kind TaskKind) bool { return kind == TaskGenerate }

func (c *MurekaClient) IsConfigured() bool { return c.apiKey != "" }

func (c *MurekaClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}
	if req.Kind != TaskGenerate {
		return "", ErrUnsupportedTask
	}

	lyrics := req.Lyrics
	if req.Instrumental || lyrics == "" {
		lyrics = instrumentalLyrics
	}
	prompt := req.Prompt
	if req.Style != "" {
		prompt = req.Style + ", " + prompt
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var task murekaTask
	if err := c.do(ctx, http.MethodPost, "/v1/song/generate", &murekaGenerateRequest{
		Lyrics: lyrics,
		Prompt: prompt,
		Model:  model,
	}, &task); err != nil {
		return "", err
	}
	if task.ID == "" {
		return "", &EnvelopeError{Provider: c.Name(), Field: "id", Detail: "missing task id"}
	}
	return task.ID, nil
}

func (c *MurekaClient) Poll(ctx context.Context, kind TaskKind, taskID string) (*PollResult, error) {
	if kind != TaskGenerate {
		return nil, ErrUnsupportedTask
	}

	var task murekaTask
	if err := c.do(ctx, http.MethodGet, "/v1/song/query/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}

	status, ok := murekaStatuses[task.Status]
	if !ok {
		return nil, &EnvelopeError{Provider: c.Name(), Field: "status", Detail: fmt.Sprintf("unknown status %q", task.Status)}
	}

	switch status {
	case PollFailed:
		reason := task.FailedReason
		if reason == "" {
			reason = task.Status
		}
		return &PollResult{Status: PollFailed, Reason: reason}, nil
	case PollPending:
		return &PollResult{Status: PollPending}, nil
	}

	if len(task.Choices) == 0 || task.Choices[0].URL == "" {
		return nil, &EnvelopeError{Provider: c.Name(), Field: "choices", Detail: "success without audio"}
	}
	choice := task.Choices[0]
	nativeID := choice.ID
	if nativeID == "" {
		nativeID = task.ID
	}
	return &PollResult{Status: PollSucceeded, Artifact: &Artifact{
		ProviderNativeID: nativeID,
		AudioURL:         choice.URL,
		WavURL:           choice.FlacURL,
		DurationSeconds:  float64(choice.Duration) / 1000,
		Lyrics:           choice.Lyrics,
	}}, nil
}

func (c *MurekaClient) do(ctx context.Context, method, endpoint string, body interface{}, result interface{}) error {
	var reader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug("[Mureka API] →", "method", method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("[Mureka API] ✗ request failed", "method", method, "url", req.URL.String(), "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("[Mureka API] ←", "status", resp.StatusCode, "method", method, "url", req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: c.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	if err := json.Unmarshal(respBody, result); err != nil {
		return &EnvelopeError{Provider: c.Name(), Field: FieldBody, Detail: err.Error()}
	}
	return nil
}
