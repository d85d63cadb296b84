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

// SunoClient implements Provider for the sunoapi.org generation API.
type SunoClient struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	defaultModel string
	callbackURL  string
	log          *logger.Logger
}

// sunoEnvelope wraps every sunoapi.org response.
type sunoEnvelope[T any] struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *T     `json:"data"`
}

type sunoTaskData struct {
	TaskID string `json:"taskId"`
}

// sunoGenerateRequest is the body of /api/v1/generate.
type sunoGenerateRequest struct {
	Prompt       string `json:"prompt"`
	Style        string `json:"style"`
	Title        string `json:"title"`
	CustomMode   bool   `json:"customMode"`
	Instrumental bool   `json:"instrumental"`
	Model        string `json:"model"`
	Lyrics       string `json:"lyrics,omitempty"`
	CallBackURL  string `json:"callBackUrl"`
}

type sunoExtendRequest struct {
	DefaultParamFlag bool    `json:"defaultParamFlag"`
	AudioID          string  `json:"audioId"`
	Prompt           string  `json:"prompt,omitempty"`
	Style            string  `json:"style,omitempty"`
	Title            string  `json:"title,omitempty"`
	ContinueAt       float64 `json:"continueAt,omitempty"`
	Model            string  `json:"model"`
	CallBackURL      string  `json:"callBackUrl"`
}

// sunoDerivedRequest is shared by vocal removal and WAV conversion.
type sunoDerivedRequest struct {
	TaskID      string `json:"taskId"`
	AudioID     string `json:"audioId"`
	CallBackURL string `json:"callBackUrl"`
}

type sunoTrack struct {
	ID             string  `json:"id"`
	AudioURL       string  `json:"audioUrl"`
	StreamAudioURL string  `json:"streamAudioUrl"`
	ImageURL       string  `json:"imageUrl"`
	Prompt         string  `json:"prompt"`
	Title          string  `json:"title"`
	Tags           string  `json:"tags"`
	Duration       float64 `json:"duration"`
}

type sunoGenerateRecord struct {
	TaskID   string `json:"taskId"`
	Status   string `json:"status"`
	Response *struct {
		SunoData []sunoTrack `json:"sunoData"`
	} `json:"response"`
	ErrorMessage string `json:"errorMessage"`
}

type sunoVocalRecord struct {
	TaskID      string `json:"taskId"`
	SuccessFlag string `json:"successFlag"`
	Response    *struct {
		VocalURL        string `json:"vocalUrl"`
		InstrumentalURL string `json:"instrumentalUrl"`
		OriginURL       string `json:"originUrl"`
	} `json:"response"`
	ErrorMessage string `json:"errorMessage"`
}

type sunoWavRecord struct {
	TaskID      string `json:"taskId"`
	SuccessFlag string `json:"successFlag"`
	Response    *struct {
		AudioWavURL string `json:"audioWavUrl"`
	} `json:"response"`
	ErrorMessage string `json:"errorMessage"`
}

// sunoStatuses maps every documented task state. Anything else fails closed.
var sunoStatuses = map[string]PollStatus{
	"PENDING":               PollPending,
	"TEXT_SUCCESS":          PollPending,
	"FIRST_SUCCESS":         PollPending,
	"SUCCESS":               PollSucceeded,
	"CREATE_TASK_FAILED":    PollFailed,
	"GENERATE_AUDIO_FAILED": PollFailed,
	"CALLBACK_EXCEPTION":    PollFailed,
	"SENSITIVE_WORD_ERROR":  PollFailed,
}

// NewSunoClient creates a new Suno API client. callbackURL may be empty.
func NewSunoClient(cfg *config.SunoConfig, callbackURL string, log *logger.Logger) *SunoClient {
	return &SunoClient{
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		callbackURL:  callbackURL,
		log:          log.With("provider", "suno"),
	}
}

func (c *SunoClient) Name() string { return "suno" }

func (c *SunoClient) Supports(kind TaskKind) bool {
	switch kind {
	case TaskGenerate, TaskExtend, TaskVocalSeparation, TaskWavConversion:
		return true
	}
	return false
}

// IsConfigured returns true if the client has valid configuration
func (c *SunoClient) IsConfigured() bool {
	return c.apiKey != ""
}

// Submit starts a task and returns the provider task id.
func (c *SunoClient) Submit(ctx context.Context, req *SubmitRequest) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	var endpoint string
	var body interface{}
	switch req.Kind {
	case TaskGenerate:
		endpoint = "/api/v1/generate"
		body = &sunoGenerateRequest{
			Prompt:       req.Prompt,
			Style:        req.Style,
			Title:        req.Title,
			CustomMode:   true,
			Instrumental: req.Instrumental,
			Model:        model,
			Lyrics:       req.Lyrics,
			CallBackURL:  c.callbackURL,
		}
	case TaskExtend:
		endpoint = "/api/v1/generate/extend"
		body = &sunoExtendRequest{
			DefaultParamFlag: true,
			AudioID:          req.SourceAudioID,
			Prompt:           req.Prompt,
			Style:            req.Style,
			Title:            req.Title,
			ContinueAt:       req.ContinueAt,
			Model:            model,
			CallBackURL:      c.callbackURL,
		}
	case TaskVocalSeparation:
		endpoint = "/api/v1/vocal-removal/generate"
		body = &sunoDerivedRequest{TaskID: req.SourceTaskID, AudioID: req.SourceAudioID, CallBackURL: c.callbackURL}
	case TaskWavConversion:
		endpoint = "/api/v1/wav/generate"
		body = &sunoDerivedRequest{TaskID: req.SourceTaskID, AudioID: req.SourceAudioID, CallBackURL: c.callbackURL}
	default:
		return "", ErrUnsupportedTask
	}

	var env sunoEnvelope[sunoTaskData]
	if err := c.post(ctx, endpoint, body, &env); err != nil {
		return "", err
	}
	if err := c.checkEnvelope(env.Code, env.Msg); err != nil {
		return "", err
	}
	if env.Data == nil || env.Data.TaskID == "" {
		return "", &EnvelopeError{Provider: c.Name(), Field: "data.taskId", Detail: "missing task id"}
	}
	return env.Data.TaskID, nil
}

// Poll fetches the record for taskID and maps it onto a PollResult.
func (c *SunoClient) Poll(ctx context.Context, kind TaskKind, taskID string) (*PollResult, error) {
	query := "?taskId=" + url.QueryEscape(taskID)

	switch kind {
	case TaskGenerate, TaskExtend:
		var env sunoEnvelope[sunoGenerateRecord]
		if err := c.get(ctx, "/api/v1/generate/record-info"+query, &env); err != nil {
			return nil, err
		}
		if err := c.checkEnvelope(env.Code, env.Msg); err != nil {
			return nil, err
		}
		if env.Data == nil {
			return nil, &EnvelopeError{Provider: c.Name(), Field: "data", Detail: "missing record"}
		}
		return c.mapGenerateRecord(env.Data)

	case TaskVocalSeparation:
		var env sunoEnvelope[sunoVocalRecord]
		if err := c.get(ctx, "/api/v1/vocal-removal/record-info"+query, &env); err != nil {
			return nil, err
		}
		if err := c.checkEnvelope(env.Code, env.Msg); err != nil {
			return nil, err
		}
		if env.Data == nil {
			return nil, &EnvelopeError{Provider: c.Name(), Field: "data", Detail: "missing record"}
		}
		status, err := c.status(env.Data.SuccessFlag)
		if err != nil || status != PollSucceeded {
			return c.unfinished(status, env.Data.ErrorMessage, env.Data.SuccessFlag, err)
		}
		if env.Data.Response == nil || env.Data.Response.VocalURL == "" {
			return nil, &EnvelopeError{Provider: c.Name(), Field: "data.response.vocalUrl", Detail: "success without stems"}
		}
		return &PollResult{Status: PollSucceeded, Artifact: &Artifact{
			ProviderNativeID: env.Data.TaskID,
			AudioURL:         env.Data.Response.OriginURL,
			VocalURL:         env.Data.Response.VocalURL,
			InstrumentalURL:  env.Data.Response.InstrumentalURL,
		}}, nil

	case TaskWavConversion:
		var env sunoEnvelope[sunoWavRecord]
		if err := c.get(ctx, "/api/v1/wav/record-info"+query, &env); err != nil {
			return nil, err
		}
		if err := c.checkEnvelope(env.Code, env.Msg); err != nil {
			return nil, err
		}
		if env.Data == nil {
			return nil, &EnvelopeError{Provider: c.Name(), Field: "data", Detail: "missing record"}
		}
		status, err := c.status(env.Data.SuccessFlag)
		if err != nil || status != PollSucceeded {
			return c.unfinished(status, env.Data.ErrorMessage, env.Data.SuccessFlag, err)
		}
		if env.Data.Response == nil || env.Data.Response.AudioWavURL == "" {
			return nil, &EnvelopeError{Provider: c.Name(), Field: "data.response.audioWavUrl", Detail: "success without wav"}
		}
		return &PollResult{Status: PollSucceeded, Artifact: &Artifact{
			ProviderNativeID: env.Data.TaskID,
			WavURL:           env.Data.Response.AudioWavURL,
		}}, nil
	}

	return nil, ErrUnsupportedTask
}

func (c *SunoClient) mapGenerateRecord(rec *sunoGenerateRecord) (*PollResult, error) {
	status, err := c.status(rec.Status)
	if err != nil || status != PollSucceeded {
		return c.unfinished(status, rec.ErrorMessage, rec.Status, err)
	}
	if rec.Response == nil || len(rec.Response.SunoData) == 0 {
		return nil, &EnvelopeError{Provider: c.Name(), Field: "data.response.sunoData", Detail: "success without tracks"}
	}

	// Suno returns two variations; the first one becomes the track.
	t := rec.Response.SunoData[0]
	audio := t.AudioURL
	if audio == "" {
		audio = t.StreamAudioURL
	}
	if audio == "" {
		return nil, &EnvelopeError{Provider: c.Name(), Field: "data.response.sunoData[0].audioUrl", Detail: "success without audio"}
	}

	return &PollResult{Status: PollSucceeded, Artifact: &Artifact{
		ProviderNativeID: t.ID,
		AudioURL:         audio,
		ArtworkURL:       t.ImageURL,
		DurationSeconds:  t.Duration,
		Title:            t.Title,
		Tags:             t.Tags,
		Lyrics:           t.Prompt,
	}}, nil
}

func (c *SunoClient) status(raw string) (PollStatus, error) {
	status, ok := sunoStatuses[raw]
	if !ok {
		return "", &EnvelopeError{Provider: c.Name(), Field: "status", Detail: fmt.Sprintf("unknown status %q", raw)}
	}
	return status, nil
}

// unfinished builds the pending/failed result, passing through a status error.
func (c *SunoClient) unfinished(status PollStatus, errMsg, raw string, err error) (*PollResult, error) {
	if err != nil {
		return nil, err
	}
	if status == PollFailed {
		reason := errMsg
		if reason == "" {
			reason = raw
		}
		return &PollResult{Status: PollFailed, Reason: reason}, nil
	}
	return &PollResult{Status: PollPending}, nil
}

func (c *SunoClient) checkEnvelope(code int, msg string) error {
	if code != http.StatusOK {
		return &APIError{Provider: c.Name(), StatusCode: code, Body: msg}
	}
	return nil
}

// post sends a POST request with JSON body
func (c *SunoClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *SunoClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *SunoClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.log.Debug("[Suno API] →", "method", req.Method, "url", req.URL.String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn("[Suno API] ✗ request failed", "method", req.Method, "url", req.URL.String(), "error", err)
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.Debug("[Suno API] ←", "status", resp.StatusCode, "method", req.Method, "url", req.URL.String(), "body", string(respBody))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Provider: c.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &EnvelopeError{Provider: c.Name(), Field: FieldBody, Detail: err.Error()}
	}

	return nil
}
