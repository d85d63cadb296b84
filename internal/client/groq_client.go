package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/makeasinger/songforge/internal/config"
)

// ChatCompleter is the LLM surface used for prompt, lyrics and style
// refinement.
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, system, user string) (string, error)
	IsConfigured() bool
}

// GroqClient talks to an OpenAI compatible chat endpoint (Groq by default).
// Refinement is best effort, so calls are short and answers are capped.
type GroqClient struct {
	httpClient  *http.Client
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
}

type groqMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type groqChatRequest struct {
	Model       string        `json:"model"`
	Messages    []groqMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type groqChatResponse struct {
	Choices []struct {
		Message      groqMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

const (
	groqTimeout   = 30 * time.Second
	groqMaxTokens = 1024
)

func NewGroqClient(cfg *config.GroqConfig) *GroqClient {
	return &GroqClient{
		httpClient:  &http.Client{Timeout: groqTimeout},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: 0.7,
		maxTokens:   groqMaxTokens,
	}
}

func (c *GroqClient) Name() string { return "groq" }

func (c *GroqClient) IsConfigured() bool { return c.apiKey != "" }

// ChatCompletion sends one system + user exchange and returns the trimmed
// reply. A reply cut off by the token cap is still returned.
func (c *GroqClient) ChatCompletion(ctx context.Context, system, user string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	body, err := json.Marshal(groqChatRequest{
		Model: c.model,
		Messages: []groqMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("groq request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Provider: c.Name(), StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var out groqChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &EnvelopeError{Provider: c.Name(), Field: FieldBody, Detail: err.Error()}
	}
	if len(out.Choices) == 0 {
		return "", &EnvelopeError{Provider: c.Name(), Field: "choices", Detail: "no choices"}
	}
	reply := strings.TrimSpace(out.Choices[0].Message.Content)
	if reply == "" {
		return "", &EnvelopeError{Provider: c.Name(), Field: "choices[0].message.content", Detail: "empty reply"}
	}
	return reply, nil
}
