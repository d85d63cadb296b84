package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/songforge/internal/config"
)

func TestGroqClient_ChatCompletion(t *testing.T) {
	var got groqChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/openai/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gk", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  lofi, rhodes, rain \n"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewGroqClient(&config.GroqConfig{BaseURL: srv.URL + "/openai/v1/", APIKey: "gk", Model: "llama-3.3-70b-versatile"})
	reply, err := c.ChatCompletion(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, "lofi, rhodes, rain", reply)
	assert.Equal(t, "llama-3.3-70b-versatile", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, groqMaxTokens, got.MaxTokens)
}

func TestGroqClient_Errors(t *testing.T) {
	reply := `{"choices":[]}`
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	defer srv.Close()
	c := NewGroqClient(&config.GroqConfig{BaseURL: srv.URL, APIKey: "gk"})

	var envErr *EnvelopeError
	_, err := c.ChatCompletion(context.Background(), "s", "u")
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, "choices", envErr.Field)

	reply = `<html>`
	_, err = c.ChatCompletion(context.Background(), "s", "u")
	require.ErrorAs(t, err, &envErr)
	assert.True(t, envErr.Unreadable())

	status, reply = http.StatusTooManyRequests, `{"error":"rate limited"}`
	var apiErr *APIError
	_, err = c.ChatCompletion(context.Background(), "s", "u")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)

	_, err = NewGroqClient(&config.GroqConfig{}).ChatCompletion(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
