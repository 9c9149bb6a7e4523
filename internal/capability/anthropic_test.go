package capability

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const messageResponse = `{
	"id": "msg_01",
	"type": "message",
	"role": "assistant",
	"model": "claude-test",
	"content": [{"type": "text", "text": "{\"price\": 42, "}, {"type": "text", "text": "\"confidence\": 0.9}"}],
	"stop_reason": "end_turn",
	"stop_sequence": null,
	"usage": {"input_tokens": 11, "output_tokens": 7}
}`

func TestAnthropicInvoke(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageResponse)
	}))
	defer srv.Close()

	a, err := NewAnthropic(Config{APIKey: "test-key", BaseURL: srv.URL, Model: "claude-default", MaxTokens: 256})
	require.NoError(t, err)

	comp, err := a.Invoke(context.Background(), Request{System: "You price things.", Prompt: "Price a widget"})
	require.NoError(t, err)

	assert.Equal(t, `{"price": 42, "confidence": 0.9}`, comp.Text)
	assert.Equal(t, "claude-test", comp.Model)
	assert.Equal(t, int64(11), comp.InputTokens)
	assert.Equal(t, int64(7), comp.OutputTokens)

	assert.Equal(t, "claude-default", body["model"])
	assert.EqualValues(t, 256, body["max_tokens"])
	system, ok := body["system"].([]any)
	require.True(t, ok, "system prompt should be sent as text blocks")
	assert.Equal(t, "You price things.", system[0].(map[string]any)["text"])
}

func TestAnthropicRequestOverrides(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, messageResponse)
	}))
	defer srv.Close()

	a, err := NewAnthropic(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), Request{Prompt: "p", Model: "claude-other", MaxTokens: 10})
	require.NoError(t, err)
	assert.Equal(t, "claude-other", body["model"])
	assert.EqualValues(t, 10, body["max_tokens"])
	_, hasSystem := body["system"]
	assert.False(t, hasSystem, "empty system prompt must be omitted")
}

func TestAnthropicErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"overloaded"}}`)
	}))
	defer srv.Close()

	a, err := NewAnthropic(Config{APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = a.Invoke(context.Background(), Request{Prompt: "p"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNewAnthropicRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := NewAnthropic(Config{})
	assert.Error(t, err)

	t.Setenv("ANTHROPIC_API_KEY", "from-env")
	a, err := NewAnthropic(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultAnthropicModel, a.model)
	assert.Equal(t, DefaultMaxTokens, a.maxTokens)
}
