package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/agentmesh/internal/capability"
	"github.com/aristath/agentmesh/internal/task"
)

func TestRenderPrompt(t *testing.T) {
	deadline := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prompt, err := RenderPrompt(task.Task{
		Type:        "pricing",
		Priority:    task.PriorityHigh,
		Departments: []string{"sales", "finance"},
		Deadline:    &deadline,
		Data:        map[string]any{"sku": "A-1", "amount": 3},
	})
	require.NoError(t, err)

	assert.Contains(t, prompt, "Task type: pricing\n")
	assert.Contains(t, prompt, "Priority: high\n")
	assert.Contains(t, prompt, "Departments: sales, finance\n")
	assert.Contains(t, prompt, "Deadline: 2026-03-01T12:00:00Z\n")
	assert.Contains(t, prompt, "\"amount\": 3,\n  \"sku\": \"A-1\"")
	assert.Contains(t, prompt, `"confidence"`)
}

func TestParseCompletion(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		wantData   map[string]any
		wantConfid float64
	}{
		{
			name:       "json with confidence",
			text:       `{"price": 12.5, "confidence": 0.92}`,
			wantData:   map[string]any{"price": 12.5, "confidence": 0.92},
			wantConfid: 0.92,
		},
		{
			name:       "fenced json",
			text:       "```json\n{\"price\": 10}\n```",
			wantData:   map[string]any{"price": 10.0},
			wantConfid: task.DefaultConfidence,
		},
		{
			name:       "confidence clamped",
			text:       `{"confidence": 7}`,
			wantData:   map[string]any{"confidence": 7.0},
			wantConfid: 1,
		},
		{
			name:       "non-numeric confidence",
			text:       `{"confidence": "high"}`,
			wantData:   map[string]any{"confidence": "high"},
			wantConfid: task.DefaultConfidence,
		},
		{
			name:       "plain text",
			text:       "  The price should be 12.  ",
			wantData:   map[string]any{"text": "The price should be 12."},
			wantConfid: task.DefaultConfidence,
		},
		{
			name:       "json array is text",
			text:       `[1,2]`,
			wantData:   map[string]any{"text": "[1,2]"},
			wantConfid: task.DefaultConfidence,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, conf := ParseCompletion(tt.text)
			assert.Equal(t, tt.wantData, data)
			assert.Equal(t, tt.wantConfid, conf)
		})
	}
}

func TestPromptHandler(t *testing.T) {
	var got capability.Request
	h := &PromptHandler{
		Invoker: capability.InvokerFunc(func(ctx context.Context, req capability.Request) (capability.Completion, error) {
			got = req
			return capability.Completion{Text: `{"price": 9, "confidence": 0.6}`, Model: "test-model"}, nil
		}),
		System:    "You are a pricing analyst.",
		MaxTokens: 256,
	}

	resp, err := h.Handle(context.Background(), task.Task{ID: "t1", Type: "pricing"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 0.6, resp.Metadata.Confidence)
	assert.Equal(t, "test-model", resp.Metadata.ModelUsed)
	assert.Equal(t, 9.0, resp.Data["price"])

	assert.Equal(t, "You are a pricing analyst.", got.System)
	assert.Equal(t, 256, got.MaxTokens)
	assert.Contains(t, got.Prompt, "Task type: pricing")
}

func TestPromptHandlerProviderError(t *testing.T) {
	boom := errors.New("rate limited")
	rt := NewRuntime(Spec{ID: "a1", Capabilities: []string{"pricing"}}, &PromptHandler{
		Invoker: capability.InvokerFunc(func(ctx context.Context, req capability.Request) (capability.Completion, error) {
			return capability.Completion{}, boom
		}),
	}, Options{})
	defer rt.Close()

	resp, err := rt.Execute(context.Background(), task.Task{ID: "t1", Type: "pricing"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.ErrorIs(t, resp.Err, boom)
}
