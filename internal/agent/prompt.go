package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aristath/agentmesh/internal/capability"
	"github.com/aristath/agentmesh/internal/task"
)

// PromptHandler turns tasks into completion requests. The completion may
// be a JSON object, optionally fenced in a markdown code block; its
// "confidence" field, when numeric, becomes the response confidence.
// Any other text is returned under the "text" key with DefaultConfidence.
type PromptHandler struct {
	Invoker   capability.Invoker
	System    string
	Model     string
	MaxTokens int
}

// Handle renders t, invokes the provider and builds the response.
func (h *PromptHandler) Handle(ctx context.Context, t task.Task) (task.Response, error) {
	prompt, err := RenderPrompt(t)
	if err != nil {
		return task.Response{}, err
	}

	comp, err := h.Invoker.Invoke(ctx, capability.Request{
		System:    h.System,
		Prompt:    prompt,
		Model:     h.Model,
		MaxTokens: h.MaxTokens,
	})
	if err != nil {
		return task.Response{}, err
	}

	data, confidence := ParseCompletion(comp.Text)
	return task.Response{
		Success: true,
		Data:    data,
		Metadata: task.Metadata{
			Confidence: confidence,
			ModelUsed:  comp.Model,
		},
	}, nil
}

// RenderPrompt describes t in a stable, model-readable form.
func RenderPrompt(t task.Task) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Task type: %s\n", t.Type)
	fmt.Fprintf(&b, "Priority: %s\n", t.Priority)
	if len(t.Departments) > 0 {
		fmt.Fprintf(&b, "Departments: %s\n", strings.Join(t.Departments, ", "))
	}
	if t.Deadline != nil {
		fmt.Fprintf(&b, "Deadline: %s\n", t.Deadline.UTC().Format("2006-01-02T15:04:05Z"))
	}
	if len(t.Data) > 0 {
		// encoding/json sorts map keys, keeping prompts stable.
		payload, err := json.MarshalIndent(t.Data, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding task data: %w", err)
		}
		fmt.Fprintf(&b, "Input:\n%s\n", payload)
	}
	b.WriteString("Respond with a JSON object. Include a numeric \"confidence\" between 0 and 1.")
	return b.String(), nil
}

// ParseCompletion extracts structured data and confidence from completion text.
func ParseCompletion(text string) (map[string]any, float64) {
	body := strings.TrimSpace(text)
	if strings.HasPrefix(body, "```") {
		body = strings.TrimPrefix(body, "```json")
		body = strings.TrimPrefix(body, "```")
		body = strings.TrimSuffix(strings.TrimSpace(body), "```")
		body = strings.TrimSpace(body)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(body), &data); err != nil || data == nil {
		return map[string]any{"text": strings.TrimSpace(text)}, task.DefaultConfidence
	}

	if c, ok := data["confidence"].(float64); ok {
		return data, task.ClampConfidence(c)
	}
	return data, task.DefaultConfidence
}
