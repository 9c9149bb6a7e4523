package capability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandPromptArgument(t *testing.T) {
	c, err := NewCommand(Config{Command: "echo", Args: []string{"[{system}]", "{prompt}"}, Model: "local"}, nil)
	require.NoError(t, err)

	comp, err := c.Invoke(context.Background(), Request{System: "sys", Prompt: "price it"})
	require.NoError(t, err)
	assert.Equal(t, "[sys] price it", comp.Text)
	assert.Equal(t, "local", comp.Model)
}

func TestCommandPromptOnStdin(t *testing.T) {
	c, err := NewCommand(Config{Command: "cat"}, NewProcessManager())
	require.NoError(t, err)

	comp, err := c.Invoke(context.Background(), Request{Prompt: "from stdin"})
	require.NoError(t, err)
	assert.Equal(t, "from stdin", comp.Text)
}

func TestCommandModelOverride(t *testing.T) {
	c, err := NewCommand(Config{Command: "echo", Args: []string{"{model}"}, Model: "default"}, nil)
	require.NoError(t, err)

	comp, err := c.Invoke(context.Background(), Request{Model: "override"})
	require.NoError(t, err)
	assert.Equal(t, "override", comp.Text)
	assert.Equal(t, "override", comp.Model)
}

func TestCommandFailure(t *testing.T) {
	c, err := NewCommand(Config{Command: "false"}, nil)
	require.NoError(t, err)

	_, err = c.Invoke(context.Background(), Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestCommandCancellation(t *testing.T) {
	c, err := NewCommand(Config{Command: "sleep", Args: []string{"10"}}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Invoke(ctx, Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNewCommandRequiresCommand(t *testing.T) {
	_, err := NewCommand(Config{}, nil)
	assert.Error(t, err)
}

func TestParseCommandOutput(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		text  string
		model string
	}{
		{"plain text", "  hello world\n", "hello world", ""},
		{"result string", `{"result":"done","model":"m1"}`, "done", "m1"},
		{"text field", `{"text":"hi"}`, "hi", ""},
		{"content blocks", `{"result":{"content":[{"type":"text","text":"a"},{"type":"tool","text":"x"},{"type":"text","text":"b"}]}}`, "ab", ""},
		{"unknown object", `{"confidence":0.9}`, `{"confidence":0.9}`, ""},
		{"broken json", `{"result":`, `{"result":`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseCommandOutput([]byte(tt.in))
			assert.Equal(t, tt.text, got.Text)
			assert.Equal(t, tt.model, got.Model)
		})
	}
}

func TestNewDispatchesOnKind(t *testing.T) {
	inv, err := New(Config{Kind: KindCommand, Command: "echo"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Command{}, inv)

	inv, err = New(Config{Kind: KindAnthropic, APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, inv)

	_, err = New(Config{Kind: "carrier-pigeon"}, nil)
	assert.Error(t, err)
}
