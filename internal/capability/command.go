package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Placeholders substituted in command arguments.
const (
	PlaceholderPrompt = "{prompt}"
	PlaceholderSystem = "{system}"
	PlaceholderModel  = "{model}"
)

// Command runs a local CLI once per invocation. Arguments may reference
// {prompt}, {system} and {model}; without a {prompt} argument the prompt
// is written to the process's stdin.
type Command struct {
	command string
	args    []string
	workDir string
	model   string
	procMgr *ProcessManager
}

// commandOutput matches CLIs that print a JSON result envelope, e.g.
// {"result": "..."} or {"result": {"content": [{"type": "text", "text": "..."}]}}.
type commandOutput struct {
	Result json.RawMessage `json:"result"`
	Text   string          `json:"text"`
	Model  string          `json:"model"`
}

// NewCommand creates a subprocess provider. pm may be nil.
func NewCommand(cfg Config, pm *ProcessManager) (*Command, error) {
	if cfg.Command == "" {
		return nil, errors.New("command provider: command not set")
	}
	workDir := cfg.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
	}
	return &Command{
		command: cfg.Command,
		args:    append([]string(nil), cfg.Args...),
		workDir: workDir,
		model:   cfg.Model,
		procMgr: pm,
	}, nil
}

// Invoke runs the command and parses its stdout.
func (c *Command) Invoke(ctx context.Context, req Request) (Completion, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	args, usesPrompt := c.buildArgs(req, model)
	cmd := newCommand(ctx, c.command, args...)
	cmd.Dir = c.workDir
	if !usesPrompt {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	stdout, _, err := executeCommand(cmd, c.procMgr)
	if err != nil {
		if ctx.Err() != nil {
			return Completion{}, fmt.Errorf("%s: %w", c.command, ctx.Err())
		}
		return Completion{}, fmt.Errorf("%s: %w", c.command, err)
	}

	comp := parseCommandOutput(stdout)
	if comp.Model == "" {
		comp.Model = model
	}
	return comp, nil
}

// buildArgs substitutes placeholders and reports whether the prompt was
// passed as an argument.
func (c *Command) buildArgs(req Request, model string) ([]string, bool) {
	r := strings.NewReplacer(
		PlaceholderPrompt, req.Prompt,
		PlaceholderSystem, req.System,
		PlaceholderModel, model,
	)
	usesPrompt := false
	args := make([]string, 0, len(c.args))
	for _, a := range c.args {
		if strings.Contains(a, PlaceholderPrompt) {
			usesPrompt = true
		}
		args = append(args, r.Replace(a))
	}
	return args, usesPrompt
}

// parseCommandOutput accepts a JSON envelope or falls back to raw text.
func parseCommandOutput(data []byte) Completion {
	trimmed := bytes.TrimSpace(data)

	var out commandOutput
	if len(trimmed) == 0 || trimmed[0] != '{' || json.Unmarshal(trimmed, &out) != nil {
		return Completion{Text: string(trimmed)}
	}

	if out.Text != "" {
		return Completion{Text: out.Text, Model: out.Model}
	}

	var s string
	if json.Unmarshal(out.Result, &s) == nil {
		return Completion{Text: s, Model: out.Model}
	}

	var structured struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if json.Unmarshal(out.Result, &structured) == nil && len(structured.Content) > 0 {
		var b strings.Builder
		for _, item := range structured.Content {
			if item.Type == "text" {
				b.WriteString(item.Text)
			}
		}
		return Completion{Text: b.String(), Model: out.Model}
	}

	// A JSON object we don't recognise is the answer itself.
	return Completion{Text: string(trimmed), Model: out.Model}
}
