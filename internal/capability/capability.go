package capability

import (
	"context"
	"fmt"
	"time"
)

// Request is one call to a completion service.
type Request struct {
	System    string
	Prompt    string
	Model     string // Overrides the provider default when set
	MaxTokens int
}

// Completion is what a provider returned.
type Completion struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Invoker calls an external completion service. Implementations must
// return promptly once ctx is cancelled.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Completion, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Completion, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Completion, error) {
	return f(ctx, req)
}

// Provider kinds accepted by New.
const (
	KindAnthropic = "anthropic"
	KindCommand   = "command"
)

// Config describes one provider.
type Config struct {
	Kind      string
	Model     string
	MaxTokens int
	Timeout   time.Duration

	// anthropic
	APIKey  string
	BaseURL string

	// command
	Command string
	Args    []string
	WorkDir string
}

// New builds the provider named by cfg.Kind. pm is only used by command
// providers and may be nil.
func New(cfg Config, pm *ProcessManager) (Invoker, error) {
	switch cfg.Kind {
	case KindAnthropic:
		return NewAnthropic(cfg)
	case KindCommand:
		return NewCommand(cfg, pm)
	default:
		return nil, fmt.Errorf("unknown provider kind: %q", cfg.Kind)
	}
}
