package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/logger"
)

var (
	// ErrProviderUnavailable is returned while a provider's breaker is open.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderTimeout is returned when a call outlives the guard's timeout.
	ErrProviderTimeout = errors.New("provider timed out")
)

// callerGone marks an error caused by the caller's context ending, which
// says nothing about provider health.
type callerGone struct{ error }

func (e callerGone) Unwrap() error { return e.error }

// BreakerSettings tunes the per-provider breakers.
type BreakerSettings struct {
	ConsecutiveFailures uint32        // Trip after this many failures in a row (default 5)
	OpenTimeout         time.Duration // Stay open this long before probing (default 30s)
	HalfOpenRequests    uint32        // Probe requests allowed while half-open (default 3)
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.HalfOpenRequests == 0 {
		s.HalfOpenRequests = 3
	}
	return s
}

// BreakerRegistry hands out one breaker per provider name. Agents sharing
// a provider share its breaker, so an outage of the completion service is
// detected once instead of once per agent.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	log      *zap.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates an empty registry. log may be nil.
func NewBreakerRegistry(settings BreakerSettings, log *zap.Logger) *BreakerRegistry {
	return &BreakerRegistry{
		settings: settings.withDefaults(),
		log:      logger.OrNop(log),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for provider, creating it on first use.
func (r *BreakerRegistry) Get(provider string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[provider]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        provider,
		MaxRequests: r.settings.HalfOpenRequests,
		Interval:    0, // never clear counts while closed
		Timeout:     r.settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn("provider breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			var gone callerGone
			return err == nil || errors.As(err, &gone)
		},
	})

	r.breakers[provider] = cb
	return cb
}

// State reports the state of a provider's breaker, or closed if it has none yet.
func (r *BreakerRegistry) State(provider string) gobreaker.State {
	r.mu.Lock()
	cb, ok := r.breakers[provider]
	r.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Guard wraps an Invoker with a provider breaker and a per-call timeout.
// It never retries.
type Guard struct {
	name    string
	inner   Invoker
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewGuard protects inner with the registry's breaker for name. A zero
// timeout leaves the caller's deadline in charge.
func NewGuard(name string, inner Invoker, reg *BreakerRegistry, timeout time.Duration) *Guard {
	return &Guard{
		name:    name,
		inner:   inner,
		cb:      reg.Get(name),
		timeout: timeout,
	}
}

// Invoke calls the wrapped provider through the breaker.
func (g *Guard) Invoke(ctx context.Context, req Request) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	callCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	result, err := g.cb.Execute(func() (interface{}, error) {
		c, err := g.inner.Invoke(callCtx, req)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			err = callerGone{err}
		case callCtx.Err() != nil:
			err = fmt.Errorf("%s: %w after %s: %w", g.name, ErrProviderTimeout, g.timeout, err)
		}
		return c, err
	})
	if err != nil {
		var gone callerGone
		switch {
		case errors.As(err, &gone):
			return Completion{}, gone.error
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			return Completion{}, fmt.Errorf("%s: %w: %v", g.name, ErrProviderUnavailable, err)
		}
		return Completion{}, err
	}
	return result.(Completion), nil
}
