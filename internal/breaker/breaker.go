package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the gate position of a Breaker.
type State int

const (
	StateClosed   State = iota // Calls pass; failures accumulate
	StateOpen                  // Calls rejected until the reset timeout elapses
	StateHalfOpen              // Probing: a failure reopens, enough successes close
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Defaults used when a Settings field is zero.
const (
	DefaultFailureThreshold  = 5
	DefaultResetTimeout      = 60 * time.Second
	DefaultHalfOpenSuccesses = 2
)

// Settings configures a Breaker.
type Settings struct {
	Name              string
	FailureThreshold  int           // Failures in CLOSED that trip to OPEN
	ResetTimeout      time.Duration // Time since the last failure before probing
	HalfOpenSuccesses int           // Consecutive successes in HALF_OPEN that close the gate
	// OnStateChange is called after every transition, outside the breaker's lock.
	OnStateChange func(name string, from, to State)
	// Now overrides the clock. Tests only.
	Now func() time.Time
}

// Snapshot is a point-in-time copy of the breaker counters.
type Snapshot struct {
	State        State
	FailureCount int
	SuccessCount int
	LastFailure  time.Time
}

// Breaker is a per-agent circuit breaker.
//
// Unlike a consecutive-failure breaker, successes while CLOSED heal the
// failure count one step at a time, so an agent that fails intermittently
// trips only when failures outpace successes by the threshold.
type Breaker struct {
	mu sync.Mutex

	settings Settings
	state    State

	failureCount      int
	successCount      int
	halfOpenSuccesses int
	lastFailure       time.Time
}

// New returns a CLOSED breaker.
func New(s Settings) *Breaker {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = DefaultFailureThreshold
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = DefaultResetTimeout
	}
	if s.HalfOpenSuccesses <= 0 {
		s.HalfOpenSuccesses = DefaultHalfOpenSuccesses
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	return &Breaker{settings: s, state: StateClosed}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string {
	return b.settings.Name
}

// State returns the current state without attempting the OPEN to HALF_OPEN transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// CanPass reports whether a call may proceed. An OPEN breaker whose reset
// timeout has elapsed since the last failure moves to HALF_OPEN and lets
// this call through.
func (b *Breaker) CanPass() bool {
	b.mu.Lock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		b.mu.Unlock()
		return true
	}

	if b.settings.Now().Sub(b.lastFailure) < b.settings.ResetTimeout {
		b.mu.Unlock()
		return false
	}

	from := b.setState(StateHalfOpen)
	b.mu.Unlock()
	b.notify(from, StateHalfOpen)
	return true
}

// RecordSuccess records one successful attempt.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.successCount++

	var from, to State
	changed := false

	switch b.state {
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.HalfOpenSuccesses {
			from, to, changed = b.setState(StateClosed), StateClosed, true
			b.failureCount = 0
			b.successCount = 0
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

// RecordFailure records one failed attempt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.failureCount++
	b.lastFailure = b.settings.Now()

	var from State
	changed := false

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.settings.FailureThreshold {
			from, changed = b.setState(StateOpen), true
		}
	case StateHalfOpen:
		from, changed = b.setState(StateOpen), true
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateOpen)
	}
}

// Reset forces the breaker CLOSED with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.setState(StateClosed)
	b.failureCount = 0
	b.successCount = 0
	b.lastFailure = time.Time{}
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// Snapshot returns the current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		LastFailure:  b.lastFailure,
	}
}

// setState must be called with mu held. It returns the previous state.
func (b *Breaker) setState(to State) State {
	from := b.state
	b.state = to
	b.halfOpenSuccesses = 0
	return from
}

func (b *Breaker) notify(from, to State) {
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, from, to)
	}
}
