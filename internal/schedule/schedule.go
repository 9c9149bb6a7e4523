package schedule

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/config"
)

// DefaultPollInterval is how often Run checks for due entries.
const DefaultPollInterval = 30 * time.Second

// Entry is one scheduled workflow and its run bookkeeping.
type Entry struct {
	Name     string
	Cron     string
	Workflow string
	Next     time.Time
	LastRun  time.Time
	LastID   string // Workflow run started by the last tick
	LastErr  string
}

// Submitter starts the workflow named by an entry and returns the run ID.
type Submitter func(ctx context.Context, e Entry) (string, error)

type Options struct {
	PollInterval time.Duration
	Logger       *zap.Logger
	Now          func() time.Time
}

// Scheduler submits workflows on cron schedules.
type Scheduler struct {
	mu      sync.Mutex
	entries []*Entry
	submit  Submitter
	poll    time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

// Validate reports whether expr is a cron expression gronx accepts.
func Validate(expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression: %s", expr)
	}
	return nil
}

// New builds a scheduler for the configured entries. Every expression is
// validated up front.
func New(schedules []config.ScheduleConfig, submit Submitter, opts Options) (*Scheduler, error) {
	if submit == nil {
		return nil, errors.New("schedule: nil submitter")
	}
	s := &Scheduler{
		submit: submit,
		poll:   opts.PollInterval,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}

	now := s.now()
	var errs []error
	for i, sc := range schedules {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("schedule-%d", i+1)
		}
		if err := Validate(sc.Cron); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		next, err := gronx.NextTickAfter(sc.Cron, now, false)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		s.entries = append(s.entries, &Entry{Name: name, Cron: sc.Cron, Workflow: sc.Workflow, Next: next})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.entries) == 0 {
		return
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.logger.Info("scheduler started", zap.Int("entries", len(s.entries)), zap.Duration("poll_interval", s.poll))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick submits every entry due at or before now and returns their names.
// An entry fires at most once per tick even if several ticks were missed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.Next.After(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	var fired []string
	for _, e := range due {
		id, err := s.submit(ctx, *e)
		next, nextErr := gronx.NextTickAfter(e.Cron, now, false)

		s.mu.Lock()
		e.LastRun, e.LastID, e.LastErr = now, id, ""
		if err != nil {
			e.LastErr = err.Error()
		}
		if nextErr == nil {
			e.Next = next
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("scheduled workflow failed to start",
				zap.String("schedule", e.Name), zap.String("workflow", e.Workflow), zap.Error(err))
		} else {
			s.logger.Info("scheduled workflow started",
				zap.String("schedule", e.Name), zap.String("workflow", e.Workflow), zap.String("run", id))
		}
		fired = append(fired, e.Name)
	}
	return fired
}

// Entries returns a snapshot ordered by next run.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	slices.SortStableFunc(out, func(a, b Entry) int { return a.Next.Compare(b.Next) })
	return out
}
