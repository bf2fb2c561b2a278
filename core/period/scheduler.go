package period

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultBoundarySlack = 2 * time.Second
	defaultRetryDelay    = 15 * time.Second
)

// BoundaryFunc returns the next instant at which state is expected to change.
type BoundaryFunc func(ctx context.Context) (time.Time, error)

// Scheduler fires a callback at each period boundary. It arms one timer at a
// time and computes the following boundary only after the callback returns.
type Scheduler struct {
	// Slack is added after the boundary so the chain has produced a block
	// past it before state is re-read.
	Slack time.Duration
	// RetryDelay is used when the boundary cannot be computed.
	RetryDelay time.Duration

	nowFn    func() time.Time
	newTimer TimerFunc
	logger   *slog.Logger
}

// TimerFunc arms a single-shot timer and returns its channel and stop func.
type TimerFunc func(d time.Duration) (<-chan time.Time, func() bool)

// SchedulerOption customises a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock overrides the wall clock.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithTimer overrides how timers are armed.
func WithTimer(fn TimerFunc) SchedulerOption {
	return func(s *Scheduler) {
		if fn != nil {
			s.newTimer = fn
		}
	}
}

// NewScheduler returns a scheduler using the wall clock.
func NewScheduler(logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		Slack:      defaultBoundarySlack,
		RetryDelay: defaultRetryDelay,
		nowFn:      time.Now,
		newTimer: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Delay returns how long to wait before firing for boundary.
func (s *Scheduler) Delay(boundary time.Time) time.Duration {
	wait := boundary.Sub(s.nowFn())
	if wait < 0 {
		wait = 0
	}
	return wait + s.Slack
}

// Run blocks until ctx is cancelled. Each iteration asks next for the
// upcoming boundary, sleeps until it, then invokes fire.
func (s *Scheduler) Run(ctx context.Context, next BoundaryFunc, fire func(ctx context.Context)) error {
	for {
		var wait time.Duration
		boundary, err := next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait = s.RetryDelay
			s.logger.WarnContext(ctx, "period boundary unavailable", slog.Any("error", err), slog.Duration("retryIn", wait))
		} else {
			wait = s.Delay(boundary)
			s.logger.DebugContext(ctx, "period refresh scheduled", slog.Time("boundary", boundary), slog.Duration("in", wait))
		}

		fired, stop := s.newTimer(wait)
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-fired:
		}
		if err == nil {
			fire(ctx)
		}
	}
}
