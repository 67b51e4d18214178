package scheduler

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"crypto-price-alerts/internal/logging"
)

// TickFunc is invoked once per cycle with the cycle's scheduled time.
type TickFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// ErrorBackoffMin/Max stretch the gap after failed ticks; zero disables.
	ErrorBackoffMin time.Duration
	ErrorBackoffMax time.Duration
}

// Scheduler drives the evaluator's indefinitely repeating poll cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.ErrorBackoffMax < opts.ErrorBackoffMin {
		opts.ErrorBackoffMax = opts.ErrorBackoffMin
	}
	return &Scheduler{opts: opts, logger: logging.Component(logger, "scheduler")}
}

// Run blocks, invoking tick every interval until ctx is cancelled. Tick errors never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	retry := &backoff.Backoff{Min: s.opts.ErrorBackoffMin, Max: s.opts.ErrorBackoffMax, Factor: 2}

	next := s.firstTick(time.Now())
	for {
		delay := time.Until(next)
		if delay < 0 {
			delay = 0
		}
		s.logger.Debug().Time("next_cycle", next).Msg("waiting for next cycle")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		at := next
		if err := tick(ctx, at); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			pause := time.Duration(0)
			if s.opts.ErrorBackoffMin > 0 {
				pause = retry.Duration()
			}
			s.logger.Error().Err(err).Time("cycle", at).Dur("backoff", pause).Msg("cycle failed")
			next = s.following(at, time.Now().Add(pause))
			continue
		}
		retry.Reset()
		next = s.following(at, time.Now())
	}
}

func (s *Scheduler) firstTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now
	}
	return s.align(now)
}

// following returns the next slot after at that is not earlier than notBefore.
func (s *Scheduler) following(at, notBefore time.Time) time.Time {
	next := at.Add(s.opts.Interval)
	if next.Before(notBefore) {
		next = notBefore
		if s.opts.AlignToStart {
			next = s.align(notBefore)
		}
	}
	return next
}

func (s *Scheduler) align(t time.Time) time.Time {
	slot := t.Truncate(s.opts.Interval)
	if slot.Before(t) {
		slot = slot.Add(s.opts.Interval)
	}
	return slot
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
