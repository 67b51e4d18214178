package evaluator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"

	"crypto-price-alerts/internal/fetcher"
	"crypto-price-alerts/internal/logging"
	"crypto-price-alerts/internal/model"
	"crypto-price-alerts/internal/scheduler"
	"crypto-price-alerts/internal/storage"
)

// PairRegistry lists monitored pairs and their subscribers.
type PairRegistry interface {
	ActivePairs(ctx context.Context) ([]model.Pair, error)
	SubscribersFor(ctx context.Context, exchange string) ([]model.Subscription, error)
}

// CooldownStore atomically checks and refreshes per-key alert timestamps.
type CooldownStore interface {
	TryAcquireCooldown(ctx context.Context, key model.AlertKey, now time.Time, window time.Duration) (bool, error)
}

// Publisher appends alerts to the alert bus.
type Publisher interface {
	Publish(ctx context.Context, events ...model.AlertEvent) error
}

// Options tune the evaluator.
type Options struct {
	MaxConcurrentFetches int
	FetchTimeout         time.Duration
	Cooldown             time.Duration
	// LockKey guards each cycle with an advisory lock when non-zero and a locker is given.
	LockKey int64
}

// Evaluator compares live prices against subscriber thresholds once per cycle.
type Evaluator struct {
	scheduler *scheduler.Scheduler
	registry  PairRegistry
	prices    fetcher.PriceFetcher
	cooldowns CooldownStore
	publisher Publisher
	locker    storage.AdvisoryLocker
	logger    zerolog.Logger

	opts    Options
	permits *semaphore.Weighted
	now     func() time.Time
}

// New constructs the evaluator. sched and locker may be nil.
func New(opts Options, sched *scheduler.Scheduler, registry PairRegistry, prices fetcher.PriceFetcher, cooldowns CooldownStore, publisher Publisher, locker storage.AdvisoryLocker, logger zerolog.Logger) *Evaluator {
	if opts.MaxConcurrentFetches <= 0 {
		opts.MaxConcurrentFetches = 10
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 20 * time.Second
	}

	return &Evaluator{
		scheduler: sched,
		registry:  registry,
		prices:    prices,
		cooldowns: cooldowns,
		publisher: publisher,
		locker:    locker,
		logger:    logging.Component(logger, "evaluator"),
		opts:      opts,
		permits:   semaphore.NewWeighted(int64(opts.MaxConcurrentFetches)),
		now:       time.Now,
	}
}

// Run begins the poll loop.
func (e *Evaluator) Run(ctx context.Context) error {
	if e.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	e.logger.Info().
		Int("max_concurrent_fetches", e.opts.MaxConcurrentFetches).
		Dur("cooldown", e.opts.Cooldown).
		Msg("evaluator poll loop started")
	return e.scheduler.Run(ctx, e.RunCycle)
}

// RunCycle evaluates every active pair concurrently and returns once all are done.
// Only failing to enumerate pairs is reported; per-pair failures are logged.
func (e *Evaluator) RunCycle(ctx context.Context, at time.Time) error {
	unlock, proceed, err := e.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		e.logger.Debug().Time("cycle", at).Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	pairs, err := e.registry.ActivePairs(ctx)
	if err != nil {
		return fmt.Errorf("load active pairs: %w", err)
	}
	if len(pairs) == 0 {
		e.logger.Debug().Msg("no active pairs")
		return nil
	}

	var (
		wg     sync.WaitGroup
		raised atomic.Int64
	)
	for _, pair := range pairs {
		wg.Add(1)
		go func(pair model.Pair) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error().Interface("panic", r).Str("pair", pair.ID()).Msg("pair evaluation panicked")
				}
			}()
			raised.Add(int64(e.EvaluatePair(ctx, pair)))
		}(pair)
	}
	wg.Wait()

	e.logger.Debug().Time("cycle", at).Int("pairs", len(pairs)).Int64("alerts", raised.Load()).Msg("cycle complete")
	return nil
}

// EvaluatePair fetches the pair's price once and raises alerts for crossing subscribers.
// It returns the number of alerts published.
func (e *Evaluator) EvaluatePair(ctx context.Context, pair model.Pair) int {
	log := e.logger.With().Str("asset", pair.Asset).Str("exchange", pair.Exchange).Logger()

	subs, err := e.registry.SubscribersFor(ctx, pair.Exchange)
	if err != nil {
		log.Error().Err(err).Msg("failed to read subscribers")
		return 0
	}
	subs = lo.Filter(subs, func(sub model.Subscription, _ int) bool {
		return sub.Asset == pair.Asset
	})
	if len(subs) == 0 {
		return 0
	}

	price := e.fetch(ctx, pair)
	if price <= fetcher.Unavailable {
		log.Debug().Msg("no price available, skipping")
		return 0
	}

	now := e.now()
	events := make([]model.AlertEvent, 0)
	for _, sub := range subs {
		if price < sub.Threshold {
			continue
		}

		ok, err := e.cooldowns.TryAcquireCooldown(ctx, sub.Key(), now, e.opts.Cooldown)
		if err != nil {
			log.Warn().Err(err).Str("user_id", sub.UserID).Msg("cooldown check failed, alert skipped")
			continue
		}
		if !ok {
			log.Debug().Str("user_id", sub.UserID).Msg("alert suppressed by cooldown")
			continue
		}

		events = append(events, model.NewAlertEvent(sub, price, now))
	}

	if len(events) == 0 {
		return 0
	}

	if err := e.publisher.Publish(ctx, events...); err != nil {
		log.Error().Err(err).Int("alerts", len(events)).Msg("failed to publish alerts")
		return 0
	}

	log.Info().Float64("price", price).Int("alerts", len(events)).Msg("alerts published")
	return len(events)
}

// fetch holds one permit of the global fetch pool for the duration of the call.
func (e *Evaluator) fetch(ctx context.Context, pair model.Pair) float64 {
	if err := e.permits.Acquire(ctx, 1); err != nil {
		return fetcher.Unavailable
	}
	defer e.permits.Release(1)

	fetchCtx, cancel := context.WithTimeout(ctx, e.opts.FetchTimeout)
	defer cancel()
	return e.prices.FetchPrice(fetchCtx, pair.Exchange, pair.Asset)
}

func (e *Evaluator) acquireLock(ctx context.Context) (func(), bool, error) {
	if e.opts.LockKey == 0 || e.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
