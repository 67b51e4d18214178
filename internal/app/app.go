package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/backoff"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crypto-price-alerts/internal/alerting"
	"crypto-price-alerts/internal/bus"
	"crypto-price-alerts/internal/config"
	"crypto-price-alerts/internal/dispatcher"
	"crypto-price-alerts/internal/evaluator"
	"crypto-price-alerts/internal/fetcher"
	"crypto-price-alerts/internal/logging"
	"crypto-price-alerts/internal/registry"
	"crypto-price-alerts/internal/scheduler"
	"crypto-price-alerts/internal/storage"
	"crypto-price-alerts/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

// RunOptions select which loops the process hosts.
type RunOptions struct {
	EvaluatorOnly  bool
	DispatcherOnly bool
}

func (a *App) newPriceFetcher() *fetcher.Price {
	return fetcher.NewPrice(fetcher.PriceOptions{
		BaseURL:             a.Config.PriceSource.BaseURL,
		Timeout:             a.Config.PriceSource.Timeout,
		UserAgent:           a.Config.PriceSource.UserAgent,
		MaxIdleConnsPerHost: a.Config.Evaluator.MaxConcurrentFetches,
	}, a.Logger)
}

func (a *App) newChannel() alerting.Channel {
	cfg := a.Config.Telegram
	return alerting.NewTelegramChannel(cfg.BotToken, cfg.APIBase, cfg.Timeout, a.Logger)
}

func (a *App) newStream(client redis.UniversalClient) *bus.Stream {
	cfg := a.Config.Dispatcher
	return bus.NewStream(client, bus.Options{
		Stream:   cfg.Stream,
		Consumer: cfg.Consumer,
		Block:    cfg.Block,
		Count:    cfg.BatchSize,
		MaxLen:   cfg.MaxLen,
		RetryMin: cfg.RetryMin,
		RetryMax: cfg.RetryMax,
	}, a.Logger)
}

func (a *App) openRedis() (*redis.Client, func()) {
	client := storage.NewRedisClient(a.Config.Redis)
	return client, func() { _ = client.Close() }
}

// connectRedis opens a client and fails fast when the server is unreachable.
func (a *App) connectRedis(ctx context.Context) (*storage.Redis, func(), error) {
	client, closeClient := a.openRedis()
	rdb := storage.NewRedis(client)
	if err := rdb.Ping(ctx); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("ping redis %s: %w", a.Config.Redis.Addr, err)
	}
	return rdb, closeClient, nil
}

// waitRedis blocks until the loop's Redis connection answers; only ctx ends the wait.
func (a *App) waitRedis(ctx context.Context, client redis.UniversalClient, minDelay, maxDelay time.Duration, loop string) error {
	retry := &backoff.Backoff{Min: minDelay, Max: maxDelay, Factor: 2}
	return storage.NewRedis(client).WaitReady(ctx, retry, a.Logger.With().Str("loop", loop).Logger())
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) migrate(ctx context.Context, store *storage.Store) {
	dir := a.Config.Database.MigrationsPath
	applied, err := store.Migrate(ctx, dir)
	if err != nil {
		a.Logger.Error().Err(err).Str("dir", dir).Msg("failed to apply migrations; audit writes may fail")
		return
	}
	a.Logger.Info().Int("applied", applied).Str("dir", dir).Msg("migrations applied")
}

// Run executes the long-running evaluator and dispatcher loops.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	if opts.EvaluatorOnly && opts.DispatcherOnly {
		return errors.New("--evaluator-only and --dispatcher-only are mutually exclusive")
	}
	runEvaluator := !opts.DispatcherOnly
	runDispatcher := !opts.EvaluatorOnly
	if runDispatcher {
		if err := a.Config.ValidateDelivery(); err != nil {
			return err
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; delivery audit and advisory lock disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}
	if store != nil {
		a.migrate(ctx, store)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	// 两个循环各用独立连接，避免阻塞读占用评估器连接
	if runEvaluator {
		client, closeClient := a.openRedis()
		defer closeClient()

		eval := a.newEvaluator(client, store)
		cfg := a.Config.Evaluator
		group.Go(func() error {
			if err := a.waitRedis(groupCtx, client, cfg.ErrorBackoffMin, cfg.ErrorBackoffMax, "evaluator"); err != nil {
				return err
			}
			return eval.Run(groupCtx)
		})
	}

	if runDispatcher {
		client, closeClient := a.openRedis()
		defer closeClient()

		disp := a.newDispatcher(client, store)
		cfg := a.Config.Dispatcher
		group.Go(func() error {
			if err := a.waitRedis(groupCtx, client, cfg.RetryMin, cfg.RetryMax, "dispatcher"); err != nil {
				return err
			}
			return disp.Run(groupCtx)
		})
	}

	a.Logger.Info().
		Bool("evaluator", runEvaluator).
		Bool("dispatcher", runDispatcher).
		Str("version", version.Version).
		Msg("starting alert service")
	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("alert service stopped")
	return nil
}

func (a *App) newEvaluator(client redis.UniversalClient, store *storage.Store) *evaluator.Evaluator {
	cfg := a.Config.Evaluator
	sched := scheduler.New(scheduler.Options{
		Interval:        cfg.PollInterval,
		AlignToStart:    cfg.AlignToInterval,
		StartupDelay:    cfg.StartupDelay,
		ErrorBackoffMin: cfg.ErrorBackoffMin,
		ErrorBackoffMax: cfg.ErrorBackoffMax,
	}, a.Logger)

	rdb := storage.NewRedis(client)
	var locker storage.AdvisoryLocker
	if store != nil {
		locker = store
	}

	return evaluator.New(evaluator.Options{
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
		FetchTimeout:         cfg.FetchTimeout,
		Cooldown:             cfg.Cooldown,
		LockKey:              cfg.AdvisoryLockKey,
	}, sched, registry.New(rdb, a.Logger), a.newPriceFetcher(), rdb, a.newStream(client), locker, a.Logger)
}

func (a *App) newDispatcher(client redis.UniversalClient, store *storage.Store) *dispatcher.Dispatcher {
	var audit storage.DeliveryStore
	if store != nil {
		audit = store
	}
	return dispatcher.New(dispatcher.Options{
		StaleWindow: a.Config.Dispatcher.StaleWindow,
		MaxSends:    a.Config.Dispatcher.MaxSends,
	}, a.newStream(client), a.newChannel(), storage.NewRedis(client), audit, a.Logger)
}

// Quote prints the current spot price for one pair.
func (a *App) Quote(ctx context.Context, exchange, asset string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.Config.Evaluator.FetchTimeout)
	defer cancel()

	price, err := a.newPriceFetcher().Quote(ctx, exchange, asset)
	if err != nil {
		return 0, fmt.Errorf("quote %s on %s: %w", asset, exchange, err)
	}
	return price, nil
}

// ExportOptions hold parameters for exporting the delivery audit log.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Asset     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SubscribeOptions describe one subscription entry.
type SubscribeOptions struct {
	UserID    string
	Asset     string
	Exchange  string
	Threshold float64
}

// SimulateOptions describe a synthetic alert.
type SimulateOptions struct {
	UserID    string
	Asset     string
	Exchange  string
	Price     float64
	Threshold float64
}
