package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"crypto-price-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PriceSource PriceSourceConfig `mapstructure:"price_source"`
	Evaluator   EvaluatorConfig   `mapstructure:"evaluator"`
	Dispatcher  DispatcherConfig  `mapstructure:"dispatcher"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Export      ExportConfig      `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// RedisConfig points at the store holding subscriptions, cooldowns and the alert stream.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the delivery audit log.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// PriceSourceConfig describes the spot price HTTP API.
type PriceSourceConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// EvaluatorConfig governs the threshold poll loop.
type EvaluatorConfig struct {
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	AlignToInterval      bool          `mapstructure:"align_to_interval"`
	MaxConcurrentFetches int           `mapstructure:"max_concurrent_fetches"`
	FetchTimeout         time.Duration `mapstructure:"fetch_timeout"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	StartupDelay         time.Duration `mapstructure:"startup_delay"`
	ErrorBackoffMin      time.Duration `mapstructure:"error_backoff_min"`
	ErrorBackoffMax      time.Duration `mapstructure:"error_backoff_max"`
	AdvisoryLockKey      int64         `mapstructure:"advisory_lock_key"`
}

// DispatcherConfig governs the alert stream consumer.
type DispatcherConfig struct {
	Stream      string        `mapstructure:"stream"`
	Consumer    string        `mapstructure:"consumer"`
	Block       time.Duration `mapstructure:"block"`
	BatchSize   int64         `mapstructure:"batch_size"`
	MaxLen      int64         `mapstructure:"stream_max_len"`
	StaleWindow time.Duration `mapstructure:"stale_window"`
	MaxSends    int           `mapstructure:"max_concurrent_sends"`
	RetryMin    time.Duration `mapstructure:"retry_min"`
	RetryMax    time.Duration `mapstructure:"retry_max"`
}

// TelegramConfig 描述 Telegram 投递参数。
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PRICEALERT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pricealert")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("price_source.base_url", "https://gomarket-api.goquant.io/api")
	v.SetDefault("price_source.timeout", "20s")
	v.SetDefault("price_source.user_agent", "pricealert/1.0")

	v.SetDefault("evaluator.poll_interval", "1s")
	v.SetDefault("evaluator.align_to_interval", false)
	v.SetDefault("evaluator.max_concurrent_fetches", 10)
	v.SetDefault("evaluator.fetch_timeout", "20s")
	v.SetDefault("evaluator.cooldown", "300s")
	v.SetDefault("evaluator.startup_delay", "0s")
	v.SetDefault("evaluator.error_backoff_min", "1s")
	v.SetDefault("evaluator.error_backoff_max", "30s")
	v.SetDefault("evaluator.advisory_lock_key", int64(0))

	v.SetDefault("dispatcher.stream", "alerts")
	v.SetDefault("dispatcher.consumer", "alert-dispatcher")
	v.SetDefault("dispatcher.block", "1s")
	v.SetDefault("dispatcher.batch_size", 50)
	v.SetDefault("dispatcher.stream_max_len", int64(10000))
	v.SetDefault("dispatcher.stale_window", "120s")
	v.SetDefault("dispatcher.max_concurrent_sends", 0)
	v.SetDefault("dispatcher.retry_min", "3s")
	v.SetDefault("dispatcher.retry_max", "3s")

	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", "30s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be configured")
	}
	if c.Evaluator.PollInterval <= 0 {
		return fmt.Errorf("evaluator.poll_interval must be greater than zero")
	}
	if c.Evaluator.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("evaluator.max_concurrent_fetches must be greater than zero")
	}
	if c.Evaluator.FetchTimeout <= 0 {
		return fmt.Errorf("evaluator.fetch_timeout must be greater than zero")
	}
	if c.Evaluator.Cooldown < 0 {
		return fmt.Errorf("evaluator.cooldown cannot be negative")
	}
	if c.Evaluator.ErrorBackoffMax < c.Evaluator.ErrorBackoffMin {
		return fmt.Errorf("evaluator.error_backoff_max must not be below error_backoff_min")
	}
	if c.Dispatcher.Stream == "" {
		return fmt.Errorf("dispatcher.stream must be configured")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be greater than zero")
	}
	if c.Dispatcher.MaxLen < 0 {
		return fmt.Errorf("dispatcher.stream_max_len cannot be negative")
	}
	if c.Dispatcher.StaleWindow < 0 {
		return fmt.Errorf("dispatcher.stale_window cannot be negative")
	}
	if c.Dispatcher.MaxSends < 0 {
		return fmt.Errorf("dispatcher.max_concurrent_sends cannot be negative")
	}
	if c.Dispatcher.RetryMin <= 0 || c.Dispatcher.RetryMax < c.Dispatcher.RetryMin {
		return fmt.Errorf("dispatcher.retry_min must be positive and not above retry_max")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ValidateDelivery checks settings needed by the dispatcher's Telegram channel.
func (c *Config) ValidateDelivery() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token 必须配置")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
