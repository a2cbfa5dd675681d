package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Store      StoreConfig      `mapstructure:"store"`
	Mutex      MutexConfig      `mapstructure:"mutex"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Market     MarketConfig     `mapstructure:"market"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// StoreConfig contains PostgreSQL settings
type StoreConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// MutexConfig contains the Redis backing for the distributed trade mutex
type MutexConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ExchangeConfig contains exchange connectivity settings
type ExchangeConfig struct {
	Key             string  `mapstructure:"key"`
	Secret          string  `mapstructure:"secret"`
	RESTEndpoint    string  `mapstructure:"rest_endpoint"`
	StreamEndpoint  string  `mapstructure:"stream_endpoint"`
	TickerTTL       string  `mapstructure:"ticker_ttl"`        // default 10s
	MaxStaleness    string  `mapstructure:"max_staleness"`     // default 60s
	AccountCacheTTL string  `mapstructure:"account_cache_ttl"` // default 60s
	RateLimit       float64 `mapstructure:"rate_limit"`        // sustained rps, default 50
	RateBurst       int     `mapstructure:"rate_burst"`        // default 10
}

// MarketConfig contains candle cache settings
type MarketConfig struct {
	CandleTTL   string `mapstructure:"candle_ttl"`  // default 30s
	StaleGrace  string `mapstructure:"stale_grace"` // default 5m
	MaxEntries  int    `mapstructure:"max_entries"` // default 500
	Granularity int    `mapstructure:"granularity"` // seconds per candle, default 300
	CandleLimit int    `mapstructure:"candle_limit"`
}

// TradingConfig contains trade execution settings
type TradingConfig struct {
	Mode                string  `mapstructure:"mode"` // "test" or "production"
	TestFillDelay       string  `mapstructure:"test_fill_delay"`
	MutexTTL            string  `mapstructure:"mutex_ttl"`             // default 30s
	MonitorInterval     string  `mapstructure:"monitor_interval"`      // default 2s
	MaxMonitorDuration  string  `mapstructure:"max_monitor_duration"`  // default 5m
	MaxWatchers         int     `mapstructure:"max_watchers"`          // default 64
	SweepInterval       string  `mapstructure:"sweep_interval"`        // default 30s
	SweepGrace          string  `mapstructure:"sweep_grace"`           // default 10s
	StaleAlertThreshold string  `mapstructure:"stale_alert_threshold"` // default 10m
	MinOrderUSD         float64 `mapstructure:"min_order_usd"`         // exchange minimum, default 5
	MinLotCrypto        float64 `mapstructure:"min_lot_crypto"`        // exchange minimum sell lot, default 0 (off)
}

// SignalsConfig contains evaluator defaults. The concrete thresholds are a
// deployment concern; these are only the shipped defaults.
type SignalsConfig struct {
	BuyThreshold     float64 `mapstructure:"buy_threshold"`        // default -0.05
	SellThreshold    float64 `mapstructure:"sell_threshold"`       // default +0.05
	TempHot          float64 `mapstructure:"temp_hot"`             // default 0.08
	TempWarm         float64 `mapstructure:"temp_warm"`            // default 0.03
	TempCool         float64 `mapstructure:"temp_cool"`            // default 0.005
	EvalInterval     string  `mapstructure:"eval_interval"`        // default 5s
	ConfirmationSecs int     `mapstructure:"confirmation_seconds"` // default 300
	CooldownSecs     int     `mapstructure:"cooldown_seconds"`     // default 900
}

// SafetyConfig contains the global safety limits applied across all bots
type SafetyConfig struct {
	MaxDailyLossUSD float64 `mapstructure:"max_daily_loss_usd"`
	MaxDailyTrades  int     `mapstructure:"max_daily_trades"`
}

// APIConfig contains the control API settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MonitoringConfig contains metrics settings
type MonitoringConfig struct {
	EnableMetrics  bool `mapstructure:"enable_metrics"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AlertsConfig contains alert sink settings
type AlertsConfig struct {
	TelegramToken  string `mapstructure:"telegram_token"`
	TelegramChatID int64  `mapstructure:"telegram_chat_id"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("COINFLUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Plain environment variables recognized without the prefix.
	bindPlainEnv(v)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindPlainEnv maps the externally documented environment variables onto
// config keys. These take effect only when the key is otherwise unset.
func bindPlainEnv(v *viper.Viper) {
	_ = v.BindEnv("exchange.key", "COINFLUX_EXCHANGE_KEY", "EXCHANGE_KEY")
	_ = v.BindEnv("exchange.secret", "COINFLUX_EXCHANGE_SECRET", "EXCHANGE_SECRET")
	_ = v.BindEnv("trading.mode", "COINFLUX_TRADING_MODE", "TRADING_MODE")
	_ = v.BindEnv("store.url", "COINFLUX_STORE_URL", "STORE_URL")
	_ = v.BindEnv("mutex.url", "COINFLUX_MUTEX_URL", "MUTEX_URL")
	_ = v.BindEnv("app.log_level", "COINFLUX_LOG_LEVEL", "LOG_LEVEL")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "coinflux")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	v.SetDefault("store.pool_size", 10)

	v.SetDefault("mutex.url", "localhost:6379")
	v.SetDefault("mutex.db", 0)

	v.SetDefault("exchange.rest_endpoint", "https://api.exchange.example.com")
	v.SetDefault("exchange.stream_endpoint", "wss://stream.exchange.example.com")
	v.SetDefault("exchange.ticker_ttl", "10s")
	v.SetDefault("exchange.max_staleness", "60s")
	v.SetDefault("exchange.account_cache_ttl", "60s")
	v.SetDefault("exchange.rate_limit", 50.0)
	v.SetDefault("exchange.rate_burst", 10)

	v.SetDefault("market.candle_ttl", "30s")
	v.SetDefault("market.stale_grace", "5m")
	v.SetDefault("market.max_entries", 500)
	v.SetDefault("market.granularity", 300)
	v.SetDefault("market.candle_limit", 100)

	v.SetDefault("trading.mode", "test")
	v.SetDefault("trading.test_fill_delay", "2s")
	v.SetDefault("trading.mutex_ttl", "30s")
	v.SetDefault("trading.monitor_interval", "2s")
	v.SetDefault("trading.max_monitor_duration", "5m")
	v.SetDefault("trading.max_watchers", 64)
	v.SetDefault("trading.sweep_interval", "30s")
	v.SetDefault("trading.sweep_grace", "10s")
	v.SetDefault("trading.stale_alert_threshold", "10m")
	v.SetDefault("trading.min_order_usd", 5.0)
	v.SetDefault("trading.min_lot_crypto", 0.0)

	v.SetDefault("signals.buy_threshold", -0.05)
	v.SetDefault("signals.sell_threshold", 0.05)
	v.SetDefault("signals.temp_hot", 0.08)
	v.SetDefault("signals.temp_warm", 0.03)
	v.SetDefault("signals.temp_cool", 0.005)
	v.SetDefault("signals.eval_interval", "5s")
	v.SetDefault("signals.confirmation_seconds", 300)
	v.SetDefault("signals.cooldown_seconds", 900)

	v.SetDefault("safety.max_daily_loss_usd", 500.0)
	v.SetDefault("safety.max_daily_trades", 50)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8081)

	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.prometheus_port", 9100)
}

// Validate checks the loaded configuration for inconsistencies that would
// make the engine unsafe to start.
func (c *Config) Validate() error {
	if c.Trading.Mode != "test" && c.Trading.Mode != "production" {
		return fmt.Errorf("trading.mode must be \"test\" or \"production\", got %q", c.Trading.Mode)
	}
	if c.Trading.Mode == "production" {
		if c.Exchange.Key == "" || c.Exchange.Secret == "" {
			return fmt.Errorf("exchange credentials are required in production mode")
		}
		if c.Store.URL == "" {
			return fmt.Errorf("store.url is required in production mode")
		}
	}
	if c.Signals.BuyThreshold >= 0 {
		return fmt.Errorf("signals.buy_threshold must be negative, got %v", c.Signals.BuyThreshold)
	}
	if c.Signals.SellThreshold <= 0 {
		return fmt.Errorf("signals.sell_threshold must be positive, got %v", c.Signals.SellThreshold)
	}
	if c.Exchange.RateLimit <= 0 || c.Exchange.RateBurst <= 0 {
		return fmt.Errorf("exchange rate limit settings must be positive")
	}
	for _, d := range []struct {
		key, val string
	}{
		{"exchange.ticker_ttl", c.Exchange.TickerTTL},
		{"exchange.max_staleness", c.Exchange.MaxStaleness},
		{"exchange.account_cache_ttl", c.Exchange.AccountCacheTTL},
		{"market.candle_ttl", c.Market.CandleTTL},
		{"market.stale_grace", c.Market.StaleGrace},
		{"trading.mutex_ttl", c.Trading.MutexTTL},
		{"trading.monitor_interval", c.Trading.MonitorInterval},
		{"trading.max_monitor_duration", c.Trading.MaxMonitorDuration},
		{"trading.sweep_interval", c.Trading.SweepInterval},
		{"trading.sweep_grace", c.Trading.SweepGrace},
		{"trading.stale_alert_threshold", c.Trading.StaleAlertThreshold},
		{"signals.eval_interval", c.Signals.EvalInterval},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.key, d.val)
		}
	}
	return nil
}

// Duration parses a duration config value, falling back to def on error.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// IsTestMode reports whether the engine runs against the simulated exchange
// instead of a signed client.
func (c *TradingConfig) IsTestMode() bool {
	return c.Mode == "test"
}
