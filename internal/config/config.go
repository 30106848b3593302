// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hope/internal/core"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig       `yaml:"app"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Signals   SignalsConfig   `yaml:"signals"`
	AllowList AllowListConfig `yaml:"allowlist"`
	Risk      RiskConfig      `yaml:"risk"`
	Decision  DecisionConfig  `yaml:"decision"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Timing    TimingConfig    `yaml:"timing"`
	Alerts    AlertsConfig    `yaml:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Mode       core.Mode `yaml:"mode"`
	DataDir    string    `yaml:"data_dir"`
	LogLevel   string    `yaml:"log_level"`
	ListenAddr string    `yaml:"listen_addr"`
}

// ExchangeConfig contains exchange credentials and endpoints
type ExchangeConfig struct {
	APIKey      Secret `yaml:"api_key"`
	SecretKey   Secret `yaml:"secret_key"`
	BaseURL     string `yaml:"base_url"` // optional override
	WSBaseURL   string `yaml:"ws_base_url"`
	RESTTimeout int    `yaml:"rest_timeout_sec"`
	WSReadWait  int    `yaml:"ws_read_wait_sec"`
}

// SignalsConfig contains signal intake and gate settings
type SignalsConfig struct {
	TTLSec            int     `yaml:"ttl_sec"`
	QueueSize         int     `yaml:"queue_size"`
	RatePerSec        float64 `yaml:"rate_per_sec"`
	RateBurst         int     `yaml:"rate_burst"`
	MinDailyVolumeUSD float64 `yaml:"min_daily_volume_usd"`
	MaxPriceDriftPct  float64 `yaml:"max_price_drift_pct"`
}

// AllowListConfig controls the three symbol layers
type AllowListConfig struct {
	CoreSymbols        []string `yaml:"core_symbols"`
	Blacklist          []string `yaml:"blacklist"`
	DynamicVolumeUSD   float64  `yaml:"dynamic_volume_usd"`
	DynamicRefreshMin  int      `yaml:"dynamic_refresh_min"`
	HotTTLMin          int      `yaml:"hot_ttl_min"`
	QuoteAsset         string   `yaml:"quote_asset"`
	AdverseAnnounclist []string `yaml:"adverse_announcement_list"`
}

// RiskConfig contains risk-state and circuit-breaker thresholds
type RiskConfig struct {
	MaxDailyLossUSD      float64 `yaml:"max_daily_loss_usd"`
	MaxOpenPositions     int     `yaml:"max_open_positions"`
	MaxDailyTrades       int     `yaml:"max_daily_trades"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	BreakerCooldownSec   int     `yaml:"breaker_cooldown_sec"`
	BreakerCooldownCap   int     `yaml:"breaker_cooldown_cap_sec"`
	SymbolCooldownSec    int     `yaml:"symbol_cooldown_sec"`
}

// DecisionConfig holds alpha weights, tier thresholds, targets and sizing
type DecisionConfig struct {
	WeightTechnical float64 `yaml:"weight_technical"`
	WeightModel     float64 `yaml:"weight_model"`
	WeightSentiment float64 `yaml:"weight_sentiment"`
	WeightPrecursor float64 `yaml:"weight_precursor"`

	ATRPeriod    int     `yaml:"atr_period"`
	ATRCandles   int     `yaml:"atr_candles"`
	KTakeProfit  float64 `yaml:"k_take_profit"`
	KStopLoss    float64 `yaml:"k_stop_loss"`
	FloorTPPct   float64 `yaml:"floor_tp_pct"`
	FloorSLPct   float64 `yaml:"floor_sl_pct"`
	MaxTPPct     float64 `yaml:"max_tp_pct"`
	MinRR        float64 `yaml:"min_rr"`
	MomentumRR   float64 `yaml:"momentum_rr"`
	TimeoutSec   int     `yaml:"position_timeout_sec"`
	MomentumSec  int     `yaml:"momentum_timeout_sec"`
	BasePct      float64 `yaml:"base_pct"`
	MinSizeUSD   float64 `yaml:"min_size_usd"`
	MaxSizeUSD   float64 `yaml:"max_size_usd"`
	MaxExposure  float64 `yaml:"max_exposure_pct"`
	BaselineUSD  float64 `yaml:"compound_baseline_usd"`
	ClassifierSHA string `yaml:"classifier_sha256"`
}

// ExecutorConfig bounds order execution
type ExecutorConfig struct {
	PoolSize        int     `yaml:"pool_size"`
	PoolCapacity    int     `yaml:"pool_capacity"`
	IOCWindowMs     int     `yaml:"ioc_window_ms"`
	MaxCrossPct     float64 `yaml:"max_cross_pct"`
	RetryBaseMs     int     `yaml:"retry_base_ms"`
	RetryCapMs      int     `yaml:"retry_cap_ms"`
	RetryMaxAttempt int     `yaml:"retry_max_attempts"`
}

// WatchdogConfig tunes the exit-condition loop
type WatchdogConfig struct {
	TickSec            int     `yaml:"tick_sec"`
	TrailActivationPct float64 `yaml:"trail_activation_pct"`
	TrailDistancePct   float64 `yaml:"trail_distance_pct"`
	PartialTPPct       float64 `yaml:"partial_tp_pct"`
	StalePanicSec      int     `yaml:"stale_panic_sec"`
	APISilentSec       int     `yaml:"api_silent_sec"`
}

// TimingConfig contains loop periods and staleness windows
type TimingConfig struct {
	PriceStaleSec      int `yaml:"price_stale_sec"`
	ReconcilePeriodSec int `yaml:"reconcile_period_sec"`
	HeartbeatPeriodSec int `yaml:"heartbeat_period_sec"`
}

// AlertsConfig configures notifier channels
type AlertsConfig struct {
	TelegramBotToken Secret `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	SlackWebhookURL  Secret `yaml:"slack_webhook_url"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Mode:       core.ModeDry,
			DataDir:    "data",
			LogLevel:   "INFO",
			ListenAddr: ":8080",
		},
		Exchange: ExchangeConfig{
			RESTTimeout: 5,
			WSReadWait:  30,
		},
		Signals: SignalsConfig{
			TTLSec:            30,
			QueueSize:         256,
			RatePerSec:        10,
			RateBurst:         10,
			MinDailyVolumeUSD: 5_000_000,
			MaxPriceDriftPct:  0.5,
		},
		AllowList: AllowListConfig{
			Blacklist:         []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"},
			DynamicVolumeUSD:  10_000_000,
			DynamicRefreshMin: 60,
			HotTTLMin:         15,
			QuoteAsset:        "USDT",
		},
		Risk: RiskConfig{
			MaxDailyLossUSD:      15,
			MaxOpenPositions:     2,
			MaxDailyTrades:       15,
			MaxConsecutiveLosses: 5,
			BreakerCooldownSec:   300,
			BreakerCooldownCap:   3600,
			SymbolCooldownSec:    30,
		},
		Decision: DecisionConfig{
			WeightTechnical: 0.40,
			WeightModel:     0.35,
			WeightSentiment: 0.15,
			WeightPrecursor: 0.10,
			ATRPeriod:       14,
			ATRCandles:      50,
			KTakeProfit:     2.0,
			KStopLoss:       0.8,
			FloorTPPct:      3.0,
			FloorSLPct:      1.0,
			MaxTPPct:        8.0,
			MinRR:           2.5,
			MomentumRR:      1.5,
			TimeoutSec:      900,
			MomentumSec:     3600,
			BasePct:         0.03,
			MinSizeUSD:      10,
			MaxSizeUSD:      100,
			MaxExposure:     0.50,
			BaselineUSD:     0,
		},
		Executor: ExecutorConfig{
			PoolSize:        4,
			PoolCapacity:    32,
			IOCWindowMs:     2000,
			MaxCrossPct:     0.3,
			RetryBaseMs:     500,
			RetryCapMs:      8000,
			RetryMaxAttempt: 5,
		},
		Watchdog: WatchdogConfig{
			TickSec:            1,
			TrailActivationPct: 1.0,
			TrailDistancePct:   0.5,
			PartialTPPct:       1.5,
			StalePanicSec:      30,
			APISilentSec:       60,
		},
		Timing: TimingConfig{
			PriceStaleSec:      10,
			ReconcilePeriodSec: 60,
			HeartbeatPeriodSec: 30,
		},
	}
}

// Load builds the configuration from an optional YAML file plus environment
// overrides, then validates it.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays the recognized environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("MODE"); v != "" {
		c.App.Mode = core.Mode(strings.ToUpper(v))
	}
	if v := os.Getenv("EXCHANGE_KEY"); v != "" {
		c.Exchange.APIKey = Secret(v)
	}
	if v := os.Getenv("EXCHANGE_SECRET"); v != "" {
		c.Exchange.SecretKey = Secret(v)
	}
	envFloat("MAX_DAILY_LOSS_USD", &c.Risk.MaxDailyLossUSD)
	envInt("MAX_OPEN_POSITIONS", &c.Risk.MaxOpenPositions)
	envFloat("MIN_DAILY_VOLUME_USD", &c.Signals.MinDailyVolumeUSD)
	envInt("SIGNAL_TTL_SEC", &c.Signals.TTLSec)
	envInt("PRICE_STALE_SEC", &c.Timing.PriceStaleSec)
	envInt("WATCHDOG_TICK_SEC", &c.Watchdog.TickSec)
	envInt("RECONCILE_PERIOD_SEC", &c.Timing.ReconcilePeriodSec)
	envInt("HEARTBEAT_PERIOD_SEC", &c.Timing.HeartbeatPeriodSec)
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	switch c.App.Mode {
	case core.ModeDry, core.ModeTestnet, core.ModeLive:
	default:
		errs = append(errs, fmt.Sprintf("app.mode must be DRY, TESTNET or LIVE, got %q", c.App.Mode))
	}
	if c.App.Mode != core.ModeDry {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
			errs = append(errs, "exchange credentials are required for TESTNET/LIVE mode")
		}
	}
	switch strings.ToUpper(c.App.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		errs = append(errs, fmt.Sprintf("app.log_level invalid: %q", c.App.LogLevel))
	}
	if c.App.DataDir == "" {
		errs = append(errs, "app.data_dir must not be empty")
	}

	if c.Signals.TTLSec <= 0 {
		errs = append(errs, "signals.ttl_sec must be positive")
	}
	if c.Signals.QueueSize <= 0 {
		errs = append(errs, "signals.queue_size must be positive")
	}
	if c.Signals.MinDailyVolumeUSD < 0 {
		errs = append(errs, "signals.min_daily_volume_usd must not be negative")
	}

	if c.Risk.MaxOpenPositions <= 0 {
		errs = append(errs, "risk.max_open_positions must be positive")
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		errs = append(errs, "risk.max_daily_loss_usd must be positive")
	}
	if c.Risk.MaxConsecutiveLosses <= 0 {
		errs = append(errs, "risk.max_consecutive_losses must be positive")
	}

	wsum := c.Decision.WeightTechnical + c.Decision.WeightModel +
		c.Decision.WeightSentiment + c.Decision.WeightPrecursor
	if wsum < 0.999 || wsum > 1.001 {
		errs = append(errs, fmt.Sprintf("decision weights must sum to 1.0, got %.3f", wsum))
	}
	if c.Decision.MinRR < 1 {
		errs = append(errs, "decision.min_rr must be >= 1")
	}
	if c.Decision.MinSizeUSD <= 0 || c.Decision.MaxSizeUSD < c.Decision.MinSizeUSD {
		errs = append(errs, "decision sizing bounds invalid")
	}

	if c.Executor.PoolSize <= 0 {
		errs = append(errs, "executor.pool_size must be positive")
	}
	if c.Watchdog.TickSec <= 0 {
		errs = append(errs, "watchdog.tick_sec must be positive")
	}
	if c.Timing.PriceStaleSec <= 0 {
		errs = append(errs, "timing.price_stale_sec must be positive")
	}
	if c.Timing.ReconcilePeriodSec <= 0 {
		errs = append(errs, "timing.reconcile_period_sec must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// RESTTimeout returns the exchange REST timeout as a duration.
func (c *ExchangeConfig) Timeout() time.Duration {
	if c.RESTTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.RESTTimeout) * time.Second
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references in the YAML content.
func expandEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := match[2 : len(match)-1]
		return os.Getenv(name)
	})
}
