// Package config defines all configuration for the execution engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via EXECD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Filters    FilterConfig     `mapstructure:"filters"`
	Sizer      SizerConfig      `mapstructure:"sizer"`
	Strategy   StrategyConfig   `mapstructure:"strategy"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Governor   GovernorConfig   `mapstructure:"governor"`
	Orders     OrdersConfig     `mapstructure:"orders"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Store      StoreConfig      `mapstructure:"store"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Engine     EngineConfig     `mapstructure:"engine"`
}

// ExchangeConfig holds connection and auth settings for the linear-perp
// exchange adapter.
type ExchangeConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	WSURL        string `mapstructure:"ws_url"`
	Testnet      bool   `mapstructure:"testnet"`
	APIKey       string `mapstructure:"api_key"`
	APISecret    string `mapstructure:"api_secret"`
	RecvWindowMS int    `mapstructure:"recv_window"`
	MaxRetries   int    `mapstructure:"max_retries"`
	RetryDelayMS int    `mapstructure:"retry_delay_ms"`
	TimeoutSec   int    `mapstructure:"timeout_sec"`
}

// FilterConfig tunes the pre-trade market-quality gate.
type FilterConfig struct {
	MaxSpreadBps       float64 `mapstructure:"max_spread_bps"`
	MaxSlippageBps     float64 `mapstructure:"max_slippage_bps"`
	MaxLatencyMS       int64   `mapstructure:"max_latency_ms"`
	TradingWindowStart string  `mapstructure:"trading_window_start"` // "HH:MM"
	TradingWindowEnd   string  `mapstructure:"trading_window_end"`   // "HH:MM"
	Timezone           string  `mapstructure:"timezone"`             // IANA name; empty = UTC
}

// SizerConfig bounds the risk-adjusted position sizing algorithm.
type SizerConfig struct {
	RiskPerTradePct float64 `mapstructure:"risk_per_trade_pct"`
	DefaultLeverage float64 `mapstructure:"default_leverage"`
	MaxLeverage     float64 `mapstructure:"max_leverage"`
	MinQty          float64 `mapstructure:"min_qty"`
	MinNotional     float64 `mapstructure:"min_notional"`
	MaxPositionSize float64 `mapstructure:"max_position_size"`
}

// StrategyConfig tunes the volatility-breakout signal generator.
//
//   - LookbackN: number of reference candles before the trigger candle.
//   - TPMode: "fixed" or "trailing" — selects the StopLossSpec variant emitted.
//   - FixedTPR: take-profit distance as a multiple of stop distance (fixed mode only).
//   - SLRangeMult: stop distance = avg_range(reference) * SLRangeMult, floored by MinStopDistance.
//   - RiskTag: free-form label attached to every OrderPlan this evaluator emits.
type StrategyConfig struct {
	LookbackN       int     `mapstructure:"lookback_n"`
	TPMode          string  `mapstructure:"tp_mode"`
	FixedTPR        float64 `mapstructure:"fixed_tp_r"`
	SLRangeMult     float64 `mapstructure:"sl_range_mult"`
	MinStopDistance float64 `mapstructure:"min_stop_distance"`
	RiskTag         string  `mapstructure:"risk_tag"`
}

// RiskConfig sets the portfolio-level invariants the risk manager enforces.
type RiskConfig struct {
	KillSwitchEnabled          bool    `mapstructure:"kill_switch_enabled"`
	MaxDailyLoss               float64 `mapstructure:"max_daily_loss"` // 0 disables the check
	MaxTradesPerDay            int     `mapstructure:"max_trades_per_day"`
	DailyResetHourUTC          int     `mapstructure:"daily_reset_hour_utc"`
	MaxDrawdownPct             float64 `mapstructure:"max_drawdown_pct"`
	MaxSymbolExposurePctEquity float64 `mapstructure:"max_symbol_exposure_pct_real_equity"`
}

// GovernorConfig sets per-VA short-horizon cooldown/throttle thresholds.
type GovernorConfig struct {
	MaxLossCooldown         int `mapstructure:"max_loss_cooldown"`
	CooldownDurationSeconds int `mapstructure:"cooldown_duration_seconds"`
	MaxOpenPositionsPerVA   int `mapstructure:"max_open_positions_per_va"`
}

// OrdersConfig tunes the order manager's defaults.
type OrdersConfig struct {
	StopLossPercentage float64       `mapstructure:"stop_loss_percentage"` // fallback SL distance when a plan has none resolved yet
	StaleOrderAge      time.Duration `mapstructure:"stale_order_age"`
}

// ReconcilerConfig tunes the reconcile-loop cadence and SL-repair defaults.
type ReconcilerConfig struct {
	IntervalSeconds int     `mapstructure:"reconcile_interval_seconds"`
	RepairSLPct     float64 `mapstructure:"repair_sl_pct"` // 2% default per spec
}

// StoreConfig sets where durable state is persisted.
type StoreConfig struct {
	DatabasePath string `mapstructure:"database_path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// EngineConfig tunes the execution loop's background activities. Ambient —
// not named by spec.md's configuration-keys list (§6), which only covers
// the governed components; the loop itself still needs a signal-queue
// depth, a position-monitor cadence, and the symbol set to subscribe the
// market feed to.
type EngineConfig struct {
	SignalQueueSize                int      `mapstructure:"signal_queue_size"`
	PositionMonitorIntervalSeconds int      `mapstructure:"position_monitor_interval_seconds"`
	Symbols                        []string `mapstructure:"symbols"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: EXECD_API_KEY, EXECD_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("EXECD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("EXECD_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("EXECD_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.BaseURL == "" {
		return fmt.Errorf("exchange.base_url is required")
	}
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set EXECD_API_KEY)")
	}
	if c.Exchange.APISecret == "" {
		return fmt.Errorf("exchange.api_secret is required (set EXECD_API_SECRET)")
	}
	if c.Exchange.MaxRetries < 0 {
		return fmt.Errorf("exchange.max_retries must be >= 0")
	}
	if c.Store.DatabasePath == "" {
		return fmt.Errorf("store.database_path is required")
	}
	if c.Strategy.LookbackN <= 0 {
		return fmt.Errorf("strategy.lookback_n must be > 0")
	}
	switch c.Strategy.TPMode {
	case "fixed", "trailing":
	default:
		return fmt.Errorf("strategy.tp_mode must be one of: fixed, trailing")
	}
	if c.Sizer.MaxLeverage <= 0 {
		return fmt.Errorf("sizer.max_leverage must be > 0")
	}
	if c.Sizer.RiskPerTradePct <= 0 {
		return fmt.Errorf("sizer.risk_per_trade_pct must be > 0")
	}
	if c.Risk.DailyResetHourUTC < 0 || c.Risk.DailyResetHourUTC > 23 {
		return fmt.Errorf("risk.daily_reset_hour_utc must be in [0, 23]")
	}
	if c.Reconciler.IntervalSeconds <= 0 {
		return fmt.Errorf("reconciler.reconcile_interval_seconds must be > 0")
	}
	if c.Engine.SignalQueueSize <= 0 {
		return fmt.Errorf("engine.signal_queue_size must be > 0")
	}
	if c.Engine.PositionMonitorIntervalSeconds <= 0 {
		return fmt.Errorf("engine.position_monitor_interval_seconds must be > 0")
	}
	return nil
}

// Location resolves the configured filter timezone, defaulting to UTC per
// the unresolved-timezone decision documented alongside this package.
func (f FilterConfig) Location() *time.Location {
	if f.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(f.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
