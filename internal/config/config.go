// Package config defines all configuration for the trading system.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via MERCURY_* environment variables.
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
	DryRun                 bool             `mapstructure:"dry_run"`
	ShutdownTimeoutSeconds int              `mapstructure:"shutdown_timeout_seconds"`
	DrainTimeoutSeconds    int              `mapstructure:"drain_timeout_seconds"`
	Wallet                 WalletConfig     `mapstructure:"wallet"`
	API                    APIConfig        `mapstructure:"api"`
	MarketData             MarketDataConfig `mapstructure:"market_data"`
	Strategies             StrategiesConfig `mapstructure:"strategies"`
	Risk                   RiskConfig       `mapstructure:"risk"`
	Execution              ExecutionConfig  `mapstructure:"execution"`
	Settlement             SettlementConfig `mapstructure:"settlement"`
	Retry                  RetryConfig      `mapstructure:"retry"`
	Store                  StoreConfig      `mapstructure:"store"`
	Logging                LoggingConfig    `mapstructure:"logging"`
	Server                 ServerConfig     `mapstructure:"server"`
}

// WalletConfig holds the Ethereum wallet used for signing orders.
// PrivateKey signs L1 (EIP-712) auth and derives L2 API keys.
// FunderAddress is the on-chain address that funds orders (may differ from signer if using a proxy).
type WalletConfig struct {
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
}

// APIConfig holds the exchange API endpoints and optional pre-derived L2
// credentials. If ApiKey/Secret/Passphrase are empty, the system derives
// them via L1 auth on startup.
type APIConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	RPCURL       string `mapstructure:"rpc_url"`
	ApiKey       string `mapstructure:"api_key"`
	Secret       string `mapstructure:"secret"`
	Passphrase   string `mapstructure:"passphrase"`
}

// MarketDataConfig tunes the WebSocket market-data service.
//
//   - StaleThreshold: a market with no book update within this window is
//     flagged stale (and fresh again on the next update).
//   - PingInterval / PongTimeout: heartbeat cadence; two consecutive missed
//     pongs force a reconnect.
//   - ReconnectMin/Max: exponential backoff bounds for reconnection.
type MarketDataConfig struct {
	StaleThreshold time.Duration `mapstructure:"stale_threshold"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout"`
	ReconnectMin   time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax   time.Duration `mapstructure:"reconnect_max"`
}

// StrategiesConfig holds per-strategy settings keyed by strategy name.
type StrategiesConfig struct {
	Gabagool GabagoolConfig `mapstructure:"gabagool"`
}

// GabagoolConfig tunes the YES+NO arbitrage strategy.
//
//   - MinSpreadThreshold: minimum (1 − yes_ask − no_ask) to act on.
//   - MaxTradeSizeUSD: cap per leg; sizing scales both legs down uniformly.
//   - TradeBudgetUSD: target total spend per opportunity before capping.
//   - SignalCooldown: per-market minimum gap between signals.
//   - Markets: condition IDs to trade, each resolving to a YES/NO token pair.
type GabagoolConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MinSpreadThreshold float64       `mapstructure:"min_spread_threshold"`
	MaxTradeSizeUSD    float64       `mapstructure:"max_trade_size_usd"`
	TradeBudgetUSD     float64       `mapstructure:"trade_budget_usd"`
	SignalCooldown     time.Duration `mapstructure:"signal_cooldown"`
	MaxSlippage        float64       `mapstructure:"max_slippage"`
	Markets            []string      `mapstructure:"markets"`
}

// RiskConfig sets the pre-trade limits and circuit-breaker thresholds.
//
// The circuit breaker escalates on consecutive failures OR daily loss:
// WARNING halves position sizes, CAUTION quarters them, HALT stops trading
// until CooldownMinutes have elapsed.
type RiskConfig struct {
	MaxDailyLossUSD        float64 `mapstructure:"max_daily_loss_usd"`
	MaxPositionSizeUSD     float64 `mapstructure:"max_position_size_usd"`
	MaxUnhedgedExposureUSD float64 `mapstructure:"max_unhedged_exposure_usd"`

	CircuitBreakerWarningFailures int     `mapstructure:"circuit_breaker_warning_failures"`
	CircuitBreakerCautionFailures int     `mapstructure:"circuit_breaker_caution_failures"`
	CircuitBreakerHaltFailures    int     `mapstructure:"circuit_breaker_halt_failures"`
	CircuitBreakerWarningLoss     float64 `mapstructure:"circuit_breaker_warning_loss"`
	CircuitBreakerCautionLoss     float64 `mapstructure:"circuit_breaker_caution_loss"`
	CircuitBreakerHaltLoss        float64 `mapstructure:"circuit_breaker_halt_loss"`
	CooldownMinutes               int     `mapstructure:"cooldown_minutes"`
}

// ExecutionConfig controls dual-leg order placement.
//
//   - MaxLiquidityConsumptionPct: a leg may not consume more than this
//     fraction of the top-3 ask depth.
//   - Parallel: submit both legs concurrently (sequential is the legacy mode).
type ExecutionConfig struct {
	MaxLiquidityConsumptionPct float64 `mapstructure:"max_liquidity_consumption_pct"`
	Parallel                   bool    `mapstructure:"parallel"`
}

// SettlementConfig controls resolution polling and claim retry.
type SettlementConfig struct {
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`
	MaxClaimAttempts     int `mapstructure:"max_claim_attempts"`
}

// RetryConfig is the default retry policy for adapter-boundary calls.
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	MinWaitSeconds float64 `mapstructure:"min_wait_seconds"`
	MaxWaitSeconds float64 `mapstructure:"max_wait_seconds"`
	Jitter         bool    `mapstructure:"jitter"`
}

// StoreConfig sets where state is persisted (sqlite database file).
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig controls the health/metrics HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: MERCURY_PRIVATE_KEY, MERCURY_API_KEY,
// MERCURY_API_SECRET, MERCURY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("MERCURY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("MERCURY_PRIVATE_KEY"); key != "" {
		cfg.Wallet.PrivateKey = key
	}
	if key := os.Getenv("MERCURY_API_KEY"); key != "" {
		cfg.API.ApiKey = key
	}
	if secret := os.Getenv("MERCURY_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if pass := os.Getenv("MERCURY_PASSPHRASE"); pass != "" {
		cfg.API.Passphrase = pass
	}
	if os.Getenv("MERCURY_DRY_RUN") == "true" || os.Getenv("MERCURY_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("shutdown_timeout_seconds", 30)
	v.SetDefault("drain_timeout_seconds", 10)

	v.SetDefault("market_data.stale_threshold", "30s")
	v.SetDefault("market_data.ping_interval", "20s")
	v.SetDefault("market_data.pong_timeout", "10s")
	v.SetDefault("market_data.reconnect_min", "1s")
	v.SetDefault("market_data.reconnect_max", "60s")

	v.SetDefault("strategies.gabagool.enabled", true)
	v.SetDefault("strategies.gabagool.min_spread_threshold", 0.015)
	v.SetDefault("strategies.gabagool.max_trade_size_usd", 25.0)
	v.SetDefault("strategies.gabagool.trade_budget_usd", 10.0)
	v.SetDefault("strategies.gabagool.signal_cooldown", "5s")
	v.SetDefault("strategies.gabagool.max_slippage", 0.01)

	v.SetDefault("risk.max_daily_loss_usd", 100.0)
	v.SetDefault("risk.max_position_size_usd", 25.0)
	v.SetDefault("risk.max_unhedged_exposure_usd", 50.0)
	v.SetDefault("risk.circuit_breaker_warning_failures", 3)
	v.SetDefault("risk.circuit_breaker_caution_failures", 4)
	v.SetDefault("risk.circuit_breaker_halt_failures", 5)
	v.SetDefault("risk.circuit_breaker_warning_loss", 50.0)
	v.SetDefault("risk.circuit_breaker_caution_loss", 75.0)
	v.SetDefault("risk.circuit_breaker_halt_loss", 100.0)
	v.SetDefault("risk.cooldown_minutes", 5)

	v.SetDefault("execution.max_liquidity_consumption_pct", 0.50)
	v.SetDefault("execution.parallel", true)

	v.SetDefault("settlement.check_interval_seconds", 60)
	v.SetDefault("settlement.max_claim_attempts", 5)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.min_wait_seconds", 0.5)
	v.SetDefault("retry.max_wait_seconds", 5.0)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("store.path", "data/mercury.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if !c.DryRun {
		if c.Wallet.PrivateKey == "" {
			return fmt.Errorf("wallet.private_key is required for live trading (set MERCURY_PRIVATE_KEY)")
		}
		if c.Wallet.ChainID == 0 {
			return fmt.Errorf("wallet.chain_id is required (137 for mainnet)")
		}
	}
	switch c.Wallet.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("wallet.signature_type must be one of: 0 (EOA), 1 (PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Wallet.SignatureType != 0 && c.Wallet.FunderAddress == "" {
		return fmt.Errorf("wallet.funder_address is required when wallet.signature_type is 1 or 2")
	}
	if c.API.CLOBBaseURL == "" {
		return fmt.Errorf("api.clob_base_url is required")
	}
	g := c.Strategies.Gabagool
	if g.MinSpreadThreshold <= 0 || g.MinSpreadThreshold >= 1 {
		return fmt.Errorf("strategies.gabagool.min_spread_threshold must be in (0, 1)")
	}
	if g.MaxTradeSizeUSD <= 0 {
		return fmt.Errorf("strategies.gabagool.max_trade_size_usd must be > 0")
	}
	if g.TradeBudgetUSD <= 0 {
		return fmt.Errorf("strategies.gabagool.trade_budget_usd must be > 0")
	}
	if c.Risk.MaxDailyLossUSD <= 0 {
		return fmt.Errorf("risk.max_daily_loss_usd must be > 0")
	}
	if c.Risk.MaxPositionSizeUSD <= 0 {
		return fmt.Errorf("risk.max_position_size_usd must be > 0")
	}
	if p := c.Execution.MaxLiquidityConsumptionPct; p <= 0 || p > 1 {
		return fmt.Errorf("execution.max_liquidity_consumption_pct must be in (0, 1]")
	}
	if c.Settlement.MaxClaimAttempts <= 0 {
		return fmt.Errorf("settlement.max_claim_attempts must be > 0")
	}
	return nil
}
