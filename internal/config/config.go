// Package config defines all configuration for the trading engine. Config
// is loaded from a YAML file (default: configs/config.yaml) with fields
// overridable via environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	API        APIConfig             `mapstructure:"api"`
	RPC        RPCConfig             `mapstructure:"rpc"`
	MasterKey  string                `mapstructure:"master_key"`
	Vault      VaultConfig           `mapstructure:"vault"`
	State      StateConfig           `mapstructure:"state"`
	Proxy      ProxyConfig           `mapstructure:"proxy"`
	Intervals  IntervalConfig        `mapstructure:"intervals"`
	Risk       GlobalRiskConfig      `mapstructure:"risk"`
	Strategies StrategiesConfig      `mapstructure:"strategies"`
	Logging    LoggingConfig         `mapstructure:"logging"`
	Dashboard  DashboardConfig       `mapstructure:"dashboard"`
	StrategiesEnabled bool           `mapstructure:"strategies_enabled"`
}

// APIConfig holds the venue REST endpoints.
type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RPCConfig holds the EVM JSON-RPC endpoint used for on-chain calls.
type RPCConfig struct {
	URL     string `mapstructure:"url"`
	ChainID int64  `mapstructure:"chain_id"`
}

// VaultConfig controls where the encrypted key vault lives.
type VaultConfig struct {
	Path string `mapstructure:"path"`
}

// StateConfig controls where the plaintext account state file lives.
type StateConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProxyConfig points at the optional proxy list file.
type ProxyConfig struct {
	File string `mapstructure:"file"`
}

// IntervalConfig tunes every periodic refresh in the system.
type IntervalConfig struct {
	MarketScan       time.Duration `mapstructure:"market_scan"`
	PositionScan     time.Duration `mapstructure:"position_scan"`
	AccountRefresh   time.Duration `mapstructure:"account_refresh"`
	PositionCheck    time.Duration `mapstructure:"position_check"`
}

// GlobalRiskConfig holds the venue-wide risk caps plus the executor's
// time-of-day and horizon gates.
type GlobalRiskConfig struct {
	MaxTotalInvestment               float64 `mapstructure:"max_total_investment"`
	MaxDailyLoss                     float64 `mapstructure:"max_daily_loss"`
	EmergencyStopLoss                float64 `mapstructure:"emergency_stop_loss"`
	MaxPositionSize                  float64 `mapstructure:"max_position_size"`
	MaxRiskLevel                     float64 `mapstructure:"max_risk_level"`
	MaxConcurrentPositionsPerAccount int     `mapstructure:"max_concurrent_positions_per_account"`
	TradingHourStart                 int     `mapstructure:"trading_hour_start"`
	TradingHourEnd                   int     `mapstructure:"trading_hour_end"`
	EnforceTradingHours               bool    `mapstructure:"enforce_trading_hours"`
	MinLiquidity                     float64 `mapstructure:"min_liquidity"`
	MinVolume                        float64 `mapstructure:"min_volume"`
}

// HourlyArbitrageConfig tunes the hourly-arbitrage strategy.
type HourlyArbitrageConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	Amount                 float64       `mapstructure:"amount"`
	MinPriceThreshold      float64       `mapstructure:"min_price_threshold"`
	MaxPriceThreshold      float64       `mapstructure:"max_price_threshold"`
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions"`
	SettlementBuffer       time.Duration `mapstructure:"settlement_buffer"`
	MinTimeToSettlement    time.Duration `mapstructure:"min_time_to_settlement"`
	ScanInterval           time.Duration `mapstructure:"scan_interval"`
}

// PriceArbitrageConfig tunes the price-arbitrage strategy.
type PriceArbitrageConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	Amount                  float64       `mapstructure:"amount"`
	Slippage                float64       `mapstructure:"slippage"`
	MinMinutes              int           `mapstructure:"min_minutes"`
	MaxMinutes              int           `mapstructure:"max_minutes"`
	MaxConcurrentPositions  int           `mapstructure:"max_concurrent_positions"`
	SellToArbitrageInterval time.Duration `mapstructure:"sell_to_arbitrage_interval"`
}

// LPMakingConfig tunes the LP-making strategy.
type LPMakingConfig struct {
	Enabled                bool          `mapstructure:"enabled"`
	InitialPurchase        float64       `mapstructure:"initial_purchase"`
	TargetProfitRate       float64       `mapstructure:"target_profit_rate"`
	MinMarketScore         float64       `mapstructure:"min_market_score"`
	MaxConcurrentMarkets   int           `mapstructure:"max_concurrent_markets"`
	PriceAdjustmentInterval time.Duration `mapstructure:"price_adjustment_interval"`
	MaxOrderAge            time.Duration `mapstructure:"max_order_age"`
}

// StrategiesConfig groups the three per-strategy configs.
type StrategiesConfig struct {
	HourlyArbitrage HourlyArbitrageConfig `mapstructure:"hourly_arbitrage"`
	PriceArbitrage  PriceArbitrageConfig  `mapstructure:"price_arbitrage"`
	LPMaking        LPMakingConfig        `mapstructure:"lp_making"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the ambient status/event surface.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with VENUE_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("VENUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api-venue.example/")
	v.SetDefault("api.timeout", 30*time.Second)
	// Demo-only fallback so the CLI works out of the box; any real
	// deployment sets MASTER_KEY.
	v.SetDefault("master_key", "dev-master-key-do-not-use")
	v.SetDefault("vault.path", ".kiro/secure/keys.enc")
	v.SetDefault("state.dir", ".kiro/state")
	v.SetDefault("proxy.file", "proxies.txt")
	v.SetDefault("intervals.market_scan", 60*time.Second)
	v.SetDefault("intervals.position_scan", 10*time.Second)
	v.SetDefault("intervals.account_refresh", time.Second)
	v.SetDefault("intervals.position_check", 30*time.Second)
	v.SetDefault("strategies_enabled", true)
	v.SetDefault("risk.trading_hour_start", 6)
	v.SetDefault("risk.trading_hour_end", 22)
	v.SetDefault("risk.enforce_trading_hours", true)
	v.SetDefault("risk.min_liquidity", 50.0)
	v.SetDefault("risk.min_volume", 10.0)
	v.SetDefault("strategies.hourly_arbitrage.min_price_threshold", 0.6)
	v.SetDefault("strategies.hourly_arbitrage.max_price_threshold", 0.95)
	v.SetDefault("strategies.hourly_arbitrage.settlement_buffer", 60*time.Minute)
	v.SetDefault("strategies.hourly_arbitrage.min_time_to_settlement", 5*time.Minute)
	v.SetDefault("strategies.hourly_arbitrage.scan_interval", 60*time.Second)
	v.SetDefault("strategies.price_arbitrage.min_minutes", 0)
	v.SetDefault("strategies.price_arbitrage.max_minutes", 55)
	v.SetDefault("strategies.price_arbitrage.sell_to_arbitrage_interval", 60*time.Second)
	v.SetDefault("strategies.lp_making.price_adjustment_interval", 5*time.Minute)
	v.SetDefault("strategies.lp_making.max_order_age", time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8090)
}

// applyEnvOverrides covers the environment variables with bespoke names
// that viper's AutomaticEnv prefix mapping can't reach.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("API_TIMEOUT"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.API.Timeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		cfg.RPC.URL = v
	}
	if v := os.Getenv("MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := os.Getenv("MARKET_SCAN_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Intervals.MarketScan = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("STRATEGIES_ENABLED"); v != "" {
		cfg.StrategiesEnabled = v == "true" || v == "1"
	}
	if v := os.Getenv("MAX_TOTAL_INVESTMENT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MaxTotalInvestment = f
		}
	}
	if v := os.Getenv("MAX_DAILY_LOSS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.MaxDailyLoss = f
		}
	}
	if v := os.Getenv("EMERGENCY_STOP_LOSS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Risk.EmergencyStopLoss = f
		}
	}

	ha := &cfg.Strategies.HourlyArbitrage
	envBool("HOURLY_ARBITRAGE_ENABLED", &ha.Enabled)
	envFloat("HOURLY_ARBITRAGE_AMOUNT", &ha.Amount)
	envFloat("HOURLY_ARBITRAGE_MIN_PRICE_THRESHOLD", &ha.MinPriceThreshold)
	envFloat("HOURLY_ARBITRAGE_MAX_PRICE_THRESHOLD", &ha.MaxPriceThreshold)
	envInt("HOURLY_ARBITRAGE_MAX_CONCURRENT_POSITIONS", &ha.MaxConcurrentPositions)
	envSeconds("HOURLY_ARBITRAGE_SETTLEMENT_BUFFER", &ha.SettlementBuffer)
	envSeconds("HOURLY_ARBITRAGE_MIN_TIME_TO_SETTLEMENT", &ha.MinTimeToSettlement)
	envSeconds("HOURLY_ARBITRAGE_SCAN_INTERVAL", &ha.ScanInterval)

	pa := &cfg.Strategies.PriceArbitrage
	envBool("PRICE_ARBITRAGE_ENABLED", &pa.Enabled)
	envFloat("PRICE_ARBITRAGE_AMOUNT", &pa.Amount)
	envFloat("PRICE_ARBITRAGE_SLIPPAGE", &pa.Slippage)
	envInt("PRICE_ARBITRAGE_MIN_MINUTES", &pa.MinMinutes)
	envInt("PRICE_ARBITRAGE_MAX_MINUTES", &pa.MaxMinutes)
	envInt("PRICE_ARBITRAGE_MAX_CONCURRENT_POSITIONS", &pa.MaxConcurrentPositions)
	envSeconds("PRICE_ARBITRAGE_SELL_TO_ARBITRAGE_INTERVAL", &pa.SellToArbitrageInterval)

	lp := &cfg.Strategies.LPMaking
	envBool("LP_MAKING_ENABLED", &lp.Enabled)
	envFloat("LP_MAKING_INITIAL_PURCHASE", &lp.InitialPurchase)
	envFloat("LP_MAKING_TARGET_PROFIT_RATE", &lp.TargetProfitRate)
	envFloat("LP_MAKING_MIN_MARKET_SCORE", &lp.MinMarketScore)
	envInt("LP_MAKING_MAX_CONCURRENT_MARKETS", &lp.MaxConcurrentMarkets)
	envSeconds("LP_MAKING_PRICE_ADJUSTMENT_INTERVAL", &lp.PriceAdjustmentInterval)
	envSeconds("LP_MAKING_MAX_ORDER_AGE", &lp.MaxOrderAge)
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
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

// envSeconds parses a bare integer as seconds; interval env vars are
// documented in seconds.
func envSeconds(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(secs) * time.Second
		}
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.RPC.URL == "" {
		return fmt.Errorf("rpc.url is required")
	}
	if c.RPC.ChainID == 0 {
		return fmt.Errorf("rpc.chain_id is required")
	}
	if c.MasterKey == "" {
		return fmt.Errorf("master_key is required (set MASTER_KEY)")
	}
	if c.Risk.MaxPositionSize <= 0 {
		return fmt.Errorf("risk.max_position_size must be > 0")
	}
	if c.Risk.MaxConcurrentPositionsPerAccount <= 0 {
		return fmt.Errorf("risk.max_concurrent_positions_per_account must be > 0")
	}
	return nil
}
