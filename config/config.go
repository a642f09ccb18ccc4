// Package config loads the engine's fixed option set (spec.md §6) from a
// JSON file and/or environment variables and exposes it as an immutable
// *Config. Only the trading-paused flag is mutated after startup; everything
// else requires a process restart, matching spec.md §9's design note on
// global mutable singletons.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Portfolio holds the portfolio-wide risk caps.
type Portfolio struct {
	MaxPortfolioRiskPct float64 `json:"max_portfolio_risk_pct"`
	MaxVolPct           float64 `json:"max_vol_pct"`
	MaxMarginUtilPct    float64 `json:"max_margin_util_pct"`
}

// PyramidGates holds the pyramid-gate thresholds.
type PyramidGates struct {
	RiskWarningPct   float64 `json:"risk_warning"`
	RiskBlockPct     float64 `json:"risk_block"`
	VolBlockPct      float64 `json:"vol_block"`
	Use1RGate        bool    `json:"use_1R_gate"`
	ATRPyramidSpacing float64 `json:"atr_pyramid_spacing"`
}

// Equity selects which equity notion feeds the sizer.
type Equity struct {
	Mode                   string  `json:"mode"` // closed | open | blended
	BlendedUnrealizedWeight float64 `json:"blended_unrealized_weight"`
}

// Rollover holds the automatic-rollover schedule knobs.
type Rollover struct {
	Enabled         bool `json:"enabled"`
	BankNiftyDays   int  `json:"bank_nifty_days"`
	GoldMiniDays    int  `json:"gold_mini_days"`
	SilverMiniDays  int  `json:"silver_mini_days"`
	MaxRetries      int  `json:"max_retries"`
	RetryIntervalSec int `json:"retry_interval_sec"`
	StrikeInterval  int  `json:"strike_interval"`
	Prefer1000s     bool `json:"prefer_1000s"`
}

// MarketHours holds per-exchange session windows (local exchange time, HH:MM).
type MarketHours struct {
	NSEStart        string `json:"nse_start"`
	NSEEnd          string `json:"nse_end"`
	MCXStart        string `json:"mcx_start"`
	MCXEnd          string `json:"mcx_end"`
	MCXSummerClose  string `json:"mcx_summer_close"`
	MCXWinterClose  string `json:"mcx_winter_close"`
}

// EOD holds the End-Of-Day monitoring window configuration.
type EOD struct {
	Enabled                bool    `json:"enabled"`
	MonitoringStartMinutes int     `json:"monitoring_start_minutes"`
	ConditionCheckSeconds  int     `json:"condition_check_seconds"`
	ExecutionSeconds       int     `json:"execution_seconds"`
	TrackingSeconds        int     `json:"tracking_seconds"`
	OrderTimeoutSeconds    int     `json:"order_timeout"`
	LimitBufferPct         float64 `json:"limit_buffer_pct"`
	FallbackToMarket       bool    `json:"fallback_to_market"`
	MaxSignalAgeSeconds    int     `json:"max_signal_age_seconds"`
}

// Execution selects the order-placement strategy.
type Execution struct {
	Strategy                string `json:"strategy"` // simple_limit | progressive
	SignalValidationEnabled bool   `json:"signal_validation_enabled"`
	PartialFillStrategy     string `json:"partial_fill_strategy"`
	PartialFillWaitTimeoutSec int  `json:"partial_fill_wait_timeout"`
}

// RiskExtras supplements spec.md with the teacher's additional risk knobs
// (SPEC_FULL.md §3), kept additive and never contradicting the core caps.
type RiskExtras struct {
	UseDailyLossLimit bool    `json:"use_daily_loss_limit"`
	DailyLossLimitPct float64 `json:"daily_loss_limit_pct"`
}

// Security holds the emergency-endpoint authentication material.
type Security struct {
	APIKeyBcryptHash string `json:"api_key_bcrypt_hash"`
	TOTPSecret       string `json:"totp_secret"`
	JWTClusterSecret string `json:"jwt_cluster_secret"`
}

// Config is the full, immutable configuration surface.
type Config struct {
	Portfolio    Portfolio    `json:"portfolio"`
	PyramidGates PyramidGates `json:"pyramid_gates"`
	Equity       Equity       `json:"equity"`
	Rollover     Rollover     `json:"rollover"`
	MarketHours  MarketHours  `json:"market_hours"`
	EOD          EOD          `json:"eod"`
	Execution    Execution    `json:"execution"`
	Risk         RiskExtras   `json:"risk_extras"`
	Security     Security     `json:"-"`

	InstanceID  string `json:"-"`
	DatabaseDSN string `json:"-"`
	ListenAddr  string `json:"-"`
	RedisAddr   string `json:"-"`
}

// Default returns the spec's documented defaults (spec.md §6).
func Default() *Config {
	return &Config{
		Portfolio: Portfolio{MaxPortfolioRiskPct: 15, MaxVolPct: 5, MaxMarginUtilPct: 60},
		PyramidGates: PyramidGates{
			RiskWarningPct: 10, RiskBlockPct: 12, VolBlockPct: 4,
			Use1RGate: true, ATRPyramidSpacing: 0.5,
		},
		Equity: Equity{Mode: "closed", BlendedUnrealizedWeight: 0.5},
		Rollover: Rollover{
			Enabled: true, BankNiftyDays: 5, GoldMiniDays: 8, SilverMiniDays: 8,
			MaxRetries: 3, RetryIntervalSec: 30, StrikeInterval: 100, Prefer1000s: false,
		},
		MarketHours: MarketHours{
			NSEStart: "09:15", NSEEnd: "15:30",
			MCXStart: "09:00", MCXEnd: "23:30",
			MCXSummerClose: "23:30", MCXWinterClose: "23:55",
		},
		EOD: EOD{
			Enabled: true, MonitoringStartMinutes: 20, ConditionCheckSeconds: 5,
			ExecutionSeconds: 10, TrackingSeconds: 5, OrderTimeoutSeconds: 15,
			LimitBufferPct: 0.1, FallbackToMarket: true, MaxSignalAgeSeconds: 30,
		},
		Execution: Execution{
			Strategy: "progressive", SignalValidationEnabled: true,
			PartialFillStrategy: "accept", PartialFillWaitTimeoutSec: 20,
		},
		Risk: RiskExtras{UseDailyLossLimit: true, DailyLossLimitPct: 0.02},
	}
}

// Load reads an optional .env file, then an optional JSON config file path
// decoded over Default() (fields present in the file override their
// defaults; fields absent from it keep the default values), then layers
// environment overrides for deployment-specific fields (DSN, listen address,
// secrets).
func Load(envFile, jsonPath string) (*Config, error) {
	if envFile != "" {
		_ = godotenv.Load(envFile)
	}

	cfg := Default()
	if jsonPath != "" {
		b, err := os.ReadFile(jsonPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", jsonPath, err)
		}
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", jsonPath, err)
		}
	}

	cfg.InstanceID = envOr("INSTANCE_ID", "engine-1")
	cfg.DatabaseDSN = envOr("DATABASE_DSN", "file:portfolio.db?_pragma=busy_timeout(5000)")
	cfg.ListenAddr = envOr("LISTEN_ADDR", ":8080")
	cfg.RedisAddr = envOr("REDIS_ADDR", "")
	cfg.Security.APIKeyBcryptHash = os.Getenv("EMERGENCY_API_KEY_HASH")
	cfg.Security.TOTPSecret = os.Getenv("EMERGENCY_TOTP_SECRET")
	cfg.Security.JWTClusterSecret = envOr("JWT_CLUSTER_SECRET", "dev-only-insecure-secret")

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
