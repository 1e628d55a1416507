// Package config loads the strategy configuration tree from config.json.
// Validation happens before the engine sees the config: ordering invariants
// such as MinSpacing < MaxSpacing and non-empty credentials are the loader's
// responsibility, the trading core does not re-validate.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"martingrid/logger"
)

// TrendConfig parameters for the external trend collaborator (EMA/ADX)
type TrendConfig struct {
	EMAFastPeriod int     `json:"ema_fast_period"`
	EMASlowPeriod int     `json:"ema_slow_period"`
	ADXPeriod     int     `json:"adx_period"`
	ADXThreshold  float64 `json:"adx_threshold"`
}

// CCIConfig parameters for the external CCI signal collaborator
type CCIConfig struct {
	Period        int     `json:"period"`
	EntryLevel    float64 `json:"entry_level"`
	ExitLevel     float64 `json:"exit_level"`
	SmoothingSpan int     `json:"smoothing_span"`
}

// PartialExit one rung of a configured take-profit ladder:
// close QtyPct of the position at ProfitPct beyond the average entry.
type PartialExit struct {
	QtyPct    float64 `json:"qty_pct"`
	ProfitPct float64 `json:"profit_pct"`
}

// GridConfig martingale grid construction parameters
type GridConfig struct {
	BaseSpacing           float64  `json:"base_spacing"` // fallback / floor spacing (fraction, e.g. 0.012)
	MinSpacing            float64  `json:"min_spacing"`
	MaxSpacing            float64  `json:"max_spacing"`
	UseATRSpacing         bool     `json:"use_atr_spacing"` // derive spacing from ATR%
	ATRMultiplierMajor    float64  `json:"atr_multiplier_major"`
	ATRMultiplierAlt      float64  `json:"atr_multiplier_alt"`
	UsePositionAdjustment bool     `json:"use_position_adjustment"` // widen spacing as margin builds up
	PositionSpacingFactor float64  `json:"position_spacing_factor"`
	MartingaleFactor      float64  `json:"martingale_factor"` // ddown factor, quantity multiplier per level
	MaxLevels             int      `json:"max_levels"`
	BaseQuantityPct       float64  `json:"base_quantity_pct"` // first-level notional as fraction of capital
	Leverage              int      `json:"leverage"`
	MajorCoins            []string `json:"major_coins"`
}

// TakeProfitConfig take-profit ladder parameters
type TakeProfitConfig struct {
	MinMarkup    float64       `json:"min_markup"`
	MarkupRange  float64       `json:"markup_range"`
	NCloseOrders int           `json:"n_close_orders"`
	PartialExits []PartialExit `json:"partial_exits,omitempty"`
	// RefreshThresholdPct: rebuild the ladder when average entry moved by
	// more than this fraction since the last placement.
	RefreshThresholdPct float64 `json:"refresh_threshold_pct"`
}

// RiskConfig per-grid risk thresholds
type RiskConfig struct {
	StopLossPct     float64 `json:"stop_loss_pct"`    // close when pnl% < -StopLossPct
	MaxHoldHours    float64 `json:"max_hold_hours"`   // close when no fill for this long
	LiqWarningPct   float64 `json:"liq_warning_pct"`  // liquidation distance warning tier
	LiqDangerPct    float64 `json:"liq_danger_pct"`   // danger tier
	LiqCriticalPct  float64 `json:"liq_critical_pct"` // critical tier, forces close
	ExposureWarning float64 `json:"exposure_warning"` // wallet exposure warning level
	CommissionRate  float64 `json:"commission_rate"`
}

// HedgeConfig hedge grid activation thresholds and shape.
// These define the data contract for hedge grids; the scan loop does not
// create them automatically.
type HedgeConfig struct {
	Enabled            bool    `json:"enabled"`
	LossThresholdPct   float64 `json:"loss_threshold_pct"`
	LiqDistanceTrigger float64 `json:"liq_distance_trigger"`
	MaxHoldHours       float64 `json:"max_hold_hours"`
	SpacingPct         float64 `json:"spacing_pct"`
	ProfitTargetPct    float64 `json:"profit_target_pct"`
	RecycleRatio       float64 `json:"recycle_ratio"` // fraction of hedge profit fed back to parent exposure reduction
}

// PortfolioConfig cross-symbol limits and loop pacing
type PortfolioConfig struct {
	MaxSymbols         int      `json:"max_symbols"`
	Symbols            []string `json:"symbols"` // candidate universe
	LongExposureLimit  float64  `json:"long_exposure_limit"`
	ShortExposureLimit float64  `json:"short_exposure_limit"`
	ScanIntervalSec    int      `json:"scan_interval_sec"`
}

// ExchangeConfig exchange connection and order execution parameters
type ExchangeConfig struct {
	Name           string `json:"name"` // "binance"
	APIKey         string `json:"api_key"`
	APISecret      string `json:"api_secret"`
	Testnet        bool   `json:"testnet"`
	MarginType     string `json:"margin_type"` // CROSSED / ISOLATED
	MaxRetries     int    `json:"max_retries"`
	RetryDelaySec  int    `json:"retry_delay_sec"`
	SettleDelaySec int    `json:"settle_delay_sec"`
	OrderDelayMs   int    `json:"order_delay_ms"` // pause between sequential batch orders
}

// APIConfig embedded status API server
type APIConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port"`
}

// NotifyConfig Telegram alerting
type NotifyConfig struct {
	TelegramToken  string `json:"telegram_token"`
	TelegramChatID int64  `json:"telegram_chat_id"`
}

// Config full strategy configuration tree
type Config struct {
	Trend      TrendConfig      `json:"trend"`
	CCI        CCIConfig        `json:"cci"`
	Grid       GridConfig       `json:"grid"`
	TakeProfit TakeProfitConfig `json:"take_profit"`
	Risk       RiskConfig       `json:"risk"`
	Hedge      HedgeConfig      `json:"hedge"`
	Portfolio  PortfolioConfig  `json:"portfolio"`
	Exchange   ExchangeConfig   `json:"exchange"`
	API        APIConfig        `json:"api"`
	Notify     NotifyConfig     `json:"notify"`
	Log        *logger.Config   `json:"log"`
	DBPath     string           `json:"db_path"`
}

// Load reads the configuration file and applies environment overrides.
// Missing file is an error: the engine never runs on implicit defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Grid: GridConfig{
			BaseSpacing:           0.012,
			MinSpacing:            0.008,
			MaxSpacing:            0.05,
			UseATRSpacing:         true,
			ATRMultiplierMajor:    1.2,
			ATRMultiplierAlt:      1.6,
			PositionSpacingFactor: 0.5,
			MartingaleFactor:      1.5,
			MaxLevels:             6,
			BaseQuantityPct:       0.02,
			Leverage:              5,
			MajorCoins:            []string{"BTCUSDT", "ETHUSDT"},
		},
		TakeProfit: TakeProfitConfig{
			MinMarkup:           0.01,
			MarkupRange:         0.04,
			NCloseOrders:        4,
			RefreshThresholdPct: 0.002,
		},
		Risk: RiskConfig{
			StopLossPct:     5.0,
			MaxHoldHours:    48,
			LiqWarningPct:   30,
			LiqDangerPct:    20,
			LiqCriticalPct:  10,
			ExposureWarning: 0.8,
			CommissionRate:  0.0005,
		},
		Hedge: HedgeConfig{
			LossThresholdPct:   3.0,
			LiqDistanceTrigger: 15,
			MaxHoldHours:       24,
			SpacingPct:         0.01,
			ProfitTargetPct:    0.015,
			RecycleRatio:       0.5,
		},
		Portfolio: PortfolioConfig{
			MaxSymbols:         3,
			LongExposureLimit:  1.5,
			ShortExposureLimit: 1.5,
			ScanIntervalSec:    60,
		},
		Exchange: ExchangeConfig{
			Name:           "binance",
			MarginType:     "CROSSED",
			MaxRetries:     3,
			RetryDelaySec:  2,
			SettleDelaySec: 2,
			OrderDelayMs:   250,
		},
		API: APIConfig{Port: 8080},
	}
}

// applyEnvOverrides lets .env/runtime environment supply credentials so they
// never have to live in config.json.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_KEY")); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("BINANCE_API_SECRET")); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")); v != "" {
		cfg.Notify.TelegramToken = v
	}
	if v := strings.TrimSpace(os.Getenv("MARTINGRID_DB_PATH")); v != "" {
		cfg.DBPath = v
	}
}

// validate is the pre-flight gate: a failure here is a configuration error
// and the process must not start trading.
func (c *Config) validate() error {
	g := c.Grid
	if g.MinSpacing <= 0 || g.MaxSpacing <= g.MinSpacing {
		return fmt.Errorf("config: grid spacing bounds invalid (min=%.4f max=%.4f)", g.MinSpacing, g.MaxSpacing)
	}
	if g.MartingaleFactor < 1.0 {
		return fmt.Errorf("config: martingale_factor must be >= 1.0, got %.2f", g.MartingaleFactor)
	}
	if g.MaxLevels <= 0 {
		return fmt.Errorf("config: max_levels must be positive")
	}
	if c.TakeProfit.NCloseOrders <= 0 && len(c.TakeProfit.PartialExits) == 0 {
		return fmt.Errorf("config: take_profit needs n_close_orders or partial_exits")
	}
	for _, pe := range c.TakeProfit.PartialExits {
		if pe.QtyPct <= 0 || pe.QtyPct > 1 {
			return fmt.Errorf("config: partial exit qty_pct out of range: %.4f", pe.QtyPct)
		}
	}
	if c.Portfolio.MaxSymbols <= 0 {
		return fmt.Errorf("config: portfolio.max_symbols must be positive")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
		return fmt.Errorf("config: exchange credentials missing (set BINANCE_API_KEY / BINANCE_API_SECRET)")
	}
	if c.Exchange.MaxRetries <= 0 {
		return fmt.Errorf("config: exchange.max_retries must be positive")
	}
	return nil
}

// IsMajorCoin reports whether the symbol belongs to the configured
// major-coin class (tighter ATR spacing multiplier).
func (g *GridConfig) IsMajorCoin(symbol string) bool {
	for _, s := range g.MajorCoins {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}
