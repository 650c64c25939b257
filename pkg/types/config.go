// Package types provides configuration types for the backtest core.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SizingMethod selects the position sizing policy
type SizingMethod string

const (
	SizingFixedAmount   SizingMethod = "fixed_amount"
	SizingFixedRisk     SizingMethod = "fixed_risk"
	SizingPercentEquity SizingMethod = "percent_equity"
)

// StopMethod selects the stop-loss/take-profit policy
type StopMethod string

const (
	StopFixed    StopMethod = "fixed"
	StopTrailing StopMethod = "trailing"
	StopATR      StopMethod = "atr"
)

// BarInterval is the bar granularity of a backtest
type BarInterval string

const (
	BarIntervalDay    BarInterval = "day"
	BarIntervalMinute BarInterval = "minute"
	BarIntervalTick   BarInterval = "tick"
)

// RiskParameters bundles policy selection and parameterization. It is
// immutable during a single backtest run.
type RiskParameters struct {
	SizingMethod SizingMethod    `json:"sizingMethod" mapstructure:"sizing_method"`
	FixedAmount  decimal.Decimal `json:"fixedAmount" mapstructure:"fixed_amount"`
	RiskPerTrade float64         `json:"riskPerTrade" mapstructure:"risk_per_trade"`
	EquityPct    float64         `json:"equityPct" mapstructure:"equity_pct"`

	StopMethod    StopMethod `json:"stopMethod" mapstructure:"stop_method"`
	StopLossPct   float64    `json:"stopLossPct" mapstructure:"stop_loss_pct"`
	TakeProfitPct float64    `json:"takeProfitPct" mapstructure:"take_profit_pct"`
	TrailingPct   float64    `json:"trailingPct" mapstructure:"trailing_pct"`
	ATRMultiplier float64    `json:"atrMultiplier" mapstructure:"atr_multiplier"`
	ATRTargetMult float64    `json:"atrTargetMult" mapstructure:"atr_target_mult"`
	ATRPeriod     int        `json:"atrPeriod" mapstructure:"atr_period"`

	MaxOpenPositions int     `json:"maxOpenPositions" mapstructure:"max_open_positions"`
	MaxDailyTrades   int     `json:"maxDailyTrades" mapstructure:"max_daily_trades"`
	MaxDailyLossPct  float64 `json:"maxDailyLossPct" mapstructure:"max_daily_loss_pct"`
}

// DefaultRiskParameters returns conservative defaults.
func DefaultRiskParameters() RiskParameters {
	return RiskParameters{
		SizingMethod:     SizingFixedAmount,
		FixedAmount:      decimal.NewFromInt(1_000_000),
		RiskPerTrade:     0.01,
		EquityPct:        0.10,
		StopMethod:       StopFixed,
		StopLossPct:      0.02,
		TakeProfitPct:    0.04,
		TrailingPct:      0.02,
		ATRMultiplier:    2.0,
		ATRTargetMult:    3.0,
		ATRPeriod:        14,
		MaxOpenPositions: 5,
		MaxDailyTrades:   10,
		MaxDailyLossPct:  0.05,
	}
}

// RiskOverrides carries per-call overrides for RiskParameters. Nil
// fields leave the configured value untouched.
type RiskOverrides struct {
	SizingMethod  *SizingMethod
	FixedAmount   *decimal.Decimal
	RiskPerTrade  *float64
	EquityPct     *float64
	StopMethod    *StopMethod
	StopLossPct   *float64
	TakeProfitPct *float64
	TrailingPct   *float64
	ATRMultiplier *float64
	ATRTargetMult *float64
}

// Merged returns a copy of p with any non-nil override applied.
func (p RiskParameters) Merged(o *RiskOverrides) RiskParameters {
	if o == nil {
		return p
	}
	if o.SizingMethod != nil {
		p.SizingMethod = *o.SizingMethod
	}
	if o.FixedAmount != nil {
		p.FixedAmount = *o.FixedAmount
	}
	if o.RiskPerTrade != nil {
		p.RiskPerTrade = *o.RiskPerTrade
	}
	if o.EquityPct != nil {
		p.EquityPct = *o.EquityPct
	}
	if o.StopMethod != nil {
		p.StopMethod = *o.StopMethod
	}
	if o.StopLossPct != nil {
		p.StopLossPct = *o.StopLossPct
	}
	if o.TakeProfitPct != nil {
		p.TakeProfitPct = *o.TakeProfitPct
	}
	if o.TrailingPct != nil {
		p.TrailingPct = *o.TrailingPct
	}
	if o.ATRMultiplier != nil {
		p.ATRMultiplier = *o.ATRMultiplier
	}
	if o.ATRTargetMult != nil {
		p.ATRTargetMult = *o.ATRTargetMult
	}
	return p
}

// BacktestConfig configures a single backtest run
type BacktestConfig struct {
	ID             string          `json:"id" mapstructure:"id"`
	Symbol         string          `json:"symbol" mapstructure:"symbol"`
	StartDate      time.Time       `json:"startDate" mapstructure:"start_date"`
	EndDate        time.Time       `json:"endDate" mapstructure:"end_date"`
	InitialCapital decimal.Decimal `json:"initialCapital" mapstructure:"initial_capital"`
	Slippage       float64         `json:"slippage" mapstructure:"slippage"`
	Commission     float64         `json:"commission" mapstructure:"commission"`
	BarInterval    BarInterval     `json:"barInterval" mapstructure:"bar_interval"`
	MinuteUnit     int             `json:"minuteUnit" mapstructure:"minute_unit"`
	Risk           RiskParameters  `json:"risk" mapstructure:"risk"`
	Strategy       string          `json:"strategy" mapstructure:"strategy"`

	// DataFile is a CSV of OHLCV bars; when empty the simulator uses
	// the deterministic synthetic generator.
	DataFile string `json:"dataFile,omitempty" mapstructure:"data_file"`

	AllowShort    bool `json:"allowShort" mapstructure:"allow_short"`
	UseStopLoss   bool `json:"useStopLoss" mapstructure:"use_stop_loss"`
	UseTakeProfit bool `json:"useTakeProfit" mapstructure:"use_take_profit"`
}

// DefaultBacktestConfig returns a config with the documented defaults.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		InitialCapital: decimal.NewFromInt(10_000_000),
		Slippage:       0,
		Commission:     0.0002,
		BarInterval:    BarIntervalDay,
		MinuteUnit:     1,
		Risk:           DefaultRiskParameters(),
		Strategy:       "sma_cross",
		UseStopLoss:    true,
		UseTakeProfit:  true,
	}
}

// Validate checks unrecoverable configuration errors. These abort the
// run before any data is loaded.
func (c *BacktestConfig) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: initial capital must be positive, got %s", c.InitialCapital)
	}
	if !c.EndDate.IsZero() && !c.StartDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("config: end date %s precedes start date %s",
			c.EndDate.Format(time.RFC3339), c.StartDate.Format(time.RFC3339))
	}
	if c.Slippage < 0 || c.Slippage >= 1 {
		return fmt.Errorf("config: slippage must be in [0, 1), got %f", c.Slippage)
	}
	return nil
}

// ServerConfig configures the API server
type ServerConfig struct {
	Host          string        `json:"host" mapstructure:"host"`
	Port          int           `json:"port" mapstructure:"port"`
	ReadTimeout   time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
}
