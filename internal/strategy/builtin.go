package strategy

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/indicators"
	"github.com/quantframe/backtest-core/pkg/types"
)

// SMACrossStrategy trades golden/dead crosses of two moving averages.
type SMACrossStrategy struct {
	baseStrategy
}

// NewSMACrossStrategy creates an SMA crossover strategy with a 5/20
// window pair.
func NewSMACrossStrategy(logger *zap.Logger) *SMACrossStrategy {
	s := &SMACrossStrategy{
		baseStrategy: baseStrategy{
			logger: logger,
			params: make(map[string]Parameter),
		},
	}

	s.params["fast_period"] = Parameter{
		Name:        "fast_period",
		Description: "Fast moving average window",
		Type:        "int",
		Default:     5,
		Min:         2,
		Max:         50,
		Current:     5,
	}
	s.params["slow_period"] = Parameter{
		Name:        "slow_period",
		Description: "Slow moving average window",
		Type:        "int",
		Default:     20,
		Min:         5,
		Max:         200,
		Current:     20,
	}

	return s
}

func (s *SMACrossStrategy) Name() string { return "sma_cross" }
func (s *SMACrossStrategy) Description() string {
	return "Buys when the fast SMA crosses above the slow SMA, sells on the reverse cross"
}

func (s *SMACrossStrategy) Evaluate(snap types.MarketSnapshot) (*types.Signal, error) {
	fast := s.intParam("fast_period", 5)
	slow := s.intParam("slow_period", 20)

	closes := snap.History.CloseFloats()
	closes = append(closes, mustFloat(snap.Close))
	// The cross needs values for both this bar and the previous one.
	if len(closes) < slow+1 {
		return nil, nil
	}

	fastNow, err := indicators.SMA(closes, fast)
	if err != nil {
		return nil, err
	}
	slowNow, err := indicators.SMA(closes, slow)
	if err != nil {
		return nil, err
	}
	prev := closes[:len(closes)-1]
	fastPrev, err := indicators.SMA(prev, fast)
	if err != nil {
		return nil, err
	}
	slowPrev, err := indicators.SMA(prev, slow)
	if err != nil {
		return nil, err
	}

	if fastPrev <= slowPrev && fastNow > slowNow {
		return &types.Signal{
			Type:   types.SignalBuy,
			Symbol: snap.Symbol,
			Price:  snap.Close,
			Reason: "fast sma crossed above slow sma",
		}, nil
	}
	if fastPrev >= slowPrev && fastNow < slowNow {
		return &types.Signal{
			Type:   types.SignalSell,
			Symbol: snap.Symbol,
			Price:  snap.Close,
			Reason: "fast sma crossed below slow sma",
		}, nil
	}
	return nil, nil
}

// MomentumStrategy trades lookback-period price momentum.
type MomentumStrategy struct {
	baseStrategy
}

// NewMomentumStrategy creates a momentum strategy with a 14-bar
// lookback and 2% threshold.
func NewMomentumStrategy(logger *zap.Logger) *MomentumStrategy {
	s := &MomentumStrategy{
		baseStrategy: baseStrategy{
			logger: logger,
			params: make(map[string]Parameter),
		},
	}

	s.params["period"] = Parameter{
		Name:        "period",
		Description: "Lookback period for momentum calculation",
		Type:        "int",
		Default:     14,
		Min:         5,
		Max:         100,
		Current:     14,
	}
	s.params["threshold"] = Parameter{
		Name:        "threshold",
		Description: "Minimum momentum threshold for signal",
		Type:        "float",
		Default:     0.02,
		Min:         0.001,
		Max:         0.1,
		Current:     0.02,
	}

	return s
}

func (s *MomentumStrategy) Name() string { return "momentum" }
func (s *MomentumStrategy) Description() string {
	return "Trades based on price momentum over a lookback period"
}

func (s *MomentumStrategy) Evaluate(snap types.MarketSnapshot) (*types.Signal, error) {
	period := s.intParam("period", 14)
	threshold := s.floatParam("threshold", 0.02)

	closes := snap.History.CloseFloats()
	closes = append(closes, mustFloat(snap.Close))
	if len(closes) < period+1 {
		return nil, nil
	}

	current := closes[len(closes)-1]
	past := closes[len(closes)-1-period]
	if past == 0 {
		return nil, nil
	}
	momentum := (current - past) / past

	if momentum > threshold {
		return &types.Signal{
			Type:   types.SignalBuy,
			Symbol: snap.Symbol,
			Price:  snap.Close,
			Reason: "strong positive momentum",
		}, nil
	}
	if momentum < -threshold {
		return &types.Signal{
			Type:   types.SignalSell,
			Symbol: snap.Symbol,
			Price:  snap.Close,
			Reason: "strong negative momentum",
		}, nil
	}
	return nil, nil
}

// RSIStrategy trades oversold/overbought RSI readings.
type RSIStrategy struct {
	baseStrategy
}

// NewRSIStrategy creates an RSI strategy with 30/70 bands.
func NewRSIStrategy(logger *zap.Logger) *RSIStrategy {
	s := &RSIStrategy{
		baseStrategy: baseStrategy{
			logger: logger,
			params: make(map[string]Parameter),
		},
	}

	s.params["period"] = Parameter{
		Name:        "period",
		Description: "RSI lookback period",
		Type:        "int",
		Default:     14,
		Min:         2,
		Max:         50,
		Current:     14,
	}
	s.params["oversold"] = Parameter{
		Name:        "oversold",
		Description: "RSI level treated as oversold",
		Type:        "float",
		Default:     30.0,
		Min:         10.0,
		Max:         40.0,
		Current:     30.0,
	}
	s.params["overbought"] = Parameter{
		Name:        "overbought",
		Description: "RSI level treated as overbought",
		Type:        "float",
		Default:     70.0,
		Min:         60.0,
		Max:         90.0,
		Current:     70.0,
	}

	return s
}

func (s *RSIStrategy) Name() string { return "rsi" }
func (s *RSIStrategy) Description() string {
	return "Buys oversold and sells overbought RSI readings"
}

func (s *RSIStrategy) Evaluate(snap types.MarketSnapshot) (*types.Signal, error) {
	period := s.intParam("period", 14)
	oversold := s.floatParam("oversold", 30)
	overbought := s.floatParam("overbought", 70)

	closes := snap.History.CloseFloats()
	closes = append(closes, mustFloat(snap.Close))
	if len(closes) < period+1 {
		return nil, nil
	}

	rsi, err := indicators.RSI(closes, period)
	if err != nil {
		return nil, err
	}

	if rsi <= oversold {
		return &types.Signal{
			Type:   types.SignalBuy,
			Symbol: snap.Symbol,
			Price:  snap.Close,
			Reason: "rsi oversold",
		}, nil
	}
	if rsi >= overbought {
		return &types.Signal{
			Type:   types.SignalSell,
			Symbol: snap.Symbol,
			Price:  snap.Close,
			Reason: "rsi overbought",
		}, nil
	}
	return nil, nil
}

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
