package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/pkg/types"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func trade(pnl, notional int64, reason types.ExitReason, hours int) types.TradeRecord {
	entry := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	exit := entry.Add(time.Duration(hours) * time.Hour)
	qty := d(1)
	pnlPct := decimal.Zero
	if notional != 0 {
		pnlPct = d(pnl).Div(d(notional)).Mul(d(100))
	}
	return types.TradeRecord{
		Symbol:     "005930",
		Side:       types.PositionSideLong,
		Quantity:   qty,
		EntryPrice: d(notional),
		ExitPrice:  d(notional + pnl),
		EntryTime:  entry,
		ExitTime:   exit,
		PnL:        d(pnl),
		PnLPct:     pnlPct,
		ExitReason: reason,
		Duration:   exit.Sub(entry),
	}
}

func resultWithEquity(equity []int64) *types.RunResult {
	res := &types.RunResult{
		Success:        true,
		Symbol:         "005930",
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		InitialCapital: d(equity[0]),
		FinalEquity:    d(equity[len(equity)-1]),
	}
	peak := float64(equity[0])
	for i, e := range equity {
		res.EquityCurve = append(res.EquityCurve, d(e))
		if float64(e) > peak {
			peak = float64(e)
		}
		dd := (peak - float64(e)) / peak * 100
		res.Drawdowns = append(res.Drawdowns, dd)
		res.PortfolioHistory = append(res.PortfolioHistory, types.PortfolioSnapshot{
			Timestamp:   res.StartDate.AddDate(0, 0, i),
			Equity:      d(e),
			DrawdownPct: dd,
		})
	}
	return res
}

func TestDrawdownSeries(t *testing.T) {
	res := resultWithEquity([]int64{100, 110, 90, 95, 120})

	// Running peaks 100,110,110,110,120.
	require.Len(t, res.Drawdowns, 5)
	assert.InDelta(t, 0.0, res.Drawdowns[0], 1e-9)
	assert.InDelta(t, 0.0, res.Drawdowns[1], 1e-9)
	assert.InDelta(t, 18.18, res.Drawdowns[2], 0.005)
	assert.InDelta(t, 13.64, res.Drawdowns[3], 0.005)
	assert.InDelta(t, 0.0, res.Drawdowns[4], 1e-9)

	m := NewAnalyzer(zap.NewNop()).Analyze(res)
	assert.InDelta(t, 18.18, m.MaxDrawdownPct, 0.005)
	assert.Equal(t, 2, m.MaxDrawdownDuration, "two consecutive underwater bars")
}

func TestTotalAndAnnualizedReturn(t *testing.T) {
	res := resultWithEquity([]int64{100, 121})
	// Two snapshots one day apart: the horizon floors at 0.01 years.
	m := NewAnalyzer(zap.NewNop()).Analyze(res)
	assert.InDelta(t, 21.0, m.TotalReturnPct, 1e-9)
	assert.Greater(t, m.AnnualizedReturnPct, m.TotalReturnPct)
}

func TestRatiosZeroOnZeroDenominator(t *testing.T) {
	// Flat equity: no volatility, no drawdown.
	res := resultWithEquity([]int64{100, 100, 100, 100})
	m := NewAnalyzer(zap.NewNop()).Analyze(res)

	assert.Zero(t, m.VolatilityPct)
	assert.Zero(t, m.SharpeRatio)
	assert.Zero(t, m.SortinoRatio)
	assert.Zero(t, m.CalmarRatio)
	assert.Zero(t, m.MaxDrawdownPct)
}

func TestTradeStats(t *testing.T) {
	res := resultWithEquity([]int64{1000, 1010, 1005, 1020})
	res.Trades = []types.TradeRecord{
		trade(100, 1000, types.ExitReasonTakeProfit, 24),
		trade(-50, 1000, types.ExitReasonStopLoss, 48),
		trade(200, 1000, types.ExitReasonSignal, 24),
		trade(-50, 1000, types.ExitReasonStopLoss, 24),
	}

	m := NewAnalyzer(zap.NewNop()).Analyze(res)
	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 2, m.LosingTrades)
	assert.InDelta(t, 50.0, m.WinRatePct, 1e-9)
	assert.InDelta(t, 3.0, m.ProfitFactor, 1e-9, "300 wins over 100 losses")
	assert.InDelta(t, 150.0, m.AvgWin, 1e-9)
	assert.InDelta(t, -50.0, m.AvgLoss, 1e-9)
	assert.InDelta(t, 200.0, m.LargestWin, 1e-9)
	assert.InDelta(t, -50.0, m.LargestLoss, 1e-9)
	// 0.5x150 + 0.5x(-50)
	assert.InDelta(t, 50.0, m.Expectancy, 1e-9)
	assert.InDelta(t, 200.0, m.TotalPnL, 1e-9)
	assert.Equal(t, 1, m.MaxConsecutiveWins)
	assert.Equal(t, 2, m.MaxConsecutiveLosses)
	assert.Equal(t, 30*time.Hour, m.AvgHoldingPeriod)
}

func TestProfitFactorInfiniteWithoutLosses(t *testing.T) {
	res := resultWithEquity([]int64{1000, 1100})
	res.Trades = []types.TradeRecord{
		trade(100, 1000, types.ExitReasonTakeProfit, 24),
		trade(50, 1000, types.ExitReasonSignal, 24),
	}

	m := NewAnalyzer(zap.NewNop()).Analyze(res)
	assert.True(t, math.IsInf(m.ProfitFactor, 1))
}

func TestConsecutiveStreaks(t *testing.T) {
	res := resultWithEquity([]int64{1000, 1100})
	res.Trades = []types.TradeRecord{
		trade(10, 1000, types.ExitReasonSignal, 1),
		trade(10, 1000, types.ExitReasonSignal, 1),
		trade(10, 1000, types.ExitReasonSignal, 1),
		trade(-5, 1000, types.ExitReasonStopLoss, 1),
		trade(10, 1000, types.ExitReasonSignal, 1),
		trade(-5, 1000, types.ExitReasonStopLoss, 1),
		trade(-5, 1000, types.ExitReasonStopLoss, 1),
	}

	m := NewAnalyzer(zap.NewNop()).Analyze(res)
	assert.Equal(t, 3, m.MaxConsecutiveWins)
	assert.Equal(t, 2, m.MaxConsecutiveLosses)
}

func TestRiskOfRuinDefaults(t *testing.T) {
	// No trades at all: heuristic falls back to 0.5.
	res := resultWithEquity([]int64{1000, 1000})
	m := NewAnalyzer(zap.NewNop()).Analyze(res)
	assert.InDelta(t, 0.5, m.RiskOfRuin, 1e-9)

	// All winners: win/loss ratio undefined, same fallback.
	res.Trades = []types.TradeRecord{trade(10, 1000, types.ExitReasonSignal, 1)}
	m = NewAnalyzer(zap.NewNop()).Analyze(res)
	assert.InDelta(t, 0.5, m.RiskOfRuin, 1e-9)
}

func TestRiskOfRuinPositiveKelly(t *testing.T) {
	// 75% win rate with 2:1 win/loss ratio: kelly = 0.75 - 0.25/2.
	rr := riskOfRuin(0.75, 100, -50)
	assert.InDelta(t, 0.0, rr, 1e-9, "max(0, 0.5-0.625)")

	// Negative edge: kelly < 0 surfaces as -kelly.
	rr = riskOfRuin(0.2, 50, -100)
	kelly := 0.2 - 0.8/(50.0/100.0)
	assert.InDelta(t, -kelly, rr, 1e-9)
}

func TestMonteCarloDeterministicWithSeed(t *testing.T) {
	trades := []types.TradeRecord{
		trade(100, 1000, types.ExitReasonSignal, 1),
		trade(-50, 1000, types.ExitReasonStopLoss, 1),
		trade(80, 1000, types.ExitReasonTakeProfit, 1),
		trade(-30, 1000, types.ExitReasonStopLoss, 1),
		trade(120, 1000, types.ExitReasonSignal, 1),
	}

	a := NewMonteCarloSimulator(zap.NewNop(), MonteCarloConfig{Iterations: 500, Seed: 42}).Run(trades)
	b := NewMonteCarloSimulator(zap.NewNop(), MonteCarloConfig{Iterations: 500, Seed: 42}).Run(trades)

	assert.Equal(t, a.MedianReturnPct, b.MedianReturnPct)
	assert.Equal(t, a.P5ReturnPct, b.P5ReturnPct)
	assert.Equal(t, a.P95ReturnPct, b.P95ReturnPct)
	assert.Equal(t, a.ProbabilityRuin, b.ProbabilityRuin)
}

func TestMonteCarloOrderInvariantTotal(t *testing.T) {
	// Reshuffling multiplicative returns never changes the product, so
	// every path ends at the same total return.
	trades := []types.TradeRecord{
		trade(100, 1000, types.ExitReasonSignal, 1),
		trade(-50, 1000, types.ExitReasonStopLoss, 1),
		trade(80, 1000, types.ExitReasonTakeProfit, 1),
	}

	res := NewMonteCarloSimulator(zap.NewNop(), MonteCarloConfig{Iterations: 200, Seed: 7}).Run(trades)
	assert.InDelta(t, res.P5ReturnPct, res.P95ReturnPct, 1e-9)
	assert.Equal(t, 200, res.Iterations)
}

func TestMonteCarloEmptyTrades(t *testing.T) {
	res := NewMonteCarloSimulator(zap.NewNop(), MonteCarloConfig{}).Run(nil)
	assert.Zero(t, res.Iterations)
}
