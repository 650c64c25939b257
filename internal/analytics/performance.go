// Package analytics derives performance statistics from recorded
// backtest history. All functions are pure over the run result and
// never mutate simulator state.
package analytics

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/pkg/types"
)

const (
	tradingDaysPerYear = 252
	// minYears floors the annualization horizon so that very short
	// runs do not explode the compounding exponent.
	minYears = 0.01
)

// Analyzer computes performance metrics from a run result.
type Analyzer struct {
	logger *zap.Logger

	// RiskFreeRate is the annual risk-free rate as a fraction.
	RiskFreeRate float64
}

// NewAnalyzer creates an analyzer with a zero risk-free rate.
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// Analyze computes the full metrics record for a run. Degenerate
// inputs (no trades, zero volatility, zero drawdown) resolve to the
// documented fallbacks instead of errors.
func (a *Analyzer) Analyze(res *types.RunResult) types.PerformanceMetrics {
	m := types.PerformanceMetrics{}

	initial, _ := res.InitialCapital.Float64()
	final, _ := res.FinalEquity.Float64()
	if initial > 0 {
		m.TotalReturnPct = (final/initial - 1) * 100
	}

	years := a.yearsSpanned(res)
	m.AnnualizedReturnPct = annualize(m.TotalReturnPct, years)

	daily := dailyReturns(res.EquityCurve)
	if len(daily) > 0 {
		if sd, err := stats.StandardDeviation(daily); err == nil {
			m.VolatilityPct = sd * 100 * math.Sqrt(tradingDaysPerYear)
		}
		var downside []float64
		for _, r := range daily {
			if r < 0 {
				downside = append(downside, r)
			}
		}
		if len(downside) > 0 {
			if sd, err := stats.StandardDeviation(downside); err == nil {
				m.DownsideVolatilityPct = sd * 100 * math.Sqrt(tradingDaysPerYear)
			}
		}
	}

	excess := m.AnnualizedReturnPct - a.RiskFreeRate*100
	if m.VolatilityPct != 0 {
		m.SharpeRatio = excess / m.VolatilityPct
	}
	if m.DownsideVolatilityPct != 0 {
		m.SortinoRatio = excess / m.DownsideVolatilityPct
	}

	m.MaxDrawdownPct, m.MaxDrawdownDuration = drawdownStats(res.Drawdowns)
	if m.MaxDrawdownPct != 0 {
		m.CalmarRatio = m.AnnualizedReturnPct / m.MaxDrawdownPct
		m.RecoveryFactor = m.TotalReturnPct / m.MaxDrawdownPct
	}

	a.tradeStats(&m, res.Trades)
	m.RiskOfRuin = riskOfRuin(m.WinRatePct/100, m.AvgWin, m.AvgLoss)

	return m
}

// yearsSpanned measures the run length in years from the portfolio
// history, floored at the minimum horizon.
func (a *Analyzer) yearsSpanned(res *types.RunResult) float64 {
	start, end := res.StartDate, res.EndDate
	if n := len(res.PortfolioHistory); n > 1 {
		start = res.PortfolioHistory[0].Timestamp
		end = res.PortfolioHistory[n-1].Timestamp
	}
	years := end.Sub(start).Hours() / 24 / 365
	if years < minYears {
		years = minYears
	}
	return years
}

func annualize(totalReturnPct, years float64) float64 {
	growth := 1 + totalReturnPct/100
	if growth <= 0 {
		return -100
	}
	return (math.Pow(growth, 1/years) - 1) * 100
}

// dailyReturns converts the equity curve into simple per-bar returns.
func dailyReturns(curve []decimal.Decimal) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev, _ := curve[i-1].Float64()
		cur, _ := curve[i].Float64()
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, cur/prev-1)
	}
	return out
}

// drawdownStats returns the deepest drawdown and the longest
// contiguous underwater stretch, in bars.
func drawdownStats(drawdowns []float64) (maxDD float64, maxDuration int) {
	run := 0
	for _, dd := range drawdowns {
		if dd > maxDD {
			maxDD = dd
		}
		if dd > 0 {
			run++
			if run > maxDuration {
				maxDuration = run
			}
		} else {
			run = 0
		}
	}
	return maxDD, maxDuration
}

func (a *Analyzer) tradeStats(m *types.PerformanceMetrics, trades []types.TradeRecord) {
	m.TotalTrades = len(trades)
	if len(trades) == 0 {
		return
	}

	var totalWins, totalLosses, totalPnL float64
	var largestWin, largestLoss float64
	var holding float64
	var notionalSum, notionalMax float64
	var curWins, curLosses int

	for _, t := range trades {
		pnl, _ := t.PnL.Float64()
		totalPnL += pnl
		holding += t.Duration.Hours()

		notional, _ := t.EntryPrice.Mul(t.Quantity).Float64()
		notionalSum += notional
		if notional > notionalMax {
			notionalMax = notional
		}

		if pnl > 0 {
			m.WinningTrades++
			totalWins += pnl
			if pnl > largestWin {
				largestWin = pnl
			}
			curWins++
			curLosses = 0
			if curWins > m.MaxConsecutiveWins {
				m.MaxConsecutiveWins = curWins
			}
		} else if pnl < 0 {
			m.LosingTrades++
			totalLosses += pnl
			if pnl < largestLoss {
				largestLoss = pnl
			}
			curLosses++
			curWins = 0
			if curLosses > m.MaxConsecutiveLosses {
				m.MaxConsecutiveLosses = curLosses
			}
		} else {
			curWins = 0
			curLosses = 0
		}
	}

	m.TotalPnL = totalPnL
	m.LargestWin = largestWin
	m.LargestLoss = largestLoss
	m.WinRatePct = float64(m.WinningTrades) / float64(m.TotalTrades) * 100
	m.AvgHoldingPeriod = durationFromHours(holding / float64(m.TotalTrades))
	m.AvgPositionSize = notionalSum / float64(m.TotalTrades)
	m.MaxPositionSize = notionalMax

	if m.WinningTrades > 0 {
		m.AvgWin = totalWins / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = totalLosses / float64(m.LosingTrades)
	}

	switch {
	case m.LosingTrades == 0 && m.WinningTrades > 0:
		m.ProfitFactor = math.Inf(1)
	case totalLosses != 0:
		m.ProfitFactor = totalWins / math.Abs(totalLosses)
	}

	winRate := m.WinRatePct / 100
	m.Expectancy = winRate*m.AvgWin + (1-winRate)*m.AvgLoss
}

// riskOfRuin applies a simplified Kelly-based heuristic. Any
// ill-defined input collapses to the 0.5 default.
func riskOfRuin(winProb, avgWin, avgLoss float64) float64 {
	if winProb <= 0 || winProb >= 1 || avgWin <= 0 || avgLoss >= 0 {
		return 0.5
	}
	winLossRatio := avgWin / math.Abs(avgLoss)
	if winLossRatio == 0 {
		return 0.5
	}
	kelly := winProb - (1-winProb)/winLossRatio
	if kelly < 0 {
		return -kelly
	}
	return math.Max(0, 0.5-kelly)
}

func durationFromHours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
