package analytics

import (
	"math/rand"
	"sort"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/pkg/types"
)

// ruinThreshold marks a resampled path as ruined when equity falls to
// half its starting value.
const ruinThreshold = 0.5

// MonteCarloConfig controls the trade-resampling simulation.
type MonteCarloConfig struct {
	Iterations       int   // number of resampled paths, default 1000
	Seed             int64 // 0 seeds from the default source
	KeepDistribution bool  // include the full sorted outcome list
}

// MonteCarloSimulator estimates the outcome distribution of a trade
// sequence by repeatedly reshuffling the per-trade returns.
type MonteCarloSimulator struct {
	logger *zap.Logger
	config MonteCarloConfig
	rng    *rand.Rand
}

// NewMonteCarloSimulator creates a Monte Carlo simulator.
func NewMonteCarloSimulator(logger *zap.Logger, config MonteCarloConfig) *MonteCarloSimulator {
	if config.Iterations <= 0 {
		config.Iterations = 1000
	}
	return &MonteCarloSimulator{
		logger: logger,
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Run resamples the trade log's percentage returns and reports the
// percentile outcomes.
func (mc *MonteCarloSimulator) Run(trades []types.TradeRecord) *types.MonteCarloResult {
	if len(trades) == 0 {
		return &types.MonteCarloResult{}
	}

	returns := make([]float64, len(trades))
	for i, t := range trades {
		returns[i], _ = t.PnLPct.Float64()
	}

	iterations := mc.config.Iterations
	pathReturns := make([]float64, iterations)
	pathDrawdowns := make([]float64, iterations)
	ruined := 0

	shuffled := make([]float64, len(returns))
	for i := 0; i < iterations; i++ {
		copy(shuffled, returns)
		mc.rng.Shuffle(len(shuffled), func(a, b int) {
			shuffled[a], shuffled[b] = shuffled[b], shuffled[a]
		})

		total, maxDD, isRuin := simulatePath(shuffled)
		pathReturns[i] = total
		pathDrawdowns[i] = maxDD
		if isRuin {
			ruined++
		}
	}

	sort.Float64s(pathReturns)
	sort.Float64s(pathDrawdowns)

	result := &types.MonteCarloResult{
		Iterations:      iterations,
		MedianReturnPct: percentileOf(pathReturns, 50),
		P5ReturnPct:     percentileOf(pathReturns, 5),
		P95ReturnPct:    percentileOf(pathReturns, 95),
		MaxDrawdownP95:  percentileOf(pathDrawdowns, 95),
		ProbabilityRuin: float64(ruined) / float64(iterations),
	}
	if mc.config.KeepDistribution {
		result.Distribution = pathReturns
	}

	mc.logger.Info("monte carlo simulation complete",
		zap.Int("iterations", iterations),
		zap.Float64("medianReturnPct", result.MedianReturnPct),
		zap.Float64("p5ReturnPct", result.P5ReturnPct),
		zap.Float64("p95ReturnPct", result.P95ReturnPct),
		zap.Float64("probabilityRuin", result.ProbabilityRuin),
	)
	return result
}

// simulatePath compounds one reshuffled return sequence and tracks
// its drawdown and ruin status.
func simulatePath(returns []float64) (totalReturn, maxDrawdown float64, isRuin bool) {
	equity := 1.0
	peak := equity

	for _, ret := range returns {
		equity *= 1 + ret/100
		if equity > peak {
			peak = equity
		}
		if peak > 0 {
			dd := (peak - equity) / peak * 100
			if dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
		if equity <= ruinThreshold {
			isRuin = true
		}
	}
	return (equity - 1) * 100, maxDrawdown, isRuin
}

func percentileOf(sorted []float64, p float64) float64 {
	v, err := stats.Percentile(sorted, p)
	if err != nil {
		return 0
	}
	return v
}
