package backtester

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/analytics"
	"github.com/quantframe/backtest-core/internal/data"
	"github.com/quantframe/backtest-core/internal/strategy"
	"github.com/quantframe/backtest-core/pkg/types"
)

// WalkForwardConfig controls the rolling-window split.
type WalkForwardConfig struct {
	WindowDays int // in-sample window length
	StepDays   int // out-of-sample length and roll step
}

// WalkForwardAnalyzer validates a strategy by repeatedly backtesting
// an in-sample window and the out-of-sample period that follows it.
type WalkForwardAnalyzer struct {
	logger   *zap.Logger
	loader   data.Loader
	registry *strategy.Registry
}

// NewWalkForwardAnalyzer creates a walk-forward analyzer.
func NewWalkForwardAnalyzer(logger *zap.Logger, loader data.Loader, registry *strategy.Registry) *WalkForwardAnalyzer {
	return &WalkForwardAnalyzer{
		logger:   logger,
		loader:   loader,
		registry: registry,
	}
}

type window struct {
	inStart, inEnd   time.Time
	outStart, outEnd time.Time
}

// Run splits the configured range into rolling windows and backtests
// each split, reporting out-of-sample robustness against in-sample
// performance.
func (wf *WalkForwardAnalyzer) Run(config types.BacktestConfig, wfConfig WalkForwardConfig) (*types.WalkForwardResult, error) {
	windowDays := wfConfig.WindowDays
	if windowDays <= 0 {
		windowDays = 30
	}
	stepDays := wfConfig.StepDays
	if stepDays <= 0 {
		stepDays = 7
	}

	windows := generateWindows(config.StartDate, config.EndDate, windowDays, stepDays)
	if len(windows) == 0 {
		return nil, fmt.Errorf("backtester: range too short for walk-forward windows of %dd+%dd", windowDays, stepDays)
	}

	wf.logger.Info("walk-forward analysis starting",
		zap.Int("windows", len(windows)),
		zap.Int("windowDays", windowDays),
		zap.Int("stepDays", stepDays),
	)

	analyzer := analytics.NewAnalyzer(wf.logger)
	result := &types.WalkForwardResult{}
	var inSum, outSum float64
	counted := 0

	for i, w := range windows {
		inMetrics, err := wf.runWindow(config, w.inStart, w.inEnd, analyzer)
		if err != nil {
			wf.logger.Warn("in-sample window failed", zap.Int("window", i), zap.Error(err))
			continue
		}
		outMetrics, err := wf.runWindow(config, w.outStart, w.outEnd, analyzer)
		if err != nil {
			wf.logger.Warn("out-of-sample window failed", zap.Int("window", i), zap.Error(err))
			continue
		}

		result.Windows = append(result.Windows, types.WalkForwardWindow{
			InSampleStart:    w.inStart,
			InSampleEnd:      w.inEnd,
			OutSampleStart:   w.outStart,
			OutSampleEnd:     w.outEnd,
			InSampleMetrics:  inMetrics,
			OutSampleMetrics: outMetrics,
		})
		inSum += inMetrics.TotalReturnPct
		outSum += outMetrics.TotalReturnPct
		counted++
	}

	if counted == 0 {
		return nil, fmt.Errorf("backtester: all walk-forward windows failed")
	}
	if inSum != 0 {
		result.Robustness = outSum / inSum
	}
	return result, nil
}

func (wf *WalkForwardAnalyzer) runWindow(config types.BacktestConfig, start, end time.Time, analyzer *analytics.Analyzer) (*types.PerformanceMetrics, error) {
	strat, ok := wf.registry.Create(config.Strategy)
	if !ok {
		return nil, fmt.Errorf("backtester: unknown strategy %q", config.Strategy)
	}

	cfg := config
	cfg.StartDate = start
	cfg.EndDate = end

	sim := NewSimulator(wf.logger, cfg, wf.loader, strat)
	res := sim.Run()
	if !res.Success {
		return nil, fmt.Errorf("backtester: window run failed: %s", res.Error)
	}

	metrics := analyzer.Analyze(res)
	return &metrics, nil
}

// generateWindows rolls [start, end] into in-sample/out-of-sample
// splits, stepping by the out-of-sample length.
func generateWindows(start, end time.Time, windowDays, stepDays int) []window {
	var out []window
	for cur := start; ; cur = cur.AddDate(0, 0, stepDays) {
		inEnd := cur.AddDate(0, 0, windowDays)
		outEnd := inEnd.AddDate(0, 0, stepDays)
		if outEnd.After(end) {
			break
		}
		out = append(out, window{
			inStart:  cur,
			inEnd:    inEnd,
			outStart: inEnd,
			outEnd:   outEnd,
		})
	}
	return out
}
