// Package main provides the backtest command line interface.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/analytics"
	"github.com/quantframe/backtest-core/internal/backtester"
	"github.com/quantframe/backtest-core/internal/data"
	"github.com/quantframe/backtest-core/internal/strategy"
	"github.com/quantframe/backtest-core/pkg/types"
)

const dateLayout = "2006-01-02"

type runFlags struct {
	configFile string
	symbol     string
	start      string
	end        string
	capital    float64
	strategy   string
	dataFile   string
	seed       int64
	slippage   float64
	allowShort bool
	verbose    bool
}

func main() {
	flags := &runFlags{}

	root := &cobra.Command{
		Use:   "backtest",
		Short: "Run trading strategy backtests over historical or synthetic data",
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "Backtest config file (yaml/json/toml); flags override its values")
	root.PersistentFlags().StringVar(&flags.symbol, "symbol", "TEST", "Symbol to backtest")
	root.PersistentFlags().StringVar(&flags.start, "start", "", "Start date (YYYY-MM-DD)")
	root.PersistentFlags().StringVar(&flags.end, "end", "", "End date (YYYY-MM-DD)")
	root.PersistentFlags().Float64Var(&flags.capital, "capital", 10_000_000, "Initial capital")
	root.PersistentFlags().StringVar(&flags.strategy, "strategy", "sma_cross", "Strategy name")
	root.PersistentFlags().StringVar(&flags.dataFile, "data", "", "CSV file of OHLCV bars; synthetic data when empty")
	root.PersistentFlags().Int64Var(&flags.seed, "seed", 42, "Synthetic data generator seed")
	root.PersistentFlags().Float64Var(&flags.slippage, "slippage", 0, "Slippage fraction applied to entry and exit prices")
	root.PersistentFlags().BoolVar(&flags.allowShort, "allow-short", false, "Allow short positions")
	root.PersistentFlags().BoolVar(&flags.verbose, "verbose", false, "Debug logging")

	root.AddCommand(runCommand(flags))
	root.AddCommand(walkForwardCommand(flags))
	root.AddCommand(monteCarloCommand(flags))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (f *runFlags) logger() *zap.Logger {
	if f.verbose {
		logger, _ := zap.NewDevelopment()
		return logger
	}
	logger, _ := zap.NewProduction()
	return logger
}

// config assembles the run configuration: defaults, then the config
// file when given, then any explicitly set flags on top.
func (f *runFlags) config(cmd *cobra.Command) (types.BacktestConfig, error) {
	config := types.DefaultBacktestConfig()

	if f.configFile != "" {
		v := viper.New()
		v.SetConfigFile(f.configFile)
		if err := v.ReadInConfig(); err != nil {
			return config, fmt.Errorf("read config %s: %w", f.configFile, err)
		}
		if err := v.Unmarshal(&config, viper.DecodeHook(configDecodeHook())); err != nil {
			return config, fmt.Errorf("parse config %s: %w", f.configFile, err)
		}
	}

	set := cmd.Flags().Changed
	if set("symbol") || config.Symbol == "" {
		config.Symbol = f.symbol
	}
	if set("capital") {
		config.InitialCapital = decimal.NewFromFloat(f.capital)
	}
	if set("strategy") {
		config.Strategy = f.strategy
	}
	if set("data") {
		config.DataFile = f.dataFile
	}
	if set("slippage") {
		config.Slippage = f.slippage
	}
	if set("allow-short") {
		config.AllowShort = f.allowShort
	}

	if f.start != "" {
		start, err := time.Parse(dateLayout, f.start)
		if err != nil {
			return config, fmt.Errorf("invalid start date %q: %w", f.start, err)
		}
		config.StartDate = start
	}
	if f.end != "" {
		end, err := time.Parse(dateLayout, f.end)
		if err != nil {
			return config, fmt.Errorf("invalid end date %q: %w", f.end, err)
		}
		config.EndDate = end
	}
	if config.EndDate.IsZero() {
		config.EndDate = time.Now().UTC().Truncate(24 * time.Hour)
	}
	if config.StartDate.IsZero() {
		config.StartDate = config.EndDate.AddDate(-1, 0, 0)
	}

	return config, config.Validate()
}

func configDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeHookFunc(dateLayout),
		mapstructure.StringToTimeDurationHookFunc(),
		decimalDecodeHook(),
	)
}

func decimalDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, value interface{}) (interface{}, error) {
		if to != reflect.TypeOf(decimal.Decimal{}) {
			return value, nil
		}
		switch v := value.(type) {
		case string:
			return decimal.NewFromString(v)
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return value, nil
	}
}

func (f *runFlags) loader(logger *zap.Logger) data.Loader {
	if f.dataFile != "" {
		return data.NewCSVLoader(logger, f.dataFile)
	}
	return data.NewGeneratorLoader(logger, f.seed, 70_000, 24*time.Hour)
}

func runCommand(flags *runFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single backtest and print performance metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.logger()
			defer logger.Sync()

			config, err := flags.config(cmd)
			if err != nil {
				return err
			}

			registry := strategy.NewRegistry(logger)
			strat, ok := registry.Create(config.Strategy)
			if !ok {
				return fmt.Errorf("unknown strategy %q", config.Strategy)
			}

			sim := backtester.NewSimulator(logger, config, flags.loader(logger), strat)
			result := sim.Run()
			if !result.Success {
				return fmt.Errorf("backtest failed: %s", result.Error)
			}

			metrics := analytics.NewAnalyzer(logger).Analyze(result)
			printSummary(cmd.OutOrStdout(), result, metrics)

			if output != "" {
				artifact := struct {
					Result  *types.RunResult         `json:"result"`
					Metrics types.PerformanceMetrics `json:"metrics"`
				}{result, metrics}
				encoded, err := json.MarshalIndent(artifact, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(output, encoded, 0o644); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&output, "output", "", "Write the run result and metrics as JSON to this file")
	return cmd
}

func walkForwardCommand(flags *runFlags) *cobra.Command {
	var windowDays, stepDays int

	cmd := &cobra.Command{
		Use:   "walkforward",
		Short: "Validate a strategy with rolling in-sample/out-of-sample windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.logger()
			defer logger.Sync()

			config, err := flags.config(cmd)
			if err != nil {
				return err
			}

			wf := backtester.NewWalkForwardAnalyzer(logger, flags.loader(logger), strategy.NewRegistry(logger))
			result, err := wf.Run(config, backtester.WalkForwardConfig{
				WindowDays: windowDays,
				StepDays:   stepDays,
			})
			if err != nil {
				return err
			}

			printWalkForward(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().IntVar(&windowDays, "window", 30, "In-sample window length in days")
	cmd.Flags().IntVar(&stepDays, "step", 7, "Out-of-sample length and roll step in days")
	return cmd
}

func monteCarloCommand(flags *runFlags) *cobra.Command {
	var iterations int

	cmd := &cobra.Command{
		Use:   "montecarlo",
		Short: "Run a backtest and resample its trade sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := flags.logger()
			defer logger.Sync()

			config, err := flags.config(cmd)
			if err != nil {
				return err
			}

			registry := strategy.NewRegistry(logger)
			strat, ok := registry.Create(config.Strategy)
			if !ok {
				return fmt.Errorf("unknown strategy %q", config.Strategy)
			}

			sim := backtester.NewSimulator(logger, config, flags.loader(logger), strat)
			result := sim.Run()
			if !result.Success {
				return fmt.Errorf("backtest failed: %s", result.Error)
			}

			mc := analytics.NewMonteCarloSimulator(logger, analytics.MonteCarloConfig{
				Iterations: iterations,
				Seed:       flags.seed,
			})
			printMonteCarlo(cmd.OutOrStdout(), mc.Run(result.Trades))
			return nil
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", 1000, "Number of resampled paths")
	return cmd
}

func printSummary(out io.Writer, result *types.RunResult, m types.PerformanceMetrics) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Metric", "Value"})
	table.SetBorder(false)
	table.AppendBulk([][]string{
		{"Symbol", result.Symbol},
		{"Period", fmt.Sprintf("%s to %s", result.StartDate.Format(dateLayout), result.EndDate.Format(dateLayout))},
		{"Initial Capital", result.InitialCapital.StringFixed(0)},
		{"Final Equity", result.FinalEquity.StringFixed(0)},
		{"Total Return", fmt.Sprintf("%.2f%%", m.TotalReturnPct)},
		{"Annualized Return", fmt.Sprintf("%.2f%%", m.AnnualizedReturnPct)},
		{"Volatility", fmt.Sprintf("%.2f%%", m.VolatilityPct)},
		{"Sharpe Ratio", fmt.Sprintf("%.2f", m.SharpeRatio)},
		{"Sortino Ratio", fmt.Sprintf("%.2f", m.SortinoRatio)},
		{"Max Drawdown", fmt.Sprintf("%.2f%%", m.MaxDrawdownPct)},
		{"Trades", fmt.Sprintf("%d", m.TotalTrades)},
		{"Win Rate", fmt.Sprintf("%.2f%%", m.WinRatePct)},
		{"Profit Factor", formatRatio(m.ProfitFactor)},
		{"Expectancy", fmt.Sprintf("%.2f", m.Expectancy)},
		{"Risk of Ruin", fmt.Sprintf("%.4f", m.RiskOfRuin)},
	})
	table.Render()
}

func printWalkForward(out io.Writer, result *types.WalkForwardResult) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"In-Sample", "Out-Sample", "IS Return", "OOS Return"})
	table.SetBorder(false)
	for _, w := range result.Windows {
		inRet, outRet := "n/a", "n/a"
		if w.InSampleMetrics != nil {
			inRet = fmt.Sprintf("%.2f%%", w.InSampleMetrics.TotalReturnPct)
		}
		if w.OutSampleMetrics != nil {
			outRet = fmt.Sprintf("%.2f%%", w.OutSampleMetrics.TotalReturnPct)
		}
		table.Append([]string{
			fmt.Sprintf("%s to %s", w.InSampleStart.Format(dateLayout), w.InSampleEnd.Format(dateLayout)),
			fmt.Sprintf("%s to %s", w.OutSampleStart.Format(dateLayout), w.OutSampleEnd.Format(dateLayout)),
			inRet,
			outRet,
		})
	}
	table.SetFooter([]string{"", "", "Robustness", fmt.Sprintf("%.2f", result.Robustness)})
	table.Render()
}

func printMonteCarlo(out io.Writer, result *types.MonteCarloResult) {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Statistic", "Value"})
	table.SetBorder(false)
	table.AppendBulk([][]string{
		{"Iterations", fmt.Sprintf("%d", result.Iterations)},
		{"Median Return", fmt.Sprintf("%.2f%%", result.MedianReturnPct)},
		{"5th Percentile", fmt.Sprintf("%.2f%%", result.P5ReturnPct)},
		{"95th Percentile", fmt.Sprintf("%.2f%%", result.P95ReturnPct)},
		{"Max Drawdown P95", fmt.Sprintf("%.2f%%", result.MaxDrawdownP95)},
		{"Probability of Ruin", fmt.Sprintf("%.4f", result.ProbabilityRuin)},
	})
	table.Render()
}

func formatRatio(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.2f", v)
}
