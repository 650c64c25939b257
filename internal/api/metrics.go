package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the server's Prometheus collectors. Each server owns
// its registry so multiple instances can coexist in one process.
type Metrics struct {
	Registry *prometheus.Registry

	BacktestsSubmitted prometheus.Counter
	BacktestsCompleted prometheus.Counter
	BacktestsFailed    prometheus.Counter
	BacktestDuration   prometheus.Histogram
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		BacktestsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_submitted_total",
			Help: "Number of backtests accepted by the API.",
		}),
		BacktestsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_completed_total",
			Help: "Number of backtests that finished successfully.",
		}),
		BacktestsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backtest_failed_total",
			Help: "Number of backtests that failed.",
		}),
		BacktestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "backtest_duration_seconds",
			Help:    "Wall-clock duration of backtest runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
}
