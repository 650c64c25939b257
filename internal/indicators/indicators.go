// Package indicators provides stateless technical indicator functions
// consumed by strategies and exit policies.
package indicators

import (
	"fmt"
	"math"

	"github.com/montanaflynn/stats"
)

// SMA returns the simple moving average of the last period values.
func SMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("sma: period must be positive, got %d", period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("sma: need %d values, have %d", period, len(values))
	}
	mean, err := stats.Mean(values[len(values)-period:])
	if err != nil {
		return 0, fmt.Errorf("sma: %w", err)
	}
	return mean, nil
}

// EMA returns the exponential moving average over the whole series,
// seeded with the SMA of the first period values.
func EMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("ema: period must be positive, got %d", period)
	}
	if len(values) < period {
		return 0, fmt.Errorf("ema: need %d values, have %d", period, len(values))
	}

	seed, err := stats.Mean(values[:period])
	if err != nil {
		return 0, fmt.Errorf("ema: %w", err)
	}

	k := 2.0 / (float64(period) + 1.0)
	ema := seed
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema, nil
}

// emaSeries returns the full EMA series aligned with values[period-1:].
func emaSeries(values []float64, period int) []float64 {
	if len(values) < period {
		return nil
	}
	var sum float64
	for _, v := range values[:period] {
		sum += v
	}
	k := 2.0 / (float64(period) + 1.0)
	ema := sum / float64(period)

	out := make([]float64, 0, len(values)-period+1)
	out = append(out, ema)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
		out = append(out, ema)
	}
	return out
}

// RSI returns the relative strength index over the last period
// deltas, with Wilder smoothing across the remainder of the series.
func RSI(closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("rsi: period must be positive, got %d", period)
	}
	if len(closes) < period+1 {
		return 0, fmt.Errorf("rsi: need %d closes, have %d", period+1, len(closes))
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss += math.Abs(delta)
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)

	// Wilder smoothing over the remaining closes.
	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		var gain, loss float64
		if delta > 0 {
			gain = delta
		} else {
			loss = math.Abs(delta)
		}
		avgGain = (avgGain*(float64(period)-1) + gain) / float64(period)
		avgLoss = (avgLoss*(float64(period)-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, nil
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), nil
}

// MACDResult holds the MACD line, signal line, and histogram.
type MACDResult struct {
	MACD      float64
	Signal    float64
	Histogram float64
}

// MACD computes the moving average convergence/divergence with the
// given fast/slow/signal periods (12/26/9 conventionally).
func MACD(closes []float64, fast, slow, signal int) (MACDResult, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 || fast >= slow {
		return MACDResult{}, fmt.Errorf("macd: invalid periods %d/%d/%d", fast, slow, signal)
	}
	if len(closes) < slow+signal {
		return MACDResult{}, fmt.Errorf("macd: need %d closes, have %d", slow+signal, len(closes))
	}

	fastSeries := emaSeries(closes, fast)
	slowSeries := emaSeries(closes, slow)

	// Align the fast series with the slow one (slow starts later).
	offset := slow - fast
	macdLine := make([]float64, len(slowSeries))
	for i := range slowSeries {
		macdLine[i] = fastSeries[i+offset] - slowSeries[i]
	}

	signalSeries := emaSeries(macdLine, signal)
	if len(signalSeries) == 0 {
		return MACDResult{}, fmt.Errorf("macd: insufficient data for signal line")
	}

	macd := macdLine[len(macdLine)-1]
	sig := signalSeries[len(signalSeries)-1]
	return MACDResult{MACD: macd, Signal: sig, Histogram: macd - sig}, nil
}

// BollingerBands holds the three band values.
type BollingerBands struct {
	Upper  float64
	Middle float64
	Lower  float64
}

// Bollinger computes Bollinger Bands over the last period closes with
// the given standard deviation multiplier.
func Bollinger(closes []float64, period int, mult float64) (BollingerBands, error) {
	if period <= 0 {
		return BollingerBands{}, fmt.Errorf("bollinger: period must be positive, got %d", period)
	}
	if len(closes) < period {
		return BollingerBands{}, fmt.Errorf("bollinger: need %d closes, have %d", period, len(closes))
	}

	window := closes[len(closes)-period:]
	mean, err := stats.Mean(window)
	if err != nil {
		return BollingerBands{}, fmt.Errorf("bollinger: %w", err)
	}
	sd, err := stats.StandardDeviation(window)
	if err != nil {
		return BollingerBands{}, fmt.Errorf("bollinger: %w", err)
	}

	return BollingerBands{
		Upper:  mean + mult*sd,
		Middle: mean,
		Lower:  mean - mult*sd,
	}, nil
}

// TrueRange returns max(high-low, |high-prevClose|, |low-prevClose|).
func TrueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if hc := math.Abs(high - prevClose); hc > tr {
		tr = hc
	}
	if lc := math.Abs(low - prevClose); lc > tr {
		tr = lc
	}
	return tr
}

// ATR computes the average true range as the simple mean of the last
// period true ranges. Requires period+1 bars (the previous close of
// the first range).
func ATR(highs, lows, closes []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, fmt.Errorf("atr: period must be positive, got %d", period)
	}
	n := len(closes)
	if len(highs) != n || len(lows) != n {
		return 0, fmt.Errorf("atr: mismatched series lengths %d/%d/%d", len(highs), len(lows), n)
	}
	if n < period+1 {
		return 0, fmt.Errorf("atr: need %d bars, have %d", period+1, n)
	}

	trs := make([]float64, 0, period)
	for i := n - period; i < n; i++ {
		trs = append(trs, TrueRange(highs[i], lows[i], closes[i-1]))
	}
	mean, err := stats.Mean(trs)
	if err != nil {
		return 0, fmt.Errorf("atr: %w", err)
	}
	return mean, nil
}
