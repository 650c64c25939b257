package data

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/pkg/types"
)

// QualityValidator checks a historical series for problems that would
// corrupt a backtest: bad OHLC relationships, non-positive prices,
// out-of-order or duplicate timestamps, extreme bar-to-bar moves.
type QualityValidator struct {
	logger *zap.Logger

	MaxIntradayMove float64 // max high/low spread relative to open
	MaxGapMove      float64 // max close-to-open gap between bars
}

// Issue is one detected data quality problem.
type Issue struct {
	Type      string    `json:"type"`
	Severity  string    `json:"severity"` // "critical", "high", "medium"
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	BarIndex  int       `json:"barIndex"`
}

// QualityReport summarizes the validation of one series.
type QualityReport struct {
	Symbol       string    `json:"symbol"`
	TotalBars    int       `json:"totalBars"`
	Issues       []Issue   `json:"issues"`
	QualityScore int       `json:"qualityScore"` // 0-100
	IsUsable     bool      `json:"isUsable"`
	StartDate    time.Time `json:"startDate"`
	EndDate      time.Time `json:"endDate"`
}

// NewQualityValidator creates a validator with equity-market defaults.
func NewQualityValidator(logger *zap.Logger) *QualityValidator {
	return &QualityValidator{
		logger:          logger,
		MaxIntradayMove: 0.30,
		MaxGapMove:      0.20,
	}
}

// Validate runs all checks on a series.
func (v *QualityValidator) Validate(bars []types.OHLCV, symbol string) *QualityReport {
	if len(bars) == 0 {
		return &QualityReport{
			Symbol:       symbol,
			Issues:       []Issue{{Type: "NO_DATA", Severity: "critical", Message: "no bars provided"}},
			QualityScore: 0,
			IsUsable:     false,
		}
	}

	var issues []Issue
	issues = append(issues, v.checkPrices(bars)...)
	issues = append(issues, v.checkOHLCConsistency(bars)...)
	issues = append(issues, v.checkOrder(bars)...)
	issues = append(issues, v.checkGapMoves(bars)...)

	score := v.score(len(bars), issues)
	report := &QualityReport{
		Symbol:       symbol,
		TotalBars:    len(bars),
		Issues:       issues,
		QualityScore: score,
		IsUsable:     score >= 70 && !hasCritical(issues),
		StartDate:    bars[0].Timestamp,
		EndDate:      bars[len(bars)-1].Timestamp,
	}

	if !report.IsUsable {
		v.logger.Warn("data quality check failed",
			zap.String("symbol", symbol),
			zap.Int("score", score),
			zap.Int("issues", len(issues)),
		)
	}
	return report
}

func (v *QualityValidator) checkPrices(bars []types.OHLCV) []Issue {
	var issues []Issue
	for i, b := range bars {
		for _, p := range []decimal.Decimal{b.Open, b.High, b.Low, b.Close} {
			if p.LessThanOrEqual(decimal.Zero) {
				issues = append(issues, Issue{
					Type:      "NONPOSITIVE_PRICE",
					Severity:  "critical",
					Timestamp: b.Timestamp,
					Message:   "bar contains a zero or negative price",
					BarIndex:  i,
				})
				break
			}
		}
		if b.Volume.IsNegative() {
			issues = append(issues, Issue{
				Type:      "NEGATIVE_VOLUME",
				Severity:  "high",
				Timestamp: b.Timestamp,
				Message:   "bar has negative volume",
				BarIndex:  i,
			})
		}
	}
	return issues
}

func (v *QualityValidator) checkOHLCConsistency(bars []types.OHLCV) []Issue {
	var issues []Issue
	for i, b := range bars {
		maxOC := decimal.Max(b.Open, b.Close)
		minOC := decimal.Min(b.Open, b.Close)
		if b.High.LessThan(maxOC) || b.Low.GreaterThan(minOC) || b.High.LessThan(b.Low) {
			issues = append(issues, Issue{
				Type:      "OHLC_INCONSISTENT",
				Severity:  "high",
				Timestamp: b.Timestamp,
				Message:   "high/low do not bound open/close",
				BarIndex:  i,
			})
			continue
		}
		if !b.Open.IsZero() {
			spread, _ := b.High.Sub(b.Low).Div(b.Open).Float64()
			if spread > v.MaxIntradayMove {
				issues = append(issues, Issue{
					Type:      "EXTREME_MOVE",
					Severity:  "medium",
					Timestamp: b.Timestamp,
					Message:   fmt.Sprintf("intraday range %.1f%% exceeds limit", spread*100),
					BarIndex:  i,
				})
			}
		}
	}
	return issues
}

func (v *QualityValidator) checkOrder(bars []types.OHLCV) []Issue {
	var issues []Issue
	for i := 1; i < len(bars); i++ {
		if bars[i].Timestamp.Before(bars[i-1].Timestamp) {
			issues = append(issues, Issue{
				Type:      "OUT_OF_ORDER",
				Severity:  "critical",
				Timestamp: bars[i].Timestamp,
				Message:   "bar timestamp precedes previous bar",
				BarIndex:  i,
			})
		} else if bars[i].Timestamp.Equal(bars[i-1].Timestamp) {
			issues = append(issues, Issue{
				Type:      "DUPLICATE_TIMESTAMP",
				Severity:  "high",
				Timestamp: bars[i].Timestamp,
				Message:   "duplicate bar timestamp",
				BarIndex:  i,
			})
		}
	}
	return issues
}

func (v *QualityValidator) checkGapMoves(bars []types.OHLCV) []Issue {
	var issues []Issue
	for i := 1; i < len(bars); i++ {
		prev := bars[i-1].Close
		if prev.IsZero() {
			continue
		}
		gap, _ := bars[i].Open.Sub(prev).Div(prev).Abs().Float64()
		if gap > v.MaxGapMove {
			issues = append(issues, Issue{
				Type:      "GAP_MOVE",
				Severity:  "medium",
				Timestamp: bars[i].Timestamp,
				Message:   fmt.Sprintf("open gapped %.1f%% from previous close", gap*100),
				BarIndex:  i,
			})
		}
	}
	return issues
}

// score penalizes issues by severity, floored at zero.
func (v *QualityValidator) score(total int, issues []Issue) int {
	score := 100
	for _, issue := range issues {
		switch issue.Severity {
		case "critical":
			score -= 25
		case "high":
			score -= 10
		case "medium":
			score -= 3
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}

func hasCritical(issues []Issue) bool {
	for _, issue := range issues {
		if issue.Severity == "critical" {
			return true
		}
	}
	return false
}
