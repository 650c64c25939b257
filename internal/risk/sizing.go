// Package risk implements position sizing, stop-loss/take-profit
// policies, and the per-symbol risk service that enforces trade limits
// during a backtest.
package risk

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/pkg/types"
)

// Sizer converts a price and account state into an integer share
// quantity. Implementations must never size beyond what the cash
// balance can afford and must never return a negative quantity.
type Sizer interface {
	Size(symbol string, price decimal.Decimal, account types.AccountBalance, params types.RiskParameters) decimal.Decimal
}

// NewSizer returns the sizer for a method name, defaulting to fixed
// amount for unrecognized methods.
func NewSizer(method types.SizingMethod, logger *zap.Logger) Sizer {
	switch method {
	case types.SizingFixedRisk:
		return &FixedRiskSizer{logger: logger}
	case types.SizingPercentEquity:
		return &PercentEquitySizer{logger: logger}
	case types.SizingFixedAmount:
		return &FixedAmountSizer{logger: logger}
	default:
		logger.Warn("unknown sizing method, using fixed amount",
			zap.String("method", string(method)))
		return &FixedAmountSizer{logger: logger}
	}
}

// affordable caps qty at floor(cash / price).
func affordable(qty, cash, price decimal.Decimal) decimal.Decimal {
	limit := cash.Div(price).Floor()
	if qty.GreaterThan(limit) {
		return limit
	}
	return qty
}

// FixedAmountSizer invests a fixed notional per trade.
type FixedAmountSizer struct {
	logger *zap.Logger
}

func (s *FixedAmountSizer) Size(symbol string, price decimal.Decimal, account types.AccountBalance, params types.RiskParameters) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	amount := params.FixedAmount
	if account.CashBalance.LessThan(amount) {
		amount = account.CashBalance
	}
	qty := amount.Div(price).Floor()
	return affordable(qty, account.CashBalance, price)
}

// FixedRiskSizer risks a fixed fraction of equity per trade, sized so
// the stop-loss distance equals the risk budget.
type FixedRiskSizer struct {
	logger *zap.Logger
}

func (s *FixedRiskSizer) Size(symbol string, price decimal.Decimal, account types.AccountBalance, params types.RiskParameters) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if params.StopLossPct <= 0 {
		s.logger.Warn("fixed risk sizing requires a positive stop loss pct",
			zap.String("symbol", symbol),
			zap.Float64("stopLossPct", params.StopLossPct))
		return decimal.Zero
	}

	riskAmount := account.TotalEquity.Mul(decimal.NewFromFloat(params.RiskPerTrade))
	priceRisk := price.Mul(decimal.NewFromFloat(params.StopLossPct))
	qty := riskAmount.Div(priceRisk).Floor()
	return affordable(qty, account.CashBalance, price)
}

// PercentEquitySizer invests a fixed fraction of total equity.
type PercentEquitySizer struct {
	logger *zap.Logger
}

func (s *PercentEquitySizer) Size(symbol string, price decimal.Decimal, account types.AccountBalance, params types.RiskParameters) decimal.Decimal {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	notional := account.TotalEquity.Mul(decimal.NewFromFloat(params.EquityPct))
	qty := notional.Div(price).Floor()
	return affordable(qty, account.CashBalance, price)
}
