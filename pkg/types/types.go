// Package types provides shared type definitions for the backtest core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents the type of order
type OrderType string

const (
	OrderTypeMarket    OrderType = "market"
	OrderTypeLimit     OrderType = "limit"
	OrderTypeStop      OrderType = "stop"
	OrderTypeStopLimit OrderType = "stop_limit"
)

// OrderStatus represents the status of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether the status is final. Terminal orders are
// never mutated again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// TimeInForce represents order validity duration
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceDay TimeInForce = "day"
	TimeInForceIOC TimeInForce = "ioc"
)

// PositionSide represents long or short
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// ExitReason explains why a position was closed
type ExitReason string

const (
	ExitReasonStopLoss   ExitReason = "stop_loss"
	ExitReasonTakeProfit ExitReason = "take_profit"
	ExitReasonSignal     ExitReason = "signal"
	ExitReasonManual     ExitReason = "manual"
)

// Fill represents a single execution against an order
type Fill struct {
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Order represents a single trade instruction
type Order struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Side         OrderSide       `json:"side"`
	Type         OrderType       `json:"type"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price,omitempty"`
	StopPrice    decimal.Decimal `json:"stopPrice,omitempty"`
	TimeInForce  TimeInForce     `json:"timeInForce"`
	Status       OrderStatus     `json:"status"`
	FilledQty    decimal.Decimal `json:"filledQty"`
	AvgFillPrice decimal.Decimal `json:"avgFillPrice"`
	Fills        []Fill          `json:"fills,omitempty"`
	Commission   decimal.Decimal `json:"commission"`
	ParentID     string          `json:"parentId,omitempty"`
	Strategy     string          `json:"strategy,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
	FilledAt     *time.Time      `json:"filledAt,omitempty"`
	CancelledAt  *time.Time      `json:"cancelledAt,omitempty"`
}

// AddFill appends an execution and recomputes the volume-weighted
// average fill price.
func (o *Order) AddFill(qty, price decimal.Decimal, ts time.Time) {
	o.Fills = append(o.Fills, Fill{Quantity: qty, Price: price, Timestamp: ts})

	notional := o.AvgFillPrice.Mul(o.FilledQty).Add(price.Mul(qty))
	o.FilledQty = o.FilledQty.Add(qty)
	if !o.FilledQty.IsZero() {
		o.AvgFillPrice = notional.Div(o.FilledQty)
	}
	o.UpdatedAt = ts
}

// Position represents the current holding in one symbol. Quantity is
// positive for long and negative for short.
type Position struct {
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvgPrice     decimal.Decimal `json:"avgPrice"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	OpenedAt     time.Time       `json:"openedAt"`
}

// MarketValue returns quantity x current price.
func (p *Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// UnrealizedPnL returns (current - avg entry) x quantity.
func (p *Position) UnrealizedPnL() decimal.Decimal {
	return p.CurrentPrice.Sub(p.AvgPrice).Mul(p.Quantity)
}

// UnrealizedPnLPct returns the unrealized return in percent.
func (p *Position) UnrealizedPnLPct() decimal.Decimal {
	if p.AvgPrice.IsZero() {
		return decimal.Zero
	}
	return p.CurrentPrice.Div(p.AvgPrice).Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100))
}

// PositionSnapshot is a read-only view of a position with derived P&L,
// as returned by account balance queries.
type PositionSnapshot struct {
	Symbol           string          `json:"symbol"`
	Quantity         decimal.Decimal `json:"quantity"`
	AvgPrice         decimal.Decimal `json:"avgPrice"`
	CurrentPrice     decimal.Decimal `json:"currentPrice"`
	MarketValue      decimal.Decimal `json:"marketValue"`
	UnrealizedPnL    decimal.Decimal `json:"unrealizedPnl"`
	UnrealizedPnLPct decimal.Decimal `json:"unrealizedPnlPct"`
}

// AccountBalance is the broker's account snapshot
type AccountBalance struct {
	CashBalance        decimal.Decimal    `json:"cashBalance"`
	Positions          []PositionSnapshot `json:"positions"`
	TotalPositionValue decimal.Decimal    `json:"totalPositionValue"`
	TotalEquity        decimal.Decimal    `json:"totalEquity"`
}

// TradeRecord summarizes a fully closed position. Records are
// append-only; the trade history list is the sole input to trade
// statistics.
type TradeRecord struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	ExitPrice  decimal.Decimal `json:"exitPrice"`
	EntryTime  time.Time       `json:"entryTime"`
	ExitTime   time.Time       `json:"exitTime"`
	PnL        decimal.Decimal `json:"pnl"`
	PnLPct     decimal.Decimal `json:"pnlPct"`
	ExitReason ExitReason      `json:"exitReason"`
	Duration   time.Duration   `json:"duration"`
}

// OHLCV represents a single bar
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// BarHistory is a column-oriented lookback window handed to strategies
// and exit policies.
type BarHistory struct {
	Timestamps []time.Time       `json:"timestamps"`
	Opens      []decimal.Decimal `json:"opens"`
	Highs      []decimal.Decimal `json:"highs"`
	Lows       []decimal.Decimal `json:"lows"`
	Closes     []decimal.Decimal `json:"closes"`
	Volumes    []decimal.Decimal `json:"volumes"`
}

// Len returns the number of bars in the history.
func (h *BarHistory) Len() int {
	if h == nil {
		return 0
	}
	return len(h.Closes)
}

func toFloats(in []decimal.Decimal) []float64 {
	out := make([]float64, len(in))
	for i, d := range in {
		out[i], _ = d.Float64()
	}
	return out
}

// CloseFloats returns the close column as float64s for indicator math.
func (h *BarHistory) CloseFloats() []float64 {
	if h == nil {
		return nil
	}
	return toFloats(h.Closes)
}

// HighFloats returns the high column as float64s.
func (h *BarHistory) HighFloats() []float64 {
	if h == nil {
		return nil
	}
	return toFloats(h.Highs)
}

// LowFloats returns the low column as float64s.
func (h *BarHistory) LowFloats() []float64 {
	if h == nil {
		return nil
	}
	return toFloats(h.Lows)
}

// MarketSnapshot is the per-bar view handed to a strategy
type MarketSnapshot struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	History   *BarHistory     `json:"history,omitempty"`
}

// SignalType is the strategy's verdict for a bar
type SignalType string

const (
	SignalBuy  SignalType = "buy"
	SignalSell SignalType = "sell"
	SignalHold SignalType = "hold"
)

// Signal is a strategy's trade intent for the current bar
type Signal struct {
	Type   SignalType      `json:"type"`
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

// PortfolioSnapshot is one point of the recorded portfolio history
type PortfolioSnapshot struct {
	Timestamp     time.Time       `json:"timestamp"`
	Equity        decimal.Decimal `json:"equity"`
	Cash          decimal.Decimal `json:"cash"`
	PositionValue decimal.Decimal `json:"positionValue"`
	DrawdownPct   float64         `json:"drawdownPct"`
}

// RunResult is the structured outcome of a backtest run
type RunResult struct {
	Success          bool                `json:"success"`
	Error            string              `json:"error,omitempty"`
	Symbol           string              `json:"symbol"`
	StartDate        time.Time           `json:"startDate"`
	EndDate          time.Time           `json:"endDate"`
	InitialCapital   decimal.Decimal     `json:"initialCapital"`
	FinalEquity      decimal.Decimal     `json:"finalEquity"`
	ReturnPct        float64             `json:"returnPct"`
	Orders           []Order             `json:"orders"`
	Trades           []TradeRecord       `json:"trades"`
	PortfolioHistory []PortfolioSnapshot `json:"portfolioHistory"`
	EquityCurve      []decimal.Decimal   `json:"equityCurve"`
	Drawdowns        []float64           `json:"drawdowns"`
}

// PerformanceMetrics is the flat record of run statistics computed by
// the analyzer. Percentages are expressed as percent values (18.2, not
// 0.182). AvgLoss and LargestLoss are negative.
type PerformanceMetrics struct {
	TotalReturnPct        float64       `json:"totalReturnPct"`
	AnnualizedReturnPct   float64       `json:"annualizedReturnPct"`
	VolatilityPct         float64       `json:"volatilityPct"`
	DownsideVolatilityPct float64       `json:"downsideVolatilityPct"`
	SharpeRatio           float64       `json:"sharpeRatio"`
	SortinoRatio          float64       `json:"sortinoRatio"`
	CalmarRatio           float64       `json:"calmarRatio"`
	MaxDrawdownPct        float64       `json:"maxDrawdownPct"`
	MaxDrawdownDuration   int           `json:"maxDrawdownDuration"` // bars underwater
	TotalPnL              float64       `json:"totalPnl"`
	TotalTrades           int           `json:"totalTrades"`
	WinningTrades         int           `json:"winningTrades"`
	LosingTrades          int           `json:"losingTrades"`
	WinRatePct            float64       `json:"winRatePct"`
	ProfitFactor          float64       `json:"profitFactor"` // +Inf when no losses
	Expectancy            float64       `json:"expectancy"`
	AvgWin                float64       `json:"avgWin"`
	AvgLoss               float64       `json:"avgLoss"`
	LargestWin            float64       `json:"largestWin"`
	LargestLoss           float64       `json:"largestLoss"`
	MaxConsecutiveWins    int           `json:"maxConsecutiveWins"`
	MaxConsecutiveLosses  int           `json:"maxConsecutiveLosses"`
	AvgHoldingPeriod      time.Duration `json:"avgHoldingPeriod"`
	AvgPositionSize       float64       `json:"avgPositionSize"`
	MaxPositionSize       float64       `json:"maxPositionSize"`
	RecoveryFactor        float64       `json:"recoveryFactor"`
	RiskOfRuin            float64       `json:"riskOfRuin"`
}

// MonteCarloResult holds resampled-path statistics over the trade log
type MonteCarloResult struct {
	Iterations      int       `json:"iterations"`
	MedianReturnPct float64   `json:"medianReturnPct"`
	P5ReturnPct     float64   `json:"p5ReturnPct"`
	P95ReturnPct    float64   `json:"p95ReturnPct"`
	MaxDrawdownP95  float64   `json:"maxDrawdownP95"`
	ProbabilityRuin float64   `json:"probabilityRuin"`
	Distribution    []float64 `json:"distribution,omitempty"`
}

// WalkForwardWindow is one in-sample/out-of-sample split
type WalkForwardWindow struct {
	InSampleStart    time.Time           `json:"inSampleStart"`
	InSampleEnd      time.Time           `json:"inSampleEnd"`
	OutSampleStart   time.Time           `json:"outSampleStart"`
	OutSampleEnd     time.Time           `json:"outSampleEnd"`
	InSampleMetrics  *PerformanceMetrics `json:"inSampleMetrics"`
	OutSampleMetrics *PerformanceMetrics `json:"outSampleMetrics"`
}

// WalkForwardResult aggregates rolling-window validation
type WalkForwardResult struct {
	Windows    []WalkForwardWindow `json:"windows"`
	Robustness float64             `json:"robustness"` // out-of-sample vs in-sample return ratio
}
