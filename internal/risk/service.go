package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/events"
	"github.com/quantframe/backtest-core/pkg/types"
	"github.com/quantframe/backtest-core/pkg/utils"
)

// Trade-limit errors signaled when a new position fails validation.
// Callers skip the trade for the current bar rather than aborting.
var (
	ErrPositionExists    = errors.New("risk: position already open for symbol")
	ErrMaxOpenPositions  = errors.New("risk: max open positions reached")
	ErrMaxDailyTrades    = errors.New("risk: max daily trades reached")
	ErrDailyLossExceeded = errors.New("risk: daily loss limit exceeded")
	ErrNoPosition        = errors.New("risk: no open position for symbol")
)

// OpenPosition is the service's record of one managed position.
type OpenPosition struct {
	Symbol        string             `json:"symbol"`
	Side          types.PositionSide `json:"side"`
	Quantity      decimal.Decimal    `json:"quantity"`
	EntryPrice    decimal.Decimal    `json:"entryPrice"`
	CurrentPrice  decimal.Decimal    `json:"currentPrice"`
	StopPrice     decimal.Decimal    `json:"stopPrice"`
	TargetPrice   decimal.Decimal    `json:"targetPrice"`
	UnrealizedPnL decimal.Decimal    `json:"unrealizedPnl"`
	OpenedAt      time.Time          `json:"openedAt"`
}

// Metrics is a read-only monitoring snapshot of the service's state.
type Metrics struct {
	OpenPositions int                  `json:"openPositions"`
	ExposureRatio decimal.Decimal      `json:"exposureRatio"`
	DailyTrades   int                  `json:"dailyTrades"`
	DailyPnL      decimal.Decimal      `json:"dailyPnl"`
	Parameters    types.RiskParameters `json:"parameters"`
}

// Service tracks open positions, enforces per-day trade limits, and
// delegates sizing and exit-level math to the configured policies.
// Each position moves through open, per-tick update, and close.
type Service struct {
	mu     sync.RWMutex
	logger *zap.Logger
	params types.RiskParameters

	sizer  Sizer
	stops  StopPolicy
	bus    *events.Bus

	positions   map[string]*OpenPosition
	trades      []types.TradeRecord
	dailyTrades int
	dailyPnL    decimal.Decimal
	clock       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceEventBus attaches a notification bus.
func WithServiceEventBus(bus *events.Bus) ServiceOption {
	return func(s *Service) { s.bus = bus }
}

// WithClock overrides the service's time source.
func WithClock(clock func() time.Time) ServiceOption {
	return func(s *Service) { s.clock = clock }
}

// NewService builds a risk service with the configured policies.
func NewService(logger *zap.Logger, params types.RiskParameters, opts ...ServiceOption) *Service {
	s := &Service{
		logger:    logger,
		params:    params,
		sizer:     NewSizer(params.SizingMethod, logger),
		stops:     NewStopPolicy(params.StopMethod, logger),
		positions: make(map[string]*OpenPosition),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CalculatePositionSize delegates to the configured sizer, applying
// any per-call overrides.
func (s *Service) CalculatePositionSize(symbol string, price decimal.Decimal, account types.AccountBalance, overrides *types.RiskOverrides) decimal.Decimal {
	s.mu.RLock()
	params := s.params.Merged(overrides)
	sizer := s.sizer
	s.mu.RUnlock()

	if overrides != nil && overrides.SizingMethod != nil {
		sizer = NewSizer(*overrides.SizingMethod, s.logger)
	}
	return sizer.Size(symbol, price, account, params)
}

// CalculateExitPoints delegates to the configured stop policy.
func (s *Service) CalculateExitPoints(symbol string, entry decimal.Decimal, side types.PositionSide, bars *types.BarHistory, overrides *types.RiskOverrides) (ExitLevels, error) {
	s.mu.RLock()
	params := s.params.Merged(overrides)
	stops := s.stops
	s.mu.RUnlock()

	if overrides != nil && overrides.StopMethod != nil {
		stops = NewStopPolicy(*overrides.StopMethod, s.logger)
	}
	return stops.Compute(symbol, entry, side, bars, params)
}

// validateNewTrade enforces the per-symbol and per-day limits. Caller
// holds the lock.
func (s *Service) validateNewTrade(symbol string, equity decimal.Decimal) error {
	if _, exists := s.positions[symbol]; exists {
		return fmt.Errorf("%w: %s", ErrPositionExists, symbol)
	}
	if len(s.positions) >= s.params.MaxOpenPositions {
		return fmt.Errorf("%w: %d", ErrMaxOpenPositions, s.params.MaxOpenPositions)
	}
	if s.dailyTrades >= s.params.MaxDailyTrades {
		return fmt.Errorf("%w: %d", ErrMaxDailyTrades, s.params.MaxDailyTrades)
	}
	maxLoss := equity.Mul(decimal.NewFromFloat(s.params.MaxDailyLossPct)).Neg()
	if s.dailyPnL.LessThan(maxLoss) {
		return fmt.Errorf("%w: daily pnl %s below %s", ErrDailyLossExceeded, s.dailyPnL, maxLoss)
	}
	return nil
}

// CanOpenTrade reports whether a new position in symbol would pass
// trade-limit validation right now.
func (s *Service) CanOpenTrade(symbol string, equity decimal.Decimal) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.validateNewTrade(symbol, equity)
}

// RegisterPosition opens a managed position after validating trade
// limits and increments the daily trade counter.
func (s *Service) RegisterPosition(symbol string, price, qty decimal.Decimal, side types.PositionSide, levels ExitLevels, equity decimal.Decimal) error {
	norm, err := normalizeSide(side)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateNewTrade(symbol, equity); err != nil {
		s.publishAlert(symbol, "trade_rejected", err.Error())
		return err
	}

	s.positions[symbol] = &OpenPosition{
		Symbol:       symbol,
		Side:         norm,
		Quantity:     qty,
		EntryPrice:   price,
		CurrentPrice: price,
		StopPrice:    levels.Stop,
		TargetPrice:  levels.Target,
		OpenedAt:     s.clock(),
	}
	s.dailyTrades++

	s.logger.Info("position registered",
		zap.String("symbol", symbol),
		zap.String("side", string(norm)),
		zap.String("quantity", qty.String()),
		zap.String("entry", price.String()),
		zap.String("stop", levels.Stop.String()),
		zap.String("target", levels.Target.String()),
	)
	return nil
}

// UpdatePosition refreshes unrealized P&L and re-derives stop/target
// via the policy's update rule. Called once per bar per open position.
func (s *Service) UpdatePosition(symbol string, current decimal.Decimal, bars *types.BarHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}

	pos.CurrentPrice = current
	if pos.Side == types.PositionSideLong {
		pos.UnrealizedPnL = current.Sub(pos.EntryPrice).Mul(pos.Quantity)
	} else {
		pos.UnrealizedPnL = pos.EntryPrice.Sub(current).Mul(pos.Quantity)
	}

	levels, err := s.stops.Update(symbol, pos.EntryPrice, current, pos.Side,
		ExitLevels{Stop: pos.StopPrice, Target: pos.TargetPrice}, bars, s.params)
	if err != nil {
		return err
	}
	pos.StopPrice = levels.Stop
	pos.TargetPrice = levels.Target
	return nil
}

// CheckExitSignals evaluates stop and target against the current
// price. The stop is checked first; the first match wins.
func (s *Service) CheckExitSignals(symbol string, current decimal.Decimal) (types.ExitReason, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return "", false
	}

	if pos.Side == types.PositionSideLong {
		if current.LessThanOrEqual(pos.StopPrice) {
			return types.ExitReasonStopLoss, true
		}
		if current.GreaterThanOrEqual(pos.TargetPrice) {
			return types.ExitReasonTakeProfit, true
		}
		return "", false
	}

	if current.GreaterThanOrEqual(pos.StopPrice) {
		return types.ExitReasonStopLoss, true
	}
	if current.LessThanOrEqual(pos.TargetPrice) {
		return types.ExitReasonTakeProfit, true
	}
	return "", false
}

// ClosePosition realizes P&L, records the trade, and removes the open
// position.
func (s *Service) ClosePosition(symbol string, exitPrice decimal.Decimal, reason types.ExitReason) (types.TradeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return types.TradeRecord{}, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}

	var pnl decimal.Decimal
	if pos.Side == types.PositionSideLong {
		pnl = exitPrice.Sub(pos.EntryPrice).Mul(pos.Quantity)
	} else {
		pnl = pos.EntryPrice.Sub(exitPrice).Mul(pos.Quantity)
	}

	var pnlPct decimal.Decimal
	notional := pos.EntryPrice.Mul(pos.Quantity)
	if !notional.IsZero() {
		pnlPct = pnl.Div(notional).Mul(decimal.NewFromInt(100))
	}

	now := s.clock()
	trade := types.TradeRecord{
		ID:         utils.GenerateTradeID(),
		Symbol:     symbol,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		EntryTime:  pos.OpenedAt,
		ExitTime:   now,
		PnL:        pnl,
		PnLPct:     pnlPct,
		ExitReason: reason,
		Duration:   now.Sub(pos.OpenedAt),
	}

	s.trades = append(s.trades, trade)
	s.dailyPnL = s.dailyPnL.Add(pnl)
	delete(s.positions, symbol)

	s.logger.Info("position closed",
		zap.String("symbol", symbol),
		zap.String("reason", string(reason)),
		zap.String("exit", exitPrice.String()),
		zap.String("pnl", pnl.String()),
	)

	if s.bus != nil {
		s.bus.Publish(events.PositionClosedEvent{Timestamp: now, Trade: trade})
	}
	return trade, nil
}

// ResetDailyStats zeroes the daily counters. Call once per simulated
// trading day.
func (s *Service) ResetDailyStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyTrades = 0
	s.dailyPnL = decimal.Zero
}

// GetPosition returns a copy of the managed position for a symbol.
func (s *Service) GetPosition(symbol string) (OpenPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[symbol]
	if !ok {
		return OpenPosition{}, false
	}
	return *pos, true
}

// OpenPositionCount returns the number of managed positions.
func (s *Service) OpenPositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// TradeHistory returns all recorded trades in close order.
func (s *Service) TradeHistory() []types.TradeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.TradeRecord, len(s.trades))
	copy(out, s.trades)
	return out
}

// GetRiskMetrics returns a monitoring snapshot against the supplied
// account state.
func (s *Service) GetRiskMetrics(account types.AccountBalance) Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := Metrics{
		OpenPositions: len(s.positions),
		DailyTrades:   s.dailyTrades,
		DailyPnL:      s.dailyPnL,
		Parameters:    s.params,
	}
	if !account.TotalEquity.IsZero() {
		m.ExposureRatio = account.TotalPositionValue.Div(account.TotalEquity)
	}
	return m
}

// Parameters returns the active risk parameters.
func (s *Service) Parameters() types.RiskParameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

func (s *Service) publishAlert(symbol, alertType, msg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.RiskAlertEvent{
		Timestamp: s.clock(),
		Symbol:    symbol,
		AlertType: alertType,
		Message:   msg,
	})
}
