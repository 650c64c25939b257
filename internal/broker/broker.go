// Package broker provides the virtual broker: order placement,
// matching, and fee/tax-adjusted settlement against an in-memory
// account, with no external connectivity.
package broker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/events"
	"github.com/quantframe/backtest-core/pkg/types"
	"github.com/quantframe/backtest-core/pkg/utils"
)

// Sentinel errors surfaced at order placement. They are local to a
// single order attempt and must never terminate a backtest loop.
var (
	ErrInsufficientFunds    = errors.New("broker: insufficient funds")
	ErrInsufficientHoldings = errors.New("broker: insufficient holdings")
	ErrInvalidSide          = errors.New("broker: invalid order side")
	ErrInvalidQuantity      = errors.New("broker: quantity must be positive")
	ErrInvalidPrice         = errors.New("broker: price must be positive")
	ErrOrderNotFound        = errors.New("broker: order not found")
)

// priceHistoryCap bounds the per-symbol price history; the oldest
// point is evicted first.
const priceHistoryCap = 1000

// qtyEpsilon is the tolerance below which a position counts as fully
// closed. Residual dust from float-originated quantities must not
// leave ghost positions behind.
var qtyEpsilon = decimal.New(1, -6)

// FeeConfig holds the broker's fee and tax rates as fractions.
type FeeConfig struct {
	BuyFeeRate  decimal.Decimal `json:"buyFeeRate"`
	SellFeeRate decimal.Decimal `json:"sellFeeRate"`
	SellTaxRate decimal.Decimal `json:"sellTaxRate"`
}

// DefaultFeeConfig returns the standard equity fee assumptions:
// buy fee 0.015%, sell fee 0.15%, sell tax 0.23%.
func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		BuyFeeRate:  decimal.NewFromFloat(0.00015),
		SellFeeRate: decimal.NewFromFloat(0.0015),
		SellTaxRate: decimal.NewFromFloat(0.0023),
	}
}

// PricePoint is one entry of the bounded price history.
type PricePoint struct {
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Broker simulates an execution venue over one cash account. The
// account is exclusively owned by the broker; callers observe it only
// through snapshots.
type Broker struct {
	mu     sync.RWMutex
	logger *zap.Logger
	fees   FeeConfig
	bus    *events.Bus

	cash      decimal.Decimal
	positions map[string]*types.Position
	orders    map[string]*types.Order
	orderIDs  []string // placement order, for stable history

	prices  map[string][]PricePoint
	current time.Time // latest timestamp seen via UpdatePrice

	// AllowShort lets sell orders without holdings open a negative
	// position instead of being rejected.
	allowShort bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithEventBus attaches a notification bus.
func WithEventBus(bus *events.Bus) Option {
	return func(b *Broker) { b.bus = bus }
}

// WithAllowShort permits sells to open short positions.
func WithAllowShort() Option {
	return func(b *Broker) { b.allowShort = true }
}

// WithFees overrides the default fee configuration.
func WithFees(fees FeeConfig) Option {
	return func(b *Broker) { b.fees = fees }
}

// New creates a virtual broker with the given starting cash.
func New(logger *zap.Logger, initialCash decimal.Decimal, opts ...Option) *Broker {
	b := &Broker{
		logger:    logger,
		fees:      DefaultFeeConfig(),
		cash:      initialCash,
		positions: make(map[string]*types.Position),
		orders:    make(map[string]*types.Order),
		prices:    make(map[string][]PricePoint),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// UpdatePrice records a new mark price into the bounded history and
// updates any existing position's mark price. Cash is untouched.
func (b *Broker) UpdatePrice(symbol string, price decimal.Decimal, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	hist := append(b.prices[symbol], PricePoint{Price: price, Timestamp: ts})
	if len(hist) > priceHistoryCap {
		hist = hist[len(hist)-priceHistoryCap:]
	}
	b.prices[symbol] = hist
	b.current = ts

	if pos, ok := b.positions[symbol]; ok {
		pos.CurrentPrice = price
	}
}

// LastPrice returns the most recent cached price for a symbol.
func (b *Broker) LastPrice(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastPriceLocked(symbol)
}

func (b *Broker) lastPriceLocked(symbol string) (decimal.Decimal, bool) {
	hist := b.prices[symbol]
	if len(hist) == 0 {
		return decimal.Zero, false
	}
	return hist[len(hist)-1].Price, true
}

// PriceHistory returns a copy of the bounded price history.
func (b *Broker) PriceHistory(symbol string) []PricePoint {
	b.mu.RLock()
	defer b.mu.RUnlock()

	hist := b.prices[symbol]
	out := make([]PricePoint, len(hist))
	copy(out, hist)
	return out
}

// PlaceOrder validates and creates a limit order. If a cached mark
// price exists and the order is already marketable it executes
// immediately at the market price, modeling a marketable-limit fill.
func (b *Broker) PlaceOrder(symbol string, side types.OrderSide, price, quantity decimal.Decimal) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if side != types.OrderSideBuy && side != types.OrderSideSell {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if quantity.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return "", fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}

	one := decimal.NewFromInt(1)
	switch side {
	case types.OrderSideBuy:
		cost := price.Mul(quantity).Mul(one.Add(b.fees.BuyFeeRate))
		if cost.GreaterThan(b.cash) {
			return "", fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, b.cash)
		}
	case types.OrderSideSell:
		pos, ok := b.positions[symbol]
		if !b.allowShort {
			if !ok {
				return "", fmt.Errorf("%w: no position in %s", ErrInsufficientHoldings, symbol)
			}
			if quantity.Sub(pos.Quantity).GreaterThan(qtyEpsilon) {
				return "", fmt.Errorf("%w: have %s, want to sell %s", ErrInsufficientHoldings, pos.Quantity, quantity)
			}
		}
	}

	now := b.now()
	order := &types.Order{
		ID:          utils.GenerateOrderID(),
		Symbol:      symbol,
		Side:        side,
		Type:        types.OrderTypeLimit,
		Quantity:    quantity,
		Price:       price,
		TimeInForce: types.TimeInForceGTC,
		Status:      types.OrderStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	b.orders[order.ID] = order
	b.orderIDs = append(b.orderIDs, order.ID)

	b.logger.Debug("order placed",
		zap.String("id", order.ID),
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("price", price.String()),
		zap.String("quantity", quantity.String()),
	)

	b.publish(events.OrderEvent{Type: events.TypeOrderCreated, Timestamp: now, Order: *order})

	// Marketable-limit model: fill at the current market price, not
	// the limit price, when the limit already crosses the market.
	if market, ok := b.lastPriceLocked(symbol); ok && marketable(order, market) {
		if err := b.executeOrderLocked(order, market, now); err != nil {
			return order.ID, err
		}
	} else if !order.Status.IsTerminal() {
		order.Status = types.OrderStatusAccepted
	}

	return order.ID, nil
}

// marketable reports whether a limit order crosses the market price.
func marketable(o *types.Order, market decimal.Decimal) bool {
	if o.Side == types.OrderSideBuy {
		return o.Price.GreaterThanOrEqual(market)
	}
	return o.Price.LessThanOrEqual(market)
}

// ExecuteOrder fills the order at the given price. Idempotent: calling
// it on an already-terminal order is a safe no-op, never an error.
func (b *Broker) ExecuteOrder(orderID string, execPrice decimal.Decimal) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	return b.executeOrderLocked(order, execPrice, b.now())
}

func (b *Broker) executeOrderLocked(order *types.Order, execPrice decimal.Decimal, ts time.Time) error {
	if order.Status.IsTerminal() {
		return nil
	}

	one := decimal.NewFromInt(1)
	qty := order.Quantity

	switch order.Side {
	case types.OrderSideBuy:
		gross := execPrice.Mul(qty)
		fee := gross.Mul(b.fees.BuyFeeRate)
		b.cash = b.cash.Sub(gross.Add(fee))
		order.Commission = fee
		b.applyBuyLocked(order.Symbol, qty, execPrice, ts)

	case types.OrderSideSell:
		gross := execPrice.Mul(qty)
		proceeds := gross.Mul(one.Sub(b.fees.SellFeeRate).Sub(b.fees.SellTaxRate))
		b.cash = b.cash.Add(proceeds)
		order.Commission = gross.Sub(proceeds)
		b.applySellLocked(order.Symbol, qty, execPrice, ts)
	}

	order.AddFill(qty, execPrice, ts)
	order.Status = types.OrderStatusFilled
	order.FilledAt = &ts

	b.logger.Debug("order filled",
		zap.String("id", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("price", execPrice.String()),
		zap.String("cash", b.cash.String()),
	)

	b.publish(events.OrderEvent{Type: events.TypeOrderFilled, Timestamp: ts, Order: *order})
	return nil
}

// applyBuyLocked blends the fill into an existing position's average
// price or creates a new position.
func (b *Broker) applyBuyLocked(symbol string, qty, price decimal.Decimal, ts time.Time) {
	pos, ok := b.positions[symbol]
	if !ok {
		b.positions[symbol] = &types.Position{
			Symbol:       symbol,
			Quantity:     qty,
			AvgPrice:     price,
			CurrentPrice: price,
			OpenedAt:     ts,
		}
		return
	}

	newQty := pos.Quantity.Add(qty)
	if newQty.Abs().LessThan(qtyEpsilon) {
		// Buy fully covered a short.
		delete(b.positions, symbol)
		return
	}
	if pos.Quantity.Sign() < 0 && newQty.Sign() >= 0 {
		// Covered past flat: remainder is a fresh long at the fill price.
		pos.Quantity = newQty
		pos.AvgPrice = price
		pos.CurrentPrice = price
		return
	}
	if pos.Quantity.Sign() < 0 {
		// Partial cover keeps the short's entry price.
		pos.Quantity = newQty
		pos.CurrentPrice = price
		return
	}

	blended := pos.AvgPrice.Mul(pos.Quantity).Add(price.Mul(qty)).Div(newQty)
	pos.Quantity = newQty
	pos.AvgPrice = blended
	pos.CurrentPrice = price
}

// applySellLocked decrements (or opens/extends a short) position.
func (b *Broker) applySellLocked(symbol string, qty, price decimal.Decimal, ts time.Time) {
	pos, ok := b.positions[symbol]
	if !ok {
		// Short sale without holdings (allowShort was validated at
		// placement).
		b.positions[symbol] = &types.Position{
			Symbol:       symbol,
			Quantity:     qty.Neg(),
			AvgPrice:     price,
			CurrentPrice: price,
			OpenedAt:     ts,
		}
		return
	}

	newQty := pos.Quantity.Sub(qty)
	if newQty.Abs().LessThan(qtyEpsilon) {
		delete(b.positions, symbol)
		return
	}
	if pos.Quantity.Sign() > 0 && newQty.Sign() < 0 {
		// Sold through flat: remainder is a fresh short.
		pos.Quantity = newQty
		pos.AvgPrice = price
		pos.CurrentPrice = price
		return
	}
	if pos.Quantity.Sign() < 0 {
		// Extending a short blends the entry.
		blended := pos.AvgPrice.Mul(pos.Quantity.Abs()).Add(price.Mul(qty)).Div(newQty.Abs())
		pos.AvgPrice = blended
	}
	pos.Quantity = newQty
	pos.CurrentPrice = price
}

// CancelOrder marks a non-terminal order cancelled. Returns false for
// unknown or already-terminal orders.
func (b *Broker) CancelOrder(orderID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		return false
	}

	now := b.now()
	order.Status = types.OrderStatusCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now

	b.logger.Debug("order cancelled", zap.String("id", orderID))
	b.publish(events.OrderEvent{Type: events.TypeOrderCancelled, Timestamp: now, Order: *order})
	return true
}

// ProcessPendingOrders sweeps all non-terminal orders and executes any
// whose limit condition is satisfied against the current cached price.
// This is how resting limit orders fill on subsequent bars.
func (b *Broker) ProcessPendingOrders() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	filled := 0
	for _, id := range b.orderIDs {
		order := b.orders[id]
		if order.Status.IsTerminal() {
			continue
		}
		market, ok := b.lastPriceLocked(order.Symbol)
		if !ok || !marketable(order, market) {
			continue
		}
		if err := b.executeOrderLocked(order, market, b.now()); err != nil {
			b.logger.Warn("pending order execution failed",
				zap.String("id", order.ID), zap.Error(err))
			continue
		}
		filled++
	}
	return filled
}

// GetAccountBalance returns cash, per-symbol position snapshots with
// live P&L, total position value, and total equity.
func (b *Broker) GetAccountBalance() types.AccountBalance {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bal := types.AccountBalance{
		CashBalance: b.cash,
		Positions:   make([]types.PositionSnapshot, 0, len(b.positions)),
	}

	totalValue := decimal.Zero
	for _, pos := range b.positions {
		snap := types.PositionSnapshot{
			Symbol:           pos.Symbol,
			Quantity:         pos.Quantity,
			AvgPrice:         pos.AvgPrice,
			CurrentPrice:     pos.CurrentPrice,
			MarketValue:      pos.MarketValue(),
			UnrealizedPnL:    pos.UnrealizedPnL(),
			UnrealizedPnLPct: pos.UnrealizedPnLPct(),
		}
		bal.Positions = append(bal.Positions, snap)
		totalValue = totalValue.Add(snap.MarketValue)
	}

	sort.Slice(bal.Positions, func(i, j int) bool {
		return bal.Positions[i].Symbol < bal.Positions[j].Symbol
	})

	bal.TotalPositionValue = totalValue
	bal.TotalEquity = b.cash.Add(totalValue)
	return bal
}

// GetPosition returns a copy of the position for a symbol.
func (b *Broker) GetPosition(symbol string) (types.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	pos, ok := b.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// GetOrder returns a copy of an order by ID.
func (b *Broker) GetOrder(orderID string) (types.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	order, ok := b.orders[orderID]
	if !ok {
		return types.Order{}, false
	}
	return *order, true
}

// GetOrderHistory returns all orders, terminal and active, in
// placement order.
func (b *Broker) GetOrderHistory() []types.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]types.Order, 0, len(b.orderIDs))
	for _, id := range b.orderIDs {
		out = append(out, *b.orders[id])
	}
	return out
}

func (b *Broker) publish(e events.Event) {
	b.bus.Publish(e)
}

// now returns the simulated clock: the latest price timestamp, falling
// back to wall time before the first bar.
func (b *Broker) now() time.Time {
	if !b.current.IsZero() {
		return b.current
	}
	return time.Now()
}
