// Package backtester provides the bar-replay simulation engine. One
// simulator instance owns one broker and one risk service for the
// duration of a run; everything is driven synchronously from the bar
// loop.
package backtester

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/broker"
	"github.com/quantframe/backtest-core/internal/data"
	"github.com/quantframe/backtest-core/internal/events"
	"github.com/quantframe/backtest-core/internal/risk"
	"github.com/quantframe/backtest-core/internal/strategy"
	"github.com/quantframe/backtest-core/pkg/types"
	"github.com/quantframe/backtest-core/pkg/utils"
)

// lookbackBars bounds the history window handed to the strategy.
const lookbackBars = 100

// Simulator replays a historical bar series through a strategy,
// routing signals through sizing and exit policies into the virtual
// broker.
type Simulator struct {
	logger   *zap.Logger
	config   types.BacktestConfig
	loader   data.Loader
	strategy strategy.Strategy
	broker   *broker.Broker
	riskSvc  *risk.Service
	bus      *events.Bus
	slippage SlippageModel

	bars    []types.OHLCV
	loaded  bool
	lastDay time.Time
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithBus attaches a notification bus shared by the broker and risk
// service.
func WithBus(bus *events.Bus) SimOption {
	return func(s *Simulator) { s.bus = bus }
}

// WithSlippageModel overrides the fixed-fraction slippage model built
// from the config.
func WithSlippageModel(m SlippageModel) SimOption {
	return func(s *Simulator) { s.slippage = m }
}

// NewSimulator wires a simulator, its broker, and its risk service
// from one config.
func NewSimulator(logger *zap.Logger, config types.BacktestConfig, loader data.Loader, strat strategy.Strategy, opts ...SimOption) *Simulator {
	s := &Simulator{
		logger:   logger,
		config:   config,
		loader:   loader,
		strategy: strat,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.slippage == nil {
		s.slippage = NewFixedSlippage(config.Slippage)
	}

	brokerOpts := []broker.Option{}
	if s.bus != nil {
		brokerOpts = append(brokerOpts, broker.WithEventBus(s.bus))
	}
	if config.AllowShort {
		brokerOpts = append(brokerOpts, broker.WithAllowShort())
	}
	s.broker = broker.New(logger, config.InitialCapital, brokerOpts...)

	riskOpts := []risk.ServiceOption{}
	if s.bus != nil {
		riskOpts = append(riskOpts, risk.WithServiceEventBus(s.bus))
	}
	s.riskSvc = risk.NewService(logger, config.Risk, riskOpts...)

	return s
}

// Broker exposes the simulator's broker, mainly for inspection after
// a run.
func (s *Simulator) Broker() *broker.Broker { return s.broker }

// RiskService exposes the simulator's risk service.
func (s *Simulator) RiskService() *risk.Service { return s.riskSvc }

// LoadData pulls and validates the bar series for the configured
// range. Returns false when the filtered set is empty or unusable.
func (s *Simulator) LoadData() bool {
	bars, err := s.loader.Load(s.config.Symbol, s.config.StartDate, s.config.EndDate)
	if err != nil {
		s.logger.Error("data load failed",
			zap.String("symbol", s.config.Symbol), zap.Error(err))
		return false
	}

	report := data.NewQualityValidator(s.logger).Validate(bars, s.config.Symbol)
	if !report.IsUsable {
		s.logger.Error("historical data failed quality validation",
			zap.String("symbol", s.config.Symbol),
			zap.Int("score", report.QualityScore))
		return false
	}

	s.bars = bars
	s.loaded = true
	return true
}

// Run executes the full bar loop and returns the structured result. A
// data-load failure yields success=false with the error message; all
// per-bar order failures are logged and skipped.
func (s *Simulator) Run() *types.RunResult {
	result := &types.RunResult{
		Symbol:         s.config.Symbol,
		StartDate:      s.config.StartDate,
		EndDate:        s.config.EndDate,
		InitialCapital: s.config.InitialCapital,
	}

	if !s.loaded && !s.LoadData() {
		result.Error = fmt.Sprintf("failed to load data for %s", s.config.Symbol)
		return result
	}

	s.logger.Info("backtest starting",
		zap.String("symbol", s.config.Symbol),
		zap.String("strategy", s.strategy.Name()),
		zap.Int("bars", len(s.bars)),
	)

	peak := s.config.InitialCapital

	for i, bar := range s.bars {
		if !utils.SameTradingDay(s.lastDay, bar.Timestamp) {
			s.riskSvc.ResetDailyStats()
			s.lastDay = bar.Timestamp
		}

		snap := s.snapshotAt(i)

		// Mark the new price and settle resting orders against it
		// before the strategy sees the bar.
		s.broker.UpdatePrice(s.config.Symbol, bar.Close, bar.Timestamp)
		s.broker.ProcessPendingOrders()

		sig, err := s.strategy.Evaluate(snap)
		if err != nil {
			s.logger.Warn("strategy evaluation failed",
				zap.Time("bar", bar.Timestamp), zap.Error(err))
		} else if sig != nil && sig.Type != types.SignalHold {
			s.handleSignal(sig, bar, snap.History)
		}

		if s.config.UseStopLoss || s.config.UseTakeProfit {
			s.checkExits(bar, snap.History)
		}

		balance := s.broker.GetAccountBalance()
		equity := balance.TotalEquity
		if equity.GreaterThan(peak) {
			peak = equity
		}
		drawdown := 0.0
		if peak.IsPositive() {
			drawdown, _ = peak.Sub(equity).Div(peak).Mul(decimal.NewFromInt(100)).Float64()
		}

		result.PortfolioHistory = append(result.PortfolioHistory, types.PortfolioSnapshot{
			Timestamp:     bar.Timestamp,
			Equity:        equity,
			Cash:          balance.CashBalance,
			PositionValue: balance.TotalPositionValue,
			DrawdownPct:   drawdown,
		})
		result.EquityCurve = append(result.EquityCurve, equity)
		result.Drawdowns = append(result.Drawdowns, drawdown)
	}

	final := s.broker.GetAccountBalance().TotalEquity
	result.Success = true
	result.FinalEquity = final
	if s.config.InitialCapital.IsPositive() {
		result.ReturnPct, _ = final.Div(s.config.InitialCapital).
			Sub(decimal.NewFromInt(1)).Mul(decimal.NewFromInt(100)).Float64()
	}
	result.Orders = s.broker.GetOrderHistory()
	result.Trades = s.riskSvc.TradeHistory()

	s.logger.Info("backtest completed",
		zap.String("symbol", s.config.Symbol),
		zap.String("finalEquity", final.String()),
		zap.Float64("returnPct", result.ReturnPct),
		zap.Int("trades", len(result.Trades)),
	)
	return result
}

// snapshotAt builds the strategy's view of bar i with a bounded
// lookback window of prior bars.
func (s *Simulator) snapshotAt(i int) types.MarketSnapshot {
	lo := i - lookbackBars
	if lo < 0 {
		lo = 0
	}
	window := s.bars[lo:i]

	hist := &types.BarHistory{
		Timestamps: make([]time.Time, len(window)),
		Opens:      make([]decimal.Decimal, len(window)),
		Highs:      make([]decimal.Decimal, len(window)),
		Lows:       make([]decimal.Decimal, len(window)),
		Closes:     make([]decimal.Decimal, len(window)),
		Volumes:    make([]decimal.Decimal, len(window)),
	}
	for j, b := range window {
		hist.Timestamps[j] = b.Timestamp
		hist.Opens[j] = b.Open
		hist.Highs[j] = b.High
		hist.Lows[j] = b.Low
		hist.Closes[j] = b.Close
		hist.Volumes[j] = b.Volume
	}

	bar := s.bars[i]
	return types.MarketSnapshot{
		Symbol:    s.config.Symbol,
		Timestamp: bar.Timestamp,
		Open:      bar.Open,
		High:      bar.High,
		Low:       bar.Low,
		Close:     bar.Close,
		Volume:    bar.Volume,
		History:   hist,
	}
}

func (s *Simulator) handleSignal(sig *types.Signal, bar types.OHLCV, hist *types.BarHistory) {
	switch sig.Type {
	case types.SignalBuy:
		s.handleBuy(bar, hist)
	case types.SignalSell:
		s.handleSell(bar, hist)
	}
}

func (s *Simulator) handleBuy(bar types.OHLCV, hist *types.BarHistory) {
	// A buy while short closes the short before any new entry.
	if pos, ok := s.riskSvc.GetPosition(s.config.Symbol); ok {
		if pos.Side == types.PositionSideShort {
			s.closePosition(pos, bar, types.ExitReasonSignal)
		} else {
			return // already long
		}
	}
	s.openPosition(types.PositionSideLong, bar, hist)
}

func (s *Simulator) handleSell(bar types.OHLCV, hist *types.BarHistory) {
	if pos, ok := s.riskSvc.GetPosition(s.config.Symbol); ok {
		if pos.Side == types.PositionSideLong {
			s.closePosition(pos, bar, types.ExitReasonSignal)
		}
		// A sell while already short changes nothing.
		if !s.config.AllowShort {
			return
		}
		if pos.Side == types.PositionSideShort {
			return
		}
	}
	// Without short selling, sells only ever close longs.
	if !s.config.AllowShort {
		return
	}
	s.openPosition(types.PositionSideShort, bar, hist)
}

func (s *Simulator) openPosition(side types.PositionSide, bar types.OHLCV, hist *types.BarHistory) {
	balance := s.broker.GetAccountBalance()
	if err := s.riskSvc.CanOpenTrade(s.config.Symbol, balance.TotalEquity); err != nil {
		s.logger.Debug("entry blocked by risk limits",
			zap.Time("bar", bar.Timestamp), zap.Error(err))
		return
	}

	qty := s.riskSvc.CalculatePositionSize(s.config.Symbol, bar.Close, balance, nil)
	if !qty.IsPositive() {
		return
	}

	levels, err := s.riskSvc.CalculateExitPoints(s.config.Symbol, bar.Close, side, hist, nil)
	if err != nil {
		s.logger.Warn("exit point computation failed",
			zap.Time("bar", bar.Timestamp), zap.Error(err))
		return
	}

	orderSide := types.OrderSideBuy
	if side == types.PositionSideShort {
		orderSide = types.OrderSideSell
	}
	execPrice := s.slippage.Adjust(bar.Close, orderSide, qty, bar)

	if _, err := s.broker.PlaceOrder(s.config.Symbol, orderSide, execPrice, qty); err != nil {
		s.logger.Warn("entry order rejected",
			zap.Time("bar", bar.Timestamp), zap.Error(err))
		return
	}

	if err := s.riskSvc.RegisterPosition(s.config.Symbol, bar.Close, qty, side, levels, balance.TotalEquity); err != nil {
		s.logger.Warn("position registration failed",
			zap.Time("bar", bar.Timestamp), zap.Error(err))
	}
}

func (s *Simulator) closePosition(pos risk.OpenPosition, bar types.OHLCV, reason types.ExitReason) {
	orderSide := types.OrderSideSell
	if pos.Side == types.PositionSideShort {
		orderSide = types.OrderSideBuy
	}
	execPrice := s.slippage.Adjust(bar.Close, orderSide, pos.Quantity, bar)

	if _, err := s.broker.PlaceOrder(s.config.Symbol, orderSide, execPrice, pos.Quantity); err != nil {
		s.logger.Warn("exit order rejected",
			zap.Time("bar", bar.Timestamp), zap.Error(err))
		return
	}

	if _, err := s.riskSvc.ClosePosition(s.config.Symbol, bar.Close, reason); err != nil {
		s.logger.Warn("position close failed",
			zap.Time("bar", bar.Timestamp), zap.Error(err))
	}
}

// checkExits refreshes the managed position and closes it when a
// stop or target triggers. The stop is evaluated before the target.
func (s *Simulator) checkExits(bar types.OHLCV, hist *types.BarHistory) {
	pos, ok := s.riskSvc.GetPosition(s.config.Symbol)
	if !ok {
		return
	}

	if err := s.riskSvc.UpdatePosition(s.config.Symbol, bar.Close, hist); err != nil {
		s.logger.Warn("position update failed",
			zap.Time("bar", bar.Timestamp), zap.Error(err))
		return
	}

	reason, fired := s.riskSvc.CheckExitSignals(s.config.Symbol, bar.Close)
	if !fired {
		return
	}
	if reason == types.ExitReasonStopLoss && !s.config.UseStopLoss {
		return
	}
	if reason == types.ExitReasonTakeProfit && !s.config.UseTakeProfit {
		return
	}

	pos, _ = s.riskSvc.GetPosition(s.config.Symbol)
	s.closePosition(pos, bar, reason)
}
