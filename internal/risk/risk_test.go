package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/pkg/types"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func testAccount() types.AccountBalance {
	return types.AccountBalance{
		CashBalance: d(10_000_000),
		TotalEquity: d(15_000_000),
	}
}

func TestFixedAmountSizer(t *testing.T) {
	params := types.DefaultRiskParameters()
	sizer := NewSizer(types.SizingFixedAmount, zap.NewNop())

	qty := sizer.Size("005930", d(70_000), testAccount(), params)
	assert.True(t, qty.Equal(d(14)), "floor(1,000,000/70,000) = 14, got %s", qty)
}

func TestFixedAmountSizerCappedByCash(t *testing.T) {
	params := types.DefaultRiskParameters()
	sizer := NewSizer(types.SizingFixedAmount, zap.NewNop())

	account := types.AccountBalance{CashBalance: d(500_000), TotalEquity: d(15_000_000)}
	qty := sizer.Size("005930", d(70_000), account, params)
	assert.True(t, qty.Equal(d(7)), "limited to floor(500,000/70,000)")
}

func TestFixedRiskSizer(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.RiskPerTrade = 0.01
	params.StopLossPct = 0.02
	sizer := NewSizer(types.SizingFixedRisk, zap.NewNop())

	// risk 150,000 over price risk 1,400 per share.
	qty := sizer.Size("005930", d(70_000), testAccount(), params)
	assert.True(t, qty.Equal(d(107)), "floor(150,000/1,400) = 107, got %s", qty)
}

func TestFixedRiskSizerZeroStopPct(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.StopLossPct = 0
	sizer := NewSizer(types.SizingFixedRisk, zap.NewNop())

	qty := sizer.Size("005930", d(70_000), testAccount(), params)
	assert.True(t, qty.IsZero())
}

func TestPercentEquitySizer(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.EquityPct = 0.10
	sizer := NewSizer(types.SizingPercentEquity, zap.NewNop())

	// floor(1,500,000 / 70,000) = 21
	qty := sizer.Size("005930", d(70_000), testAccount(), params)
	assert.True(t, qty.Equal(d(21)), "got %s", qty)
}

func TestSizersNeverExceedAffordability(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.EquityPct = 1.0
	account := types.AccountBalance{CashBalance: d(1_000_000), TotalEquity: d(100_000_000)}

	sizer := NewSizer(types.SizingPercentEquity, zap.NewNop())
	qty := sizer.Size("005930", d(70_000), account, params)
	assert.True(t, qty.Equal(d(14)), "capped at floor(cash/price)")
}

func TestFixedStopLevels(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.StopLossPct = 0.02
	params.TakeProfitPct = 0.04
	policy := NewStopPolicy(types.StopFixed, zap.NewNop())

	levels, err := policy.Compute("005930", d(70_000), types.PositionSideLong, nil, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(d(68_600)), "stop = %s", levels.Stop)
	assert.True(t, levels.Target.Equal(d(72_800)), "target = %s", levels.Target)

	// Short mirrors the levels.
	levels, err = policy.Compute("005930", d(70_000), types.PositionSideShort, nil, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(d(71_400)))
	assert.True(t, levels.Target.Equal(d(67_200)))
}

func TestFixedStopNeverTrails(t *testing.T) {
	params := types.DefaultRiskParameters()
	policy := NewStopPolicy(types.StopFixed, zap.NewNop())

	cur := ExitLevels{Stop: d(68_600), Target: d(72_800)}
	levels, err := policy.Update("005930", d(70_000), d(75_000), types.PositionSideLong, cur, nil, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(cur.Stop))
	assert.True(t, levels.Target.Equal(cur.Target))
}

func TestSideValidation(t *testing.T) {
	params := types.DefaultRiskParameters()
	policy := NewStopPolicy(types.StopFixed, zap.NewNop())

	_, err := policy.Compute("005930", d(70_000), types.PositionSide("sideways"), nil, params)
	assert.ErrorIs(t, err, ErrInvalidPositionSide)

	// Casing is accepted.
	levels, err := policy.Compute("005930", d(70_000), types.PositionSide("LONG"), nil, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(d(68_600)))
}

func TestTrailingStopRatchetsOnly(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.TrailingPct = 0.02
	policy := NewStopPolicy(types.StopTrailing, zap.NewNop())

	levels, err := policy.Compute("005930", d(100_000), types.PositionSideLong, nil, params)
	require.NoError(t, err)
	initialStop := levels.Stop
	initialTarget := levels.Target

	// Price rises: stop follows up, target stays.
	levels, err = policy.Update("005930", d(100_000), d(110_000), types.PositionSideLong, levels, nil, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(d(107_800)), "110,000 x 0.98")
	assert.True(t, levels.Target.Equal(initialTarget))
	assert.True(t, levels.Stop.GreaterThan(initialStop))

	// Price falls back: stop must not loosen.
	raised := levels.Stop
	levels, err = policy.Update("005930", d(100_000), d(105_000), types.PositionSideLong, levels, nil, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(raised))
}

func TestTrailingStopShort(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.TrailingPct = 0.02
	policy := NewStopPolicy(types.StopTrailing, zap.NewNop())

	levels, err := policy.Compute("005930", d(100_000), types.PositionSideShort, nil, params)
	require.NoError(t, err)

	// Price falls: short stop ratchets down.
	levels, err = policy.Update("005930", d(100_000), d(90_000), types.PositionSideShort, levels, nil, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(d(91_800)), "90,000 x 1.02")
}

func atrBars(n int, high, low, close int64) *types.BarHistory {
	h := &types.BarHistory{}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		h.Timestamps = append(h.Timestamps, base.AddDate(0, 0, i))
		h.Opens = append(h.Opens, d(close))
		h.Highs = append(h.Highs, d(high))
		h.Lows = append(h.Lows, d(low))
		h.Closes = append(h.Closes, d(close))
		h.Volumes = append(h.Volumes, d(1000))
	}
	return h
}

func TestATRStopLevels(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.ATRMultiplier = 2.0
	params.ATRTargetMult = 3.0
	policy := NewStopPolicy(types.StopATR, zap.NewNop())

	// Constant 1,000-point range over 20 bars gives ATR = 1,000.
	bars := atrBars(20, 70_500, 69_500, 70_000)
	levels, err := policy.Compute("005930", d(70_000), types.PositionSideLong, bars, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(d(68_000)), "entry - 2xATR, got %s", levels.Stop)
	assert.True(t, levels.Target.Equal(d(73_000)), "entry + 3xATR, got %s", levels.Target)
}

func TestATRStopSyntheticFallback(t *testing.T) {
	params := types.DefaultRiskParameters()
	policy := NewStopPolicy(types.StopATR, zap.NewNop())

	// Too few bars: synthetic ATR of 1% of entry.
	bars := atrBars(5, 70_500, 69_500, 70_000)
	levels, err := policy.Compute("005930", d(70_000), types.PositionSideLong, bars, params)
	require.NoError(t, err)
	assert.True(t, levels.Stop.Equal(d(68_600)), "entry - 2 x 700, got %s", levels.Stop)
	assert.True(t, levels.Target.Equal(d(72_100)), "entry + 3 x 700, got %s", levels.Target)
}

func newTestService(params types.RiskParameters) *Service {
	return NewService(zap.NewNop(), params)
}

func TestMaxOpenPositionLimit(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.MaxOpenPositions = 1
	svc := newTestService(params)

	levels := ExitLevels{Stop: d(68_600), Target: d(72_800)}
	equity := d(15_000_000)

	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(10), types.PositionSideLong, levels, equity))

	err := svc.RegisterPosition("B", d(50_000), d(10), types.PositionSideLong, levels, equity)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxOpenPositions)

	_, ok := svc.GetPosition("B")
	assert.False(t, ok, "rejected position must not appear")
	assert.Equal(t, 1, svc.OpenPositionCount())
}

func TestDuplicatePositionRejected(t *testing.T) {
	svc := newTestService(types.DefaultRiskParameters())
	levels := ExitLevels{Stop: d(68_600), Target: d(72_800)}

	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(10), types.PositionSideLong, levels, d(15_000_000)))
	err := svc.RegisterPosition("A", d(70_000), d(5), types.PositionSideLong, levels, d(15_000_000))
	assert.ErrorIs(t, err, ErrPositionExists)
}

func TestDailyTradeLimit(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.MaxDailyTrades = 2
	svc := newTestService(params)

	levels := ExitLevels{Stop: d(68_600), Target: d(72_800)}
	equity := d(15_000_000)

	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(10), types.PositionSideLong, levels, equity))
	_, err := svc.ClosePosition("A", d(71_000), types.ExitReasonSignal)
	require.NoError(t, err)

	require.NoError(t, svc.RegisterPosition("B", d(50_000), d(10), types.PositionSideLong, levels, equity))

	err = svc.RegisterPosition("C", d(30_000), d(10), types.PositionSideLong, levels, equity)
	assert.ErrorIs(t, err, ErrMaxDailyTrades)

	// A new day resets the counter.
	_, err = svc.ClosePosition("B", d(51_000), types.ExitReasonSignal)
	require.NoError(t, err)
	svc.ResetDailyStats()
	assert.NoError(t, svc.RegisterPosition("C", d(30_000), d(10), types.PositionSideLong, levels, equity))
}

func TestDailyLossLimit(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.MaxDailyLossPct = 0.05
	svc := newTestService(params)

	levels := ExitLevels{Stop: d(68_600), Target: d(72_800)}
	equity := d(10_000_000)

	// Lose 600,000 on one trade, breaching the 500,000 daily budget.
	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(100), types.PositionSideLong, levels, equity))
	trade, err := svc.ClosePosition("A", d(64_000), types.ExitReasonStopLoss)
	require.NoError(t, err)
	assert.True(t, trade.PnL.Equal(d(-600_000)))

	err = svc.RegisterPosition("B", d(50_000), d(10), types.PositionSideLong, levels, equity)
	assert.ErrorIs(t, err, ErrDailyLossExceeded)

	svc.ResetDailyStats()
	assert.NoError(t, svc.RegisterPosition("B", d(50_000), d(10), types.PositionSideLong, levels, equity))
}

func TestCheckExitSignalsStopBeforeTarget(t *testing.T) {
	svc := newTestService(types.DefaultRiskParameters())
	levels := ExitLevels{Stop: d(68_600), Target: d(72_800)}
	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(10), types.PositionSideLong, levels, d(15_000_000)))

	reason, fired := svc.CheckExitSignals("A", d(69_000))
	assert.False(t, fired, "price between stop and target: no exit, got %s", reason)

	reason, fired = svc.CheckExitSignals("A", d(68_000))
	require.True(t, fired)
	assert.Equal(t, types.ExitReasonStopLoss, reason)

	reason, fired = svc.CheckExitSignals("A", d(73_000))
	require.True(t, fired)
	assert.Equal(t, types.ExitReasonTakeProfit, reason)

	_, fired = svc.CheckExitSignals("ZZZ", d(1))
	assert.False(t, fired, "no position means no signal")
}

func TestCheckExitSignalsShort(t *testing.T) {
	svc := newTestService(types.DefaultRiskParameters())
	levels := ExitLevels{Stop: d(71_400), Target: d(67_200)}
	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(10), types.PositionSideShort, levels, d(15_000_000)))

	reason, fired := svc.CheckExitSignals("A", d(72_000))
	require.True(t, fired)
	assert.Equal(t, types.ExitReasonStopLoss, reason)

	reason, fired = svc.CheckExitSignals("A", d(67_000))
	require.True(t, fired)
	assert.Equal(t, types.ExitReasonTakeProfit, reason)
}

func TestClosePositionRecordsTrade(t *testing.T) {
	svc := newTestService(types.DefaultRiskParameters())
	levels := ExitLevels{Stop: d(68_600), Target: d(72_800)}
	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(10), types.PositionSideLong, levels, d(15_000_000)))

	trade, err := svc.ClosePosition("A", d(72_800), types.ExitReasonTakeProfit)
	require.NoError(t, err)
	assert.True(t, trade.PnL.Equal(d(28_000)))
	assert.Equal(t, types.ExitReasonTakeProfit, trade.ExitReason)

	_, ok := svc.GetPosition("A")
	assert.False(t, ok)
	assert.Len(t, svc.TradeHistory(), 1)

	_, err = svc.ClosePosition("A", d(72_800), types.ExitReasonManual)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestUpdatePositionRefreshesPnLAndStops(t *testing.T) {
	params := types.DefaultRiskParameters()
	params.StopMethod = types.StopTrailing
	params.TrailingPct = 0.02
	svc := newTestService(params)

	levels := ExitLevels{Stop: d(68_600), Target: d(72_800)}
	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(10), types.PositionSideLong, levels, d(15_000_000)))

	require.NoError(t, svc.UpdatePosition("A", d(72_000), nil))

	pos, ok := svc.GetPosition("A")
	require.True(t, ok)
	assert.True(t, pos.UnrealizedPnL.Equal(d(20_000)))
	assert.True(t, pos.StopPrice.Equal(decimal.NewFromFloat(70_560)), "72,000 x 0.98, got %s", pos.StopPrice)
	assert.True(t, pos.TargetPrice.Equal(d(72_800)), "target never trails")
}

func TestGetRiskMetrics(t *testing.T) {
	svc := newTestService(types.DefaultRiskParameters())
	levels := ExitLevels{Stop: d(68_600), Target: d(72_800)}
	require.NoError(t, svc.RegisterPosition("A", d(70_000), d(10), types.PositionSideLong, levels, d(15_000_000)))

	account := types.AccountBalance{
		CashBalance:        d(9_300_000),
		TotalPositionValue: d(700_000),
		TotalEquity:        d(10_000_000),
	}
	m := svc.GetRiskMetrics(account)
	assert.Equal(t, 1, m.OpenPositions)
	assert.Equal(t, 1, m.DailyTrades)
	assert.True(t, m.ExposureRatio.Equal(decimal.NewFromFloat(0.07)))
}
