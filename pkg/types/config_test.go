package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantframe/backtest-core/pkg/types"
)

func TestRiskParametersJSONRoundTrip(t *testing.T) {
	original := types.RiskParameters{
		SizingMethod:     types.SizingFixedRisk,
		FixedAmount:      decimal.NewFromInt(2_500_000),
		RiskPerTrade:     0.015,
		EquityPct:        0.25,
		StopMethod:       types.StopATR,
		StopLossPct:      0.03,
		TakeProfitPct:    0.06,
		TrailingPct:      0.025,
		ATRMultiplier:    2.5,
		ATRTargetMult:    4.0,
		ATRPeriod:        20,
		MaxOpenPositions: 3,
		MaxDailyTrades:   8,
		MaxDailyLossPct:  0.04,
	}

	encoded, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded types.RiskParameters
	require.NoError(t, json.Unmarshal(encoded, &decoded))

	assert.Equal(t, original.SizingMethod, decoded.SizingMethod)
	assert.True(t, original.FixedAmount.Equal(decoded.FixedAmount))
	assert.Equal(t, original.RiskPerTrade, decoded.RiskPerTrade)
	assert.Equal(t, original.EquityPct, decoded.EquityPct)
	assert.Equal(t, original.StopMethod, decoded.StopMethod)
	assert.Equal(t, original.StopLossPct, decoded.StopLossPct)
	assert.Equal(t, original.TakeProfitPct, decoded.TakeProfitPct)
	assert.Equal(t, original.TrailingPct, decoded.TrailingPct)
	assert.Equal(t, original.ATRMultiplier, decoded.ATRMultiplier)
	assert.Equal(t, original.ATRTargetMult, decoded.ATRTargetMult)
	assert.Equal(t, original.ATRPeriod, decoded.ATRPeriod)
	assert.Equal(t, original.MaxOpenPositions, decoded.MaxOpenPositions)
	assert.Equal(t, original.MaxDailyTrades, decoded.MaxDailyTrades)
	assert.Equal(t, original.MaxDailyLossPct, decoded.MaxDailyLossPct)
}

func TestDefaultRiskParameters(t *testing.T) {
	params := types.DefaultRiskParameters()

	assert.Equal(t, types.SizingFixedAmount, params.SizingMethod)
	assert.True(t, params.FixedAmount.Equal(decimal.NewFromInt(1_000_000)))
	assert.Equal(t, 0.01, params.RiskPerTrade)
	assert.Equal(t, types.StopFixed, params.StopMethod)
	assert.Equal(t, 0.02, params.StopLossPct)
	assert.Equal(t, 0.04, params.TakeProfitPct)
	assert.Equal(t, 5, params.MaxOpenPositions)
	assert.Equal(t, 10, params.MaxDailyTrades)
	assert.Equal(t, 0.05, params.MaxDailyLossPct)
}

func TestRiskParametersMerged(t *testing.T) {
	base := types.DefaultRiskParameters()

	merged := base.Merged(nil)
	assert.Equal(t, base, merged)

	method := types.SizingPercentEquity
	stopPct := 0.05
	merged = base.Merged(&types.RiskOverrides{
		SizingMethod: &method,
		StopLossPct:  &stopPct,
	})
	assert.Equal(t, types.SizingPercentEquity, merged.SizingMethod)
	assert.Equal(t, 0.05, merged.StopLossPct)
	assert.Equal(t, base.TakeProfitPct, merged.TakeProfitPct)
	assert.Equal(t, types.SizingFixedAmount, base.SizingMethod)
}

func TestBacktestConfigValidate(t *testing.T) {
	valid := types.DefaultBacktestConfig()
	valid.Symbol = "005930"
	valid.StartDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	valid.EndDate = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, valid.Validate())

	noSymbol := valid
	noSymbol.Symbol = ""
	assert.Error(t, noSymbol.Validate())

	badCapital := valid
	badCapital.InitialCapital = decimal.Zero
	assert.Error(t, badCapital.Validate())

	reversed := valid
	reversed.StartDate, reversed.EndDate = reversed.EndDate, reversed.StartDate
	assert.Error(t, reversed.Validate())

	badSlippage := valid
	badSlippage.Slippage = 1.0
	assert.Error(t, badSlippage.Validate())

	negSlippage := valid
	negSlippage.Slippage = -0.001
	assert.Error(t, negSlippage.Validate())
}

func TestDefaultBacktestConfig(t *testing.T) {
	config := types.DefaultBacktestConfig()

	assert.True(t, config.InitialCapital.Equal(decimal.NewFromInt(10_000_000)))
	assert.Equal(t, types.BarIntervalDay, config.BarInterval)
	assert.Equal(t, "sma_cross", config.Strategy)
	assert.True(t, config.UseStopLoss)
	assert.True(t, config.UseTakeProfit)
	assert.False(t, config.AllowShort)
}
