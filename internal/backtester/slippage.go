package backtester

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/quantframe/backtest-core/pkg/types"
)

// SlippageModel adjusts an intended execution price for market
// friction. Buys slip upward, sells downward.
type SlippageModel interface {
	Adjust(price decimal.Decimal, side types.OrderSide, qty decimal.Decimal, bar types.OHLCV) decimal.Decimal
}

// FixedSlippage applies a constant fraction of price.
type FixedSlippage struct {
	Fraction decimal.Decimal
}

// NewFixedSlippage creates a fixed-fraction slippage model.
func NewFixedSlippage(fraction float64) *FixedSlippage {
	return &FixedSlippage{Fraction: decimal.NewFromFloat(fraction)}
}

func (f *FixedSlippage) Adjust(price decimal.Decimal, side types.OrderSide, _ decimal.Decimal, _ types.OHLCV) decimal.Decimal {
	return applySlip(price, side, f.Fraction)
}

// VolumeWeightedSlippage adds square-root market impact on top of a
// base fraction, scaled by the order's share of bar volume.
type VolumeWeightedSlippage struct {
	BaseFraction decimal.Decimal
	ImpactFactor decimal.Decimal
}

// NewVolumeWeightedSlippage creates a volume-weighted slippage model.
func NewVolumeWeightedSlippage(baseFraction, impactFactor float64) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{
		BaseFraction: decimal.NewFromFloat(baseFraction),
		ImpactFactor: decimal.NewFromFloat(impactFactor),
	}
}

func (v *VolumeWeightedSlippage) Adjust(price decimal.Decimal, side types.OrderSide, qty decimal.Decimal, bar types.OHLCV) decimal.Decimal {
	slip := v.BaseFraction
	if bar.Volume.IsPositive() {
		participation, _ := qty.Div(bar.Volume).Float64()
		impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
		slip = slip.Add(impact)
	}
	return applySlip(price, side, slip)
}

func applySlip(price decimal.Decimal, side types.OrderSide, fraction decimal.Decimal) decimal.Decimal {
	one := decimal.NewFromInt(1)
	if side == types.OrderSideBuy {
		return price.Mul(one.Add(fraction))
	}
	return price.Mul(one.Sub(fraction))
}
