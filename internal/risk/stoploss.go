package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/quantframe/backtest-core/internal/indicators"
	"github.com/quantframe/backtest-core/pkg/types"
)

// ErrInvalidPositionSide is returned when a side is neither long nor
// short.
var ErrInvalidPositionSide = errors.New("risk: position side must be long or short")

// ExitLevels is a computed stop/target pair.
type ExitLevels struct {
	Stop   decimal.Decimal
	Target decimal.Decimal
}

// StopPolicy computes and maintains stop-loss/take-profit levels for
// an open position.
type StopPolicy interface {
	// Compute derives the initial levels at entry.
	Compute(symbol string, entry decimal.Decimal, side types.PositionSide, bars *types.BarHistory, params types.RiskParameters) (ExitLevels, error)
	// Update re-derives levels on a price tick. Policies that never
	// move their levels return the current ones unchanged.
	Update(symbol string, entry, current decimal.Decimal, side types.PositionSide, cur ExitLevels, bars *types.BarHistory, params types.RiskParameters) (ExitLevels, error)
}

// NewStopPolicy returns the policy for a method name, defaulting to
// fixed for unrecognized methods.
func NewStopPolicy(method types.StopMethod, logger *zap.Logger) StopPolicy {
	switch method {
	case types.StopTrailing:
		return &TrailingStopPolicy{logger: logger}
	case types.StopATR:
		return &ATRStopPolicy{logger: logger}
	case types.StopFixed:
		return &FixedStopPolicy{logger: logger}
	default:
		logger.Warn("unknown stop method, using fixed",
			zap.String("method", string(method)))
		return &FixedStopPolicy{logger: logger}
	}
}

// normalizeSide validates a position side, accepting any casing.
func normalizeSide(side types.PositionSide) (types.PositionSide, error) {
	switch types.PositionSide(strings.ToLower(string(side))) {
	case types.PositionSideLong:
		return types.PositionSideLong, nil
	case types.PositionSideShort:
		return types.PositionSideShort, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPositionSide, side)
}

// FixedStopPolicy sets static percentage levels off the entry price.
type FixedStopPolicy struct {
	logger *zap.Logger
}

func (p *FixedStopPolicy) Compute(symbol string, entry decimal.Decimal, side types.PositionSide, _ *types.BarHistory, params types.RiskParameters) (ExitLevels, error) {
	norm, err := normalizeSide(side)
	if err != nil {
		return ExitLevels{}, err
	}

	one := decimal.NewFromInt(1)
	stopPct := decimal.NewFromFloat(params.StopLossPct)
	takePct := decimal.NewFromFloat(params.TakeProfitPct)

	if norm == types.PositionSideLong {
		return ExitLevels{
			Stop:   entry.Mul(one.Sub(stopPct)),
			Target: entry.Mul(one.Add(takePct)),
		}, nil
	}
	return ExitLevels{
		Stop:   entry.Mul(one.Add(stopPct)),
		Target: entry.Mul(one.Sub(takePct)),
	}, nil
}

// Update never moves fixed levels.
func (p *FixedStopPolicy) Update(symbol string, entry, current decimal.Decimal, side types.PositionSide, cur ExitLevels, _ *types.BarHistory, _ types.RiskParameters) (ExitLevels, error) {
	if _, err := normalizeSide(side); err != nil {
		return ExitLevels{}, err
	}
	return cur, nil
}

// TrailingStopPolicy starts from fixed levels, then ratchets the stop
// behind the current price. The stop only ever moves in the profitable
// direction and the target never moves.
type TrailingStopPolicy struct {
	logger *zap.Logger
}

func (p *TrailingStopPolicy) Compute(symbol string, entry decimal.Decimal, side types.PositionSide, bars *types.BarHistory, params types.RiskParameters) (ExitLevels, error) {
	fixed := FixedStopPolicy{logger: p.logger}
	return fixed.Compute(symbol, entry, side, bars, params)
}

func (p *TrailingStopPolicy) Update(symbol string, entry, current decimal.Decimal, side types.PositionSide, cur ExitLevels, _ *types.BarHistory, params types.RiskParameters) (ExitLevels, error) {
	norm, err := normalizeSide(side)
	if err != nil {
		return ExitLevels{}, err
	}

	one := decimal.NewFromInt(1)
	trailPct := decimal.NewFromFloat(params.TrailingPct)

	out := cur
	if norm == types.PositionSideLong {
		candidate := current.Mul(one.Sub(trailPct))
		if candidate.GreaterThan(cur.Stop) {
			out.Stop = candidate
		}
	} else {
		candidate := current.Mul(one.Add(trailPct))
		if candidate.LessThan(cur.Stop) {
			out.Stop = candidate
		}
	}
	return out, nil
}

// ATRStopPolicy places levels a multiple of the average true range
// away from the entry price.
type ATRStopPolicy struct {
	logger *zap.Logger
}

// atr derives the average true range from the supplied bars, falling
// back to 1% of the entry price when the window is too short.
func (p *ATRStopPolicy) atr(symbol string, entry decimal.Decimal, bars *types.BarHistory, params types.RiskParameters) decimal.Decimal {
	period := params.ATRPeriod
	if period <= 0 {
		period = 14
	}

	if bars.Len() >= period+1 {
		value, err := indicators.ATR(bars.HighFloats(), bars.LowFloats(), bars.CloseFloats(), period)
		if err == nil {
			return decimal.NewFromFloat(value)
		}
		p.logger.Warn("atr computation failed, using synthetic range",
			zap.String("symbol", symbol), zap.Error(err))
	}
	return entry.Mul(decimal.NewFromFloat(0.01))
}

func (p *ATRStopPolicy) Compute(symbol string, entry decimal.Decimal, side types.PositionSide, bars *types.BarHistory, params types.RiskParameters) (ExitLevels, error) {
	norm, err := normalizeSide(side)
	if err != nil {
		return ExitLevels{}, err
	}

	atr := p.atr(symbol, entry, bars, params)
	stopDist := atr.Mul(decimal.NewFromFloat(params.ATRMultiplier))
	targetDist := atr.Mul(decimal.NewFromFloat(params.ATRTargetMult))

	if norm == types.PositionSideLong {
		return ExitLevels{
			Stop:   entry.Sub(stopDist),
			Target: entry.Add(targetDist),
		}, nil
	}
	return ExitLevels{
		Stop:   entry.Add(stopDist),
		Target: entry.Sub(targetDist),
	}, nil
}

// Update re-derives levels only when fresh market data is supplied.
func (p *ATRStopPolicy) Update(symbol string, entry, current decimal.Decimal, side types.PositionSide, cur ExitLevels, bars *types.BarHistory, params types.RiskParameters) (ExitLevels, error) {
	if _, err := normalizeSide(side); err != nil {
		return ExitLevels{}, err
	}
	if bars.Len() == 0 {
		return cur, nil
	}
	return p.Compute(symbol, entry, side, bars, params)
}
