package decision

import (
	"github.com/shopspring/decimal"
)

// SizingConfig bounds the position size computation.
type SizingConfig struct {
	BasePct     float64
	MinSizeUSD  float64
	MaxSizeUSD  float64
	MaxExposure float64 // fraction of balance across all open positions
	BaselineUSD float64 // equity baseline for the compound multiplier
}

// ComputeSize returns the position notional in USD, or zero when the
// exposure cap leaves no room. The caller treats zero as a SKIP.
func ComputeSize(cfg SizingConfig, balanceUSD decimal.Decimal, confidence float64,
	consecutiveLosses, winsSinceAdjust int, openNotionalUSD decimal.Decimal) decimal.Decimal {

	base := balanceUSD.Mul(decimal.NewFromFloat(cfg.BasePct))
	size := base.
		Mul(decimal.NewFromFloat(confidenceMultiplier(confidence))).
		Mul(decimal.NewFromFloat(lossAdjust(consecutiveLosses, winsSinceAdjust))).
		Mul(decimal.NewFromFloat(compoundMultiplier(cfg.BaselineUSD, balanceUSD)))

	minSize := decimal.NewFromFloat(cfg.MinSizeUSD)
	maxSize := decimal.NewFromFloat(cfg.MaxSizeUSD)
	if size.LessThan(minSize) {
		size = minSize
	}
	if size.GreaterThan(maxSize) {
		size = maxSize
	}

	// exposure cap across all open positions
	capUSD := balanceUSD.Mul(decimal.NewFromFloat(cfg.MaxExposure))
	room := capUSD.Sub(openNotionalUSD)
	if room.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if size.GreaterThan(room) {
		size = room
	}
	if size.LessThan(minSize) {
		return decimal.Zero
	}
	return size
}

// confidenceMultiplier scales size with conviction.
func confidenceMultiplier(confidence float64) float64 {
	switch {
	case confidence >= 0.85:
		return 1.25
	case confidence >= 0.75:
		return 1.00
	case confidence >= 0.65:
		return 0.75
	default:
		return 0.50
	}
}

// lossAdjust shrinks size during a losing streak and restores it after two
// wins.
func lossAdjust(consecutiveLosses, winsSinceAdjust int) float64 {
	if winsSinceAdjust >= 2 {
		return 1.0
	}
	switch {
	case consecutiveLosses >= 3:
		return 0.50
	case consecutiveLosses == 2:
		return 0.75
	default:
		return 1.0
	}
}

// compoundMultiplier steps up 0.05 per 10% equity growth above the baseline,
// capped at 1.50. A zero baseline disables compounding.
func compoundMultiplier(baselineUSD float64, balanceUSD decimal.Decimal) float64 {
	if baselineUSD <= 0 {
		return 1.0
	}
	growth := balanceUSD.InexactFloat64()/baselineUSD - 1
	if growth <= 0 {
		return 1.0
	}
	mult := 1.0 + 0.05*float64(int(growth/0.10))
	if mult > 1.50 {
		return 1.50
	}
	return mult
}
