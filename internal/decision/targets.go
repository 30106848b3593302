package decision

import (
	"fmt"

	"hope/internal/core"

	"github.com/markcheno/go-talib"
)

// TargetsConfig tunes the ATR-based TP/SL computation.
type TargetsConfig struct {
	ATRPeriod   int
	KTakeProfit float64
	KStopLoss   float64
	FloorTPPct  float64
	FloorSLPct  float64
	MaxTPPct    float64
	MinRR       float64
	MomentumRR  float64
}

// Targets are the computed exit levels as percentages of the entry price.
type Targets struct {
	TPPct  float64
	SLPct  float64
	ATRPct float64
}

// ComputeTargets derives adaptive TP/SL percentages from recent volatility.
// The reward-to-risk floor is enforced by widening TP; when the widened TP
// would exceed the max, the trade is refused.
func ComputeTargets(cfg TargetsConfig, tier core.SignalTier, candles []*core.Candle) (Targets, error) {
	atrPct := atrPercent(cfg.ATRPeriod, candles)

	tpPct := cfg.KTakeProfit * atrPct
	if tpPct < cfg.FloorTPPct {
		tpPct = cfg.FloorTPPct
	}
	slPct := cfg.KStopLoss * atrPct
	if slPct < cfg.FloorSLPct {
		slPct = cfg.FloorSLPct
	}

	minRR := cfg.MinRR
	if tier == core.TierMomentum {
		minRR = cfg.MomentumRR
	}
	if tpPct/slPct < minRR {
		tpPct = slPct * minRR
	}
	if tpPct > cfg.MaxTPPct {
		return Targets{}, fmt.Errorf("take profit %.2f%% above max %.2f%%", tpPct, cfg.MaxTPPct)
	}

	return Targets{TPPct: tpPct, SLPct: slPct, ATRPct: atrPct}, nil
}

// atrPercent returns ATR as a percent of the last close. Too little history
// reports zero, which lets the floor percentages take over.
func atrPercent(period int, candles []*core.Candle) float64 {
	if len(candles) <= period {
		return 0
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High.InexactFloat64()
		lows[i] = c.Low.InexactFloat64()
		closes[i] = c.Close.InexactFloat64()
	}
	atr := talib.Atr(highs, lows, closes, period)
	last := atr[len(atr)-1]
	lastClose := closes[len(closes)-1]
	if lastClose <= 0 {
		return 0
	}
	return last / lastClose * 100
}
