// Package decision turns an admitted signal into a BUY or SKIP. Two chambers
// evaluate independently; only a double yes becomes an order.
package decision

import (
	"context"

	"hope/internal/core"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// Alpha blend weights and precursor thresholds.
type AlphaConfig struct {
	WeightTechnical float64
	WeightModel     float64
	WeightSentiment float64
	WeightPrecursor float64

	VolSpikeMinPct   float64 // volume raise that counts as a spike
	BuysPerSecMin    float64
	BookImbalanceMin float64
	SpreadMaxPct     float64
	RSIPeriod        int
	MACDFast         int
	MACDSlow         int
	MACDSignal       int
}

// DefaultAlphaConfig mirrors the production blend.
func DefaultAlphaConfig() AlphaConfig {
	return AlphaConfig{
		WeightTechnical:  0.40,
		WeightModel:      0.35,
		WeightSentiment:  0.15,
		WeightPrecursor:  0.10,
		VolSpikeMinPct:   50,
		BuysPerSecMin:    3,
		BookImbalanceMin: 0.2,
		SpreadMaxPct:     0.5,
		RSIPeriod:        14,
		MACDFast:         12,
		MACDSlow:         26,
		MACDSignal:       9,
	}
}

// AlphaChamber scores a signal in [0,1]. It never vetoes; the risk chamber
// does that side.
type AlphaChamber struct {
	cfg        AlphaConfig
	classifier core.IClassifier
	sentiment  core.ISentiment
	logger     core.ILogger
}

// AlphaScore is the blended confidence plus the parts it came from.
type AlphaScore struct {
	Confidence     float64
	Technical      float64
	Model          float64
	Sentiment      float64
	PrecursorScore float64
	PrecursorsHit  []string
}

// NewAlphaChamber wires the scoring chamber. classifier and sentiment may be
// nil; their terms then fall back to the neutral 0.5.
func NewAlphaChamber(cfg AlphaConfig, classifier core.IClassifier, sentiment core.ISentiment, logger core.ILogger) *AlphaChamber {
	return &AlphaChamber{
		cfg:        cfg,
		classifier: classifier,
		sentiment:  sentiment,
		logger:     logger.WithField("component", "alpha_chamber"),
	}
}

// Score blends the four terms. candles may be short or nil; the technical
// term then degrades to neutral rather than failing the signal. btcCandles is
// the market-wide reference series and may also be nil.
func (a *AlphaChamber) Score(_ context.Context, signal *core.Signal, candles, btcCandles []*core.Candle, book *core.BookTop) AlphaScore {
	technical := a.technicalScore(candles)
	model := a.modelScore(signal, candles)
	sentiment := a.sentimentScore(signal.Symbol)
	precursor, hit := a.precursorScore(signal, candles, btcCandles, book)

	conf := a.cfg.WeightTechnical*technical +
		a.cfg.WeightModel*model +
		a.cfg.WeightSentiment*sentiment +
		a.cfg.WeightPrecursor*precursor

	return AlphaScore{
		Confidence:     clamp01(conf),
		Technical:      technical,
		Model:          model,
		Sentiment:      sentiment,
		PrecursorScore: precursor,
		PrecursorsHit:  hit,
	}
}

// technicalScore reads RSI and MACD alignment from recent candles.
func (a *AlphaChamber) technicalScore(candles []*core.Candle) float64 {
	closes := closePrices(candles)
	if len(closes) <= a.cfg.MACDSlow+a.cfg.MACDSignal {
		return 0.5
	}

	score := 0.5

	rsi := talib.Rsi(closes, a.cfg.RSIPeriod)
	last := rsi[len(rsi)-1]
	switch {
	case last >= 50 && last <= 70:
		score += 0.25 // rising but not overbought
	case last > 70:
		score -= 0.15
	case last < 30:
		score -= 0.10
	}

	macd, sigLine, hist := talib.Macd(closes, a.cfg.MACDFast, a.cfg.MACDSlow, a.cfg.MACDSignal)
	n := len(hist)
	if macd[n-1] > sigLine[n-1] {
		score += 0.15
	}
	if n >= 2 && hist[n-1] > hist[n-2] {
		score += 0.10
	}

	return clamp01(score)
}

func (a *AlphaChamber) modelScore(signal *core.Signal, candles []*core.Candle) float64 {
	if a.classifier == nil {
		return 0.5
	}
	features := map[string]float64{
		"delta_pct":     signal.DeltaPct,
		"buys_per_sec":  signal.BuysPerSec,
		"vol_raise_pct": signal.VolRaisePct,
		"volume_usd":    signal.DailyVolumeUSD.InexactFloat64(),
		"candle_count":  float64(len(candles)),
	}
	prob, err := a.classifier.Score(features)
	if err != nil {
		a.logger.Warn("Classifier scoring failed, using neutral", "error", err)
		return 0.5
	}
	return clamp01(prob)
}

func (a *AlphaChamber) sentimentScore(symbol string) float64 {
	if a.sentiment == nil {
		return 0.5
	}
	adj, ok := a.sentiment.Adjustment(symbol)
	if !ok {
		return 0.5
	}
	return clamp01(adj)
}

// precursorScore counts the pump precursor patterns present and normalizes
// by the number of patterns that could be evaluated.
func (a *AlphaChamber) precursorScore(signal *core.Signal, candles, btcCandles []*core.Candle, book *core.BookTop) (float64, []string) {
	var hit []string
	evaluated := 0

	evaluated++
	if signal.VolRaisePct >= a.cfg.VolSpikeMinPct {
		hit = append(hit, "volume_spike")
	}

	evaluated++
	if signal.BuysPerSec >= a.cfg.BuysPerSecMin {
		hit = append(hit, "buy_pressure")
	}

	if len(candles) >= 4 {
		evaluated++
		if monotonicDeltaGrowth(candles) {
			hit = append(hit, "delta_growth")
		}
	}

	if len(btcCandles) >= 3 {
		evaluated++
		if deltaAccelerating(btcCandles) {
			hit = append(hit, "btc_delta_acceleration")
		}
	}

	if book != nil && !book.BidQty.IsZero() && !book.AskQty.IsZero() {
		evaluated++
		total := book.BidQty.Add(book.AskQty)
		imbalance := book.BidQty.Sub(book.AskQty).Div(total)
		if imbalance.GreaterThanOrEqual(decimal.NewFromFloat(a.cfg.BookImbalanceMin)) {
			hit = append(hit, "book_imbalance")
		}

		evaluated++
		if !book.BidPx.IsZero() {
			spreadPct := book.AskPx.Sub(book.BidPx).Div(book.BidPx).Mul(decimal.NewFromInt(100))
			if spreadPct.LessThanOrEqual(decimal.NewFromFloat(a.cfg.SpreadMaxPct)) {
				hit = append(hit, "tight_spread")
			}
		}
	}

	if evaluated == 0 {
		return 0, nil
	}
	return float64(len(hit)) / float64(evaluated), hit
}

// deltaAccelerating reports a positive and growing close-to-close delta on
// the last two bars.
func deltaAccelerating(candles []*core.Candle) bool {
	n := len(candles)
	d1 := candles[n-2].Close.Sub(candles[n-3].Close)
	d2 := candles[n-1].Close.Sub(candles[n-2].Close)
	return d2.IsPositive() && d2.GreaterThan(d1)
}

// monotonicDeltaGrowth checks that close-to-close deltas grew across the last
// three bars.
func monotonicDeltaGrowth(candles []*core.Candle) bool {
	n := len(candles)
	d1 := candles[n-3].Close.Sub(candles[n-4].Close)
	d2 := candles[n-2].Close.Sub(candles[n-3].Close)
	d3 := candles[n-1].Close.Sub(candles[n-2].Close)
	return d2.GreaterThan(d1) && d3.GreaterThan(d2)
}

func closePrices(candles []*core.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close.InexactFloat64()
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
