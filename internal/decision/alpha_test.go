package decision

import (
	"context"
	"testing"

	"hope/internal/core"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

type stubClassifier struct{ prob float64 }

func (s *stubClassifier) Score(map[string]float64) (float64, error) { return s.prob, nil }

type stubSentiment struct {
	adj float64
	ok  bool
}

func (s *stubSentiment) Adjustment(string) (float64, bool) { return s.adj, s.ok }

func pumpSignal() *core.Signal {
	return &core.Signal{
		SchemaVersion:  core.SchemaVersion,
		CorrelationID:  "corr-1",
		Symbol:         "DOGEUSDT",
		Strategy:       core.StrategyPump,
		Price:          decimal.NewFromFloat(0.1),
		DeltaPct:       6.0,
		BuysPerSec:     5,
		VolRaisePct:    80,
		DailyVolumeUSD: decimal.NewFromInt(10_000_000),
	}
}

func TestAlphaNeutralWithoutCollaborators(t *testing.T) {
	chamber := NewAlphaChamber(DefaultAlphaConfig(), nil, nil, logging.NewNop())

	s := pumpSignal()
	s.BuysPerSec = 0
	s.VolRaisePct = 0
	score := chamber.Score(context.Background(), s, nil, nil, nil)

	// technical, model and sentiment all neutral, no precursors hit
	assert.InDelta(t, 0.45, score.Confidence, 0.001)
	assert.Equal(t, 0.5, score.Technical)
	assert.Equal(t, 0.5, score.Model)
	assert.Equal(t, 0.5, score.Sentiment)
	assert.Empty(t, score.PrecursorsHit)
}

func TestAlphaClassifierAndSentimentShiftScore(t *testing.T) {
	bull := NewAlphaChamber(DefaultAlphaConfig(),
		&stubClassifier{prob: 0.9}, &stubSentiment{adj: 0.8, ok: true}, logging.NewNop())
	bear := NewAlphaChamber(DefaultAlphaConfig(),
		&stubClassifier{prob: 0.1}, &stubSentiment{adj: 0.2, ok: true}, logging.NewNop())

	s := pumpSignal()
	bullScore := bull.Score(context.Background(), s, nil, nil, nil)
	bearScore := bear.Score(context.Background(), s, nil, nil, nil)

	assert.Greater(t, bullScore.Confidence, bearScore.Confidence)
	assert.Equal(t, 0.9, bullScore.Model)
	assert.Equal(t, 0.8, bullScore.Sentiment)
}

func TestAlphaPrecursorsFromSignal(t *testing.T) {
	chamber := NewAlphaChamber(DefaultAlphaConfig(), nil, nil, logging.NewNop())

	score := chamber.Score(context.Background(), pumpSignal(), nil, nil, nil)
	assert.Contains(t, score.PrecursorsHit, "volume_spike")
	assert.Contains(t, score.PrecursorsHit, "buy_pressure")
	assert.Equal(t, 1.0, score.PrecursorScore)
}

func TestAlphaBookPrecursors(t *testing.T) {
	chamber := NewAlphaChamber(DefaultAlphaConfig(), nil, nil, logging.NewNop())

	book := &core.BookTop{
		Symbol: "DOGEUSDT",
		BidPx:  decimal.NewFromFloat(0.1000),
		BidQty: decimal.NewFromInt(900),
		AskPx:  decimal.NewFromFloat(0.1001),
		AskQty: decimal.NewFromInt(100),
	}
	score := chamber.Score(context.Background(), pumpSignal(), nil, nil, book)
	assert.Contains(t, score.PrecursorsHit, "book_imbalance")
	assert.Contains(t, score.PrecursorsHit, "tight_spread")
}

func TestAlphaBTCDeltaAcceleration(t *testing.T) {
	chamber := NewAlphaChamber(DefaultAlphaConfig(), nil, nil, logging.NewNop())

	closes := func(prices ...float64) []*core.Candle {
		out := make([]*core.Candle, len(prices))
		for i, p := range prices {
			out[i] = &core.Candle{Symbol: "BTCUSDT", Close: decimal.NewFromFloat(p)}
		}
		return out
	}

	// deltas +100 then +300: accelerating
	score := chamber.Score(context.Background(), pumpSignal(), nil,
		closes(60_000, 60_100, 60_400), nil)
	assert.Contains(t, score.PrecursorsHit, "btc_delta_acceleration")

	// deltas +300 then +100: momentum fading
	score = chamber.Score(context.Background(), pumpSignal(), nil,
		closes(60_000, 60_300, 60_400), nil)
	assert.NotContains(t, score.PrecursorsHit, "btc_delta_acceleration")

	// falling reference never counts
	score = chamber.Score(context.Background(), pumpSignal(), nil,
		closes(60_400, 60_300, 60_000), nil)
	assert.NotContains(t, score.PrecursorsHit, "btc_delta_acceleration")
}

func TestSelectTier(t *testing.T) {
	cases := []struct {
		name     string
		delta    float64
		conf     float64
		strategy core.StrategyTag
		want     core.SignalTier
	}{
		{"strong", 5.5, 0.70, core.StrategyPump, core.TierStrong},
		{"strong delta weak conf", 5.5, 0.55, core.StrategyPump, core.TierMedium},
		{"medium", 2.5, 0.55, core.StrategyPump, core.TierMedium},
		{"weak", 0.8, 0.40, core.StrategyPump, core.TierWeak},
		{"momentum small delta", 0.2, 0.40, core.StrategyMomentum24h, core.TierMomentum},
		{"noise low conf", 5.5, 0.20, core.StrategyPump, core.TierNoise},
		{"noise tiny delta", 0.1, 0.90, core.StrategyPump, core.TierNoise},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := &core.Signal{DeltaPct: tc.delta, Strategy: tc.strategy}
			assert.Equal(t, tc.want, selectTier(s, tc.conf))
		})
	}
}
