package gate

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hope/internal/core"
	"hope/internal/market"
	"hope/internal/risk"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSymbolInfo struct {
	core.IExchange
	delisted map[string]bool
}

func (f *fakeSymbolInfo) SymbolInfo(_ context.Context, symbol string) (*core.SymbolInfo, error) {
	return &core.SymbolInfo{Symbol: symbol, Delisted: f.delisted[symbol]}, nil
}

type fakeAllowList struct {
	denied map[string]bool
}

func (f *fakeAllowList) IsAllowed(symbol string) (bool, core.AllowLayer) {
	if f.denied[symbol] {
		return false, ""
	}
	return true, core.LayerCore
}

func (f *fakeAllowList) AddHot(string) {}

func (f *fakeAllowList) Entries() []core.AllowEntry { return nil }

func newTestGate(t *testing.T) (*Gate, *market.PriceCache, *risk.State) {
	t.Helper()
	state, err := risk.NewState(filepath.Join(t.TempDir(), "risk.json"), logging.NewNop())
	require.NoError(t, err)
	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		MaxConsecutiveLosses: 5,
		MaxDailyLossUSD:      15,
		Cooldown:             5 * time.Minute,
		CooldownCap:          time.Hour,
	}, state, nil, nil, logging.NewNop())

	prices := market.NewPriceCache(10 * time.Second)
	cfg := Config{
		TTL:               30 * time.Second,
		MinDailyVolumeUSD: decimal.NewFromInt(5_000_000),
		MaxPriceDriftPct:  0.5,
		Blacklist:         []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"},
		RatePerSec:        100,
		RateBurst:         100,
	}
	g := New(cfg, prices, state, breaker,
		&fakeAllowList{denied: map[string]bool{"GHOSTUSDT": true}},
		&fakeSymbolInfo{delisted: map[string]bool{"DEADUSDT": true}}, nil, logging.NewNop())
	return g, prices, state
}

func validSignal() *core.Signal {
	return &core.Signal{
		SchemaVersion:  core.SchemaVersion,
		ID:             "sig_1",
		CorrelationID:  "corr_1",
		Symbol:         "DOGEUSDT",
		Strategy:       core.StrategyPump,
		Price:          decimal.NewFromFloat(0.1),
		DailyVolumeUSD: decimal.NewFromInt(8_000_000),
		ProducedAt:     time.Now(),
		ReceivedAt:     time.Now(),
	}
}

func TestGateAdmitsValidSignal(t *testing.T) {
	g, prices, _ := newTestGate(t)
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), time.Now())

	result := g.Admit(context.Background(), validSignal())
	assert.True(t, result.OK)
	assert.Empty(t, result.Reason)
}

func TestGateBlocksSchemaInvalid(t *testing.T) {
	g, _, _ := newTestGate(t)

	s := validSignal()
	s.Price = decimal.Zero
	result := g.Admit(context.Background(), s)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonSchemaInvalid, result.Reason)
	assert.Equal(t, "price", result.Details["field"])
}

func TestGateBlocksExpiredSignal(t *testing.T) {
	g, prices, _ := newTestGate(t)
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), time.Now())

	s := validSignal()
	s.ProducedAt = time.Now().Add(-31 * time.Second)
	result := g.Admit(context.Background(), s)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonExpired, result.Reason)
}

func TestGateBlocksLowLiquidity(t *testing.T) {
	g, prices, _ := newTestGate(t)
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), time.Now())

	s := validSignal()
	s.DailyVolumeUSD = decimal.NewFromInt(4_999_999)
	result := g.Admit(context.Background(), s)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonLowLiquidity, result.Reason)
}

func TestGateBlocksPriceDrift(t *testing.T) {
	g, prices, _ := newTestGate(t)
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), time.Now())

	s := validSignal()
	s.Price = decimal.NewFromFloat(0.102) // 2% away from live
	result := g.Admit(context.Background(), s)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonPriceDrift, result.Reason)
}

func TestGateBlocksWithoutLivePrice(t *testing.T) {
	g, _, _ := newTestGate(t)

	result := g.Admit(context.Background(), validSignal())
	assert.False(t, result.OK)
	assert.Equal(t, ReasonPriceStale, result.Reason)
}

func TestGateBlocksBlacklistedSymbol(t *testing.T) {
	g, prices, _ := newTestGate(t)
	prices.OnTick("BTCUSDT", decimal.NewFromInt(60000), time.Now())

	s := validSignal()
	s.Symbol = "BTCUSDT"
	s.Price = decimal.NewFromInt(60000)
	result := g.Admit(context.Background(), s)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonSymbolPolicy, result.Reason)
	assert.Equal(t, "blacklisted", result.Details["policy"])
}

func TestGateBlocksSymbolNotAllowed(t *testing.T) {
	g, prices, _ := newTestGate(t)
	prices.OnTick("GHOSTUSDT", decimal.NewFromFloat(0.1), time.Now())

	s := validSignal()
	s.Symbol = "GHOSTUSDT"
	result := g.Admit(context.Background(), s)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonSymbolPolicy, result.Reason)
	assert.Equal(t, "not_allowed", result.Details["policy"])
}

func TestGateBlocksDelistedSymbol(t *testing.T) {
	g, prices, _ := newTestGate(t)
	prices.OnTick("DEADUSDT", decimal.NewFromFloat(0.1), time.Now())

	s := validSignal()
	s.Symbol = "DEADUSDT"
	result := g.Admit(context.Background(), s)
	assert.False(t, result.OK)
	assert.Equal(t, ReasonSymbolPolicy, result.Reason)
	assert.Equal(t, "delisted", result.Details["policy"])
}

func TestGateBlocksCooldownSymbol(t *testing.T) {
	g, prices, state := newTestGate(t)
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), time.Now())
	require.NoError(t, state.StartCooldown("DOGEUSDT", time.Now().Add(time.Minute)))

	result := g.Admit(context.Background(), validSignal())
	assert.False(t, result.OK)
	assert.Equal(t, "cooldown", result.Details["policy"])
}

func TestGateBlocksSecondSignalSameSymbol(t *testing.T) {
	g, prices, _ := newTestGate(t)
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), time.Now())

	first := g.Admit(context.Background(), validSignal())
	require.True(t, first.OK)

	second := g.Admit(context.Background(), validSignal())
	assert.False(t, second.OK)
	assert.Equal(t, ReasonSymbolPending, second.Reason)

	g.Release("DOGEUSDT")
	third := g.Admit(context.Background(), validSignal())
	assert.True(t, third.OK)
}

func TestGateRateLimit(t *testing.T) {
	g, prices, _ := newTestGate(t)
	g.limiter.SetLimit(1)
	g.limiter.SetBurst(1)
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), time.Now())
	prices.OnTick("SHIBUSDT", decimal.NewFromFloat(0.1), time.Now())

	first := g.Admit(context.Background(), validSignal())
	require.True(t, first.OK)

	s := validSignal()
	s.Symbol = "SHIBUSDT"
	second := g.Admit(context.Background(), s)
	assert.False(t, second.OK)
	assert.Equal(t, ReasonRateLimited, second.Reason)
}
