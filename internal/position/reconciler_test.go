package position

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hope/internal/core"
	"hope/internal/mock"
	"hope/internal/risk"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReconcilerFixture(t *testing.T) (*Reconciler, *Tracker, *mock.Exchange, *risk.CircuitBreaker) {
	t.Helper()
	tracker, err := NewTracker(filepath.Join(t.TempDir(), "positions.json"), logging.NewNop())
	require.NoError(t, err)
	state, err := risk.NewState(filepath.Join(t.TempDir(), "risk.json"), logging.NewNop())
	require.NoError(t, err)
	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		MaxConsecutiveLosses: 5,
		MaxDailyLossUSD:      15,
		Cooldown:             5 * time.Minute,
		CooldownCap:          time.Hour,
	}, state, nil, nil, logging.NewNop())
	ex := mock.NewExchange()
	r := NewReconciler(tracker, ex, breaker, nil, time.Minute, logging.NewNop())
	return r, tracker, ex, breaker
}

func TestReconcileCleanPass(t *testing.T) {
	r, tracker, ex, breaker := newReconcilerFixture(t)

	pos := testPosition("p1", "DOGEUSDT")
	pos.ExchangeOrderIDs = []int64{1001}
	require.NoError(t, tracker.Open(pos))

	// the protective OCO legs are still resting remotely
	ex.SetPrice("DOGEUSDT", decimal.NewFromFloat(0.1))
	_, err := ex.SubmitOCO(context.Background(), &core.OCORequest{
		Symbol:          "DOGEUSDT",
		Side:            core.SideSell,
		Quantity:        decimal.NewFromInt(300),
		TPClientOrderID: "HOPE-tp1",
		SLClientOrderID: "HOPE-sl1",
	})
	require.NoError(t, err)
	// adopt the real exchange IDs
	orders, err := ex.OpenOrders(context.Background(), "DOGEUSDT")
	require.NoError(t, err)
	require.NoError(t, tracker.Update("p1", func(p *core.Position) {
		p.ExchangeOrderIDs = []int64{orders[0].ExchangeID}
	}))

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Clean())
	assert.Equal(t, core.CircuitClosed, breaker.State())
	assert.Equal(t, 1, tracker.Count())
}

func TestReconcileRemovesGhostAndTripsBreaker(t *testing.T) {
	r, tracker, ex, breaker := newReconcilerFixture(t)
	ex.SetBalance("DOGE", decimal.Zero)

	pos := testPosition("p1", "DOGEUSDT")
	pos.ExchangeOrderIDs = []int64{9999} // order the exchange has never seen
	require.NoError(t, tracker.Open(pos))
	ex.SetSymbolInfo(&core.SymbolInfo{Symbol: "DOGEUSDT", BaseAsset: "DOGE", QuoteAsset: "USDT"})

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, result.Ghosts)
	assert.Equal(t, 0, tracker.Count())
	assert.Equal(t, core.CircuitOpen, breaker.State())
}

func TestReconcileKeepsPositionBackedByBalance(t *testing.T) {
	r, tracker, ex, breaker := newReconcilerFixture(t)

	pos := testPosition("p1", "DOGEUSDT")
	pos.ExchangeOrderIDs = nil
	require.NoError(t, tracker.Open(pos))
	ex.SetSymbolInfo(&core.SymbolInfo{Symbol: "DOGEUSDT", BaseAsset: "DOGE", QuoteAsset: "USDT"})
	ex.SetBalance("DOGE", decimal.NewFromInt(300))

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Clean())
	assert.Equal(t, 1, tracker.Count())
	assert.Equal(t, core.CircuitClosed, breaker.State())
}

func TestReconcileAdoptsOrphan(t *testing.T) {
	r, tracker, ex, breaker := newReconcilerFixture(t)

	// a resting sell with our prefix that no local position explains
	ex.SetPrice("PEPEUSDT", decimal.NewFromFloat(0.00001))
	_, err := ex.SubmitOCO(context.Background(), &core.OCORequest{
		Symbol:          "PEPEUSDT",
		Side:            core.SideSell,
		Quantity:        decimal.NewFromInt(1000),
		TPClientOrderID: "HOPE-orphan-tp",
		SLClientOrderID: "HOPE-orphan-sl",
	})
	require.NoError(t, err)

	result, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Orphans, 1)

	adopted, ok := tracker.GetBySymbol("PEPEUSDT")
	require.True(t, ok)
	assert.True(t, adopted.Orphan)
	assert.True(t, adopted.Quantity.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, core.CircuitOpen, breaker.State())
}
