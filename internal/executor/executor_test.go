package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hope/internal/core"
	"hope/internal/mock"
	"hope/internal/position"
	"hope/internal/risk"
	apperrors "hope/pkg/errors"
	"hope/pkg/ident"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	executor *Executor
	exchange *mock.Exchange
	tracker  *position.Tracker
	state    *risk.State
	breaker  *risk.CircuitBreaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tracker, err := position.NewTracker(filepath.Join(t.TempDir(), "positions.json"), logging.NewNop())
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
	ex.SetPrice("DOGEUSDT", decimal.NewFromFloat(0.10))

	cfg := Config{
		PoolSize:     2,
		PoolCapacity: 8,
		IOCWindow:    2 * time.Second,
		MaxCrossPct:  0.3,
		RetryBase:    time.Millisecond,
		RetryCap:     5 * time.Millisecond,
		RetryMax:     5,
	}
	return &fixture{
		executor: New(cfg, ex, tracker, state, breaker, nil, logging.NewNop()),
		exchange: ex,
		tracker:  tracker,
		state:    state,
		breaker:  breaker,
	}
}

func buyDecision() *core.Decision {
	return &core.Decision{
		SchemaVersion:   core.SchemaVersion,
		CorrelationID:   "corr-entry-1",
		Symbol:          "DOGEUSDT",
		Action:          core.ActionBuy,
		Tier:            core.TierStrong,
		Confidence:      0.8,
		RiskApproved:    true,
		PositionSizeUSD: decimal.NewFromInt(30),
		EntryPriceHint:  decimal.NewFromFloat(0.10),
		TPPct:           3.0,
		SLPct:           1.0,
		TimeoutSec:      900,
	}
}

func TestEntryOpensPositionWithOCO(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.executor.ExecuteEntry(context.Background(), buyDecision()))

	pos, ok := f.tracker.GetBySymbol("DOGEUSDT")
	require.True(t, ok, "position tracked")
	assert.True(t, pos.Quantity.IsPositive())
	assert.True(t, pos.TPPrice.GreaterThan(pos.EntryPrice))
	assert.True(t, pos.SLPrice.LessThan(pos.EntryPrice))

	ocos := f.exchange.OCORequests()
	require.Len(t, ocos, 1)
	assert.Equal(t, ident.TPOrderID("corr-entry-1"), ocos[0].TPClientOrderID)
	assert.True(t, ocos[0].Quantity.Equal(pos.Quantity))

	assert.Equal(t, 1, f.state.Snapshot().DailyTradeCount)
}

func TestEntryClientOrderIDDeterministic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.executor.ExecuteEntry(context.Background(), buyDecision()))

	id := ident.EntryOrderID("corr-entry-1")
	assert.Equal(t, 1, f.exchange.SubmitAttempts(id))
	order, err := f.exchange.GetOrder(context.Background(), "DOGEUSDT", id)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, order.Status)
}

func TestEntryRetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	id := ident.EntryOrderID("corr-entry-1")
	f.exchange.FailSubmit(id, apperrors.ErrNetwork)

	go func() {
		time.Sleep(5 * time.Millisecond)
		f.exchange.FailSubmit(id, nil)
	}()
	require.NoError(t, f.executor.ExecuteEntry(context.Background(), buyDecision()))

	assert.GreaterOrEqual(t, f.exchange.SubmitAttempts(id), 2)
	_, ok := f.tracker.GetBySymbol("DOGEUSDT")
	assert.True(t, ok)
}

func TestEntryPermanentErrorNoRetry(t *testing.T) {
	f := newFixture(t)
	id := ident.EntryOrderID("corr-entry-1")
	f.exchange.FailSubmit(id, apperrors.ErrInsufficientFunds)

	err := f.executor.ExecuteEntry(context.Background(), buyDecision())
	assert.Error(t, err)
	assert.Equal(t, 1, f.exchange.SubmitAttempts(id), "permanent errors are not retried")
	assert.Equal(t, 0, f.tracker.Count())
}

func TestEntryMarketFallbackWhenIOCMisses(t *testing.T) {
	f := newFixture(t)
	f.exchange.SetIOCFillFraction(decimal.Zero)

	require.NoError(t, f.executor.ExecuteEntry(context.Background(), buyDecision()))

	pos, ok := f.tracker.GetBySymbol("DOGEUSDT")
	require.True(t, ok, "market fallback opened the position")
	assert.True(t, pos.Quantity.IsPositive())
	assert.Equal(t, 1, f.exchange.SubmitAttempts(ident.EntryOrderID("corr-entry-1")+"-m"))
}

func TestEntryPartialFillShrinksOCO(t *testing.T) {
	f := newFixture(t)
	f.exchange.SetIOCFillFraction(decimal.NewFromFloat(0.5))

	require.NoError(t, f.executor.ExecuteEntry(context.Background(), buyDecision()))

	pos, ok := f.tracker.GetBySymbol("DOGEUSDT")
	require.True(t, ok)

	ocos := f.exchange.OCORequests()
	require.Len(t, ocos, 1)
	assert.True(t, ocos[0].Quantity.Equal(pos.Quantity),
		"OCO quantity %s matches the partial fill %s", ocos[0].Quantity, pos.Quantity)
}

func TestEntryNotionalBelowMinSkips(t *testing.T) {
	f := newFixture(t)
	d := buyDecision()
	d.PositionSizeUSD = decimal.NewFromInt(3) // below the 5 USDT min notional

	require.NoError(t, f.executor.ExecuteEntry(context.Background(), d))
	assert.Equal(t, 0, f.tracker.Count())
	assert.Equal(t, 0, f.exchange.SubmitAttempts(ident.EntryOrderID("corr-entry-1")))
}

func TestEntryPriceRunawayRefused(t *testing.T) {
	f := newFixture(t)
	// book far above the hint: bid+tick crosses more than 0.3%
	f.exchange.SetPrice("DOGEUSDT", decimal.NewFromFloat(0.102))

	require.NoError(t, f.executor.ExecuteEntry(context.Background(), buyDecision()))
	assert.Equal(t, 0, f.tracker.Count())
}

func TestEntryTrackFailureReleasesProbe(t *testing.T) {
	f := newFixture(t)
	base := time.Now()
	clock := base
	f.breaker.SetClock(func() time.Time { return clock })

	f.breaker.Trip("reconcile_mismatch")
	clock = base.Add(5*time.Minute + time.Second)
	require.Equal(t, core.CircuitHalfOpen, f.breaker.State())
	ok, _ := f.breaker.AllowEntry()
	require.True(t, ok, "probe slot consumed")

	// a conflicting open position makes tracking fail after the fill
	require.NoError(t, f.tracker.Open(&core.Position{
		SchemaVersion: core.SchemaVersion,
		ID:            "pos-existing",
		Symbol:        "DOGEUSDT",
		EntryPrice:    decimal.NewFromFloat(0.10),
		Quantity:      decimal.NewFromInt(300),
	}))

	err := f.executor.ExecuteEntry(context.Background(), buyDecision())
	require.Error(t, err)

	ok, _ = f.breaker.AllowEntry()
	assert.True(t, ok, "probe slot free again")
}

func TestExitClosesPosition(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.executor.ExecuteEntry(context.Background(), buyDecision()))
	pos, _ := f.tracker.GetBySymbol("DOGEUSDT")

	err := f.executor.ExecuteExit(context.Background(), &core.ExitRequest{
		SchemaVersion: core.SchemaVersion,
		PositionID:    pos.ID,
		CorrelationID: pos.CorrelationID,
		Symbol:        pos.Symbol,
		Reason:        core.ExitTP,
		Quantity:      pos.Quantity,
		Attempt:       1,
		RequestedAt:   time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.tracker.Count())

	closeID := ident.CloseOrderID(pos.CorrelationID, 1)
	order, err := f.exchange.GetOrder(context.Background(), pos.Symbol, closeID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, order.Status)
}

func TestExitPartialKeepsPosition(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.executor.ExecuteEntry(context.Background(), buyDecision()))
	pos, _ := f.tracker.GetBySymbol("DOGEUSDT")
	half := pos.Quantity.Div(decimal.NewFromInt(2))

	err := f.executor.ExecuteExit(context.Background(), &core.ExitRequest{
		PositionID:    pos.ID,
		CorrelationID: pos.CorrelationID,
		Symbol:        pos.Symbol,
		Reason:        core.ExitPartialTP,
		Quantity:      half,
		Attempt:       1,
	})
	require.NoError(t, err)

	remaining, ok := f.tracker.Get(pos.ID)
	require.True(t, ok, "partial close keeps the position")
	assert.True(t, remaining.PartialTaken)
	assert.True(t, remaining.Quantity.LessThan(pos.Quantity))
}
