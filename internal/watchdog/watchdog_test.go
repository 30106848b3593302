package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hope/internal/core"
	"hope/internal/market"
	"hope/internal/mock"
	"hope/internal/position"
	apperrors "hope/pkg/errors"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingExecutor captures exit requests and mimics the tracker side
// effects of a real close.
type recordingExecutor struct {
	tracker  *position.Tracker
	requests []*core.ExitRequest
}

func (r *recordingExecutor) ExecuteEntry(context.Context, *core.Decision) error { return nil }

func (r *recordingExecutor) ExecuteExit(_ context.Context, req *core.ExitRequest) error {
	r.requests = append(r.requests, req)
	if req.Reason == core.ExitPartialTP {
		return r.tracker.Update(req.PositionID, func(p *core.Position) {
			p.Quantity = p.Quantity.Sub(req.Quantity)
			p.PartialTaken = true
		})
	}
	_, err := r.tracker.Close(req.PositionID)
	return err
}

type fixture struct {
	watchdog *Watchdog
	tracker  *position.Tracker
	prices   *market.PriceCache
	executor *recordingExecutor
	exchange *mock.Exchange
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tracker, err := position.NewTracker(filepath.Join(t.TempDir(), "positions.json"), logging.NewNop())
	require.NoError(t, err)
	prices := market.NewPriceCache(10 * time.Second)
	exec := &recordingExecutor{tracker: tracker}
	ex := mock.NewExchange()

	f := &fixture{
		tracker:  tracker,
		prices:   prices,
		executor: exec,
		exchange: ex,
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.watchdog = New(Config{
		Tick:               time.Second,
		TrailActivationPct: 1.0,
		TrailDistancePct:   0.5,
		PartialTPPct:       1.5,
		StalePanic:         30 * time.Second,
		APISilent:          60 * time.Second,
	}, tracker, prices, exec, ex, logging.NewNop())

	now := func() time.Time { return f.clock }
	f.watchdog.SetClock(now)
	prices.SetClock(now)
	return f
}

func (f *fixture) openPosition(t *testing.T) *core.Position {
	t.Helper()
	pos := &core.Position{
		SchemaVersion:    core.SchemaVersion,
		ID:               "p1",
		CorrelationID:    "corr-1",
		Symbol:           "DOGEUSDT",
		EntryPrice:       decimal.NewFromFloat(0.100),
		Quantity:         decimal.NewFromInt(300),
		EntryTime:        f.clock,
		TPPrice:          decimal.NewFromFloat(0.103),
		SLPrice:          decimal.NewFromFloat(0.099),
		TimeoutAt:        f.clock.Add(15 * time.Minute),
		HighestPriceSeen: decimal.NewFromFloat(0.100),
		LowestPriceSeen:  decimal.NewFromFloat(0.100),
	}
	require.NoError(t, f.tracker.Open(pos))
	return pos
}

func (f *fixture) tick(price float64) {
	f.prices.OnTick("DOGEUSDT", decimal.NewFromFloat(price), f.clock)
	f.watchdog.Tick(context.Background())
}

func reasons(reqs []*core.ExitRequest) []core.ExitReason {
	out := make([]core.ExitReason, len(reqs))
	for i, r := range reqs {
		out[i] = r.Reason
	}
	return out
}

func TestWatchdogTPHit(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	f.tick(0.1031)
	require.Len(t, f.executor.requests, 1)
	assert.Equal(t, core.ExitTP, f.executor.requests[0].Reason)
	assert.EqualValues(t, 1, f.executor.requests[0].Attempt)
	assert.Equal(t, 0, f.tracker.Count())
}

func TestWatchdogSLHit(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	f.tick(0.0989)
	require.Len(t, f.executor.requests, 1)
	assert.Equal(t, core.ExitSL, f.executor.requests[0].Reason)
}

func TestWatchdogNoExitInBand(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	f.tick(0.1005)
	assert.Empty(t, f.executor.requests)
	assert.Equal(t, 1, f.tracker.Count())
}

func TestWatchdogPartialThenTrailing(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	// +1.6%: partial fires first and closes half
	f.tick(0.1016)
	require.Equal(t, []core.ExitReason{core.ExitPartialTP}, reasons(f.executor.requests))
	pos, ok := f.tracker.Get("p1")
	require.True(t, ok)
	assert.True(t, pos.PartialTaken)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(150)))
	assert.True(t, pos.TrailingArmed, "trailing armed above +1%")

	// price keeps running; high watermark follows
	f.clock = f.clock.Add(time.Second)
	f.tick(0.1025)
	pos, _ = f.tracker.Get("p1")
	assert.True(t, pos.HighestPriceSeen.Equal(decimal.NewFromFloat(0.1025)))

	// retreat 0.6% off the high breaches the 0.5% trail
	f.clock = f.clock.Add(time.Second)
	f.tick(0.1018)
	assert.Equal(t, []core.ExitReason{core.ExitPartialTP, core.ExitTrailing},
		reasons(f.executor.requests))
	assert.Equal(t, 0, f.tracker.Count())
}

func TestWatchdogTimeout(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	f.clock = f.clock.Add(16 * time.Minute)
	f.tick(0.1005)
	require.Len(t, f.executor.requests, 1)
	assert.Equal(t, core.ExitTimeout, f.executor.requests[0].Reason)
}

func TestWatchdogPanicStalePrice(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	f.prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), f.clock)
	f.clock = f.clock.Add(31 * time.Second)
	f.watchdog.Tick(context.Background())

	require.Len(t, f.executor.requests, 1)
	assert.Equal(t, core.ExitPanicStalePrice, f.executor.requests[0].Reason)
}

func TestWatchdogStaleWithinBudgetWaits(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	f.prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.1), f.clock)
	f.clock = f.clock.Add(15 * time.Second) // stale but under the 30s panic
	f.watchdog.Tick(context.Background())

	assert.Empty(t, f.executor.requests)
}

func TestWatchdogPanicAPISilent(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)
	f.exchange.FailPing(apperrors.ErrNetwork)

	// first failing tick starts the silence window, no panic yet
	f.tick(0.1005)
	assert.Empty(t, f.executor.requests)

	f.clock = f.clock.Add(61 * time.Second)
	f.tick(0.1005)
	require.Len(t, f.executor.requests, 1)
	assert.Equal(t, core.ExitPanicAPISilent, f.executor.requests[0].Reason)
}

func TestWatchdogAttemptsIncrement(t *testing.T) {
	f := newFixture(t)
	f.openPosition(t)

	// make closes fail so the position survives and retries
	failing := &recordingExecutor{tracker: f.tracker}
	f.watchdog.executor = &failingExecutor{inner: failing}

	f.tick(0.1031)
	f.clock = f.clock.Add(time.Second)
	f.tick(0.1031)

	require.Len(t, failing.requests, 2)
	assert.EqualValues(t, 1, failing.requests[0].Attempt)
	assert.EqualValues(t, 2, failing.requests[1].Attempt)
}

type failingExecutor struct{ inner *recordingExecutor }

func (f *failingExecutor) ExecuteEntry(context.Context, *core.Decision) error { return nil }
func (f *failingExecutor) ExecuteExit(ctx context.Context, req *core.ExitRequest) error {
	f.inner.requests = append(f.inner.requests, req)
	return apperrors.ErrNetwork
}
