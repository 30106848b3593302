package outcome

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hope/internal/core"
	"hope/internal/eventlog"
	"hope/internal/risk"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tracker *Tracker
	events  *eventlog.EventLog
	state   *risk.State
	breaker *risk.CircuitBreaker

	mu       sync.Mutex
	outcomes []*core.Outcome
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events, err := eventlog.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	state, err := risk.NewState(filepath.Join(t.TempDir(), "risk.json"), logging.NewNop())
	require.NoError(t, err)
	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		MaxConsecutiveLosses: 2,
		MaxDailyLossUSD:      15,
		Cooldown:             5 * time.Minute,
		CooldownCap:          time.Hour,
	}, state, events, nil, logging.NewNop())

	f := &fixture{events: events, state: state, breaker: breaker}
	f.tracker = NewTracker(Config{
		FlatBandUSD:    0.01,
		SymbolCooldown: 10 * time.Minute,
	}, events, state, breaker, nil, logging.NewNop())
	f.tracker.Start()
	t.Cleanup(f.tracker.Stop)

	events.Subscribe(core.EventOutcome, func(e *core.Event) error {
		var o core.Outcome
		if err := e.Decode(&o); err != nil {
			return err
		}
		f.mu.Lock()
		f.outcomes = append(f.outcomes, &o)
		f.mu.Unlock()
		return nil
	})
	return f
}

func (f *fixture) publishClose(t *testing.T, entry, exit float64, qty int64, reason core.ExitReason) {
	t.Helper()
	opened := time.Now().Add(-10 * time.Minute).UTC()
	payload := &closePayload{
		Position: &core.Position{
			SchemaVersion:    core.SchemaVersion,
			ID:               "p1",
			CorrelationID:    "corr-1",
			Symbol:           "DOGEUSDT",
			EntryPrice:       decimal.NewFromFloat(entry),
			Quantity:         decimal.NewFromInt(qty),
			EntryTime:        opened,
			HighestPriceSeen: decimal.NewFromFloat(entry * 1.02),
			LowestPriceSeen:  decimal.NewFromFloat(entry * 0.995),
		},
		Exit: &core.ExitRequest{
			PositionID: "p1", CorrelationID: "corr-1",
			Symbol: "DOGEUSDT", Reason: reason,
		},
		ExitPrice: decimal.NewFromFloat(exit),
		ClosedQty: decimal.NewFromInt(qty),
		ClosedAt:  opened.Add(10 * time.Minute),
	}
	event, err := core.NewEvent(core.EventPositionClose, "corr-1", "test", time.Now(), payload)
	require.NoError(t, err)
	require.NoError(t, f.events.Publish(context.Background(), event))
}

func (f *fixture) lastOutcome(t *testing.T) *core.Outcome {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.outcomes)
	return f.outcomes[len(f.outcomes)-1]
}

func TestWinOutcome(t *testing.T) {
	f := newFixture(t)

	f.publishClose(t, 0.100, 0.103, 300, core.ExitTP)

	o := f.lastOutcome(t)
	assert.Equal(t, core.LabelWin, o.Label)
	assert.True(t, o.PnLUSD.Equal(decimal.NewFromFloat(0.9)), "pnl %s", o.PnLUSD)
	assert.InDelta(t, 3.0, o.PnLPct, 1e-9)
	assert.InDelta(t, 2.0, o.MFEPct, 1e-9)
	assert.InDelta(t, -0.5, o.MAEPct, 1e-9)
	assert.EqualValues(t, 600, o.DurationSec)
	assert.Equal(t, core.ExitTP, o.ExitReason)

	snap := f.state.Snapshot()
	assert.Equal(t, 0, snap.ConsecutiveLosses)
	assert.True(t, snap.DailyPnLUSD.Equal(decimal.NewFromFloat(0.9)))
}

func TestLossOutcomeFeedsBreaker(t *testing.T) {
	f := newFixture(t)

	f.publishClose(t, 0.100, 0.099, 300, core.ExitSL)
	assert.Equal(t, core.LabelLoss, f.lastOutcome(t).Label)
	assert.Equal(t, 1, f.state.Snapshot().ConsecutiveLosses)
	assert.Equal(t, core.CircuitClosed, f.breaker.State())

	// second consecutive loss trips the 2-loss breaker
	f.publishClose(t, 0.100, 0.099, 300, core.ExitSL)
	assert.Equal(t, 2, f.state.Snapshot().ConsecutiveLosses)
	assert.Equal(t, core.CircuitOpen, f.breaker.State())
}

func TestFlatOutcomeInsideBand(t *testing.T) {
	f := newFixture(t)

	// 300 * 0.00001 = 0.003 USD, inside the 0.01 flat band
	f.publishClose(t, 0.10000, 0.10001, 300, core.ExitTimeout)

	o := f.lastOutcome(t)
	assert.Equal(t, core.LabelFlat, o.Label)
	assert.Equal(t, 0, f.state.Snapshot().ConsecutiveLosses)
	assert.Equal(t, core.CircuitClosed, f.breaker.State())
}

func TestCooldownStartedForSymbol(t *testing.T) {
	f := newFixture(t)

	f.publishClose(t, 0.100, 0.099, 300, core.ExitSL)

	assert.True(t, f.state.InCooldown("DOGEUSDT", time.Now()))
	assert.False(t, f.state.InCooldown("DOGEUSDT", time.Now().Add(11*time.Minute)))
}
