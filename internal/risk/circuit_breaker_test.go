package risk

import (
	"path/filepath"
	"testing"
	"time"

	"hope/internal/core"
	"hope/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T) (*CircuitBreaker, *State) {
	t.Helper()
	state, err := NewState(filepath.Join(t.TempDir(), "risk.json"), logging.NewNop())
	require.NoError(t, err)
	cfg := BreakerConfig{
		MaxConsecutiveLosses: 3,
		MaxDailyLossUSD:      15,
		Cooldown:             5 * time.Minute,
		CooldownCap:          time.Hour,
	}
	return NewCircuitBreaker(cfg, state, nil, nil, logging.NewNop()), state
}

func TestBreakerTripsOnConsecutiveLosses(t *testing.T) {
	cb, state := newTestBreaker(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, state.ApplyOutcome(outcome(core.LabelLoss, -1)))
		cb.RecordOutcome(core.LabelLoss)
	}
	assert.Equal(t, core.CircuitOpen, cb.State())

	ok, reason := cb.AllowEntry()
	assert.False(t, ok)
	assert.Contains(t, reason, "circuit_open")
}

func TestBreakerTripsOnDailyLossFloor(t *testing.T) {
	cb, state := newTestBreaker(t)

	require.NoError(t, state.ApplyOutcome(outcome(core.LabelLoss, -16)))
	cb.RecordOutcome(core.LabelLoss)
	assert.Equal(t, core.CircuitOpen, cb.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb, state := newTestBreaker(t)
	base := time.Now()
	clock := base
	cb.SetClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		require.NoError(t, state.ApplyOutcome(outcome(core.LabelLoss, -1)))
		cb.RecordOutcome(core.LabelLoss)
	}
	require.Equal(t, core.CircuitOpen, cb.State())

	clock = base.Add(5*time.Minute + time.Second)
	assert.Equal(t, core.CircuitHalfOpen, cb.State())

	ok, _ := cb.AllowEntry()
	assert.True(t, ok, "first probe admitted")

	ok, reason := cb.AllowEntry()
	assert.False(t, ok, "second concurrent probe refused")
	assert.Equal(t, "half_open_probe_in_flight", reason)

	cb.RecordOutcome(core.LabelWin)
	assert.Equal(t, core.CircuitClosed, cb.State())
	ok, _ = cb.AllowEntry()
	assert.True(t, ok)
}

func TestBreakerCooldownDoublesOnFailedProbe(t *testing.T) {
	cb, state := newTestBreaker(t)
	base := time.Now()
	clock := base
	cb.SetClock(func() time.Time { return clock })

	for i := 0; i < 3; i++ {
		require.NoError(t, state.ApplyOutcome(outcome(core.LabelLoss, -1)))
		cb.RecordOutcome(core.LabelLoss)
	}

	clock = base.Add(5*time.Minute + time.Second)
	ok, _ := cb.AllowEntry()
	require.True(t, ok)
	cb.RecordOutcome(core.LabelLoss)
	assert.Equal(t, core.CircuitOpen, cb.State())

	// 5 more minutes is not enough for the doubled 10 minute cooldown
	clock = clock.Add(5 * time.Minute)
	assert.Equal(t, core.CircuitOpen, cb.State())

	clock = clock.Add(5*time.Minute + time.Second)
	assert.Equal(t, core.CircuitHalfOpen, cb.State())
}

func TestBreakerOpensOnKillSwitch(t *testing.T) {
	cb, state := newTestBreaker(t)
	require.NoError(t, state.SetKillSwitch("operator"))

	assert.Equal(t, core.CircuitOpen, cb.State())
	assert.Contains(t, cb.LastReason(), "kill_switch")
	ok, _ := cb.AllowEntry()
	assert.False(t, ok)

	// disengaging alone does not close the breaker; the operator reset does
	require.NoError(t, state.SetKillSwitch(KillSwitchOff))
	cb.Reset("ops")
	assert.Equal(t, core.CircuitClosed, cb.State())
}

func TestBreakerOpensOnDailyTradeCap(t *testing.T) {
	state, err := NewState(filepath.Join(t.TempDir(), "risk.json"), logging.NewNop())
	require.NoError(t, err)
	cb := NewCircuitBreaker(BreakerConfig{
		MaxConsecutiveLosses: 3,
		MaxDailyLossUSD:      15,
		MaxDailyTrades:       2,
		Cooldown:             5 * time.Minute,
		CooldownCap:          time.Hour,
	}, state, nil, nil, logging.NewNop())

	require.NoError(t, state.RecordEntry("DOGEUSDT"))
	assert.Equal(t, core.CircuitClosed, cb.State())

	require.NoError(t, state.RecordEntry("SHIBUSDT"))
	assert.Equal(t, core.CircuitOpen, cb.State())
	assert.Contains(t, cb.LastReason(), "daily_trade_cap")
}

func TestBreakerOperatorReset(t *testing.T) {
	cb, _ := newTestBreaker(t)

	cb.Trip("reconcile_mismatch")
	assert.Equal(t, core.CircuitOpen, cb.State())

	cb.Reset("ops")
	assert.Equal(t, core.CircuitClosed, cb.State())
	ok, _ := cb.AllowEntry()
	assert.True(t, ok)
}
