package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hope/internal/core"
	"hope/pkg/telemetry"
)

// BreakerConfig tunes the trip thresholds and cooldown schedule. A zero
// MaxDailyTrades disables the daily trade cap.
type BreakerConfig struct {
	MaxConsecutiveLosses int
	MaxDailyLossUSD      float64
	MaxDailyTrades       int
	Cooldown             time.Duration
	CooldownCap          time.Duration
}

// CircuitBreaker is the CLOSED / OPEN / HALF_OPEN machine over the risk
// state. Trading halts while OPEN; after the cooldown a single probe trade
// is allowed through HALF_OPEN. A winning probe closes the breaker, a losing
// probe re-opens it with a doubled cooldown.
type CircuitBreaker struct {
	cfg      BreakerConfig
	state    core.IRiskState
	events   core.IEventLog
	notifier core.INotifier
	logger   core.ILogger

	mu            sync.Mutex
	position      core.CircuitState
	trippedAt     time.Time
	cooldown      time.Duration
	probeInFlight bool
	lastReason    string
	now           func() time.Time
}

// NewCircuitBreaker starts CLOSED with the base cooldown.
func NewCircuitBreaker(cfg BreakerConfig, state core.IRiskState, events core.IEventLog, notifier core.INotifier, logger core.ILogger) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:      cfg,
		state:    state,
		events:   events,
		notifier: notifier,
		logger:   logger.WithField("component", "circuit_breaker"),
		position: core.CircuitClosed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// State returns the current position, promoting OPEN to HALF_OPEN once the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() core.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.syncLocked()
	return cb.position
}

// AllowEntry reports whether a new entry may proceed right now. In HALF_OPEN
// it consumes the single probe slot, so at most one trade runs concurrently
// until its outcome lands.
func (cb *CircuitBreaker) AllowEntry() (bool, string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.syncLocked()

	switch cb.position {
	case core.CircuitClosed:
		return true, ""
	case core.CircuitOpen:
		remaining := cb.cooldown - cb.now().Sub(cb.trippedAt)
		return false, fmt.Sprintf("circuit_open (%s remaining)", remaining.Round(time.Second))
	case core.CircuitHalfOpen:
		if cb.probeInFlight {
			return false, "half_open_probe_in_flight"
		}
		cb.probeInFlight = true
		return true, ""
	}
	return false, "circuit_unknown_state"
}

// ReleaseProbe returns the HALF_OPEN probe slot without an outcome. Called
// when an approved entry is vetoed downstream or fails to open.
func (cb *CircuitBreaker) ReleaseProbe() {
	cb.mu.Lock()
	cb.probeInFlight = false
	cb.mu.Unlock()
}

// RecordOutcome feeds a finished trade back into the machine. This is the
// only path that closes the breaker automatically.
func (cb *CircuitBreaker) RecordOutcome(label core.OutcomeLabel) {
	cb.mu.Lock()
	cb.syncLocked()

	if cb.position == core.CircuitHalfOpen && cb.probeInFlight {
		cb.probeInFlight = false
		switch label {
		case core.LabelLoss:
			cb.cooldown = minDuration(cb.cooldown*2, cb.cfg.CooldownCap)
			cb.transitionLocked(core.CircuitOpen, "half_open_probe_lost")
		default:
			cb.cooldown = cb.cfg.Cooldown
			cb.transitionLocked(core.CircuitClosed, "half_open_probe_won")
		}
		cb.mu.Unlock()
		return
	}

	if cb.position == core.CircuitClosed && label == core.LabelLoss {
		snap := cb.state.Snapshot()
		switch {
		case snap.ConsecutiveLosses >= cb.cfg.MaxConsecutiveLosses:
			cb.transitionLocked(core.CircuitOpen,
				fmt.Sprintf("consecutive_losses=%d", snap.ConsecutiveLosses))
		case snap.DailyPnLUSD.InexactFloat64() <= -cb.cfg.MaxDailyLossUSD:
			cb.transitionLocked(core.CircuitOpen,
				fmt.Sprintf("daily_loss_usd=%s", snap.DailyPnLUSD.StringFixed(2)))
		}
	}
	cb.mu.Unlock()
}

// Trip forces the breaker open, e.g. on a reconcile mismatch.
func (cb *CircuitBreaker) Trip(reason string) {
	cb.mu.Lock()
	if cb.position != core.CircuitOpen {
		cb.transitionLocked(core.CircuitOpen, reason)
	}
	cb.mu.Unlock()
}

// Reset is the operator override back to CLOSED. It also restores the base
// cooldown.
func (cb *CircuitBreaker) Reset(operator string) {
	cb.mu.Lock()
	cb.cooldown = cb.cfg.Cooldown
	cb.probeInFlight = false
	if cb.position != core.CircuitClosed {
		cb.transitionLocked(core.CircuitClosed, "operator_reset:"+operator)
	}
	cb.mu.Unlock()
}

// LastReason returns the reason of the most recent transition.
func (cb *CircuitBreaker) LastReason() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastReason
}

// SetClock overrides the time source; used in tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// syncLocked moves OPEN to HALF_OPEN once the cooldown elapsed, then trips on
// the standing conditions the risk state carries: an engaged kill switch and
// the daily trade cap both force OPEN regardless of outcomes.
func (cb *CircuitBreaker) syncLocked() {
	if cb.position == core.CircuitOpen && cb.now().Sub(cb.trippedAt) >= cb.cooldown {
		cb.transitionLocked(core.CircuitHalfOpen, "cooldown_elapsed")
	}
	if cb.position == core.CircuitOpen {
		return
	}
	if ks := cb.state.KillSwitch(); ks != KillSwitchOff {
		cb.transitionLocked(core.CircuitOpen, "kill_switch:"+ks)
		return
	}
	if cb.cfg.MaxDailyTrades > 0 {
		if snap := cb.state.Snapshot(); snap.DailyTradeCount >= cb.cfg.MaxDailyTrades {
			cb.transitionLocked(core.CircuitOpen,
				fmt.Sprintf("daily_trade_cap=%d", snap.DailyTradeCount))
		}
	}
}

func (cb *CircuitBreaker) transitionLocked(to core.CircuitState, reason string) {
	from := cb.position
	cb.position = to
	cb.lastReason = reason
	if to == core.CircuitOpen {
		cb.trippedAt = cb.now()
		cb.probeInFlight = false
	}

	telemetry.GetGlobalMetrics().SetCircuitBreakerOpen(to != core.CircuitClosed)
	cb.logger.Warn("Circuit breaker transition",
		"from", string(from), "to", string(to), "reason", reason)

	if cb.events != nil {
		payload := map[string]any{
			"from":         string(from),
			"to":           string(to),
			"reason":       reason,
			"cooldown_sec": int(cb.cooldown.Seconds()),
		}
		if e, err := core.NewEvent(core.EventCircuit, "", "circuit_breaker", cb.now(), payload); err == nil {
			if err := cb.events.Publish(context.Background(), e); err != nil {
				cb.logger.Error("Circuit event publish failed", "error", err)
			}
		}
	}

	if cb.notifier != nil && to == core.CircuitOpen {
		cb.notifier.Notify(context.Background(), "critical",
			fmt.Sprintf("Circuit breaker OPEN: %s (cooldown %s)", reason, cb.cooldown))
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

var _ core.ICircuitBreaker = (*CircuitBreaker)(nil)
