package risk

import (
	"fmt"
	"strings"
	"time"

	"hope/internal/core"

	"github.com/shopspring/decimal"
)

// ChamberConfig holds the veto thresholds.
type ChamberConfig struct {
	MaxOpenPositions int
	MaxDailyTrades   int
	MaxDailyLossUSD  float64
	PriceStaleAfter  time.Duration
	AdverseList      []string
}

// Chamber is the veto side of the decision engine. It never scores a signal;
// it only collects reasons to refuse one. An empty reason list means the
// entry is approved.
type Chamber struct {
	cfg       ChamberConfig
	allowlist core.IAllowList
	riskState core.IRiskState
	breaker   core.ICircuitBreaker
	positions core.IPositionTracker
	prices    core.IPriceCache

	adverse map[string]struct{}
	now     func() time.Time
}

// NewChamber wires the veto chamber to its data sources.
func NewChamber(cfg ChamberConfig, allowlist core.IAllowList, riskState core.IRiskState,
	breaker core.ICircuitBreaker, positions core.IPositionTracker, prices core.IPriceCache) *Chamber {
	adverse := make(map[string]struct{}, len(cfg.AdverseList))
	for _, s := range cfg.AdverseList {
		adverse[strings.ToUpper(s)] = struct{}{}
	}
	return &Chamber{
		cfg:       cfg,
		allowlist: allowlist,
		riskState: riskState,
		breaker:   breaker,
		positions: positions,
		prices:    prices,
		adverse:   adverse,
		now:       time.Now,
	}
}

// Evaluate runs every veto check and returns the full reason list. All checks
// run even after the first failure so the decision event records everything
// that was wrong.
func (c *Chamber) Evaluate(signal *core.Signal) (bool, []string) {
	var reasons []string
	now := c.now()

	if ks := c.riskState.KillSwitch(); ks != KillSwitchOff {
		reasons = append(reasons, "kill_switch:"+ks)
	}

	probeGranted := false
	if ok, reason := c.breaker.AllowEntry(); !ok {
		reasons = append(reasons, reason)
	} else {
		probeGranted = true
	}

	if allowed, _ := c.allowlist.IsAllowed(signal.Symbol); !allowed {
		reasons = append(reasons, "symbol_not_allowed")
	}

	if _, ok := c.adverse[strings.ToUpper(signal.Symbol)]; ok {
		reasons = append(reasons, "adverse_announcement")
	}

	if c.positions.Count() >= c.cfg.MaxOpenPositions {
		reasons = append(reasons, fmt.Sprintf("max_open_positions:%d", c.cfg.MaxOpenPositions))
	}
	if _, open := c.positions.GetBySymbol(signal.Symbol); open {
		reasons = append(reasons, "position_already_open")
	}

	snap := c.riskState.Snapshot()
	if snap.DailyTradeCount >= c.cfg.MaxDailyTrades {
		reasons = append(reasons, fmt.Sprintf("max_daily_trades:%d", c.cfg.MaxDailyTrades))
	}
	if snap.DailyPnLUSD.LessThanOrEqual(decimal.NewFromFloat(-c.cfg.MaxDailyLossUSD)) {
		reasons = append(reasons, fmt.Sprintf("daily_loss_limit:%s", snap.DailyPnLUSD.StringFixed(2)))
	}

	if c.riskState.InCooldown(signal.Symbol, now) {
		reasons = append(reasons, "symbol_cooldown")
	}

	if _, _, stale := c.prices.Get(signal.Symbol); stale {
		reasons = append(reasons, "price_stale")
	}

	if len(reasons) > 0 {
		if probeGranted {
			c.breaker.ReleaseProbe()
		}
		return false, reasons
	}
	return true, nil
}

// SetClock overrides the time source; used in tests.
func (c *Chamber) SetClock(now func() time.Time) {
	c.now = now
}
