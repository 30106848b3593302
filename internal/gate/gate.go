// Package gate filters inbound signals through an ordered chain of guards
// before anything reaches the decision engine. The first failing guard wins;
// its name becomes the block reason in the journal.
package gate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"hope/internal/core"
	"hope/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Block reasons, one per guard.
const (
	ReasonSchemaInvalid  = "schema_invalid"
	ReasonExpired        = "signal_expired"
	ReasonLowLiquidity   = "low_liquidity"
	ReasonPriceDrift     = "price_drift"
	ReasonPriceStale     = "price_stale"
	ReasonSymbolPolicy   = "symbol_policy"
	ReasonCircuitNotOpen = "circuit_not_closed"
	ReasonRateLimited    = "rate_limited"
	ReasonSymbolPending  = "symbol_pending"
)

// Config tunes the guard thresholds.
type Config struct {
	TTL               time.Duration
	MinDailyVolumeUSD decimal.Decimal
	MaxPriceDriftPct  float64
	Blacklist         []string
	RatePerSec        float64
	RateBurst         int
}

// Gate runs the guard chain. One instance serves all inbound signals; the
// rate limiter and the pending set are shared across callers.
type Gate struct {
	cfg       Config
	prices    core.IPriceCache
	riskState core.IRiskState
	breaker   core.ICircuitBreaker
	allowed   core.IAllowList
	events    core.IEventLog
	exchange  core.IExchange
	logger    core.ILogger

	limiter   *rate.Limiter
	blacklist map[string]struct{}

	mu      sync.Mutex
	pending map[string]struct{}
	now     func() time.Time
}

// New builds the gate.
func New(cfg Config, prices core.IPriceCache, riskState core.IRiskState,
	breaker core.ICircuitBreaker, allowed core.IAllowList,
	exchange core.IExchange, events core.IEventLog, logger core.ILogger) *Gate {
	blacklist := make(map[string]struct{}, len(cfg.Blacklist))
	for _, s := range cfg.Blacklist {
		blacklist[strings.ToUpper(s)] = struct{}{}
	}
	return &Gate{
		cfg:       cfg,
		prices:    prices,
		riskState: riskState,
		breaker:   breaker,
		allowed:   allowed,
		events:    events,
		exchange:  exchange,
		logger:    logger.WithField("component", "gate"),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		blacklist: blacklist,
		pending:   make(map[string]struct{}),
		now:       time.Now,
	}
}

// Admit runs every guard in order and journals the verdict. A true result
// also marks the symbol pending; the caller must Release it once the signal
// leaves the decision pipeline.
func (g *Gate) Admit(ctx context.Context, signal *core.Signal) *core.GateResult {
	result := g.evaluate(ctx, signal)
	g.publish(ctx, signal, result)

	if result.OK {
		telemetry.GetGlobalMetrics().AddSignalIngested(ctx, signal.Source)
	} else {
		telemetry.GetGlobalMetrics().AddGateBlock(ctx, result.Reason)
		g.logger.Debug("Signal blocked",
			"symbol", signal.Symbol, "reason", result.Reason, "correlation_id", signal.CorrelationID)
	}
	return result
}

// Release clears the per-symbol pending slot taken by an admitted signal.
func (g *Gate) Release(symbol string) {
	g.mu.Lock()
	delete(g.pending, strings.ToUpper(symbol))
	g.mu.Unlock()
}

// SetClock overrides the time source; used in tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func (g *Gate) evaluate(ctx context.Context, signal *core.Signal) *core.GateResult {
	blocked := func(reason string, details map[string]string) *core.GateResult {
		return &core.GateResult{
			CorrelationID: signal.CorrelationID,
			Symbol:        signal.Symbol,
			OK:            false,
			Reason:        reason,
			Details:       details,
		}
	}

	// guard 1: schema
	if reason := validate(signal); reason != "" {
		return blocked(ReasonSchemaInvalid, map[string]string{"field": reason})
	}
	symbol := strings.ToUpper(signal.Symbol)

	// guard 2: freshness against the signal TTL
	age := g.now().Sub(signal.ProducedAt)
	if age > g.cfg.TTL {
		return blocked(ReasonExpired, map[string]string{"age": age.Round(time.Millisecond).String()})
	}

	// guard 3: liquidity
	if signal.DailyVolumeUSD.LessThan(g.cfg.MinDailyVolumeUSD) {
		return blocked(ReasonLowLiquidity, map[string]string{
			"daily_volume_usd": signal.DailyVolumeUSD.StringFixed(0),
		})
	}

	// guard 4: signal price against the live price
	livePrice, _, stale := g.prices.Get(symbol)
	if stale {
		return blocked(ReasonPriceStale, nil)
	}
	driftPct := signal.Price.Sub(livePrice).Div(livePrice).Mul(decimal.NewFromInt(100)).Abs()
	if driftPct.GreaterThan(decimal.NewFromFloat(g.cfg.MaxPriceDriftPct)) {
		return blocked(ReasonPriceDrift, map[string]string{
			"drift_pct": driftPct.StringFixed(3),
			"live":      livePrice.String(),
			"signal":    signal.Price.String(),
		})
	}

	// guard 5: symbol policy
	if reason := g.symbolPolicy(ctx, symbol); reason != "" {
		return blocked(ReasonSymbolPolicy, map[string]string{"policy": reason})
	}

	// guard 6: circuit state, non-consuming; the risk chamber takes the
	// HALF_OPEN probe slot later
	if g.breaker.State() == core.CircuitOpen {
		return blocked(ReasonCircuitNotOpen, nil)
	}

	// guard 7: throughput, global token bucket plus one in flight per symbol
	if !g.limiter.Allow() {
		return blocked(ReasonRateLimited, nil)
	}
	g.mu.Lock()
	if _, busy := g.pending[symbol]; busy {
		g.mu.Unlock()
		return blocked(ReasonSymbolPending, nil)
	}
	g.pending[symbol] = struct{}{}
	g.mu.Unlock()

	return &core.GateResult{CorrelationID: signal.CorrelationID, Symbol: symbol, OK: true}
}

func (g *Gate) symbolPolicy(ctx context.Context, symbol string) string {
	if _, ok := g.blacklist[symbol]; ok {
		return "blacklisted"
	}
	if g.allowed != nil {
		if ok, _ := g.allowed.IsAllowed(symbol); !ok {
			return "not_allowed"
		}
	}
	if g.riskState.InCooldown(symbol, g.now()) {
		return "cooldown"
	}
	if g.exchange != nil {
		info, err := g.exchange.SymbolInfo(ctx, symbol)
		if err != nil {
			return fmt.Sprintf("symbol_info_unavailable:%v", err)
		}
		if info.Delisted {
			return "delisted"
		}
	}
	return ""
}

func validate(signal *core.Signal) string {
	switch {
	case signal.SchemaVersion != core.SchemaVersion:
		return "schema_version"
	case signal.Symbol == "":
		return "symbol"
	case signal.CorrelationID == "":
		return "correlation_id"
	case signal.Strategy == "":
		return "strategy_tag"
	case signal.Price.LessThanOrEqual(decimal.Zero):
		return "price"
	case signal.ProducedAt.IsZero():
		return "produced_at"
	}
	return ""
}

func (g *Gate) publish(ctx context.Context, signal *core.Signal, result *core.GateResult) {
	if g.events == nil {
		return
	}
	e, err := core.NewEvent(core.EventGateResult, signal.CorrelationID, "gate", g.now(), result)
	if err != nil {
		g.logger.Error("Gate result marshal failed", "error", err)
		return
	}
	if err := g.events.Publish(ctx, e); err != nil {
		g.logger.Error("Gate result publish failed", "error", err)
	}
}
