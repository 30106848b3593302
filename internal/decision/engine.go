package decision

import (
	"context"
	"fmt"
	"time"

	"hope/internal/core"
	"hope/internal/risk"
	"hope/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// BTC is the market-wide reference for the acceleration precursor.
const (
	btcReferenceSymbol = "BTCUSDT"
	btcRefCandles      = 5
)

// Tier thresholds over instantaneous delta and blended confidence.
const (
	strongDeltaPct = 5.0
	strongConf     = 0.65
	mediumDeltaPct = 2.0
	mediumConf     = 0.50
	weakDeltaPct   = 0.5
	weakConf       = 0.35
)

// CandleSource supplies recent history for targets and technical scoring.
type CandleSource interface {
	Candles(ctx context.Context, symbol string, limit int) ([]*core.Candle, error)
}

// EngineConfig aggregates the chamber, target and sizing settings.
type EngineConfig struct {
	Alpha       AlphaConfig
	Targets     TargetsConfig
	Sizing      SizingConfig
	ATRCandles  int
	TimeoutSec  int
	MomentumSec int
	QuoteAsset  string
}

// Engine runs both chambers over one signal and journals the decision.
type Engine struct {
	cfg       EngineConfig
	alpha     *AlphaChamber
	chamber   *risk.Chamber
	breaker   core.ICircuitBreaker
	riskState core.IRiskState
	positions core.IPositionTracker
	prices    core.IPriceCache
	exchange  core.IExchange
	history   CandleSource
	events    core.IEventLog
	logger    core.ILogger
	now       func() time.Time
}

// NewEngine wires the decision engine.
func NewEngine(cfg EngineConfig, alpha *AlphaChamber, chamber *risk.Chamber,
	breaker core.ICircuitBreaker, riskState core.IRiskState, positions core.IPositionTracker,
	prices core.IPriceCache, exchange core.IExchange, history CandleSource,
	events core.IEventLog, logger core.ILogger) *Engine {
	return &Engine{
		cfg:       cfg,
		alpha:     alpha,
		chamber:   chamber,
		breaker:   breaker,
		riskState: riskState,
		positions: positions,
		prices:    prices,
		exchange:  exchange,
		history:   history,
		events:    events,
		logger:    logger.WithField("component", "decision_engine"),
		now:       time.Now,
	}
}

// Decide produces the journaled verdict for one admitted signal. A SKIP is a
// normal result, not an error; errors mean the engine could not evaluate.
func (e *Engine) Decide(ctx context.Context, signal *core.Signal) (*core.Decision, error) {
	d := &core.Decision{
		SchemaVersion: core.SchemaVersion,
		CorrelationID: signal.CorrelationID,
		Symbol:        signal.Symbol,
		Action:        core.ActionSkip,
		DecidedAt:     e.now().UTC(),
	}

	candles, err := e.history.Candles(ctx, signal.Symbol, e.cfg.ATRCandles)
	if err != nil {
		e.logger.Warn("Candle fetch failed, scoring without history",
			"symbol", signal.Symbol, "error", err)
		candles = nil
	}
	book, err := e.exchange.BookTop(ctx, signal.Symbol)
	if err != nil {
		e.logger.Warn("Book top fetch failed", "symbol", signal.Symbol, "error", err)
		book = nil
	}
	btcCandles, err := e.history.Candles(ctx, btcReferenceSymbol, btcRefCandles)
	if err != nil {
		e.logger.Debug("BTC reference fetch failed", "error", err)
		btcCandles = nil
	}

	score := e.alpha.Score(ctx, signal, candles, btcCandles, book)
	d.Confidence = score.Confidence
	d.AlphaScore = score.Confidence
	d.Tier = selectTier(signal, score.Confidence)

	if d.Tier == core.TierNoise {
		d.SkipReasons = append(d.SkipReasons, "tier_noise")
		return e.finish(ctx, d)
	}

	approved, reasons := e.chamber.Evaluate(signal)
	d.RiskApproved = approved
	d.RiskReasons = reasons
	if !approved {
		d.SkipReasons = append(d.SkipReasons, reasons...)
		return e.finish(ctx, d)
	}

	// from here on a HALF_OPEN probe slot may be held; every skip path must
	// hand it back
	skip := func(reason string) (*core.Decision, error) {
		e.breaker.ReleaseProbe()
		d.SkipReasons = append(d.SkipReasons, reason)
		return e.finish(ctx, d)
	}

	targets, err := ComputeTargets(e.cfg.Targets, d.Tier, candles)
	if err != nil {
		return skip("tp_above_max")
	}
	d.TPPct = targets.TPPct
	d.SLPct = targets.SLPct

	balance, err := e.quoteBalance(ctx)
	if err != nil {
		e.breaker.ReleaseProbe()
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	snap := e.riskState.Snapshot()
	size := ComputeSize(e.cfg.Sizing, balance, score.Confidence,
		snap.ConsecutiveLosses, snap.WinsSinceAdjust, e.positions.TotalNotional())
	if size.IsZero() {
		return skip("exposure_cap")
	}
	d.PositionSizeUSD = size

	price, _, stale := e.prices.Get(signal.Symbol)
	if stale {
		return skip("price_stale")
	}
	d.EntryPriceHint = price

	d.TimeoutSec = e.cfg.TimeoutSec
	if d.Tier == core.TierMomentum {
		d.TimeoutSec = e.cfg.MomentumSec
	}

	d.Action = core.ActionBuy
	return e.finish(ctx, d)
}

func (e *Engine) quoteBalance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := e.exchange.AccountBalances(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[e.cfg.QuoteAsset], nil
}

func (e *Engine) finish(ctx context.Context, d *core.Decision) (*core.Decision, error) {
	telemetry.GetGlobalMetrics().AddDecision(ctx, string(d.Action))
	if e.events != nil {
		event, err := core.NewEvent(core.EventDecision, d.CorrelationID, "decision_engine", e.now(), d)
		if err == nil {
			if err := e.events.Publish(ctx, event); err != nil {
				e.logger.Error("Decision publish failed", "error", err)
			}
		}
	}
	e.logger.Info("Decision",
		"symbol", d.Symbol, "action", string(d.Action), "tier", string(d.Tier),
		"confidence", d.Confidence, "size_usd", d.PositionSizeUSD.StringFixed(2),
		"correlation_id", d.CorrelationID)
	return d, nil
}

// selectTier maps delta and confidence to a tier. A 24h-momentum signal with
// a small instantaneous delta still trades through the MOMENTUM tier.
func selectTier(signal *core.Signal, confidence float64) core.SignalTier {
	delta := signal.DeltaPct
	switch {
	case delta >= strongDeltaPct && confidence >= strongConf:
		return core.TierStrong
	case delta >= mediumDeltaPct && confidence >= mediumConf:
		return core.TierMedium
	case signal.Strategy == core.StrategyMomentum24h && confidence >= weakConf:
		return core.TierMomentum
	case delta >= weakDeltaPct && confidence >= weakConf:
		return core.TierWeak
	}
	return core.TierNoise
}
