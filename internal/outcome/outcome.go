// Package outcome finalizes closed trades: realized PnL, excursion stats,
// the WIN/LOSS label, and the feedback into risk state and circuit breaker.
package outcome

import (
	"context"
	"time"

	"hope/internal/core"
	"hope/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Config tunes labeling and the post-trade cooldown.
type Config struct {
	FlatBandUSD    float64 // |pnl| below this is FLAT
	SymbolCooldown time.Duration
}

// closePayload mirrors what the executor journals on position_close.
type closePayload struct {
	Position  *core.Position    `json:"position"`
	Exit      *core.ExitRequest `json:"exit"`
	ExitPrice decimal.Decimal   `json:"exit_price"`
	ClosedQty decimal.Decimal   `json:"closed_qty"`
	ClosedAt  time.Time         `json:"closed_at"`
}

// Tracker subscribes to position_close events. It is the sole writer of
// Outcome events and the sole driver of circuit breaker outcome feedback.
type Tracker struct {
	cfg       Config
	events    core.IEventLog
	riskState core.IRiskState
	breaker   core.ICircuitBreaker
	notifier  core.INotifier
	logger    core.ILogger

	unsubscribe func()
	now         func() time.Time
}

// NewTracker wires the outcome tracker; Start subscribes it.
func NewTracker(cfg Config, events core.IEventLog, riskState core.IRiskState,
	breaker core.ICircuitBreaker, notifier core.INotifier, logger core.ILogger) *Tracker {
	return &Tracker{
		cfg:       cfg,
		events:    events,
		riskState: riskState,
		breaker:   breaker,
		notifier:  notifier,
		logger:    logger.WithField("component", "outcome_tracker"),
		now:       time.Now,
	}
}

// Start subscribes to close events.
func (t *Tracker) Start() {
	t.unsubscribe = t.events.Subscribe(core.EventPositionClose, t.onClose)
}

// Stop unsubscribes.
func (t *Tracker) Stop() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

func (t *Tracker) onClose(event *core.Event) error {
	var payload closePayload
	if err := event.Decode(&payload); err != nil {
		return err
	}
	if payload.Position == nil || payload.Exit == nil {
		t.logger.Error("Close event missing position or exit", "event_id", event.EventID)
		return nil
	}

	outcome := t.Finalize(&payload)

	if err := t.riskState.ApplyOutcome(outcome); err != nil {
		t.logger.Error("Applying outcome to risk state failed", "error", err)
	}
	t.breaker.RecordOutcome(outcome.Label)
	if t.cfg.SymbolCooldown > 0 {
		until := t.now().Add(t.cfg.SymbolCooldown)
		if err := t.riskState.StartCooldown(outcome.Symbol, until); err != nil {
			t.logger.Error("Starting symbol cooldown failed", "error", err)
		}
	}

	telemetry.GetGlobalMetrics().AddRealizedPnL(context.Background(), outcome.PnLUSD.InexactFloat64())
	t.publish(outcome)
	t.notify(outcome)
	return nil
}

// Finalize computes the outcome record from the close payload. MFE/MAE come
// from the watchdog's persisted watermarks.
func (t *Tracker) Finalize(payload *closePayload) *core.Outcome {
	pos := payload.Position
	qty := payload.ClosedQty
	if qty.IsZero() {
		qty = pos.Quantity
	}
	closedAt := payload.ClosedAt
	if closedAt.IsZero() {
		closedAt = t.now().UTC()
	}

	pnlUSD := payload.ExitPrice.Sub(pos.EntryPrice).Mul(qty)
	pnlPct := 0.0
	if pos.EntryPrice.IsPositive() {
		pnlPct = payload.ExitPrice.Sub(pos.EntryPrice).
			Div(pos.EntryPrice).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}

	outcome := &core.Outcome{
		SchemaVersion: core.SchemaVersion,
		PositionID:    pos.ID,
		CorrelationID: pos.CorrelationID,
		Symbol:        pos.Symbol,
		EntryPrice:    pos.EntryPrice,
		ExitPrice:     payload.ExitPrice,
		Quantity:      qty,
		PnLUSD:        pnlUSD,
		PnLPct:        pnlPct,
		MFEPct:        maxFloat(excursionPct(pos.EntryPrice, pos.HighestPriceSeen), 0),
		MAEPct:        minFloat(excursionPct(pos.EntryPrice, pos.LowestPriceSeen), 0),
		DurationSec:   int64(closedAt.Sub(pos.EntryTime).Seconds()),
		ExitReason:    payload.Exit.Reason,
		Label:         t.label(pnlUSD),
		ClosedAt:      closedAt,
	}
	return outcome
}

func (t *Tracker) label(pnlUSD decimal.Decimal) core.OutcomeLabel {
	band := decimal.NewFromFloat(t.cfg.FlatBandUSD)
	switch {
	case pnlUSD.GreaterThan(band):
		return core.LabelWin
	case pnlUSD.LessThan(band.Neg()):
		return core.LabelLoss
	}
	return core.LabelFlat
}

// excursionPct is the percent move from entry to the watermark. MFE clamps
// it at or above zero, MAE at or below.
func excursionPct(entry, watermark decimal.Decimal) float64 {
	if !entry.IsPositive() || watermark.IsZero() {
		return 0
	}
	return watermark.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func (t *Tracker) publish(outcome *core.Outcome) {
	event, err := core.NewEvent(core.EventOutcome, outcome.CorrelationID, "outcome_tracker", t.now(), outcome)
	if err != nil {
		t.logger.Error("Outcome marshal failed", "error", err)
		return
	}
	if err := t.events.Publish(context.Background(), event); err != nil {
		t.logger.Error("Outcome publish failed", "error", err)
	}
	t.logger.Info("Trade finalized",
		"symbol", outcome.Symbol, "label", string(outcome.Label),
		"pnl_usd", outcome.PnLUSD.StringFixed(2), "reason", string(outcome.ExitReason),
		"duration_sec", outcome.DurationSec, "correlation_id", outcome.CorrelationID)
}

func (t *Tracker) notify(outcome *core.Outcome) {
	if t.notifier == nil {
		return
	}
	level := "info"
	if outcome.Label == core.LabelLoss {
		level = "warning"
	}
	t.notifier.Notify(context.Background(), level,
		outcome.Symbol+" "+string(outcome.Label)+" "+outcome.PnLUSD.StringFixed(2)+" USD ("+string(outcome.ExitReason)+")")
}
