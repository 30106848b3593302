// Package executor turns BUY decisions into exchange orders and exit
// requests into close orders. All submissions carry deterministic client
// order IDs so a retry can never create a second order.
package executor

import (
	"context"
	"fmt"
	"time"

	"hope/internal/core"
	"hope/pkg/concurrency"
	apperrors "hope/pkg/errors"
	"hope/pkg/ident"
	"hope/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"
)

// Config bounds execution behavior.
type Config struct {
	PoolSize     int
	PoolCapacity int
	IOCWindow    time.Duration
	MaxCrossPct  float64
	RetryBase    time.Duration
	RetryCap     time.Duration
	RetryMax     int
}

// Executor is safe for concurrent use. Entries are admitted through a
// bounded worker pool; a full pool refuses with ErrExecutorBusy rather than
// queueing unboundedly.
type Executor struct {
	cfg       Config
	exchange  core.IExchange
	positions core.IPositionTracker
	riskState core.IRiskState
	breaker   core.ICircuitBreaker
	events    core.IEventLog
	logger    core.ILogger

	pool  *concurrency.WorkerPool
	retry retrypolicy.RetryPolicy[*core.Order]
	now   func() time.Time
}

// New wires the executor and its worker pool.
func New(cfg Config, exchange core.IExchange, positions core.IPositionTracker,
	riskState core.IRiskState, breaker core.ICircuitBreaker,
	events core.IEventLog, logger core.ILogger) *Executor {
	e := &Executor{
		cfg:       cfg,
		exchange:  exchange,
		positions: positions,
		riskState: riskState,
		breaker:   breaker,
		events:    events,
		logger:    logger.WithField("component", "executor"),
		now:       time.Now,
	}
	e.pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "executor",
		MaxWorkers:  cfg.PoolSize,
		MaxCapacity: cfg.PoolCapacity,
		NonBlocking: true,
	}, logger)
	e.retry = retrypolicy.NewBuilder[*core.Order]().
		HandleIf(func(_ *core.Order, err error) bool { return apperrors.Retryable(err) }).
		WithBackoff(cfg.RetryBase, cfg.RetryCap).
		WithMaxAttempts(cfg.RetryMax).
		Build()
	return e
}

// EnqueueEntry hands a BUY decision to the worker pool. done runs after the
// attempt finishes, whether or not a position opened.
func (e *Executor) EnqueueEntry(ctx context.Context, d *core.Decision, done func()) error {
	err := e.pool.Submit(func() {
		defer done()
		if err := e.ExecuteEntry(ctx, d); err != nil {
			e.logger.Error("Entry execution failed",
				"symbol", d.Symbol, "correlation_id", d.CorrelationID, "error", err)
		}
	})
	if err != nil {
		done()
		return fmt.Errorf("%w: %v", apperrors.ErrExecutorBusy, err)
	}
	return nil
}

// Stop drains the worker pool.
func (e *Executor) Stop() {
	e.pool.Stop()
}

// ExecuteEntry runs the full entry sequence: IOC limit at the top of book,
// MARKET fallback when the limit does not cross, then the protective OCO.
func (e *Executor) ExecuteEntry(ctx context.Context, d *core.Decision) error {
	corr := d.CorrelationID

	info, err := e.exchange.SymbolInfo(ctx, d.Symbol)
	if err != nil {
		e.entryFailed(ctx, d, fmt.Sprintf("symbol_info: %v", err))
		return err
	}
	book, err := e.exchange.BookTop(ctx, d.Symbol)
	if err != nil {
		e.entryFailed(ctx, d, fmt.Sprintf("book_top: %v", err))
		return err
	}

	// price protection: never pay more than the hint plus the cross budget
	maxPrice := d.EntryPriceHint.Mul(
		decimal.NewFromFloat(1 + e.cfg.MaxCrossPct/100))
	limitPrice := book.BidPx.Add(info.TickSize)
	if limitPrice.GreaterThan(maxPrice) {
		e.entryFailed(ctx, d, "max_cross_exceeded")
		return nil
	}

	qty := roundDownToStep(d.PositionSizeUSD.Div(limitPrice), info.StepSize)
	if qty.Mul(limitPrice).LessThan(info.MinNotional) {
		e.entryFailed(ctx, d, "notional_below_min")
		return nil
	}

	entry, err := e.submitEntry(ctx, d, limitPrice, maxPrice, qty, info)
	if err != nil {
		e.entryFailed(ctx, d, fmt.Sprintf("entry_rejected: %v", err))
		return err
	}
	if entry == nil || entry.ExecutedQty.IsZero() {
		e.entryFailed(ctx, d, "no_fill")
		return nil
	}

	filledQty := entry.ExecutedQty
	avgPrice := entry.AvgFillPrice
	e.journalOrder(ctx, corr, entry)
	e.journalFill(ctx, corr, entry)
	telemetry.GetGlobalMetrics().AddOrderFilled(ctx, d.Symbol)

	tpPrice := roundToTick(avgPrice.Mul(pctMult(d.TPPct)), info.TickSize)
	slStop := roundToTick(avgPrice.Mul(pctMult(-d.SLPct)), info.TickSize)
	slLimit := roundToTick(slStop.Mul(decimal.NewFromFloat(0.999)), info.TickSize)

	oco, err := e.placeOCO(ctx, d, filledQty, tpPrice, slStop, slLimit, info)
	if err != nil {
		// position exists on the exchange but is unprotected; keep it so the
		// watchdog supervises, and alarm loudly
		e.logger.Error("OCO placement failed, position unprotected",
			"symbol", d.Symbol, "correlation_id", corr, "error", err)
	}

	pos := &core.Position{
		SchemaVersion:    core.SchemaVersion,
		ID:               ident.PositionID(corr),
		CorrelationID:    corr,
		Symbol:           d.Symbol,
		EntryPrice:       avgPrice,
		Quantity:         filledQty,
		EntryTime:        e.now().UTC(),
		TPPrice:          tpPrice,
		SLPrice:          slStop,
		TimeoutAt:        e.now().UTC().Add(time.Duration(d.TimeoutSec) * time.Second),
		HighestPriceSeen: avgPrice,
		LowestPriceSeen:  avgPrice,
	}
	if entry.ExchangeID != 0 {
		pos.ExchangeOrderIDs = append(pos.ExchangeOrderIDs, entry.ExchangeID)
	}
	if oco != nil {
		pos.ExchangeOrderIDs = append(pos.ExchangeOrderIDs, oco.OrderIDs...)
	}
	if err := e.positions.Open(pos); err != nil {
		// no tracked position means no outcome will ever reach the breaker;
		// hand the probe slot back before surfacing the error
		e.breaker.ReleaseProbe()
		return fmt.Errorf("track position: %w", err)
	}
	if err := e.riskState.RecordEntry(d.Symbol); err != nil {
		e.logger.Error("Recording entry failed", "error", err)
	}
	e.publish(ctx, core.EventPositionOpen, corr, pos)
	telemetry.GetGlobalMetrics().SetOpenPositions(e.positions.Count())

	e.logger.Info("Position opened",
		"symbol", d.Symbol, "qty", filledQty.String(), "entry", avgPrice.String(),
		"tp", tpPrice.String(), "sl", slStop.String(), "correlation_id", corr)
	return nil
}

// submitEntry tries the IOC limit first and falls back to MARKET inside the
// IOC window. Returns the order carrying the executed quantity, or nil when
// nothing filled.
func (e *Executor) submitEntry(ctx context.Context, d *core.Decision,
	limitPrice, maxPrice, qty decimal.Decimal, info *core.SymbolInfo) (*core.Order, error) {

	deadline := e.now().Add(e.cfg.IOCWindow)

	order, err := e.submit(ctx, &core.OrderRequest{
		Symbol:        d.Symbol,
		Side:          core.SideBuy,
		Type:          core.TypeLimit,
		TimeInForce:   core.TIFIOC,
		Quantity:      qty,
		Price:         limitPrice,
		ClientOrderID: ident.EntryOrderID(d.CorrelationID),
	})
	if err != nil {
		return nil, err
	}
	if order.ExecutedQty.IsPositive() {
		// partial IOC fill after the window is accepted as the position
		return order, nil
	}
	if e.now().After(deadline) {
		return nil, nil
	}

	// limit did not cross; fall back to MARKET unless the book ran away
	book, err := e.exchange.BookTop(ctx, d.Symbol)
	if err != nil {
		return nil, err
	}
	if book.AskPx.GreaterThan(maxPrice) {
		return nil, nil
	}
	marketQty := roundDownToStep(d.PositionSizeUSD.Div(book.AskPx), info.StepSize)
	if marketQty.Mul(book.AskPx).LessThan(info.MinNotional) {
		return nil, nil
	}
	return e.submit(ctx, &core.OrderRequest{
		Symbol:        d.Symbol,
		Side:          core.SideBuy,
		Type:          core.TypeMarket,
		Quantity:      marketQty,
		ClientOrderID: ident.EntryOrderID(d.CorrelationID) + "-m",
	})
}

// placeOCO submits the protective pair, re-deriving the quantity from the
// exchange's view when the first attempt is rejected as oversized.
func (e *Executor) placeOCO(ctx context.Context, d *core.Decision,
	qty, tpPrice, slStop, slLimit decimal.Decimal, info *core.SymbolInfo) (*core.OCOOrder, error) {

	corr := d.CorrelationID
	req := &core.OCORequest{
		Symbol:          d.Symbol,
		Side:            core.SideSell,
		Quantity:        roundDownToStep(qty, info.StepSize),
		TPPrice:         tpPrice,
		SLStopPrice:     slStop,
		SLLimitPrice:    slLimit,
		ListClientID:    ident.OCOListID(corr),
		TPClientOrderID: ident.TPOrderID(corr),
		SLClientOrderID: ident.SLOrderID(corr),
	}
	oco, err := e.exchange.SubmitOCO(ctx, req)
	if err == nil {
		return oco, nil
	}
	if apperrors.KindOf(err) != apperrors.KindPermanent {
		return nil, err
	}

	// oversized against the true fill; ask the exchange what actually
	// executed and resubmit on that quantity with fresh client IDs
	entry, gerr := e.exchange.GetOrder(ctx, d.Symbol, ident.EntryOrderID(corr))
	if gerr != nil || entry.ExecutedQty.IsZero() {
		return nil, err
	}
	req.Quantity = roundDownToStep(entry.ExecutedQty, info.StepSize)
	req.ListClientID = ident.ClientOrderIDPrefix + ident.ShortHash(24, corr, "oco2")
	req.TPClientOrderID = ident.ClientOrderIDPrefix + ident.ShortHash(24, corr, "tp2")
	req.SLClientOrderID = ident.ClientOrderIDPrefix + ident.ShortHash(24, corr, "sl2")
	return e.exchange.SubmitOCO(ctx, req)
}

// ExecuteExit closes (part of) a position with a MARKET sell. The protective
// OCO legs are canceled first so the close cannot double-sell.
func (e *Executor) ExecuteExit(ctx context.Context, req *core.ExitRequest) error {
	pos, ok := e.positions.Get(req.PositionID)
	if !ok {
		return fmt.Errorf("%w: position %s", apperrors.ErrValidation, req.PositionID)
	}
	corr := pos.CorrelationID

	e.publish(ctx, core.EventExitRequest, corr, req)
	telemetry.GetGlobalMetrics().AddExitRequest(ctx, string(req.Reason))

	for _, clientID := range []string{ident.TPOrderID(corr), ident.SLOrderID(corr)} {
		if err := e.exchange.CancelOrder(ctx, pos.Symbol, clientID); err != nil &&
			apperrors.KindOf(err) != apperrors.KindPermanent {
			e.logger.Warn("Cancel before close failed",
				"symbol", pos.Symbol, "client_order_id", clientID, "error", err)
		}
	}

	info, err := e.exchange.SymbolInfo(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	qty := roundDownToStep(req.Quantity, info.StepSize)
	if qty.IsZero() {
		qty = roundDownToStep(pos.Quantity, info.StepSize)
	}

	closeOrder, err := e.submit(ctx, &core.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          core.SideSell,
		Type:          core.TypeMarket,
		Quantity:      qty,
		ClientOrderID: ident.CloseOrderID(corr, req.Attempt),
	})
	if err != nil {
		return fmt.Errorf("close %s: %w", pos.Symbol, err)
	}
	e.journalOrder(ctx, corr, closeOrder)
	e.journalFill(ctx, corr, closeOrder)

	if req.Reason == core.ExitPartialTP {
		remaining := pos.Quantity.Sub(closeOrder.ExecutedQty)
		if err := e.positions.Update(pos.ID, func(p *core.Position) {
			p.Quantity = remaining
			p.PartialTaken = true
		}); err != nil {
			return err
		}
		e.logger.Info("Partial take-profit executed",
			"symbol", pos.Symbol, "closed", closeOrder.ExecutedQty.String(),
			"remaining", remaining.String(), "correlation_id", corr)
		return nil
	}

	closed, err := e.positions.Close(pos.ID)
	if err != nil {
		return err
	}
	telemetry.GetGlobalMetrics().SetOpenPositions(e.positions.Count())
	e.publish(ctx, core.EventPositionClose, corr, map[string]any{
		"position":   closed,
		"exit":       req,
		"exit_price": closeOrder.AvgFillPrice,
		"closed_qty": closeOrder.ExecutedQty,
		"closed_at":  closeOrder.UpdatedAt,
	})
	e.logger.Info("Position closed",
		"symbol", pos.Symbol, "reason", string(req.Reason),
		"exit_price", closeOrder.AvgFillPrice.String(), "correlation_id", corr)
	return nil
}

// submit pushes one order through the retry policy and journals placement.
func (e *Executor) submit(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	telemetry.GetGlobalMetrics().AddOrderPlaced(ctx, req.Symbol)
	order, err := failsafe.With[*core.Order](e.retry).
		WithContext(ctx).
		Get(func() (*core.Order, error) {
			return e.exchange.SubmitOrder(ctx, req)
		})
	if err != nil {
		telemetry.GetGlobalMetrics().AddOrderRejected(ctx, req.Symbol)
		return nil, err
	}
	return order, nil
}

// entryFailed journals a rejected entry and returns the HALF_OPEN probe slot
// the decision may be holding.
func (e *Executor) entryFailed(ctx context.Context, d *core.Decision, reason string) {
	e.breaker.ReleaseProbe()
	telemetry.GetGlobalMetrics().AddOrderRejected(ctx, d.Symbol)
	e.publish(ctx, core.EventOrder, d.CorrelationID, &core.Order{
		SchemaVersion: core.SchemaVersion,
		CorrelationID: d.CorrelationID,
		ClientOrderID: ident.EntryOrderID(d.CorrelationID),
		Symbol:        d.Symbol,
		Side:          core.SideBuy,
		Status:        core.StatusRejected,
		RejectReason:  reason,
		CreatedAt:     e.now().UTC(),
		UpdatedAt:     e.now().UTC(),
	})
	e.logger.Warn("Entry rejected",
		"symbol", d.Symbol, "reason", reason, "correlation_id", d.CorrelationID)
}

func (e *Executor) journalOrder(ctx context.Context, corr string, order *core.Order) {
	order.CorrelationID = corr
	e.publish(ctx, core.EventOrder, corr, order)
}

func (e *Executor) journalFill(ctx context.Context, corr string, order *core.Order) {
	if order.ExecutedQty.IsZero() {
		return
	}
	e.publish(ctx, core.EventFill, corr, &core.Fill{
		CorrelationID: corr,
		OrderID:       order.ExchangeID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         order.AvgFillPrice,
		Quantity:      order.ExecutedQty,
		QuoteQty:      order.AvgFillPrice.Mul(order.ExecutedQty),
		FilledAt:      order.UpdatedAt,
	})
}

func (e *Executor) publish(ctx context.Context, eventType, corr string, payload any) {
	if e.events == nil {
		return
	}
	event, err := core.NewEvent(eventType, corr, "executor", e.now(), payload)
	if err != nil {
		e.logger.Error("Event marshal failed", "type", eventType, "error", err)
		return
	}
	if err := e.events.Publish(ctx, event); err != nil {
		e.logger.Error("Event publish failed", "type", eventType, "error", err)
	}
}

func pctMult(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(1 + pct/100)
}

func roundDownToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Div(step).Floor().Mul(step)
}

func roundToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.Div(tick).Round(0).Mul(tick)
}

var _ core.IOrderExecutor = (*Executor)(nil)
