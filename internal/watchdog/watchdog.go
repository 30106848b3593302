// Package watchdog supervises every open position on a fixed tick and turns
// exit conditions into ExitRequests for the executor.
package watchdog

import (
	"context"
	"sync"
	"time"

	"hope/internal/core"

	"github.com/shopspring/decimal"
)

// Config tunes the exit conditions.
type Config struct {
	Tick               time.Duration
	TrailActivationPct float64
	TrailDistancePct   float64
	PartialTPPct       float64
	StalePanic         time.Duration
	APISilent          time.Duration
}

// Watchdog runs one loop over all positions. It never talks to the exchange
// for orders itself; every close goes back through the executor so the
// journaling and idempotency live in one place.
type Watchdog struct {
	cfg       Config
	positions core.IPositionTracker
	prices    core.IPriceCache
	executor  core.IOrderExecutor
	exchange  core.IExchange
	logger    core.ILogger

	mu          sync.Mutex
	lastAPIOK   time.Time
	apiSilenced bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New wires the watchdog.
func New(cfg Config, positions core.IPositionTracker, prices core.IPriceCache,
	executor core.IOrderExecutor, exchange core.IExchange, logger core.ILogger) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		cfg:       cfg,
		positions: positions,
		prices:    prices,
		executor:  executor,
		exchange:  exchange,
		logger:    logger.WithField("component", "watchdog"),
		lastAPIOK: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Start launches the tick loop.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.runLoop()
}

// Stop stops the loop.
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
}

// SetClock overrides the time source; used in tests.
func (w *Watchdog) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
	w.lastAPIOK = now()
}

func (w *Watchdog) runLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Tick(w.ctx)
		}
	}
}

// Tick runs one supervision pass over every open position.
func (w *Watchdog) Tick(ctx context.Context) {
	apiSilent := w.checkAPI(ctx)

	for _, pos := range w.positions.List() {
		if apiSilent {
			w.requestExit(ctx, pos, core.ExitPanicAPISilent, pos.Quantity)
			continue
		}
		w.supervise(ctx, pos)
	}
}

// supervise evaluates one position in priority order: panic conditions, hard
// levels, partial take-profit, trailing, timeout.
func (w *Watchdog) supervise(ctx context.Context, pos *core.Position) {
	now := w.now()

	if w.prices.StaleFor(pos.Symbol) > w.cfg.StalePanic {
		w.requestExit(ctx, pos, core.ExitPanicStalePrice, pos.Quantity)
		return
	}
	price, _, stale := w.prices.Get(pos.Symbol)
	if stale {
		// within the panic budget; wait for the feed to recover
		return
	}

	w.updateWatermarks(pos, price)

	if price.GreaterThanOrEqual(pos.TPPrice) && !pos.TPPrice.IsZero() {
		w.requestExit(ctx, pos, core.ExitTP, pos.Quantity)
		return
	}
	if price.LessThanOrEqual(pos.SLPrice) && !pos.SLPrice.IsZero() {
		w.requestExit(ctx, pos, core.ExitSL, pos.Quantity)
		return
	}

	pnlPct := price.Sub(pos.EntryPrice).Div(pos.EntryPrice).Mul(decimal.NewFromInt(100))

	// partial first; trailing picks the remainder up on the next tick
	if !pos.PartialTaken && pnlPct.GreaterThanOrEqual(decimal.NewFromFloat(w.cfg.PartialTPPct)) {
		half := pos.Quantity.Div(decimal.NewFromInt(2))
		w.requestExit(ctx, pos, core.ExitPartialTP, half)
		return
	}

	if w.trailingBreached(pos, price) {
		w.requestExit(ctx, pos, core.ExitTrailing, pos.Quantity)
		return
	}

	if !pos.TimeoutAt.IsZero() && !now.Before(pos.TimeoutAt) {
		w.requestExit(ctx, pos, core.ExitTimeout, pos.Quantity)
	}
}

// updateWatermarks persists the rolling high/low the outcome tracker turns
// into MFE/MAE, and arms the trailing stop once activation is reached.
func (w *Watchdog) updateWatermarks(pos *core.Position, price decimal.Decimal) {
	activation := pos.EntryPrice.Mul(
		decimal.NewFromFloat(1 + w.cfg.TrailActivationPct/100))

	changed := price.GreaterThan(pos.HighestPriceSeen) ||
		price.LessThan(pos.LowestPriceSeen) ||
		(!pos.TrailingArmed && price.GreaterThanOrEqual(activation))
	if !changed {
		return
	}

	err := w.positions.Update(pos.ID, func(p *core.Position) {
		if price.GreaterThan(p.HighestPriceSeen) {
			p.HighestPriceSeen = price
		}
		if price.LessThan(p.LowestPriceSeen) || p.LowestPriceSeen.IsZero() {
			p.LowestPriceSeen = price
		}
		if !p.TrailingArmed && price.GreaterThanOrEqual(activation) {
			p.TrailingArmed = true
		}
		// keep the local copy in sync for the rest of this tick
		*pos = *p
	})
	if err != nil {
		w.logger.Error("Watermark update failed", "position_id", pos.ID, "error", err)
	}
}

func (w *Watchdog) trailingBreached(pos *core.Position, price decimal.Decimal) bool {
	if !pos.TrailingArmed {
		return false
	}
	trailStop := pos.HighestPriceSeen.Mul(
		decimal.NewFromFloat(1 - w.cfg.TrailDistancePct/100))
	return price.LessThanOrEqual(trailStop)
}

// requestExit bumps the position's closing counter and hands the request to
// the executor synchronously. The counter makes every attempt's client order
// ID unique, so a retried close can never double-sell; a failed attempt is
// simply retried by the next tick under a fresh number.
func (w *Watchdog) requestExit(ctx context.Context, pos *core.Position, reason core.ExitReason, qty decimal.Decimal) {
	var attempt int64
	err := w.positions.Update(pos.ID, func(p *core.Position) {
		p.ClosingSeq++
		attempt = p.ClosingSeq
	})
	if err != nil {
		return // already closed
	}

	req := &core.ExitRequest{
		SchemaVersion: core.SchemaVersion,
		PositionID:    pos.ID,
		CorrelationID: pos.CorrelationID,
		Symbol:        pos.Symbol,
		Reason:        reason,
		Quantity:      qty,
		Attempt:       attempt,
		RequestedAt:   w.now().UTC(),
	}
	w.logger.Info("Exit requested",
		"symbol", pos.Symbol, "reason", string(reason), "attempt", attempt,
		"correlation_id", pos.CorrelationID)

	if err := w.executor.ExecuteExit(ctx, req); err != nil {
		w.logger.Error("Exit execution failed",
			"symbol", pos.Symbol, "reason", string(reason), "error", err)
	}
}

// checkAPI pings the exchange and reports whether it has been silent past
// the panic budget.
func (w *Watchdog) checkAPI(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	err := w.exchange.Ping(pingCtx)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.lastAPIOK = w.now()
		w.apiSilenced = false
		return false
	}
	silent := w.now().Sub(w.lastAPIOK) > w.cfg.APISilent
	if silent && !w.apiSilenced {
		w.apiSilenced = true
		w.logger.Error("Exchange unreachable past panic budget", "error", err)
	}
	return silent
}
