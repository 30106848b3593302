package position

import (
	"context"
	"sync"
	"time"

	"hope/internal/core"
	"hope/pkg/ident"

	"github.com/shopspring/decimal"
)

// ReconcileResult reports one pass against the exchange.
type ReconcileResult struct {
	Ghosts  []string // local positions with no exchange presence, removed
	Orphans []string // exchange orders ours by prefix, with no local position
	At      time.Time
}

// Clean reports whether the pass found no discrepancies.
func (r ReconcileResult) Clean() bool {
	return len(r.Ghosts) == 0 && len(r.Orphans) == 0
}

// Reconciler periodically compares the tracker against the exchange's open
// orders and balances. Ghost positions are dropped, orphan orders are
// materialized into supervised positions, and any discrepancy trips the
// circuit breaker.
type Reconciler struct {
	tracker  *Tracker
	exchange core.IExchange
	breaker  core.ICircuitBreaker
	events   core.IEventLog
	logger   core.ILogger
	period   time.Duration

	mu     sync.Mutex
	lastAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler wires the reconcile loop.
func NewReconciler(tracker *Tracker, exchange core.IExchange, breaker core.ICircuitBreaker,
	events core.IEventLog, period time.Duration, logger core.ILogger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		tracker:  tracker,
		exchange: exchange,
		breaker:  breaker,
		events:   events,
		logger:   logger.WithField("component", "reconciler"),
		period:   period,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the periodic loop.
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.runLoop()
}

// Stop stops the loop.
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

// LastRunAt returns when the last pass completed.
func (r *Reconciler) LastRunAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAt
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.period)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, 30*time.Second)
			if _, err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation pass failed", "error", err)
			}
			cancel()
		}
	}
}

// Reconcile runs one pass. The exchange's open orders are the ground truth:
// a local position none of whose orders exist remotely and whose base asset
// is not held is a ghost; a remote order with our ID prefix and no local
// position is an orphan.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	result := ReconcileResult{At: time.Now().UTC()}

	openOrders, err := r.exchange.OpenOrders(ctx, "")
	if err != nil {
		return result, err
	}
	balances, err := r.exchange.AccountBalances(ctx)
	if err != nil {
		return result, err
	}

	remoteByID := make(map[int64]*core.Order, len(openOrders))
	remoteSymbols := make(map[string][]*core.Order)
	for _, o := range openOrders {
		remoteByID[o.ExchangeID] = o
		if ident.IsOurs(o.ClientOrderID) {
			remoteSymbols[o.Symbol] = append(remoteSymbols[o.Symbol], o)
		}
	}

	// ghosts: no surviving order and no base-asset holdings
	for _, pos := range r.tracker.List() {
		if r.positionAlive(ctx, pos, remoteByID, balances) {
			delete(remoteSymbols, pos.Symbol)
			continue
		}
		result.Ghosts = append(result.Ghosts, pos.ID)
		if _, err := r.tracker.Close(pos.ID); err != nil {
			r.logger.Error("Removing ghost position failed", "position_id", pos.ID, "error", err)
			continue
		}
		r.emitMismatch(ctx, pos.CorrelationID, "ghost_position", pos.Symbol, pos.ID)
	}

	// orphans: our open orders on symbols we are not tracking
	for symbol, orders := range remoteSymbols {
		if _, tracked := r.tracker.GetBySymbol(symbol); tracked {
			continue
		}
		orphan := r.materializeOrphan(symbol, orders)
		if err := r.tracker.Open(orphan); err != nil {
			r.logger.Error("Adopting orphan position failed", "symbol", symbol, "error", err)
			continue
		}
		result.Orphans = append(result.Orphans, orphan.ID)
		r.emitMismatch(ctx, orphan.CorrelationID, "orphan_position", symbol, orphan.ID)
	}

	r.mu.Lock()
	r.lastAt = result.At
	r.mu.Unlock()

	if !result.Clean() {
		r.logger.Warn("Reconciliation found discrepancies",
			"ghosts", len(result.Ghosts), "orphans", len(result.Orphans))
		r.breaker.Trip("reconcile_mismatch")
	}
	return result, nil
}

// positionAlive checks whether any of the position's exchange orders still
// exist, or failing that, whether the account holds the base asset.
func (r *Reconciler) positionAlive(ctx context.Context, pos *core.Position,
	remote map[int64]*core.Order, balances map[string]decimal.Decimal) bool {
	for _, id := range pos.ExchangeOrderIDs {
		if _, ok := remote[id]; ok {
			return true
		}
	}
	info, err := r.exchange.SymbolInfo(ctx, pos.Symbol)
	if err != nil {
		// cannot prove it dead; keep it supervised
		return true
	}
	held := balances[info.BaseAsset]
	return held.GreaterThanOrEqual(pos.Quantity)
}

// materializeOrphan builds a supervisable position from the remote orders.
// Targets are unknown, so only the timeout path applies until an operator
// intervenes.
func (r *Reconciler) materializeOrphan(symbol string, orders []*core.Order) *core.Position {
	oldest := orders[0]
	qty := decimal.Zero
	var orderIDs []int64
	for _, o := range orders {
		if o.CreatedAt.Before(oldest.CreatedAt) {
			oldest = o
		}
		if o.Quantity.GreaterThan(qty) {
			qty = o.Quantity
		}
		orderIDs = append(orderIDs, o.ExchangeID)
	}

	corr := ident.NewCorrelationID()
	return &core.Position{
		SchemaVersion:    core.SchemaVersion,
		ID:               ident.PositionID(corr),
		CorrelationID:    corr,
		Symbol:           symbol,
		EntryPrice:       oldest.Price,
		Quantity:         qty,
		EntryTime:        oldest.CreatedAt,
		TimeoutAt:        time.Now().UTC().Add(time.Hour),
		ExchangeOrderIDs: orderIDs,
		HighestPriceSeen: oldest.Price,
		LowestPriceSeen:  oldest.Price,
		Orphan:           true,
	}
}

func (r *Reconciler) emitMismatch(ctx context.Context, corr, kind, symbol, positionID string) {
	if r.events == nil {
		return
	}
	payload := map[string]any{
		"kind":        kind,
		"symbol":      symbol,
		"position_id": positionID,
	}
	e, err := core.NewEvent(core.EventReconcile, corr, "reconciler", time.Now(), payload)
	if err != nil {
		return
	}
	if err := r.events.Publish(ctx, e); err != nil {
		r.logger.Error("Mismatch event publish failed", "error", err)
	}
}
