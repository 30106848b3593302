package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSignalsIngestedTotal = "hope_signals_ingested_total"
	MetricSignalsDroppedTotal  = "hope_signals_dropped_total"
	MetricGateBlocksTotal      = "hope_gate_blocks_total"
	MetricDecisionsTotal       = "hope_decisions_total"
	MetricOrdersPlacedTotal    = "hope_orders_placed_total"
	MetricOrdersFilledTotal    = "hope_orders_filled_total"
	MetricOrdersRejectedTotal  = "hope_orders_rejected_total"
	MetricExitRequestsTotal    = "hope_exit_requests_total"
	MetricPnLRealizedTotal     = "hope_pnl_realized_total"
	MetricOpenPositions        = "hope_open_positions"
	MetricCircuitBreakerOpen   = "hope_circuit_breaker_open"
	MetricPriceStale           = "hope_price_stale"
	MetricEventAppendsTotal    = "hope_event_appends_total"
	MetricDLQDepth             = "hope_dlq_depth"
	MetricLatencyExchange      = "hope_latency_exchange_ms"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	SignalsIngestedTotal metric.Int64Counter
	SignalsDroppedTotal  metric.Int64Counter
	GateBlocksTotal      metric.Int64Counter
	DecisionsTotal       metric.Int64Counter
	OrdersPlacedTotal    metric.Int64Counter
	OrdersFilledTotal    metric.Int64Counter
	OrdersRejectedTotal  metric.Int64Counter
	ExitRequestsTotal    metric.Int64Counter
	PnLRealizedTotal     metric.Float64Counter
	EventAppendsTotal    metric.Int64Counter
	LatencyExchange      metric.Float64Histogram
	OpenPositions        metric.Int64ObservableGauge
	CircuitBreakerOpen   metric.Int64ObservableGauge
	PriceStale           metric.Int64ObservableGauge
	DLQDepth             metric.Int64ObservableGauge

	mu            sync.RWMutex
	openPositions int64
	cbOpen        int64
	dlqDepth      int64
	priceStaleMap map[string]int64
	initialized   bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			priceStaleMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.SignalsIngestedTotal, err = meter.Int64Counter(MetricSignalsIngestedTotal,
		metric.WithDescription("Signals accepted into the intake queue")); err != nil {
		return err
	}
	if m.SignalsDroppedTotal, err = meter.Int64Counter(MetricSignalsDroppedTotal,
		metric.WithDescription("Signals dropped by intake backpressure")); err != nil {
		return err
	}
	if m.GateBlocksTotal, err = meter.Int64Counter(MetricGateBlocksTotal,
		metric.WithDescription("Signals blocked by the gate, by guard")); err != nil {
		return err
	}
	if m.DecisionsTotal, err = meter.Int64Counter(MetricDecisionsTotal,
		metric.WithDescription("Decisions emitted, by action")); err != nil {
		return err
	}
	if m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal,
		metric.WithDescription("Orders submitted to the exchange")); err != nil {
		return err
	}
	if m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal,
		metric.WithDescription("Orders fully filled")); err != nil {
		return err
	}
	if m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal,
		metric.WithDescription("Orders rejected by the exchange")); err != nil {
		return err
	}
	if m.ExitRequestsTotal, err = meter.Int64Counter(MetricExitRequestsTotal,
		metric.WithDescription("Watchdog exit requests, by reason")); err != nil {
		return err
	}
	if m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss in USD")); err != nil {
		return err
	}
	if m.EventAppendsTotal, err = meter.Int64Counter(MetricEventAppendsTotal,
		metric.WithDescription("Records appended to the event journal")); err != nil {
		return err
	}
	if m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange,
		metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms")); err != nil {
		return err
	}

	m.OpenPositions, err = meter.Int64ObservableGauge(MetricOpenPositions,
		metric.WithDescription("Currently open positions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.openPositions)
			return nil
		}))
	if err != nil {
		return err
	}
	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen,
		metric.WithDescription("1 when the circuit breaker blocks new entries"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.cbOpen)
			return nil
		}))
	if err != nil {
		return err
	}
	m.DLQDepth, err = meter.Int64ObservableGauge(MetricDLQDepth,
		metric.WithDescription("Events parked on the dead letter queue"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.dlqDepth)
			return nil
		}))
	if err != nil {
		return err
	}
	m.PriceStale, err = meter.Int64ObservableGauge(MetricPriceStale,
		metric.WithDescription("1 when the cached price for a symbol is stale"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, v := range m.priceStaleMap {
				obs.Observe(v, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *MetricsHolder) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initialized
}

// AddSignalIngested increments the ingested counter.
func (m *MetricsHolder) AddSignalIngested(ctx context.Context, source string) {
	if !m.ready() {
		return
	}
	m.SignalsIngestedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// AddSignalDropped increments the dropped counter.
func (m *MetricsHolder) AddSignalDropped(ctx context.Context) {
	if !m.ready() {
		return
	}
	m.SignalsDroppedTotal.Add(ctx, 1)
}

// AddGateBlock records a gate block by guard name.
func (m *MetricsHolder) AddGateBlock(ctx context.Context, guard string) {
	if !m.ready() {
		return
	}
	m.GateBlocksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("guard", guard)))
}

// AddDecision records a decision by action.
func (m *MetricsHolder) AddDecision(ctx context.Context, action string) {
	if !m.ready() {
		return
	}
	m.DecisionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// AddOrderPlaced records a submitted order.
func (m *MetricsHolder) AddOrderPlaced(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// AddOrderFilled records a filled order.
func (m *MetricsHolder) AddOrderFilled(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.OrdersFilledTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// AddOrderRejected records a rejected order.
func (m *MetricsHolder) AddOrderRejected(ctx context.Context, symbol string) {
	if !m.ready() {
		return
	}
	m.OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

// AddExitRequest records a watchdog exit by reason.
func (m *MetricsHolder) AddExitRequest(ctx context.Context, reason string) {
	if !m.ready() {
		return
	}
	m.ExitRequestsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AddRealizedPnL accumulates realized PnL.
func (m *MetricsHolder) AddRealizedPnL(ctx context.Context, usd float64) {
	if !m.ready() {
		return
	}
	m.PnLRealizedTotal.Add(ctx, usd)
}

// AddEventAppend records a journal append by event type.
func (m *MetricsHolder) AddEventAppend(ctx context.Context, eventType string) {
	if !m.ready() {
		return
	}
	m.EventAppendsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// RecordExchangeLatency records one exchange call latency in milliseconds.
func (m *MetricsHolder) RecordExchangeLatency(ctx context.Context, op string, ms float64) {
	if !m.ready() {
		return
	}
	m.LatencyExchange.Record(ctx, ms, metric.WithAttributes(attribute.String("op", op)))
}

// SetOpenPositions updates the open-position gauge state.
func (m *MetricsHolder) SetOpenPositions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openPositions = int64(n)
}

// SetCircuitBreakerOpen updates the breaker gauge state.
func (m *MetricsHolder) SetCircuitBreakerOpen(open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open {
		m.cbOpen = 1
	} else {
		m.cbOpen = 0
	}
}

// SetDLQDepth updates the dead letter queue depth gauge.
func (m *MetricsHolder) SetDLQDepth(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlqDepth = int64(n)
}

// SetPriceStale updates the per-symbol staleness gauge.
func (m *MetricsHolder) SetPriceStale(symbol string, stale bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stale {
		m.priceStaleMap[symbol] = 1
	} else {
		m.priceStaleMap[symbol] = 0
	}
}
