package health

import (
	"context"
	"sync"
	"time"

	"hope/internal/core"
)

// Status is the read model served by /api/status and carried by heartbeats.
type Status struct {
	Mode            string            `json:"mode"`
	UptimeSec       int64             `json:"uptime_sec"`
	Ready           bool              `json:"ready"`
	OpenPositions   int               `json:"open_positions"`
	CircuitState    core.CircuitState `json:"circuit_state"`
	KillSwitch      string            `json:"kill_switch"`
	Daily           core.RiskSnapshot `json:"daily"`
	PriceAgesMs     map[string]int64  `json:"price_ages_ms"`
	LastEventAt     time.Time         `json:"last_event_at"`
	LastReconcileAt time.Time         `json:"last_reconcile_at"`
	Components      map[string]string `json:"components"`
}

// Heartbeat assembles the status snapshot and journals it on a fixed period.
// An external supervisor watches the heartbeat journal and restarts the
// process when appends stop.
type Heartbeat struct {
	manager       *Manager
	events        core.IEventLog
	positions     core.IPositionTracker
	riskState     core.IRiskState
	breaker       core.ICircuitBreaker
	prices        core.IPriceCache
	lastReconcile func() time.Time
	mode          string
	logger        core.ILogger

	startedAt time.Time
	period    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewHeartbeat wires the heartbeat loop; Start launches it.
func NewHeartbeat(period time.Duration, mode string, manager *Manager, events core.IEventLog,
	positions core.IPositionTracker, riskState core.IRiskState, breaker core.ICircuitBreaker,
	prices core.IPriceCache, lastReconcile func() time.Time, logger core.ILogger) *Heartbeat {
	ctx, cancel := context.WithCancel(context.Background())
	return &Heartbeat{
		manager:       manager,
		events:        events,
		positions:     positions,
		riskState:     riskState,
		breaker:       breaker,
		prices:        prices,
		lastReconcile: lastReconcile,
		mode:          mode,
		logger:        logger.WithField("component", "heartbeat"),
		startedAt:     time.Now(),
		period:        period,
		ctx:           ctx,
		cancel:        cancel,
		now:           time.Now,
	}
}

// Start launches the periodic beat.
func (h *Heartbeat) Start() {
	h.wg.Add(1)
	go h.runLoop()
}

// Stop stops the loop.
func (h *Heartbeat) Stop() {
	h.cancel()
	h.wg.Wait()
}

func (h *Heartbeat) runLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.period)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.Beat(h.ctx)
		}
	}
}

// Beat publishes one heartbeat event with the full status snapshot.
func (h *Heartbeat) Beat(ctx context.Context) {
	status := h.Snapshot()
	event, err := core.NewEvent(core.EventHeartbeat, "", "heartbeat", h.now(), status)
	if err != nil {
		h.logger.Error("Heartbeat marshal failed", "error", err)
		return
	}
	if err := h.events.Publish(ctx, event); err != nil {
		h.logger.Error("Heartbeat publish failed", "error", err)
	}
}

// Snapshot assembles the current status read model.
func (h *Heartbeat) Snapshot() *Status {
	ages := make(map[string]int64)
	for _, symbol := range h.prices.Symbols() {
		_, age, _ := h.prices.Get(symbol)
		ages[symbol] = age.Milliseconds()
	}

	s := &Status{
		Mode:          h.mode,
		UptimeSec:     int64(h.now().Sub(h.startedAt).Seconds()),
		Ready:         h.manager.IsHealthy(),
		OpenPositions: h.positions.Count(),
		CircuitState:  h.breaker.State(),
		KillSwitch:    h.riskState.KillSwitch(),
		Daily:         h.riskState.Snapshot(),
		PriceAgesMs:   ages,
		LastEventAt:   h.events.LastAppendAt(),
		Components:    h.manager.GetStatus(),
	}
	if h.lastReconcile != nil {
		s.LastReconcileAt = h.lastReconcile()
	}
	return s
}
