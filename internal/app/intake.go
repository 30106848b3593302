package app

import (
	"context"
	"errors"
	"sync"
	"time"

	"hope/internal/core"
	apperrors "hope/pkg/errors"
	"hope/pkg/telemetry"
)

// intake is the signal entry point: a bounded queue in front of the
// gate/decide/execute pipeline. When the queue is full the oldest signal is
// dropped; a hot market must never make the pipeline fall further behind.
type intake struct {
	app    *App
	logger core.ILogger

	mu    sync.Mutex
	queue chan *core.Signal

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newIntake(queueSize int, app *App, logger core.ILogger) *intake {
	ctx, cancel := context.WithCancel(context.Background())
	return &intake{
		app:    app,
		logger: logger.WithField("component", "signal_intake"),
		queue:  make(chan *core.Signal, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the consumer loop.
func (in *intake) Start() {
	in.wg.Add(1)
	go in.runLoop()
}

// Stop drains nothing: queued signals are abandoned, open work finishes.
func (in *intake) Stop() {
	in.cancel()
	in.wg.Wait()
}

// Push enqueues one signal, evicting the oldest when full.
func (in *intake) Push(signal *core.Signal) error {
	if signal == nil {
		return errors.New("nil signal")
	}
	if signal.ReceivedAt.IsZero() {
		signal.ReceivedAt = time.Now().UTC()
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	for {
		select {
		case in.queue <- signal:
			return nil
		default:
		}
		select {
		case dropped := <-in.queue:
			in.dropped(dropped)
		default:
		}
	}
}

func (in *intake) dropped(signal *core.Signal) {
	telemetry.GetGlobalMetrics().AddSignalDropped(context.Background())
	in.logger.Warn("Signal dropped, queue full",
		"symbol", signal.Symbol, "correlation_id", signal.CorrelationID)

	event, err := core.NewEvent(core.EventSignalDropped, signal.CorrelationID,
		"signal_intake", time.Now(), map[string]string{
			"symbol": signal.Symbol,
			"reason": "queue_full",
		})
	if err != nil {
		return
	}
	if err := in.app.events.Publish(context.Background(), event); err != nil {
		in.logger.Error("Signal drop event publish failed", "error", err)
	}
}

func (in *intake) runLoop() {
	defer in.wg.Done()

	for {
		select {
		case <-in.ctx.Done():
			return
		case signal := <-in.queue:
			in.process(signal)
		}
	}
}

// process runs one signal through gate, decision and execution.
func (in *intake) process(signal *core.Signal) {
	ctx := in.ctx
	a := in.app

	// momentum detections open the HOT allowlist layer before the gate runs
	if signal.Strategy == core.StrategyMomentum24h {
		a.allowed.AddHot(signal.Symbol)
	}
	a.feed.Track(signal.Symbol)

	result := a.gate.Admit(ctx, signal)
	if !result.OK {
		return
	}

	d, err := a.engine.Decide(ctx, signal)
	if err != nil {
		a.gate.Release(signal.Symbol)
		in.logger.Error("Decision failed", "symbol", signal.Symbol,
			"correlation_id", signal.CorrelationID, "error", err)
		return
	}
	if d.Action != core.ActionBuy {
		a.gate.Release(signal.Symbol)
		return
	}

	symbol := signal.Symbol
	err = a.executor.EnqueueEntry(ctx, d, func() {
		a.gate.Release(symbol)
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrExecutorBusy) {
			// the approved decision never reached the exchange; a held
			// HALF_OPEN probe slot goes back
			a.breaker.ReleaseProbe()
			in.logger.Warn("Executor busy, entry skipped",
				"symbol", symbol, "correlation_id", d.CorrelationID)
			return
		}
		in.logger.Error("Entry enqueue failed", "symbol", symbol, "error", err)
	}
}

