// Package app wires the components together, runs the startup sequence and
// owns graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"hope/internal/alert"
	"hope/internal/allowlist"
	"hope/internal/config"
	"hope/internal/core"
	"hope/internal/decision"
	"hope/internal/eventlog"
	"hope/internal/exchange"
	"hope/internal/executor"
	"hope/internal/gate"
	"hope/internal/health"
	"hope/internal/market"
	"hope/internal/outcome"
	"hope/internal/position"
	"hope/internal/risk"
	"hope/internal/server"
	"hope/internal/watchdog"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// ErrReconcileFailed marks a startup abort caused by reconciliation; the
// process exits with a distinct code so the supervisor can tell it apart
// from configuration failures.
var ErrReconcileFailed = errors.New("startup reconciliation failed")

const (
	maxClockSkew    = time.Second
	shutdownGrace   = 10 * time.Second
	paperBalanceUSD = 1000
	outcomeFlatBand = 0.01
	classifierFile  = "classifier.json"
	klineInterval   = "1m"
)

// App is the assembled process.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	events    *eventlog.EventLog
	exchange  core.IExchange
	prices    *market.PriceCache
	feed      *market.AggTradeFeed
	history   *market.History
	allowed   *allowlist.AllowList
	riskState *risk.State
	breaker   *risk.CircuitBreaker
	chamber   *risk.Chamber
	gate      *gate.Gate
	engine    *decision.Engine
	executor  *executor.Executor
	tracker   *position.Tracker
	reconcile *position.Reconciler
	watchdog  *watchdog.Watchdog
	outcomes  *outcome.Tracker
	notifier  *alert.Notifier
	healthMgr *health.Manager
	heartbeat *health.Heartbeat
	api       *server.Server
	intake    *intake
}

// New builds the full dependency graph without touching the network.
func New(cfg *config.Config, logger core.ILogger) (*App, error) {
	a := &App{cfg: cfg, logger: logger.WithField("component", "app")}

	dataDir := cfg.App.DataDir
	if err := os.MkdirAll(filepath.Join(dataDir, "state"), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	events, err := eventlog.New(dataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	a.events = events

	a.notifier = alert.NewNotifier(alert.LevelInfo, logger)
	if token := string(cfg.Alerts.TelegramBotToken); token != "" {
		a.notifier.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}
	if hook := string(cfg.Alerts.SlackWebhookURL); hook != "" {
		a.notifier.AddChannel(alert.NewSlackChannel(hook))
	}

	a.prices = market.NewPriceCache(time.Duration(cfg.Timing.PriceStaleSec) * time.Second)
	a.feed = market.NewAggTradeFeed(cfg.Exchange.WSBaseURL, a.prices, logger)

	a.exchange, err = a.buildExchange()
	if err != nil {
		return nil, err
	}
	a.history = market.NewHistory(a.exchange, klineInterval)

	a.riskState, err = risk.NewState(risk.DefaultStatePath(dataDir), logger)
	if err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	a.breaker = risk.NewCircuitBreaker(risk.BreakerConfig{
		MaxConsecutiveLosses: cfg.Risk.MaxConsecutiveLosses,
		MaxDailyLossUSD:      cfg.Risk.MaxDailyLossUSD,
		MaxDailyTrades:       cfg.Risk.MaxDailyTrades,
		Cooldown:             time.Duration(cfg.Risk.BreakerCooldownSec) * time.Second,
		CooldownCap:          time.Duration(cfg.Risk.BreakerCooldownCap) * time.Second,
	}, a.riskState, events, a.notifier, logger)

	a.tracker, err = position.NewTracker(position.DefaultStatePath(dataDir), logger)
	if err != nil {
		return nil, fmt.Errorf("load positions: %w", err)
	}

	a.allowed = allowlist.New(allowlist.Config{
		CoreSymbols:      cfg.AllowList.CoreSymbols,
		DynamicVolumeUSD: decimal.NewFromFloat(cfg.AllowList.DynamicVolumeUSD),
		RefreshInterval:  time.Duration(cfg.AllowList.DynamicRefreshMin) * time.Minute,
		HotTTL:           time.Duration(cfg.AllowList.HotTTLMin) * time.Minute,
		QuoteAsset:       cfg.AllowList.QuoteAsset,
		SnapshotPath:     allowlist.DefaultSnapshotPath(dataDir),
	}, a.exchange, events, logger)

	a.chamber = risk.NewChamber(risk.ChamberConfig{
		MaxOpenPositions: cfg.Risk.MaxOpenPositions,
		MaxDailyTrades:   cfg.Risk.MaxDailyTrades,
		MaxDailyLossUSD:  cfg.Risk.MaxDailyLossUSD,
		PriceStaleAfter:  time.Duration(cfg.Timing.PriceStaleSec) * time.Second,
		AdverseList:      cfg.AllowList.AdverseAnnounclist,
	}, a.allowed, a.riskState, a.breaker, a.tracker, a.prices)

	a.gate = gate.New(gate.Config{
		TTL:               time.Duration(cfg.Signals.TTLSec) * time.Second,
		MinDailyVolumeUSD: decimal.NewFromFloat(cfg.Signals.MinDailyVolumeUSD),
		MaxPriceDriftPct:  cfg.Signals.MaxPriceDriftPct,
		Blacklist:         cfg.AllowList.Blacklist,
		RatePerSec:        cfg.Signals.RatePerSec,
		RateBurst:         cfg.Signals.RateBurst,
	}, a.prices, a.riskState, a.breaker, a.allowed, a.exchange, events, logger)

	classifier, err := a.loadClassifier()
	if err != nil {
		return nil, err
	}
	alpha := decision.NewAlphaChamber(a.alphaConfig(), classifier, nil, logger)

	a.engine = decision.NewEngine(decision.EngineConfig{
		Alpha:       a.alphaConfig(),
		Targets:     a.targetsConfig(),
		Sizing:      a.sizingConfig(),
		ATRCandles:  cfg.Decision.ATRCandles,
		TimeoutSec:  cfg.Decision.TimeoutSec,
		MomentumSec: cfg.Decision.MomentumSec,
		QuoteAsset:  cfg.AllowList.QuoteAsset,
	}, alpha, a.chamber, a.breaker, a.riskState, a.tracker, a.prices, a.exchange,
		a.history, events, logger)

	a.executor = executor.New(executor.Config{
		PoolSize:     cfg.Executor.PoolSize,
		PoolCapacity: cfg.Executor.PoolCapacity,
		IOCWindow:    time.Duration(cfg.Executor.IOCWindowMs) * time.Millisecond,
		MaxCrossPct:  cfg.Executor.MaxCrossPct,
		RetryBase:    time.Duration(cfg.Executor.RetryBaseMs) * time.Millisecond,
		RetryCap:     time.Duration(cfg.Executor.RetryCapMs) * time.Millisecond,
		RetryMax:     cfg.Executor.RetryMaxAttempt,
	}, a.exchange, a.tracker, a.riskState, a.breaker, events, logger)

	a.reconcile = position.NewReconciler(a.tracker, a.exchange, a.breaker, events,
		time.Duration(cfg.Timing.ReconcilePeriodSec)*time.Second, logger)

	a.watchdog = watchdog.New(watchdog.Config{
		Tick:               time.Duration(cfg.Watchdog.TickSec) * time.Second,
		TrailActivationPct: cfg.Watchdog.TrailActivationPct,
		TrailDistancePct:   cfg.Watchdog.TrailDistancePct,
		PartialTPPct:       cfg.Watchdog.PartialTPPct,
		StalePanic:         time.Duration(cfg.Watchdog.StalePanicSec) * time.Second,
		APISilent:          time.Duration(cfg.Watchdog.APISilentSec) * time.Second,
	}, a.tracker, a.prices, a.executor, a.exchange, logger)

	a.outcomes = outcome.NewTracker(outcome.Config{
		FlatBandUSD:    outcomeFlatBand,
		SymbolCooldown: time.Duration(cfg.Risk.SymbolCooldownSec) * time.Second,
	}, events, a.riskState, a.breaker, a.notifier, logger)

	a.healthMgr = health.NewManager(logger)
	a.heartbeat = health.NewHeartbeat(
		time.Duration(cfg.Timing.HeartbeatPeriodSec)*time.Second, string(cfg.App.Mode),
		a.healthMgr, events, a.tracker, a.riskState, a.breaker, a.prices,
		a.reconcile.LastRunAt, logger)

	a.api = server.New(strings.TrimPrefix(cfg.App.ListenAddr, ":"),
		a.healthMgr, a.heartbeat, a.tracker, events, events, a.riskState, a.breaker, logger)

	a.intake = newIntake(cfg.Signals.QueueSize, a, logger)
	a.api.SetIngest(a.intake.Push)

	a.registerHealthChecks()
	return a, nil
}

func (a *App) buildExchange() (core.IExchange, error) {
	switch a.cfg.App.Mode {
	case core.ModeDry:
		return exchange.NewPaper(a.prices, a.cfg.AllowList.QuoteAsset,
			decimal.NewFromInt(paperBalanceUSD), a.logger), nil
	case core.ModeTestnet:
		return exchange.NewBinance(string(a.cfg.Exchange.APIKey), string(a.cfg.Exchange.SecretKey),
			a.cfg.Exchange.BaseURL, true, a.logger), nil
	case core.ModeLive:
		return exchange.NewBinance(string(a.cfg.Exchange.APIKey), string(a.cfg.Exchange.SecretKey),
			a.cfg.Exchange.BaseURL, false, a.logger), nil
	}
	return nil, fmt.Errorf("unknown mode %q", a.cfg.App.Mode)
}

// loadClassifier loads the hash-pinned model when one is configured. Without
// a pinned hash the model component scores neutral.
func (a *App) loadClassifier() (core.IClassifier, error) {
	if a.cfg.Decision.ClassifierSHA == "" {
		return nil, nil
	}
	path := filepath.Join(a.cfg.App.DataDir, "model", classifierFile)
	classifier, err := decision.LoadClassifier(path, a.cfg.Decision.ClassifierSHA)
	if err != nil {
		return nil, fmt.Errorf("load classifier: %w", err)
	}
	return classifier, nil
}

func (a *App) alphaConfig() decision.AlphaConfig {
	c := decision.DefaultAlphaConfig()
	c.WeightTechnical = a.cfg.Decision.WeightTechnical
	c.WeightModel = a.cfg.Decision.WeightModel
	c.WeightSentiment = a.cfg.Decision.WeightSentiment
	c.WeightPrecursor = a.cfg.Decision.WeightPrecursor
	return c
}

func (a *App) targetsConfig() decision.TargetsConfig {
	return decision.TargetsConfig{
		ATRPeriod:   a.cfg.Decision.ATRPeriod,
		KTakeProfit: a.cfg.Decision.KTakeProfit,
		KStopLoss:   a.cfg.Decision.KStopLoss,
		FloorTPPct:  a.cfg.Decision.FloorTPPct,
		FloorSLPct:  a.cfg.Decision.FloorSLPct,
		MaxTPPct:    a.cfg.Decision.MaxTPPct,
		MinRR:       a.cfg.Decision.MinRR,
		MomentumRR:  a.cfg.Decision.MomentumRR,
	}
}

func (a *App) sizingConfig() decision.SizingConfig {
	return decision.SizingConfig{
		BasePct:     a.cfg.Decision.BasePct,
		MinSizeUSD:  a.cfg.Decision.MinSizeUSD,
		MaxSizeUSD:  a.cfg.Decision.MaxSizeUSD,
		MaxExposure: a.cfg.Decision.MaxExposure,
		BaselineUSD: a.cfg.Decision.BaselineUSD,
	}
}

func (a *App) registerHealthChecks() {
	a.healthMgr.Register("event_log", func() error {
		if at := a.events.LastAppendAt(); !at.IsZero() && time.Since(at) > 5*time.Minute {
			return fmt.Errorf("no append for %s", time.Since(at).Round(time.Second))
		}
		return nil
	})
	a.healthMgr.Register("price_cache", func() error {
		for _, pos := range a.tracker.List() {
			if _, _, stale := a.prices.Get(pos.Symbol); stale {
				return fmt.Errorf("price stale for open position %s", pos.Symbol)
			}
		}
		return nil
	})
	a.healthMgr.Register("circuit_breaker", func() error {
		if state := a.breaker.State(); state == core.CircuitOpen {
			return fmt.Errorf("circuit open: %s", a.breaker.LastReason())
		}
		return nil
	})
}

// Start runs the boot sequence from §startup and launches every loop. No
// loop starts if any step fails.
func (a *App) Start(ctx context.Context) error {
	if err := a.validateSecrets(); err != nil {
		return err
	}
	if err := a.verifyExchange(ctx); err != nil {
		return fmt.Errorf("exchange not ready: %w", err)
	}
	if err := a.rebuildPositions(); err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}
	if err := a.startupReconcile(ctx); err != nil {
		return err
	}

	a.feed.Start()
	a.trackInitialSymbols()
	if err := a.allowed.Start(ctx); err != nil {
		return fmt.Errorf("start allowlist: %w", err)
	}
	a.outcomes.Start()
	a.watchdog.Start()
	a.reconcile.Start()
	a.heartbeat.Start()
	a.intake.Start()
	a.api.Start()

	a.logger.Info("HOPE started",
		"mode", string(a.cfg.App.Mode), "open_positions", a.tracker.Count(),
		"circuit", string(a.breaker.State()))
	a.notifier.Notify(ctx, alert.LevelInfo,
		fmt.Sprintf("started in %s mode, %d open positions", a.cfg.App.Mode, a.tracker.Count()))
	return nil
}

func (a *App) validateSecrets() error {
	if a.cfg.App.Mode == core.ModeDry {
		return nil
	}
	if a.cfg.Exchange.APIKey == "" || a.cfg.Exchange.SecretKey == "" {
		return errors.New("exchange credentials missing")
	}
	return nil
}

// verifyExchange confirms the account is readable and the local clock is
// within the signing tolerance.
func (a *App) verifyExchange(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Exchange.Timeout())
	defer cancel()

	g, gctx := errgroup.WithContext(callCtx)
	g.Go(func() error {
		if err := a.exchange.Ping(gctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		serverTime, err := a.exchange.ServerTime(gctx)
		if err != nil {
			return fmt.Errorf("server time: %w", err)
		}
		if skew := time.Since(serverTime); skew > maxClockSkew || skew < -maxClockSkew {
			return fmt.Errorf("clock skew %s exceeds %s", skew.Round(time.Millisecond), maxClockSkew)
		}
		return nil
	})
	g.Go(func() error {
		if _, err := a.exchange.AccountBalances(gctx); err != nil {
			return fmt.Errorf("account balances: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// rebuildPositions restores the tracker from the journal when the snapshot
// is missing: opens without a matching close are still live.
func (a *App) rebuildPositions() error {
	if a.tracker.Count() > 0 {
		return nil
	}

	opens, err := a.events.ReplayType(core.EventPositionOpen, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	if len(opens) == 0 {
		return nil
	}
	closes, err := a.events.ReplayType(core.EventPositionClose, time.Time{}, time.Time{})
	if err != nil {
		return err
	}

	closed := make(map[string]struct{}, len(closes))
	for _, e := range closes {
		var payload struct {
			Position *core.Position `json:"position"`
		}
		if err := e.Decode(&payload); err != nil || payload.Position == nil {
			continue
		}
		closed[payload.Position.ID] = struct{}{}
	}

	restored := 0
	for _, e := range opens {
		var pos core.Position
		if err := e.Decode(&pos); err != nil || pos.ID == "" {
			continue
		}
		if _, ok := closed[pos.ID]; ok {
			continue
		}
		if err := a.tracker.Open(&pos); err != nil {
			a.logger.Warn("Journal position skipped during rebuild", "position_id", pos.ID, "error", err)
			continue
		}
		restored++
	}
	if restored > 0 {
		a.logger.Info("Positions rebuilt from journal", "restored", restored)
	}
	return nil
}

// startupReconcile runs reconciliation with one retry; a second failure
// aborts startup.
func (a *App) startupReconcile(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		_, err := a.reconcile.Reconcile(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		a.logger.Error("Startup reconciliation failed", "attempt", attempt, "error", err)
	}
	return fmt.Errorf("%w: %v", ErrReconcileFailed, lastErr)
}

// trackInitialSymbols subscribes the feed to everything that can need a
// price right away.
func (a *App) trackInitialSymbols() {
	for _, entry := range a.allowed.Entries() {
		a.feed.Track(entry.Symbol)
	}
	for _, pos := range a.tracker.List() {
		a.feed.Track(pos.Symbol)
	}
}

// Stop shuts the loops down in dependency order and waits up to the grace
// period for in-flight orders; anything still pending is journaled as
// uncertain.
func (a *App) Stop() {
	a.logger.Info("Shutting down")

	a.intake.Stop()
	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.api.Stop(shutCtx); err != nil {
		a.logger.Error("API server stop failed", "error", err)
	}

	a.heartbeat.Stop()
	a.reconcile.Stop()
	a.watchdog.Stop()
	if err := a.allowed.Stop(); err != nil {
		a.logger.Error("Allowlist stop failed", "error", err)
	}
	a.feed.Stop()

	drained := make(chan struct{})
	go func() {
		a.executor.Stop()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutCtx.Done():
		a.publishStopEvent(core.EventUncertain, map[string]string{
			"reason": "executor drain exceeded grace period",
		})
	}
	a.outcomes.Stop()

	a.publishStopEvent(core.EventGracefulStop, map[string]any{
		"open_positions": a.tracker.Count(),
		"circuit":        string(a.breaker.State()),
	})
	a.notifier.Notify(context.Background(), alert.LevelInfo, "stopped")
	a.notifier.Flush()
	if err := a.events.Close(); err != nil {
		a.logger.Error("Event log close failed", "error", err)
	}
}

func (a *App) publishStopEvent(eventType string, payload any) {
	event, err := core.NewEvent(eventType, "", "app", time.Now(), payload)
	if err != nil {
		return
	}
	if err := a.events.Publish(context.Background(), event); err != nil {
		a.logger.Error("Stop event publish failed", "event_type", eventType, "error", err)
	}
}

// Run starts the app, waits for ctx cancellation and stops it.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	a.Stop()
	return nil
}
