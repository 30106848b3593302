// Package allowlist maintains the three-layer tradable symbol set: CORE from
// configuration, DYNAMIC from periodic exchange volume snapshots, HOT from
// the signal pipeline with a short TTL.
package allowlist

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hope/internal/core"
	"hope/pkg/atomicfile"

	"github.com/shopspring/decimal"
)

// Config tunes the dynamic layer and the hot TTL.
type Config struct {
	CoreSymbols      []string
	DynamicVolumeUSD decimal.Decimal
	RefreshInterval  time.Duration
	HotTTL           time.Duration
	QuoteAsset       string
	SnapshotPath     string // state/allowlist.json under the data dir
}

// AllowList is safe for concurrent use; the refresh loop is the only writer
// of the DYNAMIC layer.
type AllowList struct {
	cfg      Config
	exchange core.IExchange
	events   core.IEventLog
	logger   core.ILogger

	mu      sync.RWMutex
	entries map[string]core.AllowEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New builds the allowlist with the CORE layer pre-populated.
func New(cfg Config, exchange core.IExchange, events core.IEventLog, logger core.ILogger) *AllowList {
	ctx, cancel := context.WithCancel(context.Background())
	a := &AllowList{
		cfg:      cfg,
		exchange: exchange,
		events:   events,
		logger:   logger.WithField("component", "allowlist"),
		entries:  make(map[string]core.AllowEntry),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	for _, s := range cfg.CoreSymbols {
		sym := strings.ToUpper(s)
		a.entries[sym] = core.AllowEntry{
			Symbol:  sym,
			Layer:   core.LayerCore,
			AddedAt: a.now().UTC(),
		}
	}
	return a
}

// Start launches the dynamic refresh loop. A refresh runs immediately so the
// process never trades on an empty DYNAMIC layer.
func (a *AllowList) Start(ctx context.Context) error {
	if err := a.refreshDynamic(ctx); err != nil {
		a.logger.Warn("Initial dynamic refresh failed", "error", err)
	}
	a.wg.Add(1)
	go a.runLoop()
	return nil
}

// Stop stops the refresh loop.
func (a *AllowList) Stop() error {
	a.cancel()
	a.wg.Wait()
	return nil
}

// IsAllowed reports whether symbol is tradable and which layer admits it.
// CORE wins over DYNAMIC over HOT when a symbol sits in several layers.
func (a *AllowList) IsAllowed(symbol string) (bool, core.AllowLayer) {
	symbol = strings.ToUpper(symbol)
	a.mu.RLock()
	defer a.mu.RUnlock()

	entry, ok := a.entries[symbol]
	if !ok {
		return false, ""
	}
	if entry.Layer != core.LayerCore && !entry.ExpiresAt.IsZero() && a.now().After(entry.ExpiresAt) {
		return false, ""
	}
	return true, entry.Layer
}

// AddHot admits a symbol through the HOT layer with the configured TTL.
// CORE and DYNAMIC entries are never downgraded.
func (a *AllowList) AddHot(symbol string) {
	symbol = strings.ToUpper(symbol)
	a.mu.Lock()
	if existing, ok := a.entries[symbol]; ok && existing.Layer != core.LayerHot {
		a.mu.Unlock()
		return
	}
	entry := core.AllowEntry{
		Symbol:    symbol,
		Layer:     core.LayerHot,
		AddedAt:   a.now().UTC(),
		ExpiresAt: a.now().UTC().Add(a.cfg.HotTTL),
	}
	a.entries[symbol] = entry
	a.mu.Unlock()

	a.persistAndEmit("hot_added", symbol)
}

// Entries returns a snapshot of all unexpired entries, sorted by symbol.
func (a *AllowList) Entries() []core.AllowEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]core.AllowEntry, 0, len(a.entries))
	for _, e := range a.entries {
		if e.Layer != core.LayerCore && !e.ExpiresAt.IsZero() && a.now().After(e.ExpiresAt) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// SetClock overrides the time source; used in tests.
func (a *AllowList) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

func (a *AllowList) runLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(a.ctx, 30*time.Second)
			if err := a.refreshDynamic(ctx); err != nil {
				a.logger.Error("Dynamic refresh failed", "error", err)
			}
			cancel()
		}
	}
}

// refreshDynamic rebuilds the DYNAMIC layer from a 24h volume snapshot and
// evicts expired HOT entries in the same pass.
func (a *AllowList) refreshDynamic(ctx context.Context) error {
	stats, err := a.exchange.TickerStats(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	for sym, e := range a.entries {
		switch e.Layer {
		case core.LayerDynamic:
			delete(a.entries, sym)
		case core.LayerHot:
			if !e.ExpiresAt.IsZero() && a.now().After(e.ExpiresAt) {
				delete(a.entries, sym)
			}
		}
	}
	added := 0
	for _, st := range stats {
		if !strings.HasSuffix(st.Symbol, a.cfg.QuoteAsset) {
			continue
		}
		if st.QuoteVolume24h.LessThan(a.cfg.DynamicVolumeUSD) {
			continue
		}
		if existing, ok := a.entries[st.Symbol]; ok && existing.Layer == core.LayerCore {
			continue
		}
		a.entries[st.Symbol] = core.AllowEntry{
			Symbol:  st.Symbol,
			Layer:   core.LayerDynamic,
			AddedAt: a.now().UTC(),
		}
		added++
	}
	a.mu.Unlock()

	a.logger.Info("Dynamic allowlist refreshed", "symbols", added)
	a.persistAndEmit("dynamic_refresh", "")
	return nil
}

func (a *AllowList) persistAndEmit(action, symbol string) {
	entries := a.Entries()

	if a.cfg.SnapshotPath != "" {
		if err := atomicfile.WriteJSON(a.cfg.SnapshotPath, entries); err != nil {
			a.logger.Error("Allowlist snapshot write failed", "error", err)
		}
	}

	if a.events != nil {
		payload := map[string]any{
			"action":  action,
			"symbol":  symbol,
			"entries": len(entries),
		}
		e, err := core.NewEvent(core.EventAllowlist, "", "allowlist", a.now(), payload)
		if err == nil {
			if err := a.events.Publish(a.ctx, e); err != nil {
				a.logger.Error("Allowlist event publish failed", "error", err)
			}
		}
	}
}

// DefaultSnapshotPath returns the canonical snapshot location under dataDir.
func DefaultSnapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "state", "allowlist.json")
}
