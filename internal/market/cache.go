// Package market holds the live market data the core consumes: the latest
// price per symbol, the WebSocket feed writing into it, and recent candle
// history for volatility targets.
package market

import (
	"sort"
	"sync"
	"time"

	"hope/internal/core"
	"hope/pkg/telemetry"

	"github.com/shopspring/decimal"
)

type tick struct {
	price        decimal.Decimal
	receivedAt   time.Time
	exchangeTime time.Time
}

// PriceCache is the latest-price map fed by the price feed. A price older
// than staleAfter is reported stale and callers must treat it as no data.
type PriceCache struct {
	mu         sync.RWMutex
	ticks      map[string]tick
	staleAfter time.Duration
	now        func() time.Time
}

// NewPriceCache creates a cache with the given staleness window.
func NewPriceCache(staleAfter time.Duration) *PriceCache {
	return &PriceCache{
		ticks:      make(map[string]tick),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// OnTick records a fresh price. Called from the feed's read loop.
func (c *PriceCache) OnTick(symbol string, price decimal.Decimal, exchangeTime time.Time) {
	c.mu.Lock()
	c.ticks[symbol] = tick{price: price, receivedAt: c.now(), exchangeTime: exchangeTime}
	c.mu.Unlock()
	telemetry.GetGlobalMetrics().SetPriceStale(symbol, false)
}

// Get returns the latest price, its age, and whether it is stale. An unknown
// symbol is reported stale with zero price.
func (c *PriceCache) Get(symbol string) (decimal.Decimal, time.Duration, bool) {
	c.mu.RLock()
	t, ok := c.ticks[symbol]
	c.mu.RUnlock()
	if !ok {
		return decimal.Zero, 0, true
	}
	age := c.now().Sub(t.receivedAt)
	stale := age > c.staleAfter
	if stale {
		telemetry.GetGlobalMetrics().SetPriceStale(symbol, true)
	}
	return t.price, age, stale
}

// StaleFor returns how long ago the last tick for symbol arrived. Unknown
// symbols report a very large duration.
func (c *PriceCache) StaleFor(symbol string) time.Duration {
	c.mu.RLock()
	t, ok := c.ticks[symbol]
	c.mu.RUnlock()
	if !ok {
		return 1<<63 - 1
	}
	return c.now().Sub(t.receivedAt)
}

// Symbols lists every symbol the cache has seen, sorted.
func (c *PriceCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.ticks))
	for s := range c.ticks {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SetClock overrides the time source; used in tests.
func (c *PriceCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

var _ core.IPriceCache = (*PriceCache)(nil)
