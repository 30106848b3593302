package market

import (
	"context"
	"sync"
	"time"

	"hope/internal/core"
)

// History fetches recent candles from the exchange with a short-lived cache
// so repeated target computations for the same symbol do not hammer the
// klines endpoint.
type History struct {
	exchange core.IExchange
	interval string
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]historyEntry
}

type historyEntry struct {
	candles   []*core.Candle
	fetchedAt time.Time
}

// NewHistory builds a candle source over the given kline interval.
func NewHistory(exchange core.IExchange, interval string) *History {
	if interval == "" {
		interval = "1m"
	}
	return &History{
		exchange: exchange,
		interval: interval,
		ttl:      time.Minute,
		cache:    make(map[string]historyEntry),
	}
}

// Candles returns the most recent limit candles for symbol, oldest first.
func (h *History) Candles(ctx context.Context, symbol string, limit int) ([]*core.Candle, error) {
	h.mu.Lock()
	entry, ok := h.cache[symbol]
	h.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < h.ttl && len(entry.candles) >= limit {
		return entry.candles[len(entry.candles)-limit:], nil
	}

	candles, err := h.exchange.Klines(ctx, symbol, h.interval, limit)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.cache[symbol] = historyEntry{candles: candles, fetchedAt: time.Now()}
	h.mu.Unlock()
	return candles, nil
}
