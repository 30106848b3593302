package market

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hope/internal/core"
	"hope/pkg/websocket"

	"github.com/shopspring/decimal"
)

const defaultStreamURL = "wss://stream.binance.com:9443/stream"

// AggTradeFeed subscribes to Binance aggTrade streams and pushes every trade
// into the price cache. Symbols can be added at runtime when the allowlist
// picks up a new HOT symbol or a position opens.
type AggTradeFeed struct {
	client *websocket.Client
	cache  core.IPriceCache
	logger core.ILogger

	mu      sync.Mutex
	symbols map[string]struct{}
	reqID   atomic.Int64
}

type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type aggTradeMsg struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// NewAggTradeFeed builds a feed for the given stream endpoint; an empty URL
// uses the production endpoint.
func NewAggTradeFeed(wsURL string, cache core.IPriceCache, logger core.ILogger) *AggTradeFeed {
	if wsURL == "" {
		wsURL = defaultStreamURL
	}
	f := &AggTradeFeed{
		cache:   cache,
		logger:  logger.WithField("component", "price_feed"),
		symbols: make(map[string]struct{}),
	}
	f.client = websocket.NewClient(wsURL, f.onMessage, f.logger)
	f.client.SetOnConnected(f.resubscribe)
	return f
}

// Start opens the stream connection.
func (f *AggTradeFeed) Start() {
	f.client.Start()
}

// Stop closes the stream connection.
func (f *AggTradeFeed) Stop() {
	f.client.Stop()
}

// Track subscribes to a symbol's aggTrade stream.
func (f *AggTradeFeed) Track(symbols ...string) {
	f.mu.Lock()
	var added []string
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if _, ok := f.symbols[s]; !ok {
			f.symbols[s] = struct{}{}
			added = append(added, s)
		}
	}
	f.mu.Unlock()

	if len(added) > 0 {
		f.subscribe(added)
	}
}

func (f *AggTradeFeed) resubscribe() {
	f.mu.Lock()
	all := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		all = append(all, s)
	}
	f.mu.Unlock()
	if len(all) > 0 {
		f.subscribe(all)
	}
}

func (f *AggTradeFeed) subscribe(symbols []string) {
	params := make([]string, 0, len(symbols))
	for _, s := range symbols {
		params = append(params, strings.ToLower(s)+"@aggTrade")
	}
	req := map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     f.reqID.Add(1),
	}
	if err := f.client.Send(req); err != nil {
		// not connected yet; resubscribe fires once the dial succeeds
		f.logger.Debug("Subscribe deferred until connect", "streams", len(params))
	}
}

func (f *AggTradeFeed) onMessage(message []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(message, &frame); err != nil || len(frame.Data) == 0 {
		return
	}
	var trade aggTradeMsg
	if err := json.Unmarshal(frame.Data, &trade); err != nil {
		return
	}
	if trade.EventType != "aggTrade" || trade.Symbol == "" {
		return
	}
	price, err := decimal.NewFromString(trade.Price)
	if err != nil || price.IsZero() {
		return
	}
	f.cache.OnTick(trade.Symbol, price, time.UnixMilli(trade.TradeTime).UTC())
}
