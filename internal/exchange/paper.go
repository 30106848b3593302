package exchange

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hope/internal/core"
	apperrors "hope/pkg/errors"

	"github.com/shopspring/decimal"
)

// PaperExchange simulates a spot venue for DRY mode. Market and crossing
// limit orders fill instantly at the cached price; OCO legs rest until the
// price crosses them, checked lazily on every read.
type PaperExchange struct {
	prices core.IPriceCache
	logger core.ILogger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	orders   map[string]*core.Order // by client order ID
	fills    map[string][]*core.Fill
	nextID   atomic.Int64
	now      func() time.Time
}

// NewPaper builds a simulated venue seeded with the given quote balance.
func NewPaper(prices core.IPriceCache, quoteAsset string, quoteBalance decimal.Decimal, logger core.ILogger) *PaperExchange {
	return &PaperExchange{
		prices: prices,
		logger: logger.WithField("component", "paper_exchange"),
		balances: map[string]decimal.Decimal{
			quoteAsset: quoteBalance,
		},
		orders: make(map[string]*core.Order),
		fills:  make(map[string][]*core.Fill),
		now:    time.Now,
	}
}

func (p *PaperExchange) GetName() string            { return "paper" }
func (p *PaperExchange) Ping(context.Context) error { return nil }

func (p *PaperExchange) ServerTime(context.Context) (time.Time, error) {
	return p.now().UTC(), nil
}

func (p *PaperExchange) AccountBalances(context.Context) (map[string]decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

func (p *PaperExchange) SymbolInfo(_ context.Context, symbol string) (*core.SymbolInfo, error) {
	return &core.SymbolInfo{
		Symbol:      symbol,
		QuoteAsset:  "USDT",
		TickSize:    decimal.New(1, -8),
		StepSize:    decimal.New(1, -8),
		MinNotional: decimal.NewFromInt(5),
	}, nil
}

func (p *PaperExchange) TickerStats(context.Context) ([]*core.TickerStat, error) {
	var out []*core.TickerStat
	for _, symbol := range p.prices.Symbols() {
		price, _, stale := p.prices.Get(symbol)
		if stale {
			continue
		}
		out = append(out, &core.TickerStat{
			Symbol:         symbol,
			LastPrice:      price,
			QuoteVolume24h: decimal.NewFromInt(50_000_000),
		})
	}
	return out, nil
}

func (p *PaperExchange) BookTop(_ context.Context, symbol string) (*core.BookTop, error) {
	price, _, stale := p.prices.Get(symbol)
	if stale {
		return nil, fmt.Errorf("%w: no price for %s", apperrors.ErrStaleData, symbol)
	}
	// half a basis point synthetic spread
	spread := price.Mul(decimal.NewFromFloat(0.00005))
	return &core.BookTop{
		Symbol:  symbol,
		BidPx:   price.Sub(spread),
		BidQty:  decimal.NewFromInt(10000),
		AskPx:   price.Add(spread),
		AskQty:  decimal.NewFromInt(10000),
		FetchAt: p.now().UTC(),
	}, nil
}

func (p *PaperExchange) Klines(_ context.Context, symbol, _ string, limit int) ([]*core.Candle, error) {
	price, _, stale := p.prices.Get(symbol)
	if stale {
		return nil, fmt.Errorf("%w: no price for %s", apperrors.ErrStaleData, symbol)
	}
	// flat synthetic history; target floors take over downstream
	out := make([]*core.Candle, limit)
	for i := range out {
		out[i] = &core.Candle{
			Symbol:   symbol,
			OpenTime: p.now().Add(time.Duration(i-limit) * time.Minute).UTC(),
			Open:     price, High: price, Low: price, Close: price,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out, nil
}

func (p *PaperExchange) SubmitOrder(_ context.Context, req *core.OrderRequest) (*core.Order, error) {
	price, _, stale := p.prices.Get(req.Symbol)
	if stale {
		return nil, fmt.Errorf("%w: no price for %s", apperrors.ErrStaleData, req.Symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.orders[req.ClientOrderID]; ok {
		return cloneOrder(existing), nil // idempotent resubmission
	}

	order := &core.Order{
		SchemaVersion: core.SchemaVersion,
		ExchangeID:    p.nextID.Add(1),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		CreatedAt:     p.now().UTC(),
		UpdatedAt:     p.now().UTC(),
	}

	fillPrice := price
	crosses := req.Type == core.TypeMarket ||
		(req.Side == core.SideBuy && req.Price.GreaterThanOrEqual(price)) ||
		(req.Side == core.SideSell && req.Price.LessThanOrEqual(price))
	if req.Type == core.TypeLimit && crosses {
		fillPrice = req.Price
	}

	if crosses {
		p.fillLocked(order, fillPrice)
	} else if req.TimeInForce == core.TIFIOC {
		order.Status = core.StatusCanceled
	} else {
		order.Status = core.StatusSubmitted
	}

	p.orders[req.ClientOrderID] = order
	return cloneOrder(order), nil
}

func (p *PaperExchange) SubmitOCO(_ context.Context, req *core.OCORequest) (*core.OCOOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tp := &core.Order{
		SchemaVersion: core.SchemaVersion,
		ExchangeID:    p.nextID.Add(1),
		ClientOrderID: req.TPClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          core.TypeLimit,
		Quantity:      req.Quantity,
		Price:         req.TPPrice,
		Status:        core.StatusSubmitted,
		CreatedAt:     p.now().UTC(),
		UpdatedAt:     p.now().UTC(),
	}
	sl := &core.Order{
		SchemaVersion: core.SchemaVersion,
		ExchangeID:    p.nextID.Add(1),
		ClientOrderID: req.SLClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          core.TypeStopLossLimit,
		Quantity:      req.Quantity,
		Price:         req.SLLimitPrice,
		Status:        core.StatusSubmitted,
		CreatedAt:     p.now().UTC(),
		UpdatedAt:     p.now().UTC(),
	}
	p.orders[tp.ClientOrderID] = tp
	p.orders[sl.ClientOrderID] = sl

	return &core.OCOOrder{
		Symbol:       req.Symbol,
		ListClientID: req.ListClientID,
		OrderIDs:     []int64{tp.ExchangeID, sl.ExchangeID},
	}, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, _, clientOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[clientOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if order.Status == core.StatusSubmitted || order.Status == core.StatusPartial {
		order.Status = core.StatusCanceled
		order.UpdatedAt = p.now().UTC()
	}
	return nil
}

func (p *PaperExchange) GetOrder(_ context.Context, _, clientOrderID string) (*core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[clientOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	p.settleLocked(order)
	return cloneOrder(order), nil
}

func (p *PaperExchange) OpenOrders(_ context.Context, symbol string) ([]*core.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*core.Order
	for _, order := range p.orders {
		p.settleLocked(order)
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		if order.Status == core.StatusSubmitted || order.Status == core.StatusPartial {
			out = append(out, cloneOrder(order))
		}
	}
	return out, nil
}

func (p *PaperExchange) AccountTrades(_ context.Context, symbol string, limit int) ([]*core.Fill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fills := p.fills[symbol]
	if len(fills) > limit {
		fills = fills[len(fills)-limit:]
	}
	out := make([]*core.Fill, len(fills))
	copy(out, fills)
	return out, nil
}

// settleLocked fills a resting order whose trigger price has been crossed.
func (p *PaperExchange) settleLocked(order *core.Order) {
	if order.Status != core.StatusSubmitted {
		return
	}
	price, _, stale := p.prices.Get(order.Symbol)
	if stale {
		return
	}
	var crossed bool
	switch {
	case order.Side == core.SideSell && order.Type == core.TypeLimit:
		crossed = price.GreaterThanOrEqual(order.Price)
	case order.Side == core.SideSell && order.Type == core.TypeStopLossLimit:
		crossed = price.LessThanOrEqual(order.Price)
	case order.Side == core.SideBuy && order.Type == core.TypeLimit:
		crossed = price.LessThanOrEqual(order.Price)
	}
	if crossed {
		p.fillLocked(order, order.Price)
	}
}

func (p *PaperExchange) fillLocked(order *core.Order, fillPrice decimal.Decimal) {
	order.Status = core.StatusFilled
	order.ExecutedQty = order.Quantity
	order.AvgFillPrice = fillPrice
	order.UpdatedAt = p.now().UTC()
	p.fills[order.Symbol] = append(p.fills[order.Symbol], &core.Fill{
		OrderID:       order.ExchangeID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         fillPrice,
		Quantity:      order.Quantity,
		QuoteQty:      fillPrice.Mul(order.Quantity),
		FilledAt:      p.now().UTC(),
	})
}

func cloneOrder(o *core.Order) *core.Order {
	cp := *o
	return &cp
}

var _ core.IExchange = (*PaperExchange)(nil)
