// Package mock provides test doubles for the exchange surface.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hope/internal/core"
	apperrors "hope/pkg/errors"

	"github.com/shopspring/decimal"
)

// Exchange implements IExchange for testing. Behavior per symbol is scripted
// through the Set* helpers; order submission honors client-order-ID
// idempotency exactly like the live venue.
type Exchange struct {
	mu sync.Mutex

	balances  map[string]decimal.Decimal
	prices    map[string]decimal.Decimal
	books     map[string]*core.BookTop
	candles   map[string][]*core.Candle
	infos     map[string]*core.SymbolInfo
	tickers   []*core.TickerStat
	trades    map[string][]*core.Fill
	orders    map[string]*core.Order
	ocoLists  []*core.OCORequest
	nextID    int64
	clockSkew time.Duration

	// scripted failures
	failSubmit    map[string]error // by client order ID prefix match is exact
	failOCO       error
	failPing      error
	submitAttempt map[string]int

	// IOC behavior: fraction of the requested quantity filled by an IOC
	// limit order; 1 fills fully, 0 fills nothing
	iocFillFraction decimal.Decimal
}

// NewExchange builds a mock venue with a 10k USDT account.
func NewExchange() *Exchange {
	return &Exchange{
		balances:        map[string]decimal.Decimal{"USDT": decimal.NewFromInt(10000)},
		prices:          make(map[string]decimal.Decimal),
		books:           make(map[string]*core.BookTop),
		candles:         make(map[string][]*core.Candle),
		infos:           make(map[string]*core.SymbolInfo),
		trades:          make(map[string][]*core.Fill),
		orders:          make(map[string]*core.Order),
		failSubmit:      make(map[string]error),
		submitAttempt:   make(map[string]int),
		nextID:          1000,
		iocFillFraction: decimal.NewFromInt(1),
	}
}

// SetPrice scripts the last price and a tight synthetic book around it.
func (m *Exchange) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	spread := price.Mul(decimal.NewFromFloat(0.0001))
	m.books[symbol] = &core.BookTop{
		Symbol: symbol,
		BidPx:  price.Sub(spread), BidQty: decimal.NewFromInt(5000),
		AskPx: price.Add(spread), AskQty: decimal.NewFromInt(5000),
		FetchAt: time.Now().UTC(),
	}
}

// SetBalance scripts a free balance.
func (m *Exchange) SetBalance(asset string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[asset] = free
}

// SetCandles scripts kline history.
func (m *Exchange) SetCandles(symbol string, candles []*core.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

// SetSymbolInfo scripts trading rules.
func (m *Exchange) SetSymbolInfo(info *core.SymbolInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos[info.Symbol] = info
}

// SetTickers scripts the 24h stats snapshot.
func (m *Exchange) SetTickers(stats ...*core.TickerStat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers = stats
}

// SetTrades scripts account trade history.
func (m *Exchange) SetTrades(symbol string, fills []*core.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[symbol] = fills
}

// FailSubmit scripts an error for a specific client order ID. A nil error
// clears the script.
func (m *Exchange) FailSubmit(clientOrderID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failSubmit, clientOrderID)
		return
	}
	m.failSubmit[clientOrderID] = err
}

// FailPing scripts exchange unreachability.
func (m *Exchange) FailPing(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPing = err
}

// FailOCO scripts OCO placement failure.
func (m *Exchange) FailOCO(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOCO = err
}

// SetIOCFillFraction scripts how much of an IOC limit order fills.
func (m *Exchange) SetIOCFillFraction(f decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.iocFillFraction = f
}

// SubmitAttempts reports how many times a client order ID was submitted.
func (m *Exchange) SubmitAttempts(clientOrderID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submitAttempt[clientOrderID]
}

// OCORequests returns every OCO request received, in order.
func (m *Exchange) OCORequests() []*core.OCORequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.OCORequest, len(m.ocoLists))
	copy(out, m.ocoLists)
	return out
}

// Orders returns a snapshot of every order received, keyed by client ID.
func (m *Exchange) Orders() map[string]*core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*core.Order, len(m.orders))
	for k, v := range m.orders {
		cp := *v
		out[k] = &cp
	}
	return out
}

func (m *Exchange) GetName() string { return "mock" }

func (m *Exchange) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failPing
}

func (m *Exchange) ServerTime(context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Now().Add(m.clockSkew).UTC(), nil
}

func (m *Exchange) AccountBalances(context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *Exchange) SymbolInfo(_ context.Context, symbol string) (*core.SymbolInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.infos[symbol]; ok {
		return info, nil
	}
	return &core.SymbolInfo{
		Symbol:      symbol,
		QuoteAsset:  "USDT",
		TickSize:    decimal.New(1, -6),
		StepSize:    decimal.New(1, -2),
		MinNotional: decimal.NewFromInt(5),
	}, nil
}

func (m *Exchange) TickerStats(context.Context) ([]*core.TickerStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tickers, nil
}

func (m *Exchange) BookTop(_ context.Context, symbol string) (*core.BookTop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
	}
	return book, nil
}

func (m *Exchange) Klines(_ context.Context, symbol, _ string, limit int) ([]*core.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candles := m.candles[symbol]
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

func (m *Exchange) SubmitOrder(_ context.Context, req *core.OrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submitAttempt[req.ClientOrderID]++
	if err, ok := m.failSubmit[req.ClientOrderID]; ok {
		return nil, err
	}
	if existing, ok := m.orders[req.ClientOrderID]; ok {
		cp := *existing
		return &cp, nil // duplicate client ID never creates a second order
	}

	m.nextID++
	order := &core.Order{
		SchemaVersion: core.SchemaVersion,
		ExchangeID:    m.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	switch {
	case req.Type == core.TypeMarket:
		order.Status = core.StatusFilled
		order.ExecutedQty = req.Quantity
		order.AvgFillPrice = m.prices[req.Symbol]
	case req.TimeInForce == core.TIFIOC:
		filled := req.Quantity.Mul(m.iocFillFraction)
		switch {
		case filled.IsZero():
			order.Status = core.StatusCanceled
		case filled.Equal(req.Quantity):
			order.Status = core.StatusFilled
		default:
			order.Status = core.StatusPartial
		}
		order.ExecutedQty = filled
		order.AvgFillPrice = req.Price
	default:
		order.Status = core.StatusSubmitted
	}

	m.orders[req.ClientOrderID] = order
	cp := *order
	return &cp, nil
}

func (m *Exchange) SubmitOCO(_ context.Context, req *core.OCORequest) (*core.OCOOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOCO != nil {
		return nil, m.failOCO
	}
	m.ocoLists = append(m.ocoLists, req)

	var ids []int64
	for _, clientID := range []string{req.TPClientOrderID, req.SLClientOrderID} {
		m.nextID++
		m.orders[clientID] = &core.Order{
			SchemaVersion: core.SchemaVersion,
			ExchangeID:    m.nextID,
			ClientOrderID: clientID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Status:        core.StatusSubmitted,
			CreatedAt:     time.Now().UTC(),
			UpdatedAt:     time.Now().UTC(),
		}
		ids = append(ids, m.nextID)
	}
	return &core.OCOOrder{Symbol: req.Symbol, ListClientID: req.ListClientID, OrderIDs: ids}, nil
}

func (m *Exchange) CancelOrder(_ context.Context, _, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		return apperrors.ErrOrderNotFound
	}
	if order.Status == core.StatusSubmitted || order.Status == core.StatusPartial {
		order.Status = core.StatusCanceled
	}
	return nil
}

func (m *Exchange) GetOrder(_ context.Context, _, clientOrderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[clientOrderID]
	if !ok {
		return nil, apperrors.ErrOrderNotFound
	}
	cp := *order
	return &cp, nil
}

func (m *Exchange) OpenOrders(_ context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*core.Order
	for _, order := range m.orders {
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		if order.Status == core.StatusSubmitted || order.Status == core.StatusPartial {
			cp := *order
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *Exchange) AccountTrades(_ context.Context, symbol string, limit int) ([]*core.Fill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fills := m.trades[symbol]
	if len(fills) > limit {
		fills = fills[len(fills)-limit:]
	}
	return fills, nil
}

var _ core.IExchange = (*Exchange)(nil)
