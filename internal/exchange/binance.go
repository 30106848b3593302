// Package exchange adapts external spot venues to the IExchange surface the
// core consumes. The Binance adapter is the only live venue; the paper
// adapter serves DRY mode.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hope/internal/core"
	apperrors "hope/pkg/errors"
	"hope/pkg/telemetry"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
)

// BinanceExchange talks to Binance spot over REST.
type BinanceExchange struct {
	client *binance.Client
	logger core.ILogger
}

// NewBinance builds the adapter. testnet switches the client to the spot
// testnet endpoints; baseURL overrides either when non-empty.
func NewBinance(apiKey, secretKey, baseURL string, testnet bool, logger core.ILogger) *BinanceExchange {
	binance.UseTestnet = testnet
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceExchange{
		client: client,
		logger: logger.WithField("component", "binance"),
	}
}

func (b *BinanceExchange) GetName() string { return "binance" }

func (b *BinanceExchange) Ping(ctx context.Context) error {
	return classify(b.client.NewPingService().Do(ctx))
}

func (b *BinanceExchange) ServerTime(ctx context.Context) (time.Time, error) {
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, classify(err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (b *BinanceExchange) AccountBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	defer b.observe("account", time.Now())
	account, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string]decimal.Decimal, len(account.Balances))
	for _, bal := range account.Balances {
		free, err := decimal.NewFromString(bal.Free)
		if err != nil {
			continue
		}
		if free.IsPositive() {
			out[bal.Asset] = free
		}
	}
	return out, nil
}

func (b *BinanceExchange) SymbolInfo(ctx context.Context, symbol string) (*core.SymbolInfo, error) {
	defer b.observe("exchange_info", time.Now())
	info, err := b.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		out := &core.SymbolInfo{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
			Delisted:   s.Status != "TRADING",
		}
		if f := s.PriceFilter(); f != nil {
			out.TickSize, _ = decimal.NewFromString(f.TickSize)
		}
		if f := s.LotSizeFilter(); f != nil {
			out.StepSize, _ = decimal.NewFromString(f.StepSize)
		}
		if f := s.NotionalFilter(); f != nil {
			out.MinNotional, _ = decimal.NewFromString(f.MinNotional)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, symbol)
}

func (b *BinanceExchange) TickerStats(ctx context.Context) ([]*core.TickerStat, error) {
	defer b.observe("ticker_24h", time.Now())
	stats, err := b.client.NewListPriceChangeStatsService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*core.TickerStat, 0, len(stats))
	for _, s := range stats {
		last, err1 := decimal.NewFromString(s.LastPrice)
		vol, err2 := decimal.NewFromString(s.QuoteVolume)
		if err1 != nil || err2 != nil {
			continue
		}
		change, _ := decimal.NewFromString(s.PriceChangePercent)
		out = append(out, &core.TickerStat{
			Symbol:         s.Symbol,
			LastPrice:      last,
			QuoteVolume24h: vol,
			PriceChangePct: change.InexactFloat64(),
		})
	}
	return out, nil
}

func (b *BinanceExchange) BookTop(ctx context.Context, symbol string) (*core.BookTop, error) {
	defer b.observe("book_ticker", time.Now())
	tickers, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	if len(tickers) == 0 {
		return nil, fmt.Errorf("%w: no book for %s", apperrors.ErrInvalidSymbol, symbol)
	}
	t := tickers[0]
	top := &core.BookTop{Symbol: symbol, FetchAt: time.Now().UTC()}
	top.BidPx, _ = decimal.NewFromString(t.BidPrice)
	top.BidQty, _ = decimal.NewFromString(t.BidQuantity)
	top.AskPx, _ = decimal.NewFromString(t.AskPrice)
	top.AskQty, _ = decimal.NewFromString(t.AskQuantity)
	return top, nil
}

func (b *BinanceExchange) Klines(ctx context.Context, symbol, interval string, limit int) ([]*core.Candle, error) {
	defer b.observe("klines", time.Now())
	klines, err := b.client.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*core.Candle, 0, len(klines))
	for _, k := range klines {
		c := &core.Candle{Symbol: symbol, OpenTime: time.UnixMilli(k.OpenTime).UTC()}
		c.Open, _ = decimal.NewFromString(k.Open)
		c.High, _ = decimal.NewFromString(k.High)
		c.Low, _ = decimal.NewFromString(k.Low)
		c.Close, _ = decimal.NewFromString(k.Close)
		c.Volume, _ = decimal.NewFromString(k.Volume)
		out = append(out, c)
	}
	return out, nil
}

func (b *BinanceExchange) SubmitOrder(ctx context.Context, req *core.OrderRequest) (*core.Order, error) {
	defer b.observe("create_order", time.Now())

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Type(binance.OrderType(req.Type)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)
	if req.Type == core.TypeLimit {
		svc = svc.Price(req.Price.String()).
			TimeInForce(binance.TimeInForceType(req.TimeInForce))
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	order := &core.Order{
		SchemaVersion: core.SchemaVersion,
		ExchangeID:    resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        mapStatus(resp.Status),
		CreatedAt:     time.UnixMilli(resp.TransactTime).UTC(),
		UpdatedAt:     time.UnixMilli(resp.TransactTime).UTC(),
	}
	order.ExecutedQty, _ = decimal.NewFromString(resp.ExecutedQuantity)
	if quote, err := decimal.NewFromString(resp.CummulativeQuoteQuantity); err == nil &&
		order.ExecutedQty.IsPositive() {
		order.AvgFillPrice = quote.Div(order.ExecutedQty)
	}
	return order, nil
}

func (b *BinanceExchange) SubmitOCO(ctx context.Context, req *core.OCORequest) (*core.OCOOrder, error) {
	defer b.observe("create_oco", time.Now())

	resp, err := b.client.NewCreateOCOService().
		Symbol(req.Symbol).
		Side(binance.SideType(req.Side)).
		Quantity(req.Quantity.String()).
		Price(req.TPPrice.String()).
		StopPrice(req.SLStopPrice.String()).
		StopLimitPrice(req.SLLimitPrice.String()).
		StopLimitTimeInForce(binance.TimeInForceTypeGTC).
		ListClientOrderID(req.ListClientID).
		LimitClientOrderID(req.TPClientOrderID).
		StopClientOrderID(req.SLClientOrderID).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}

	out := &core.OCOOrder{Symbol: req.Symbol, ListClientID: resp.ListClientOrderID}
	for _, o := range resp.Orders {
		out.OrderIDs = append(out.OrderIDs, o.OrderID)
	}
	return out, nil
}

func (b *BinanceExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	defer b.observe("cancel_order", time.Now())
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	return classify(err)
}

func (b *BinanceExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	defer b.observe("get_order", time.Now())
	o, err := b.client.NewGetOrderService().
		Symbol(symbol).
		OrigClientOrderID(clientOrderID).
		Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return convertOrder(o), nil
}

func (b *BinanceExchange) OpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	defer b.observe("open_orders", time.Now())
	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*core.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func (b *BinanceExchange) AccountTrades(ctx context.Context, symbol string, limit int) ([]*core.Fill, error) {
	defer b.observe("account_trades", time.Now())
	trades, err := b.client.NewListTradesService().Symbol(symbol).Limit(limit).Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]*core.Fill, 0, len(trades))
	for _, t := range trades {
		f := &core.Fill{
			OrderID:  t.OrderID,
			Symbol:   symbol,
			FilledAt: time.UnixMilli(t.Time).UTC(),
		}
		if t.IsBuyer {
			f.Side = core.SideBuy
		} else {
			f.Side = core.SideSell
		}
		f.Price, _ = decimal.NewFromString(t.Price)
		f.Quantity, _ = decimal.NewFromString(t.Quantity)
		f.QuoteQty, _ = decimal.NewFromString(t.QuoteQuantity)
		f.Commission, _ = decimal.NewFromString(t.Commission)
		out = append(out, f)
	}
	return out, nil
}

func (b *BinanceExchange) observe(op string, start time.Time) {
	telemetry.GetGlobalMetrics().RecordExchangeLatency(context.Background(), op,
		float64(time.Since(start).Milliseconds()))
}

func convertOrder(o *binance.Order) *core.Order {
	out := &core.Order{
		SchemaVersion: core.SchemaVersion,
		ExchangeID:    o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.OrderSide(o.Side),
		Type:          core.OrderType(o.Type),
		Status:        mapStatus(o.Status),
		CreatedAt:     time.UnixMilli(o.Time).UTC(),
		UpdatedAt:     time.UnixMilli(o.UpdateTime).UTC(),
	}
	out.Quantity, _ = decimal.NewFromString(o.OrigQuantity)
	out.Price, _ = decimal.NewFromString(o.Price)
	out.ExecutedQty, _ = decimal.NewFromString(o.ExecutedQuantity)
	if quote, err := decimal.NewFromString(o.CummulativeQuoteQuantity); err == nil &&
		out.ExecutedQty.IsPositive() {
		out.AvgFillPrice = quote.Div(out.ExecutedQty)
	}
	return out
}

func mapStatus(s binance.OrderStatusType) core.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return core.StatusSubmitted
	case binance.OrderStatusTypePartiallyFilled:
		return core.StatusPartial
	case binance.OrderStatusTypeFilled:
		return core.StatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return core.StatusCanceled
	case binance.OrderStatusTypeRejected:
		return core.StatusRejected
	}
	return core.StatusPending
}

// classify maps Binance API errors onto the shared sentinels so retry logic
// can tell transient from permanent without knowing venue codes.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", apperrors.ErrNetwork, err)
	}
	switch apiErr.Code {
	case -2010, -2018:
		return fmt.Errorf("%w: %s", apperrors.ErrInsufficientFunds, apiErr.Message)
	case -1121:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidSymbol, apiErr.Message)
	case -1013:
		return fmt.Errorf("%w: %s", apperrors.ErrNotionalBelowMin, apiErr.Message)
	case -1003, -1015:
		return fmt.Errorf("%w: %s", apperrors.ErrRateLimitExceeded, apiErr.Message)
	case -1021:
		return fmt.Errorf("%w: %s", apperrors.ErrTimestampOutOfBounds, apiErr.Message)
	case -2011:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
	case -2013:
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, apiErr.Message)
	case -2014, -1022:
		return fmt.Errorf("%w: %s", apperrors.ErrAuthenticationFailed, apiErr.Message)
	case -1014, -1100, -1102, -1104, -1106:
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidOrderParameter, apiErr.Message)
	}
	if apiErr.Code >= -1099 && apiErr.Code <= -1000 {
		return fmt.Errorf("%w: binance %d: %s", apperrors.ErrNetwork, apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("%w: binance %d: %s", apperrors.ErrOrderRejected, apiErr.Code, apiErr.Message)
}

var _ core.IExchange = (*BinanceExchange)(nil)
