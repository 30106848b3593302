package exchange

import (
	"context"
	"testing"
	"time"

	"hope/internal/core"
	"hope/internal/market"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPaper(t *testing.T) (*PaperExchange, *market.PriceCache) {
	t.Helper()
	prices := market.NewPriceCache(10 * time.Second)
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.10), time.Now())
	return NewPaper(prices, "USDT", decimal.NewFromInt(1000), logging.NewNop()), prices
}

func TestPaperMarketOrderFillsAtCachePrice(t *testing.T) {
	p, _ := newPaper(t)

	order, err := p.SubmitOrder(context.Background(), &core.OrderRequest{
		ClientOrderID: "HOPE-m1",
		Symbol:        "DOGEUSDT",
		Side:          core.SideBuy,
		Type:          core.TypeMarket,
		Quantity:      decimal.NewFromInt(300),
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, order.Status)
	assert.True(t, order.AvgFillPrice.Equal(decimal.NewFromFloat(0.10)))

	fills, err := p.AccountTrades(context.Background(), "DOGEUSDT", 10)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].QuoteQty.Equal(decimal.NewFromInt(30)))
}

func TestPaperIOCBelowMarketCancels(t *testing.T) {
	p, _ := newPaper(t)

	order, err := p.SubmitOrder(context.Background(), &core.OrderRequest{
		ClientOrderID: "HOPE-ioc1",
		Symbol:        "DOGEUSDT",
		Side:          core.SideBuy,
		Type:          core.TypeLimit,
		TimeInForce:   core.TIFIOC,
		Quantity:      decimal.NewFromInt(300),
		Price:         decimal.NewFromFloat(0.09), // below market, cannot cross
	})
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, order.Status)
}

func TestPaperDuplicateClientIDReturnsSameOrder(t *testing.T) {
	p, _ := newPaper(t)
	req := &core.OrderRequest{
		ClientOrderID: "HOPE-dup",
		Symbol:        "DOGEUSDT",
		Side:          core.SideBuy,
		Type:          core.TypeMarket,
		Quantity:      decimal.NewFromInt(100),
	}

	first, err := p.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := p.SubmitOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ExchangeID, second.ExchangeID)

	fills, _ := p.AccountTrades(context.Background(), "DOGEUSDT", 10)
	assert.Len(t, fills, 1, "resubmission does not fill twice")
}

func TestPaperOCOLegsSettleOnPriceCross(t *testing.T) {
	p, prices := newPaper(t)

	_, err := p.SubmitOCO(context.Background(), &core.OCORequest{
		Symbol:          "DOGEUSDT",
		Side:            core.SideSell,
		Quantity:        decimal.NewFromInt(300),
		TPPrice:         decimal.NewFromFloat(0.103),
		SLStopPrice:     decimal.NewFromFloat(0.099),
		SLLimitPrice:    decimal.NewFromFloat(0.0989),
		ListClientID:    "HOPE-oco",
		TPClientOrderID: "HOPE-tp",
		SLClientOrderID: "HOPE-sl",
	})
	require.NoError(t, err)

	open, err := p.OpenOrders(context.Background(), "DOGEUSDT")
	require.NoError(t, err)
	assert.Len(t, open, 2, "both legs rest")

	// price runs through the take profit
	prices.OnTick("DOGEUSDT", decimal.NewFromFloat(0.104), time.Now())
	tp, err := p.GetOrder(context.Background(), "DOGEUSDT", "HOPE-tp")
	require.NoError(t, err)
	assert.Equal(t, core.StatusFilled, tp.Status)
	assert.True(t, tp.AvgFillPrice.Equal(decimal.NewFromFloat(0.103)))
}

func TestPaperCancelRestingOrder(t *testing.T) {
	p, _ := newPaper(t)

	_, err := p.SubmitOrder(context.Background(), &core.OrderRequest{
		ClientOrderID: "HOPE-rest",
		Symbol:        "DOGEUSDT",
		Side:          core.SideSell,
		Type:          core.TypeLimit,
		Quantity:      decimal.NewFromInt(300),
		Price:         decimal.NewFromFloat(0.12), // above market, rests
	})
	require.NoError(t, err)

	require.NoError(t, p.CancelOrder(context.Background(), "DOGEUSDT", "HOPE-rest"))
	order, err := p.GetOrder(context.Background(), "DOGEUSDT", "HOPE-rest")
	require.NoError(t, err)
	assert.Equal(t, core.StatusCanceled, order.Status)

	assert.Error(t, p.CancelOrder(context.Background(), "DOGEUSDT", "HOPE-missing"))
}
