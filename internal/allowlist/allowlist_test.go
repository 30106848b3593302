package allowlist

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hope/internal/core"
	"hope/internal/mock"
	"hope/pkg/atomicfile"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newList(t *testing.T, ex core.IExchange) (*AllowList, string) {
	t.Helper()
	snapshot := filepath.Join(t.TempDir(), "allowlist.json")
	a := New(Config{
		CoreSymbols:      []string{"dogeusdt", "SHIBUSDT"},
		DynamicVolumeUSD: decimal.NewFromInt(10_000_000),
		RefreshInterval:  time.Hour,
		HotTTL:           15 * time.Minute,
		QuoteAsset:       "USDT",
		SnapshotPath:     snapshot,
	}, ex, nil, logging.NewNop())
	return a, snapshot
}

func TestCoreLayerAlwaysAllowed(t *testing.T) {
	a, _ := newList(t, mock.NewExchange())

	ok, layer := a.IsAllowed("DOGEUSDT")
	assert.True(t, ok)
	assert.Equal(t, core.LayerCore, layer)

	// lowercase input and lowercase config both normalize
	ok, _ = a.IsAllowed("shibusdt")
	assert.True(t, ok)

	ok, _ = a.IsAllowed("PEPEUSDT")
	assert.False(t, ok)
}

func TestHotLayerExpiresOnTTL(t *testing.T) {
	a, _ := newList(t, mock.NewExchange())
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.SetClock(func() time.Time { return clock })

	a.AddHot("PEPEUSDT")
	ok, layer := a.IsAllowed("PEPEUSDT")
	require.True(t, ok)
	assert.Equal(t, core.LayerHot, layer)

	clock = clock.Add(16 * time.Minute)
	ok, _ = a.IsAllowed("PEPEUSDT")
	assert.False(t, ok, "hot entry expired")
}

func TestAddHotNeverDowngradesCore(t *testing.T) {
	a, _ := newList(t, mock.NewExchange())

	a.AddHot("DOGEUSDT")
	_, layer := a.IsAllowed("DOGEUSDT")
	assert.Equal(t, core.LayerCore, layer)
}

func TestDynamicRefreshFromVolumeSnapshot(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetTickers(
		&core.TickerStat{Symbol: "PEPEUSDT", QuoteVolume24h: decimal.NewFromInt(50_000_000)},
		&core.TickerStat{Symbol: "FLOKIUSDT", QuoteVolume24h: decimal.NewFromInt(2_000_000)},
		&core.TickerStat{Symbol: "PEPEBTC", QuoteVolume24h: decimal.NewFromInt(90_000_000)},
	)
	a, snapshot := newList(t, ex)

	require.NoError(t, a.refreshDynamic(context.Background()))

	ok, layer := a.IsAllowed("PEPEUSDT")
	require.True(t, ok)
	assert.Equal(t, core.LayerDynamic, layer)

	ok, _ = a.IsAllowed("FLOKIUSDT")
	assert.False(t, ok, "below the volume threshold")
	ok, _ = a.IsAllowed("PEPEBTC")
	assert.False(t, ok, "wrong quote asset")

	var persisted []core.AllowEntry
	require.NoError(t, atomicfile.ReadJSON(snapshot, &persisted))
	assert.Len(t, persisted, 3, "core pair plus the dynamic symbol")
}

func TestDynamicRefreshReplacesPreviousSnapshot(t *testing.T) {
	ex := mock.NewExchange()
	ex.SetTickers(&core.TickerStat{Symbol: "PEPEUSDT", QuoteVolume24h: decimal.NewFromInt(50_000_000)})
	a, _ := newList(t, ex)
	require.NoError(t, a.refreshDynamic(context.Background()))

	// volume collapsed; the next snapshot evicts the symbol
	ex.SetTickers(&core.TickerStat{Symbol: "PEPEUSDT", QuoteVolume24h: decimal.NewFromInt(1_000)})
	require.NoError(t, a.refreshDynamic(context.Background()))

	ok, _ := a.IsAllowed("PEPEUSDT")
	assert.False(t, ok)
}
