// Package core defines the domain model and component interfaces for the
// HOPE trading core.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// SchemaVersion is stamped on every persisted entity and event.
const SchemaVersion = 1

// Mode selects how the process talks to the exchange.
type Mode string

const (
	ModeDry     Mode = "DRY"
	ModeTestnet Mode = "TESTNET"
	ModeLive    Mode = "LIVE"
)

// StrategyTag identifies the detector that produced a signal.
type StrategyTag string

const (
	StrategyPump        StrategyTag = "PUMP"
	StrategyMomentum24h StrategyTag = "MOMENTUM_24H"
	StrategyTrending    StrategyTag = "TRENDING"
	StrategyExplosion   StrategyTag = "EXPLOSION"
)

// Signal is a normalized inbound trading hint.
type Signal struct {
	SchemaVersion  int             `json:"schema_version"`
	ID             string          `json:"id"`
	CorrelationID  string          `json:"correlation_id"`
	Symbol         string          `json:"symbol"`
	Strategy       StrategyTag     `json:"strategy_tag"`
	Price          decimal.Decimal `json:"price"`
	DeltaPct       float64         `json:"delta_pct"`
	BuysPerSec     float64         `json:"buys_per_sec,omitempty"`
	VolRaisePct    float64         `json:"vol_raise_pct,omitempty"`
	DailyVolumeUSD decimal.Decimal `json:"daily_volume_usd"`
	ProducedAt     time.Time       `json:"produced_at"`
	ReceivedAt     time.Time       `json:"received_at"`
	Source         string          `json:"source"`
}

// GateResult is the verdict of the seven-guard signal gate.
type GateResult struct {
	CorrelationID string            `json:"correlation_id"`
	Symbol        string            `json:"symbol"`
	OK            bool              `json:"ok"`
	Reason        string            `json:"reason,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}

// SignalTier classifies the strength of an admitted signal.
type SignalTier string

const (
	TierStrong   SignalTier = "STRONG"
	TierMedium   SignalTier = "MEDIUM"
	TierWeak     SignalTier = "WEAK"
	TierMomentum SignalTier = "MOMENTUM"
	TierNoise    SignalTier = "NOISE"
)

// Action is the final call of the decision engine.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSkip Action = "SKIP"
)

// Decision carries everything both chambers computed for one signal.
type Decision struct {
	SchemaVersion   int             `json:"schema_version"`
	CorrelationID   string          `json:"correlation_id"`
	Symbol          string          `json:"symbol"`
	Action          Action          `json:"action"`
	Tier            SignalTier      `json:"signal_tier"`
	Confidence      float64         `json:"confidence"`
	AlphaScore      float64         `json:"alpha_score"`
	RiskApproved    bool            `json:"risk_approved"`
	RiskReasons     []string        `json:"risk_reasons,omitempty"`
	SkipReasons     []string        `json:"skip_reasons,omitempty"`
	PositionSizeUSD decimal.Decimal `json:"position_size_usd"`
	EntryPriceHint  decimal.Decimal `json:"entry_price_hint"`
	TPPct           float64         `json:"tp_pct"`
	SLPct           float64         `json:"sl_pct"`
	TimeoutSec      int             `json:"timeout_sec"`
	DecidedAt       time.Time       `json:"decided_at"`
}

// OrderSide is BUY or SELL.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// OrderType covers the order types the core places.
type OrderType string

const (
	TypeLimit         OrderType = "LIMIT"
	TypeMarket        OrderType = "MARKET"
	TypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

// OrderStatus follows the lifecycle pending -> submitted -> filled/rejected/canceled.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusFilled    OrderStatus = "FILLED"
	StatusRejected  OrderStatus = "REJECTED"
	StatusCanceled  OrderStatus = "CANCELED"
)

// TimeInForce for limit orders.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// OrderRequest is an intent handed to the exchange adapter.
type OrderRequest struct {
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Type          OrderType       `json:"type"`
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price,omitempty"`
	ClientOrderID string          `json:"client_order_id"`
}

// OCORequest pairs a take-profit limit with a stop-loss-limit.
type OCORequest struct {
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Quantity        decimal.Decimal `json:"quantity"`
	TPPrice         decimal.Decimal `json:"tp_price"`
	SLStopPrice     decimal.Decimal `json:"sl_stop_price"`
	SLLimitPrice    decimal.Decimal `json:"sl_limit_price"`
	ListClientID    string          `json:"list_client_id"`
	TPClientOrderID string          `json:"tp_client_order_id"`
	SLClientOrderID string          `json:"sl_client_order_id"`
}

// OCOOrder is the exchange's acknowledgment of an OCO pair.
type OCOOrder struct {
	Symbol       string  `json:"symbol"`
	ListClientID string  `json:"list_client_id"`
	OrderIDs     []int64 `json:"order_ids"`
}

// Order is the journaled state of one exchange order.
type Order struct {
	SchemaVersion  int             `json:"schema_version"`
	CorrelationID  string          `json:"correlation_id"`
	ExchangeID     int64           `json:"exchange_id,omitempty"`
	ClientOrderID  string          `json:"client_order_id"`
	Symbol         string          `json:"symbol"`
	Side           OrderSide       `json:"side"`
	Type           OrderType       `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price,omitempty"`
	ExecutedQty    decimal.Decimal `json:"executed_qty"`
	AvgFillPrice   decimal.Decimal `json:"avg_fill_price"`
	Status         OrderStatus     `json:"status"`
	RejectReason   string          `json:"reject_reason,omitempty"`
	EntryPriceHint decimal.Decimal `json:"entry_price_hint,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Fill is one execution report for an order.
type Fill struct {
	CorrelationID string          `json:"correlation_id"`
	OrderID       int64           `json:"order_id"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	Side          OrderSide       `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	QuoteQty      decimal.Decimal `json:"quote_qty"`
	Commission    decimal.Decimal `json:"commission"`
	FilledAt      time.Time       `json:"filled_at"`
}

// Position is an open holding, owned exclusively by the position tracker.
type Position struct {
	SchemaVersion    int             `json:"schema_version"`
	ID               string          `json:"id"`
	CorrelationID    string          `json:"correlation_id"`
	Symbol           string          `json:"symbol"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryTime        time.Time       `json:"entry_time"`
	TPPrice          decimal.Decimal `json:"tp_price"`
	SLPrice          decimal.Decimal `json:"sl_price"`
	TimeoutAt        time.Time       `json:"timeout_at"`
	ExchangeOrderIDs []int64         `json:"exchange_order_ids"`
	HighestPriceSeen decimal.Decimal `json:"highest_price_seen"`
	LowestPriceSeen  decimal.Decimal `json:"lowest_price_seen"`
	TrailingArmed    bool            `json:"trailing_armed"`
	PartialTaken     bool            `json:"partial_taken"`
	ClosingSeq       int64           `json:"closing_seq"`
	Orphan           bool            `json:"orphan,omitempty"`
}

// ExitReason enumerates why the watchdog wants a position closed.
type ExitReason string

const (
	ExitTP              ExitReason = "TP"
	ExitSL              ExitReason = "SL"
	ExitTimeout         ExitReason = "TIMEOUT"
	ExitTrailing        ExitReason = "TRAILING"
	ExitPartialTP       ExitReason = "PARTIAL_TP"
	ExitPanicStalePrice ExitReason = "PANIC_STALE_PRICE"
	ExitPanicAPISilent  ExitReason = "PANIC_API_SILENT"
	ExitCircuitBreaker  ExitReason = "CIRCUIT_BREAKER"
)

// ExitRequest asks the executor to close (part of) a position.
type ExitRequest struct {
	SchemaVersion int             `json:"schema_version"`
	PositionID    string          `json:"position_id"`
	CorrelationID string          `json:"correlation_id"`
	Symbol        string          `json:"symbol"`
	Reason        ExitReason      `json:"reason"`
	Quantity      decimal.Decimal `json:"quantity"`
	Attempt       int64           `json:"attempt"`
	RequestedAt   time.Time       `json:"requested_at"`
}

// OutcomeLabel classifies a finished trade.
type OutcomeLabel string

const (
	LabelWin  OutcomeLabel = "WIN"
	LabelLoss OutcomeLabel = "LOSS"
	LabelFlat OutcomeLabel = "FLAT"
)

// Outcome is the finalized record of one closed trade.
type Outcome struct {
	SchemaVersion int             `json:"schema_version"`
	PositionID    string          `json:"position_id"`
	CorrelationID string          `json:"correlation_id"`
	Symbol        string          `json:"symbol"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	ExitPrice     decimal.Decimal `json:"exit_price"`
	Quantity      decimal.Decimal `json:"quantity"`
	PnLUSD        decimal.Decimal `json:"pnl_usd"`
	PnLPct        float64         `json:"pnl_pct"`
	MFEPct        float64         `json:"mfe_pct"`
	MAEPct        float64         `json:"mae_pct"`
	DurationSec   int64           `json:"duration_sec"`
	ExitReason    ExitReason      `json:"exit_reason"`
	Label         OutcomeLabel    `json:"label"`
	ClosedAt      time.Time       `json:"closed_at"`
}

// AllowLayer is the origin of an allowlist entry.
type AllowLayer string

const (
	LayerCore    AllowLayer = "CORE"
	LayerDynamic AllowLayer = "DYNAMIC"
	LayerHot     AllowLayer = "HOT"
)

// AllowEntry is one tradable symbol with its provenance and TTL.
type AllowEntry struct {
	Symbol    string     `json:"symbol"`
	Layer     AllowLayer `json:"layer"`
	AddedAt   time.Time  `json:"added_at"`
	ExpiresAt time.Time  `json:"expires_at,omitempty"`
}

// CircuitState is the breaker position.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// RiskSnapshot is the persisted risk state.
type RiskSnapshot struct {
	SchemaVersion     int                  `json:"schema_version"`
	Day               string               `json:"day"` // UTC date, YYYY-MM-DD
	DailyPnLUSD       decimal.Decimal      `json:"daily_pnl_usd"`
	DailyLossesCount  int                  `json:"daily_losses_count"`
	DailyWinsCount    int                  `json:"daily_wins_count"`
	DailyTradeCount   int                  `json:"daily_trade_count"`
	ConsecutiveLosses int                  `json:"consecutive_losses"`
	WinsSinceAdjust   int                  `json:"wins_since_adjust"`
	CooldownUntil     map[string]time.Time `json:"per_symbol_cooldown_until"`
	KillSwitch        string               `json:"kill_switch"` // "off" or the trip reason
	UpdatedAt         time.Time            `json:"updated_at"`
}

// Candle is one OHLCV bar.
type Candle struct {
	Symbol   string          `json:"symbol"`
	OpenTime time.Time       `json:"open_time"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"close"`
	Volume   decimal.Decimal `json:"volume"`
}

// BookTop is the best bid/ask of an orderbook.
type BookTop struct {
	Symbol  string          `json:"symbol"`
	BidPx   decimal.Decimal `json:"bid_px"`
	BidQty  decimal.Decimal `json:"bid_qty"`
	AskPx   decimal.Decimal `json:"ask_px"`
	AskQty  decimal.Decimal `json:"ask_qty"`
	FetchAt time.Time       `json:"fetch_at"`
}

// SymbolInfo carries the exchange trading rules the executor must respect.
type SymbolInfo struct {
	Symbol      string          `json:"symbol"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinNotional decimal.Decimal `json:"min_notional"`
	Delisted    bool            `json:"delisted"`
}

// TickerStat is a 24h rolling ticker snapshot used by the dynamic allowlist.
type TickerStat struct {
	Symbol         string          `json:"symbol"`
	LastPrice      decimal.Decimal `json:"last_price"`
	QuoteVolume24h decimal.Decimal `json:"quote_volume_24h"`
	PriceChangePct float64         `json:"price_change_pct"`
}
