package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IExchange is the REST surface of a spot exchange as the core consumes it.
type IExchange interface {
	GetName() string
	Ping(ctx context.Context) error
	ServerTime(ctx context.Context) (time.Time, error)

	AccountBalances(ctx context.Context) (map[string]decimal.Decimal, error)
	SymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)
	TickerStats(ctx context.Context) ([]*TickerStat, error)
	BookTop(ctx context.Context, symbol string) (*BookTop, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]*Candle, error)

	SubmitOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	SubmitOCO(ctx context.Context, req *OCORequest) (*OCOOrder, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]*Order, error)
	AccountTrades(ctx context.Context, symbol string, limit int) ([]*Fill, error)
}

// IEventLog is the durable journal plus in-process fan-out bus. Subscribe
// accepts "*" as a wildcard; the returned func unsubscribes. Handlers that
// return an error (or panic) send the event to the dead letter queue.
type IEventLog interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(eventType string, handler func(*Event) error) func()
	Replay(from, to time.Time) ([]*Event, error)
	LastAppendAt() time.Time
}

// IPriceCache holds the latest observed price per symbol.
type IPriceCache interface {
	OnTick(symbol string, price decimal.Decimal, exchangeTime time.Time)
	Get(symbol string) (price decimal.Decimal, age time.Duration, stale bool)
	StaleFor(symbol string) time.Duration
	Symbols() []string
}

// IAllowList answers whether a symbol may be traded.
type IAllowList interface {
	IsAllowed(symbol string) (bool, AllowLayer)
	AddHot(symbol string)
	Entries() []AllowEntry
}

// IRiskState owns the persistent risk counters.
type IRiskState interface {
	Snapshot() RiskSnapshot
	ApplyOutcome(o *Outcome) error
	RecordEntry(symbol string) error
	StartCooldown(symbol string, until time.Time) error
	InCooldown(symbol string, now time.Time) bool
	SetKillSwitch(reason string) error
	KillSwitch() string
}

// ICircuitBreaker is the three-state machine over the risk state.
type ICircuitBreaker interface {
	State() CircuitState
	// AllowEntry reports whether a new entry may proceed right now. In
	// HALF_OPEN it consumes the single probe slot.
	AllowEntry() (bool, string)
	// ReleaseProbe returns an unused probe slot when an approved entry
	// never became a position.
	ReleaseProbe()
	RecordOutcome(label OutcomeLabel)
	Trip(reason string)
	Reset(operator string)
}

// IPositionTracker is the single authority on open positions.
type IPositionTracker interface {
	Open(p *Position) error
	Get(id string) (*Position, bool)
	GetBySymbol(symbol string) (*Position, bool)
	List() []*Position
	Count() int
	TotalNotional() decimal.Decimal
	Update(id string, mutate func(*Position)) error
	Close(id string) (*Position, error)
}

// IOrderExecutor turns decisions into exchange orders and exit requests into
// close orders.
type IOrderExecutor interface {
	ExecuteEntry(ctx context.Context, d *Decision) error
	ExecuteExit(ctx context.Context, req *ExitRequest) error
}

// IClassifier scores a feature vector; implementations wrap a pre-trained
// model whose bytes are hash-validated before loading.
type IClassifier interface {
	Score(features map[string]float64) (float64, error)
}

// ISentiment supplies the fundamental/sentiment adjustment in [0,1].
type ISentiment interface {
	Adjustment(symbol string) (float64, bool)
}

// ISecrets provides credentials by name.
type ISecrets interface {
	Get(name string) (string, error)
}

// INotifier delivers one-way operator notifications.
type INotifier interface {
	Notify(ctx context.Context, level, text string)
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
