// Package position owns the authoritative set of open positions and keeps
// it reconciled with the exchange.
package position

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"hope/internal/core"
	"hope/pkg/atomicfile"

	"github.com/shopspring/decimal"
)

// Tracker is the single authority on open positions. Every mutation writes
// the full set through to state/positions.json.
type Tracker struct {
	mu     sync.RWMutex
	byID   map[string]*core.Position
	path   string
	logger core.ILogger
}

// NewTracker loads the persisted set, or starts empty when none exists.
func NewTracker(path string, logger core.ILogger) (*Tracker, error) {
	t := &Tracker{
		byID:   make(map[string]*core.Position),
		path:   path,
		logger: logger.WithField("component", "position_tracker"),
	}
	var persisted []*core.Position
	if err := atomicfile.ReadJSON(path, &persisted); err == nil {
		for _, p := range persisted {
			t.byID[p.ID] = p
		}
	}
	return t, nil
}

// Open inserts a new position. A duplicate ID or a second position on the
// same symbol is refused.
func (t *Tracker) Open(p *core.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[p.ID]; ok {
		return fmt.Errorf("position %s already open", p.ID)
	}
	for _, existing := range t.byID {
		if existing.Symbol == p.Symbol {
			return fmt.Errorf("symbol %s already has open position %s", p.Symbol, existing.ID)
		}
	}
	t.byID[p.ID] = p
	return t.persistLocked()
}

// Get returns a copy of the position by ID.
func (t *Tracker) Get(id string) (*core.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	return clone(p), true
}

// GetBySymbol returns a copy of the open position on symbol, if any.
func (t *Tracker) GetBySymbol(symbol string) (*core.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.byID {
		if p.Symbol == symbol {
			return clone(p), true
		}
	}
	return nil, false
}

// List returns copies of all open positions, ordered by entry time.
func (t *Tracker) List() []*core.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*core.Position, 0, len(t.byID))
	for _, p := range t.byID {
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// Count returns the number of open positions.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// TotalNotional sums entry price times quantity across the open set.
func (t *Tracker) TotalNotional() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, p := range t.byID {
		total = total.Add(p.EntryPrice.Mul(p.Quantity))
	}
	return total
}

// Update applies mutate under the lock and persists. The watchdog uses this
// for watermarks and the closing counter.
func (t *Tracker) Update(id string, mutate func(*core.Position)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("position %s not open", id)
	}
	mutate(p)
	return t.persistLocked()
}

// Close removes the position and returns its final state.
func (t *Tracker) Close(id string) (*core.Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("position %s not open", id)
	}
	delete(t.byID, id)
	if err := t.persistLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *Tracker) persistLocked() error {
	if t.path == "" {
		return nil
	}
	all := make([]*core.Position, 0, len(t.byID))
	for _, p := range t.byID {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	if err := atomicfile.WriteJSON(t.path, all); err != nil {
		return fmt.Errorf("persist positions: %w", err)
	}
	return nil
}

func clone(p *core.Position) *core.Position {
	cp := *p
	cp.ExchangeOrderIDs = append([]int64(nil), p.ExchangeOrderIDs...)
	return &cp
}

// DefaultStatePath returns the canonical snapshot location under dataDir.
func DefaultStatePath(dataDir string) string {
	return filepath.Join(dataDir, "state", "positions.json")
}

var _ core.IPositionTracker = (*Tracker)(nil)
