// Package risk owns the persistent risk counters, the circuit breaker over
// them, and the veto chamber of the decision engine.
package risk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"hope/internal/core"
	"hope/pkg/atomicfile"

	"github.com/shopspring/decimal"
)

// KillSwitchOff is the kill switch value when trading is permitted.
const KillSwitchOff = "off"

// State is the single owner of the persistent risk counters. Every mutation
// is written through to state/risk.json so a restart resumes with the same
// loss streak and daily totals.
type State struct {
	mu     sync.Mutex
	snap   core.RiskSnapshot
	path   string
	logger core.ILogger
	now    func() time.Time
}

// NewState loads the snapshot from path, or starts fresh when none exists.
func NewState(path string, logger core.ILogger) (*State, error) {
	s := &State{
		path:   path,
		logger: logger.WithField("component", "risk_state"),
		now:    time.Now,
	}
	var snap core.RiskSnapshot
	err := atomicfile.ReadJSON(path, &snap)
	switch {
	case err == nil:
		s.snap = snap
	case os.IsNotExist(err):
		s.snap = freshSnapshot(s.now())
	default:
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	if s.snap.CooldownUntil == nil {
		s.snap.CooldownUntil = make(map[string]time.Time)
	}
	if s.snap.KillSwitch == "" {
		s.snap.KillSwitch = KillSwitchOff
	}
	return s, nil
}

func freshSnapshot(now time.Time) core.RiskSnapshot {
	return core.RiskSnapshot{
		SchemaVersion: core.SchemaVersion,
		Day:           now.UTC().Format("2006-01-02"),
		DailyPnLUSD:   decimal.Zero,
		CooldownUntil: make(map[string]time.Time),
		KillSwitch:    KillSwitchOff,
	}
}

// Snapshot returns a copy of the current state, rolling the daily counters
// first if the UTC day changed.
func (s *State) Snapshot() core.RiskSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rolloverLocked()
	return s.copyLocked()
}

func (s *State) copyLocked() core.RiskSnapshot {
	cp := s.snap
	cp.CooldownUntil = make(map[string]time.Time, len(s.snap.CooldownUntil))
	for k, v := range s.snap.CooldownUntil {
		cp.CooldownUntil[k] = v
	}
	return cp
}

// rolloverLocked resets daily counters at 00:00 UTC. Consecutive losses
// survive the rollover; only daily totals reset.
func (s *State) rolloverLocked() {
	today := s.now().UTC().Format("2006-01-02")
	if s.snap.Day == today {
		return
	}
	s.logger.Info("Daily risk counters rolled over", "previous_day", s.snap.Day)
	s.snap.Day = today
	s.snap.DailyPnLUSD = decimal.Zero
	s.snap.DailyLossesCount = 0
	s.snap.DailyWinsCount = 0
	s.snap.DailyTradeCount = 0
}

// ApplyOutcome folds a finished trade into the counters.
func (s *State) ApplyOutcome(o *core.Outcome) error {
	s.mu.Lock()
	s.rolloverLocked()

	s.snap.DailyPnLUSD = s.snap.DailyPnLUSD.Add(o.PnLUSD)
	switch o.Label {
	case core.LabelWin:
		s.snap.DailyWinsCount++
		s.snap.ConsecutiveLosses = 0
		s.snap.WinsSinceAdjust++
	case core.LabelLoss:
		s.snap.DailyLossesCount++
		s.snap.ConsecutiveLosses++
		s.snap.WinsSinceAdjust = 0
	}
	s.snap.UpdatedAt = s.now().UTC()
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// RecordEntry counts one new trade against the daily limit.
func (s *State) RecordEntry(symbol string) error {
	s.mu.Lock()
	s.rolloverLocked()
	s.snap.DailyTradeCount++
	s.snap.UpdatedAt = s.now().UTC()
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// StartCooldown blocks re-entry on symbol until the given time.
func (s *State) StartCooldown(symbol string, until time.Time) error {
	s.mu.Lock()
	s.snap.CooldownUntil[symbol] = until.UTC()
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// InCooldown reports whether symbol is still cooling down at now.
func (s *State) InCooldown(symbol string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.snap.CooldownUntil[symbol]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(s.snap.CooldownUntil, symbol)
		return false
	}
	return true
}

// SetKillSwitch trips or clears the operator kill switch.
func (s *State) SetKillSwitch(reason string) error {
	if reason == "" {
		reason = KillSwitchOff
	}
	s.mu.Lock()
	s.snap.KillSwitch = reason
	s.snap.UpdatedAt = s.now().UTC()
	err := s.persistLocked()
	s.mu.Unlock()
	return err
}

// KillSwitch returns "off" or the trip reason.
func (s *State) KillSwitch() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.KillSwitch
}

// Rebuild replays outcome events into a fresh snapshot. Used at startup to
// verify the persisted state and to recover from a missing snapshot.
func (s *State) Rebuild(outcomes []*core.Outcome) error {
	s.mu.Lock()
	s.snap = freshSnapshot(s.now())
	s.mu.Unlock()

	for _, o := range outcomes {
		if err := s.ApplyOutcome(o); err != nil {
			return err
		}
	}
	return nil
}

// SetClock overrides the time source; used in tests.
func (s *State) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *State) persistLocked() error {
	if s.path == "" {
		return nil
	}
	if err := atomicfile.WriteJSON(s.path, s.snap); err != nil {
		return fmt.Errorf("persist risk state: %w", err)
	}
	return nil
}

// DefaultStatePath returns the canonical snapshot location under dataDir.
func DefaultStatePath(dataDir string) string {
	return filepath.Join(dataDir, "state", "risk.json")
}

var _ core.IRiskState = (*State)(nil)
