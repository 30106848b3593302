package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"hope/internal/core"
	"hope/internal/eventlog"
	"hope/internal/health"
	"hope/internal/market"
	"hope/internal/position"
	"hope/internal/risk"
	"hope/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	handler http.Handler
	events  *eventlog.EventLog
	tracker *position.Tracker
	state   *risk.State
	breaker *risk.CircuitBreaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events, err := eventlog.New(t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	tracker, err := position.NewTracker(filepath.Join(t.TempDir(), "positions.json"), logging.NewNop())
	require.NoError(t, err)
	state, err := risk.NewState(filepath.Join(t.TempDir(), "risk.json"), logging.NewNop())
	require.NoError(t, err)
	breaker := risk.NewCircuitBreaker(risk.BreakerConfig{
		MaxConsecutiveLosses: 5,
		MaxDailyLossUSD:      15,
		Cooldown:             5 * time.Minute,
		CooldownCap:          time.Hour,
	}, state, events, nil, logging.NewNop())

	manager := health.NewManager(logging.NewNop())
	prices := market.NewPriceCache(10 * time.Second)
	hb := health.NewHeartbeat(30*time.Second, "DRY", manager, events, tracker, state,
		breaker, prices, nil, logging.NewNop())

	srv := New("0", manager, hb, tracker, events, events, state, breaker, logging.NewNop())
	return &fixture{
		handler: srv.Handler(),
		events:  events,
		tracker: tracker,
		state:   state,
		breaker: breaker,
	}
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	req.Header.Set("X-Operator", "ops")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["ready"])
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "DRY", body["mode"])
	assert.Equal(t, "CLOSED", body["circuit_state"])
}

func TestPositionsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.Open(&core.Position{
		ID: "p1", Symbol: "DOGEUSDT",
		EntryPrice: decimal.NewFromFloat(0.1),
		Quantity:   decimal.NewFromInt(300),
		EntryTime:  time.Now(),
	}))

	rec := f.do(t, http.MethodGet, "/api/positions")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])
}

func TestEventsEndpointFiltersByType(t *testing.T) {
	f := newFixture(t)
	for _, typ := range []string{core.EventSignal, core.EventDecision, core.EventSignal} {
		e, err := core.NewEvent(typ, "corr", "test", time.Now(), map[string]string{"k": "v"})
		require.NoError(t, err)
		require.NoError(t, f.events.Publish(context.Background(), e))
	}

	rec := f.do(t, http.MethodGet, "/api/events?type=signal")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/events")
	assert.EqualValues(t, 3, decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/events?from=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerResetAudited(t *testing.T) {
	f := newFixture(t)
	f.breaker.Trip("manual_test")
	require.Equal(t, core.CircuitOpen, f.breaker.State())

	rec := f.do(t, http.MethodPost, "/circuit-breaker/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, core.CircuitClosed, f.breaker.State())

	audits, err := f.events.ReplayType(core.EventOperatorAction, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, audits, 1)

	var payload map[string]string
	require.NoError(t, audits[0].Decode(&payload))
	assert.Equal(t, "circuit_breaker_reset", payload["action"])
	assert.Equal(t, "ops", payload["operator"])
}

func TestKillSwitchOnOff(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/kill-switch/on?reason=maintenance")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "maintenance", f.state.KillSwitch())

	rec = f.do(t, http.MethodPost, "/kill-switch/off")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, risk.KillSwitchOff, f.state.KillSwitch())

	rec = f.do(t, http.MethodGet, "/kill-switch/on")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
