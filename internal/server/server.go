// Package server exposes the operator HTTP surface: health, status,
// positions, the event log tail, the circuit breaker reset and the kill
// switch. Everything an operator does through it is journaled.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hope/internal/core"
	"hope/internal/health"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultEventTail = 200

// EventReader is the slice of the event log the API serves.
type EventReader interface {
	Replay(from, to time.Time) ([]*core.Event, error)
	ReplayType(eventType string, from, to time.Time) ([]*core.Event, error)
}

// Server is the operator API.
type Server struct {
	port      string
	logger    core.ILogger
	srv       *http.Server
	hm        core.IHealthMonitor
	heartbeat *health.Heartbeat
	positions core.IPositionTracker
	events    EventReader
	journal   core.IEventLog
	riskState core.IRiskState
	breaker   core.ICircuitBreaker
	ingest    func(*core.Signal) error
	now       func() time.Time
}

// New builds the API server; Start binds the port.
func New(port string, hm core.IHealthMonitor, heartbeat *health.Heartbeat,
	positions core.IPositionTracker, events EventReader, journal core.IEventLog,
	riskState core.IRiskState, breaker core.ICircuitBreaker, logger core.ILogger) *Server {
	return &Server{
		port:      port,
		logger:    logger.WithField("component", "api_server"),
		hm:        hm,
		heartbeat: heartbeat,
		positions: positions,
		events:    events,
		journal:   journal,
		riskState: riskState,
		breaker:   breaker,
		now:       time.Now,
	}
}

// SetIngest wires the local signal intake endpoint; without it the route
// returns 404.
func (s *Server) SetIngest(fn func(*core.Signal) error) {
	s.ingest = fn
}

// Start binds the listener and serves in the background.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		s.logger.Info("Starting API server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server failed", "error", err)
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler builds the route table; exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/circuit-breaker/reset", s.handleBreakerReset)
	mux.HandleFunc("/kill-switch/", s.handleKillSwitch)
	mux.HandleFunc("/ingest/signal", s.handleIngest)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// handleIngest accepts signal JSON from local producers.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		writeError(w, http.StatusNotFound, "signal intake not enabled")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var signal core.Signal
	if err := json.NewDecoder(r.Body).Decode(&signal); err != nil {
		writeError(w, http.StatusBadRequest, "bad signal: "+err.Error())
		return
	}
	if err := s.ingest(&signal); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"result": "queued"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"status": "ok",
		"ready":  true,
		"time":   s.now().UTC(),
	}
	if s.hm != nil {
		payload["components"] = s.hm.GetStatus()
		if !s.hm.IsHealthy() {
			payload["status"] = "unhealthy"
			payload["ready"] = false
			writeJSON(w, http.StatusServiceUnavailable, payload)
			return
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.heartbeat.Snapshot())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	list := s.positions.List()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":     len(list),
		"positions": list,
	})
}

// handleEvents serves the journal tail, filtered by ?type=&from=&to= and
// capped by ?limit= (default 200).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := parseTime(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad from: "+err.Error())
		return
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad to: "+err.Error())
		return
	}
	limit := defaultEventTail
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
	}

	var events []*core.Event
	if eventType := q.Get("type"); eventType != "" {
		events, err = s.events.ReplayType(eventType, from, to)
	} else {
		events, err = s.events.Replay(from, to)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(events),
		"events": events,
	})
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	operator := operatorName(r)

	s.breaker.Reset(operator)
	s.audit(r.Context(), "circuit_breaker_reset", operator, "")
	s.logger.Warn("Circuit breaker reset by operator", "operator", operator)
	writeJSON(w, http.StatusOK, map[string]string{
		"result": "reset", "state": string(s.breaker.State()),
	})
}

// handleKillSwitch serves POST /kill-switch/on and /kill-switch/off. Turning
// it on takes an optional ?reason=.
func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	operator := operatorName(r)

	switch strings.TrimPrefix(r.URL.Path, "/kill-switch/") {
	case "on":
		reason := r.URL.Query().Get("reason")
		if reason == "" {
			reason = "operator:" + operator
		}
		if err := s.riskState.SetKillSwitch(reason); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.audit(r.Context(), "kill_switch_on", operator, reason)
		s.logger.Warn("Kill switch engaged", "operator", operator, "reason", reason)
	case "off":
		if err := s.riskState.SetKillSwitch(""); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.audit(r.Context(), "kill_switch_off", operator, "")
		s.logger.Warn("Kill switch released", "operator", operator)
	default:
		writeError(w, http.StatusNotFound, "use /kill-switch/on or /kill-switch/off")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"kill_switch": s.riskState.KillSwitch(),
	})
}

// audit journals every operator action so manual interventions show up in
// the same history as automatic transitions.
func (s *Server) audit(ctx context.Context, action, operator, detail string) {
	if s.journal == nil {
		return
	}
	event, err := core.NewEvent(core.EventOperatorAction, "", "api_server", s.now(), map[string]string{
		"action":   action,
		"operator": operator,
		"detail":   detail,
	})
	if err != nil {
		s.logger.Error("Operator audit marshal failed", "error", err)
		return
	}
	if err := s.journal.Publish(ctx, event); err != nil {
		s.logger.Error("Operator audit publish failed", "action", action, "error", err)
	}
}

func operatorName(r *http.Request) string {
	if op := r.Header.Get("X-Operator"); op != "" {
		return op
	}
	return "unknown"
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
