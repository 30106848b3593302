package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Event type names. Each type maps to its own journal file under events/.
const (
	EventSignal         = "signal"
	EventSignalDropped  = "signal_dropped"
	EventGateResult     = "gate_result"
	EventDecision       = "decision"
	EventOrder          = "order"
	EventFill           = "fill"
	EventExitRequest    = "exit_request"
	EventPositionOpen   = "position_open"
	EventPositionClose  = "position_close"
	EventOutcome        = "outcome"
	EventCircuit        = "circuit_breaker"
	EventAllowlist      = "allowlist"
	EventReconcile      = "reconcile_mismatch"
	EventHeartbeat      = "heartbeat"
	EventGracefulStop   = "graceful_stop"
	EventUncertain      = "uncertain_outcome"
	EventKillSwitch     = "kill_switch"
	EventOperatorAction = "operator_action"
)

// Event is the envelope appended to the journal and fanned out on the bus.
type Event struct {
	SchemaVersion int             `json:"schema_version"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id"`
	Source        string          `json:"source"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEvent builds an envelope around a payload. The payload is marshaled once
// here so the event ID is derived from the exact bytes that hit the journal.
func NewEvent(eventType, correlationID, source string, ts time.Time, payload any) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e := &Event{
		SchemaVersion: SchemaVersion,
		EventType:     eventType,
		TS:            ts.UTC(),
		CorrelationID: correlationID,
		Source:        source,
		Payload:       raw,
	}
	e.EventID = e.ComputeID()
	return e, nil
}

// ComputeID derives the event ID from type, correlation, timestamp and the
// canonical payload bytes: sha256(type || correlation_id || ts || payload)[:16].
func (e *Event) ComputeID() string {
	h := sha256.New()
	h.Write([]byte(e.EventType))
	h.Write([]byte(e.CorrelationID))
	h.Write([]byte(e.TS.UTC().Format(time.RFC3339Nano)))
	h.Write(e.Payload)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}
