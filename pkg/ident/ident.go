// Package ident mints the identifiers that thread the correlation chain:
// correlation IDs, deterministic client order IDs, and short content hashes.
package ident

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientOrderIDPrefix marks every order this process places on the exchange.
const ClientOrderIDPrefix = "HOPE-"

// NewCorrelationID returns a fresh correlation ID for a signal chain.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Hash returns the full hex sha256 of the concatenated parts.
func Hash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShortHash returns the first n hex chars of Hash.
func ShortHash(n int, parts ...string) string {
	return Hash(parts...)[:n]
}

// EntryOrderID derives the idempotent client order ID for the entry order of
// a correlation: "HOPE-" + first 24 hex of sha256(correlation_id || "entry").
func EntryOrderID(correlationID string) string {
	return ClientOrderIDPrefix + ShortHash(24, correlationID, "entry")
}

// TPOrderID derives the take-profit leg client order ID.
func TPOrderID(correlationID string) string {
	return ClientOrderIDPrefix + ShortHash(24, correlationID, "tp")
}

// SLOrderID derives the stop-loss leg client order ID.
func SLOrderID(correlationID string) string {
	return ClientOrderIDPrefix + ShortHash(24, correlationID, "sl")
}

// OCOListID derives the OCO list client ID.
func OCOListID(correlationID string) string {
	return ClientOrderIDPrefix + ShortHash(24, correlationID, "oco")
}

// CloseOrderID derives the client order ID for the attempt-th close of a
// position. The attempt counter keeps retried exits idempotent without ever
// reusing an ID the exchange already consumed.
func CloseOrderID(correlationID string, attempt int64) string {
	return ClientOrderIDPrefix + ShortHash(20, correlationID, "close") + "-" + strconv.FormatInt(attempt, 10)
}

// IsOurs reports whether a client order ID was minted by this process.
func IsOurs(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, ClientOrderIDPrefix)
}

// PositionID derives a stable position ID from the correlation chain.
func PositionID(correlationID string) string {
	return "pos_" + ShortHash(16, correlationID, "position")
}

// SignalID derives the signal record ID from its content.
func SignalID(symbol string, producedAt time.Time, strategyTag string) string {
	return "sig_" + ShortHash(16, symbol, producedAt.UTC().Format(time.RFC3339Nano), strategyTag)
}
