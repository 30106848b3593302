// Package apperrors defines the error taxonomy shared across the trading core.
package apperrors

import "errors"

// Standardized exchange errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrNotionalBelowMin      = errors.New("notional below minimum")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Core pipeline errors
var (
	ErrValidation        = errors.New("validation failed")
	ErrStaleData         = errors.New("stale data")
	ErrNotAllowed        = errors.New("symbol not allowed")
	ErrCircuitOpen       = errors.New("circuit breaker open")
	ErrExecutorBusy      = errors.New("executor busy")
	ErrReconcileMismatch = errors.New("reconcile mismatch")
	ErrLogWriteFailure   = errors.New("event log write failure")
	ErrInternalInvariant = errors.New("internal invariant violation")
)

// Kind buckets an error for retry and propagation policy.
type Kind int

const (
	KindPermanent Kind = iota
	KindTransient
	KindRateLimit
)

// KindOf classifies an error chain. Unknown errors are treated as transient
// so that network-level failures default to retry.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindPermanent
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimit
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrTimestampOutOfBounds):
		return KindTransient
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrNotionalBelowMin),
		errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrDuplicateOrder):
		return KindPermanent
	default:
		return KindTransient
	}
}

// Retryable reports whether the executor should retry the call.
func Retryable(err error) bool {
	k := KindOf(err)
	return k == KindTransient || k == KindRateLimit
}
