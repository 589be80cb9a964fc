package domain

import "errors"

// Error taxonomy. Callers classify with errors.Is; producers wrap with context.
var (
	// ErrTransientNetwork marks a venue or feed call that may succeed on retry
	// (timeouts, connection resets, 5xx, 429).
	ErrTransientNetwork = errors.New("transient network error")
	// ErrVenueRejection is terminal for the order it concerns.
	ErrVenueRejection = errors.New("venue rejection")
	// ErrDataIntegrity is raised for gapped, crossed or out-of-range book data.
	// The update is never applied; a resynchronization is requested instead.
	ErrDataIntegrity = errors.New("data integrity error")
	// ErrCapitalExhausted rejects an intent that needs more than the free capital.
	ErrCapitalExhausted = errors.New("capital exhausted")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
)

// Allocation rejections that are not capital exhaustion.
var (
	ErrDailyLossLimit = errors.New("daily loss limit reached")
	ErrStrategyLimit  = errors.New("strategy position limit reached")
)

var (
	ErrCapitalInvariant  = errors.New("capital invariant violated")
	ErrInvalidTransition = errors.New("invalid order state transition")
	ErrShuttingDown      = errors.New("engine shutting down")
	ErrNotFound          = errors.New("not found")
	ErrLockHeld          = errors.New("lock already held")
	ErrWSDisconnect      = errors.New("websocket disconnected")
)

// IsAllocationRejection reports whether err is one of the reasons the capital
// manager refuses an intent. Such intents are dropped, never retried.
func IsAllocationRejection(err error) bool {
	return errors.Is(err, ErrCapitalExhausted) ||
		errors.Is(err, ErrDailyLossLimit) ||
		errors.Is(err, ErrStrategyLimit)
}
