// Package staleness decides whether a stored payload can be served without a network round-trip.
package staleness

import "time"

// DefaultWindow is how long a stored payload stays fresh.
const DefaultWindow = 5 * time.Minute

// IsStale reports whether more than window elapsed between storedAt and now.
// An age exactly equal to window is still fresh.
func IsStale(storedAt, now time.Time, window time.Duration) bool {
	return now.Sub(storedAt) > window
}

// IsStaleMillis is IsStale over epoch milliseconds.
func IsStaleMillis(storedAtMillis, nowMillis, windowMillis int64) bool {
	return nowMillis-storedAtMillis > windowMillis
}
