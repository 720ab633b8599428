package engine

import "time"

// Clock supplies wall-clock time for instance creation, history entries,
// review resolution and audit messages.
//
// Ordering never depends on it: history is ordered by seq and messages by
// (timestamp, seq). Tests inject a stepping clock for stable traces.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock. Times are UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
