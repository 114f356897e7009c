package counter

import (
	"context"
	"time"
)

// Result describes the outcome of a counter check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Store is an atomic increment-with-expiry counter, the primitive under the
// IP and tier rate limiters. Implementations must be safe for concurrent use,
// including concurrent calls for the same key.
type Store interface {
	// IncrementAndCheck records one event under key if fewer than limit
	// events happened within the trailing window, and reports the outcome.
	IncrementAndCheck(ctx context.Context, key string, window time.Duration, limit int) (Result, error)
}
