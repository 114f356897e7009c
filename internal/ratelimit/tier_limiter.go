package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/counter"
)

// TierLimiter enforces the per-minute and per-hour request ceilings of an
// account's subscription tier. Both windows are checked on every call; the
// request passes only when both have room. Keys are scoped by account and
// window so the counter store can be shared with the IP admission layer.
type TierLimiter struct {
	store counter.Store
	tiers map[string]config.TierLimit
	nowFn func() time.Time
}

func NewTierLimiter(store counter.Store, tiers map[string]config.TierLimit) *TierLimiter {
	return &TierLimiter{
		store: store,
		tiers: tiers,
		nowFn: time.Now,
	}
}

// Check consumes one request slot in both windows for the account. On
// rejection the decision carries the more restrictive dimension, so the
// response tells the client which ceiling it actually hit.
func (t *TierLimiter) Check(ctx context.Context, accountID, tier string) (Decision, error) {
	limits, ok := t.tiers[tier]
	if !ok {
		limits = t.tiers["free"]
	}

	// Keyed by account and tier: an upgrade mid-window starts fresh counters
	// at the new ceilings instead of inheriting the old tier's history.
	minuteKey := fmt.Sprintf("tier:%s:%s:minute", accountID, tier)
	minute, err := t.store.IncrementAndCheck(ctx, minuteKey, time.Minute, limits.RequestsPerMinute)
	if err != nil {
		return Decision{}, err
	}

	hourKey := fmt.Sprintf("tier:%s:%s:hour", accountID, tier)
	hour, err := t.store.IncrementAndCheck(ctx, hourKey, time.Hour, limits.RequestsPerHour)
	if err != nil {
		return Decision{}, err
	}

	now := t.nowFn()

	if !minute.Allowed || !hour.Allowed {
		rejected := minute
		window := WindowMinute
		limit := limits.RequestsPerMinute

		// When both fail, report whichever resets later; when only one
		// fails, report that one.
		if !hour.Allowed && (minute.Allowed || hour.ResetAt.After(minute.ResetAt)) {
			rejected = hour
			window = WindowHour
			limit = limits.RequestsPerHour
		}

		return Decision{
			Allowed:    false,
			Limit:      limit,
			Remaining:  0,
			ResetAt:    rejected.ResetAt,
			RetryAfter: rejected.ResetAt.Sub(now),
			Window:     window,
		}, nil
	}

	// Report the tighter of the two dimensions in the response headers
	decision := Decision{
		Allowed:   true,
		Limit:     limits.RequestsPerMinute,
		Remaining: minute.Remaining,
		ResetAt:   minute.ResetAt,
		Window:    WindowMinute,
	}
	if hour.Remaining < minute.Remaining {
		decision.Limit = limits.RequestsPerHour
		decision.Remaining = hour.Remaining
		decision.ResetAt = hour.ResetAt
		decision.Window = WindowHour
	}

	return decision, nil
}
