package counter

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreEnforcesLimit(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := store.IncrementAndCheck(ctx, "ip:general:1.2.3.4", time.Minute, 3)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if want := 3 - (i + 1); res.Remaining != want {
			t.Fatalf("request %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	res, err := store.IncrementAndCheck(ctx, "ip:general:1.2.3.4", time.Minute, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("4th request should be denied")
	}
	if res.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", res.Remaining)
	}
	if res.ResetAt.IsZero() {
		t.Fatal("denied result must carry a reset time")
	}
}

func TestMemoryStoreSlidingWindow(t *testing.T) {
	store := NewMemoryStore(0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }
	ctx := context.Background()

	// Fill the window
	for i := 0; i < 2; i++ {
		if res, _ := store.IncrementAndCheck(ctx, "k", time.Minute, 2); !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		now = now.Add(10 * time.Second)
	}

	res, _ := store.IncrementAndCheck(ctx, "k", time.Minute, 2)
	if res.Allowed {
		t.Fatal("window full, request should be denied")
	}
	// The first event (t=0) leaves the window at t=60s
	if want := time.Date(2025, 6, 1, 12, 1, 0, 0, time.UTC); !res.ResetAt.Equal(want) {
		t.Fatalf("reset at = %v, want %v", res.ResetAt, want)
	}

	// Move past the first event's expiry: exactly one slot frees up
	now = time.Date(2025, 6, 1, 12, 1, 5, 0, time.UTC)
	res, _ = store.IncrementAndCheck(ctx, "k", time.Minute, 2)
	if !res.Allowed {
		t.Fatal("oldest event expired, request should be allowed")
	}
	res, _ = store.IncrementAndCheck(ctx, "k", time.Minute, 2)
	if res.Allowed {
		t.Fatal("window refilled, request should be denied again")
	}
}

func TestMemoryStoreLRUBound(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c", "d"} {
		store.IncrementAndCheck(ctx, key, time.Minute, 10)
	}

	if got := store.Len(); got != 3 {
		t.Fatalf("tracked keys = %d, want 3", got)
	}

	// "a" was evicted; it starts over with a clean window
	res, _ := store.IncrementAndCheck(ctx, "a", time.Minute, 1)
	if !res.Allowed {
		t.Fatal("evicted key should start fresh")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	store := NewMemoryStore(0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }
	ctx := context.Background()

	store.IncrementAndCheck(ctx, "old", time.Minute, 10)

	now = now.Add(30 * time.Second)
	store.IncrementAndCheck(ctx, "fresh", time.Minute, 10)

	now = now.Add(45 * time.Second) // "old" expired 15s ago, "fresh" has 15s left
	if removed := store.Sweep(); removed != 1 {
		t.Fatalf("swept %d keys, want 1", removed)
	}
	if got := store.Len(); got != 1 {
		t.Fatalf("tracked keys = %d, want 1", got)
	}
}

func TestMemoryStoreConcurrentNoOvercount(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	const limit = 100
	const attempts = 250

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.IncrementAndCheck(ctx, "shared", time.Minute, limit)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Fatalf("allowed %d requests, want exactly %d", allowed, limit)
	}
}
