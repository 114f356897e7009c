package counter

import (
	"container/list"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultMaxKeys bounds the number of tracked keys so a spoofed-IP flood
	// cannot grow memory without bound.
	DefaultMaxKeys = 100_000

	// DefaultSweepInterval is how often expired keys are garbage-collected.
	DefaultSweepInterval = 60 * time.Second
)

type memoryEntry struct {
	key       string
	events    []time.Time
	expiresAt time.Time
}

// MemoryStore is a process-local sliding-window log. Each key holds the exact
// timestamps of its events inside the current window; older timestamps are
// purged lazily on every check. Keys are kept in an LRU table capped at
// maxKeys, least recently used evicted first.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recently used
	maxKeys int

	nowFn    func() time.Time
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	return &MemoryStore{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxKeys: maxKeys,
		nowFn:   time.Now,
		stopCh:  make(chan struct{}),
	}
}

func (m *MemoryStore) IncrementAndCheck(_ context.Context, key string, window time.Duration, limit int) (Result, error) {
	now := m.nowFn()

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.touch(key)
	entry.expiresAt = now.Add(window)

	// Purge timestamps that fell out of the window
	cutoff := now.Add(-window)
	events := entry.events[:0]
	for _, ts := range entry.events {
		if ts.After(cutoff) {
			events = append(events, ts)
		}
	}
	entry.events = events

	if len(entry.events) >= limit {
		// Oldest event leaving the window frees the next slot
		return Result{
			Allowed:   false,
			Remaining: 0,
			ResetAt:   entry.events[0].Add(window),
		}, nil
	}

	entry.events = append(entry.events, now)

	return Result{
		Allowed:   true,
		Remaining: limit - len(entry.events),
		ResetAt:   now.Add(window),
	}, nil
}

// touch returns the entry for key, creating it if needed, and marks it most
// recently used. Evicts from the LRU tail when the key table is full.
func (m *MemoryStore) touch(key string) *memoryEntry {
	if elem, ok := m.entries[key]; ok {
		m.lru.MoveToFront(elem)
		return elem.Value.(*memoryEntry)
	}

	if len(m.entries) >= m.maxKeys {
		if tail := m.lru.Back(); tail != nil {
			evicted := tail.Value.(*memoryEntry)
			delete(m.entries, evicted.key)
			m.lru.Remove(tail)
		}
	}

	entry := &memoryEntry{key: key}
	m.entries[key] = m.lru.PushFront(entry)
	return entry
}

// Sweep removes keys whose window has fully expired. Returns the number of
// keys removed.
func (m *MemoryStore) Sweep() int {
	now := m.nowFn()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for elem := m.lru.Back(); elem != nil; {
		prev := elem.Prev()
		entry := elem.Value.(*memoryEntry)
		if entry.expiresAt.Before(now) {
			delete(m.entries, entry.key)
			m.lru.Remove(elem)
			removed++
		}
		elem = prev
	}

	return removed
}

// Len returns the number of tracked keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// StartSweeper launches the periodic background sweep. Stop with StopSweeper.
func (m *MemoryStore) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if removed := m.Sweep(); removed > 0 {
					log.WithField("removed", removed).Debug("counter store: swept expired keys")
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *MemoryStore) StopSweeper() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}
