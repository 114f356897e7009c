package llm

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the wait queue is at capacity
	ErrQueueFull = errors.New("llm admission queue is full")

	// ErrAcquireTimeout is returned when a queued caller waited max_wait
	ErrAcquireTimeout = errors.New("timed out waiting for llm capacity")

	// ErrBucketClosed is returned after shutdown
	ErrBucketClosed = errors.New("token bucket is closed")
)

type waiter struct {
	ready chan struct{} // closed by the dispenser on grant, under the bucket lock
}

// Bucket admits calls to the upstream LLM providers. Capacity refills
// continuously at refillRate tokens per second; each call consumes one
// token. Callers that find the bucket empty wait in a strict FIFO queue,
// bounded by maxQueue, for at most maxWait.
//
// This is the only limiter in the stack that may suspend a request. A single
// dispenser goroutine grants queued waiters in order using timers; nothing
// busy-polls.
type Bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	waiters    *list.List

	maxQueue int
	maxWait  time.Duration

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	nowFn     func() time.Time
}

func NewBucket(capacity int, refillRate float64, maxQueue int, maxWait time.Duration) *Bucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillRate <= 0 {
		refillRate = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	if maxWait <= 0 {
		maxWait = 10 * time.Second
	}

	b := &Bucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity), // start full
		refillRate: refillRate,
		lastRefill: time.Now(),
		waiters:    list.New(),
		maxQueue:   maxQueue,
		maxWait:    maxWait,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		nowFn:      time.Now,
	}

	go b.dispense()

	return b
}

// Acquire takes one token, blocking in the FIFO queue when none is
// available. Returns nil on grant, ErrQueueFull or ErrAcquireTimeout on
// rejection, or the context error if the caller went away while queued.
func (b *Bucket) Acquire(ctx context.Context) error {
	select {
	case <-b.done:
		return ErrBucketClosed
	default:
	}

	b.mu.Lock()
	b.refill(b.nowFn())

	// Immediate grant only when nobody is already waiting, otherwise the
	// newcomer would jump the queue
	if b.waiters.Len() == 0 && b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}

	if b.waiters.Len() >= b.maxQueue {
		b.mu.Unlock()
		return ErrQueueFull
	}

	w := &waiter{ready: make(chan struct{})}
	elem := b.waiters.PushBack(w)
	b.mu.Unlock()
	b.kick()

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()

	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		return b.abandon(elem, w, ErrAcquireTimeout)
	case <-ctx.Done():
		return b.abandon(elem, w, ctx.Err())
	case <-b.done:
		return b.abandon(elem, w, ErrBucketClosed)
	}
}

// abandon removes a queued waiter. Grants happen under the bucket lock, so
// rechecking ready here closes the race where a token was handed over just
// as the timer fired - the token must not be lost.
func (b *Bucket) abandon(elem *list.Element, w *waiter, reason error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	default:
	}

	b.waiters.Remove(elem)
	return reason
}

func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *Bucket) kick() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// dispense grants queued waiters strictly in FIFO order. It sleeps on a
// timer sized to the next token's arrival, or on notify when the queue is
// empty.
func (b *Bucket) dispense() {
	for {
		b.mu.Lock()
		b.refill(b.nowFn())

		for b.waiters.Len() > 0 && b.tokens >= 1 {
			elem := b.waiters.Front()
			b.waiters.Remove(elem)
			b.tokens--
			close(elem.Value.(*waiter).ready)
		}

		wait := time.Duration(-1)
		if b.waiters.Len() > 0 {
			need := 1 - b.tokens
			wait = time.Duration(need / b.refillRate * float64(time.Second))
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
		}
		b.mu.Unlock()

		if wait < 0 {
			select {
			case <-b.notify:
			case <-b.done:
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-b.notify:
			timer.Stop()
		case <-b.done:
			timer.Stop()
			return
		}
	}
}

// Stats is a snapshot for the system status endpoint.
type Stats struct {
	Capacity    int     `json:"capacity"`
	Tokens      float64 `json:"tokens"`
	RefillRate  float64 `json:"refill_rate"`
	QueueLength int     `json:"queue_length"`
	MaxQueue    int     `json:"max_queue"`
}

func (b *Bucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.nowFn())

	return Stats{
		Capacity:    int(b.capacity),
		Tokens:      b.tokens,
		RefillRate:  b.refillRate,
		QueueLength: b.waiters.Len(),
		MaxQueue:    b.maxQueue,
	}
}

// Close stops the dispenser and fails all queued waiters.
func (b *Bucket) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}
