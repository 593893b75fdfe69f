package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"venueflow/logger"
)

// Category identifies an independent rate-limit bucket. The venue publishes
// separate budgets per operation class, so each category refills on its own.
type Category string

const (
	PublicData     Category = "public_data"
	OrderPlacement Category = "order_placement"
	OrderListing   Category = "order_listing"
	Account        Category = "account"
	BulkCancel     Category = "bulk_cancel"
)

// ExceededError is returned when an acquisition cannot be admitted: the wait
// queue for the category is full or the caller's deadline expired first.
type ExceededError struct {
	Category Category
	Reason   string
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %s", e.Category, e.Reason)
}

// Lease records a successful acquisition.
type Lease struct {
	Category   Category
	Permits    float64
	AcquiredAt time.Time
}

// Bucket holds per-category token state. Tokens are fractional and refill
// lazily from elapsed time at acquisition; there is no background timer.
type bucket struct {
	tokens     float64
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	waiters    []*waiter // FIFO
}

type waiter struct {
	permits float64
}

// refill credits tokens for the time elapsed since the last refill,
// clamped at capacity. Caller must hold the limiter lock.
func (b *bucket) refill(now time.Time) {
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

// queuedAhead sums the permits of waiters queued before w.
func (b *bucket) queuedAhead(w *waiter) float64 {
	var sum float64
	for _, q := range b.waiters {
		if q == w {
			break
		}
		sum += q.permits
	}
	return sum
}

func (b *bucket) removeWaiter(w *waiter) {
	for i, q := range b.waiters {
		if q == w {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// Limiter is a set of independent token buckets keyed by operation category.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[Category]*bucket
	queueLimit int
	now        func() time.Time
	log        *logger.Log
}

// BucketSpec defines one category's budget.
type BucketSpec struct {
	Capacity     float64
	RefillPerSec float64
}

// New creates a limiter with one bucket per provided category spec.
func New(specs map[Category]BucketSpec, queueLimit int, log *logger.Log) *Limiter {
	if queueLimit <= 0 {
		queueLimit = 64
	}
	if log == nil {
		log = logger.GetLogger()
	}
	now := time.Now()
	buckets := make(map[Category]*bucket, len(specs))
	for cat, spec := range specs {
		buckets[cat] = &bucket{
			tokens:     spec.Capacity,
			capacity:   spec.Capacity,
			refillRate: spec.RefillPerSec,
			lastRefill: now,
		}
	}
	return &Limiter{
		buckets:    buckets,
		queueLimit: queueLimit,
		now:        time.Now,
		log:        log,
	}
}

// SetClock replaces the limiter's time source. Intended for tests.
func (l *Limiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	l.now = now
	l.mu.Unlock()
}

// Tokens reports the current token count for a category after a lazy refill.
func (l *Limiter) Tokens(category Category) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[category]
	if !ok {
		return 0
	}
	b.refill(l.now())
	return b.tokens
}

// Acquire takes permits from the category's bucket. When tokens are short it
// joins a bounded FIFO queue and waits for refill up to the context deadline.
// Queue-full and deadline expiry both reject with ExceededError.
func (l *Limiter) Acquire(ctx context.Context, category Category, permits float64) (Lease, error) {
	if permits <= 0 {
		permits = 1
	}

	l.mu.Lock()
	b, ok := l.buckets[category]
	if !ok {
		l.mu.Unlock()
		return Lease{}, fmt.Errorf("unknown rate limit category %q", category)
	}
	if permits > b.capacity {
		l.mu.Unlock()
		return Lease{}, fmt.Errorf("requested %v permits exceeds capacity %v for %s", permits, b.capacity, category)
	}

	now := l.now()
	b.refill(now)

	if len(b.waiters) == 0 && b.tokens >= permits {
		b.tokens -= permits
		l.mu.Unlock()
		return Lease{Category: category, Permits: permits, AcquiredAt: now}, nil
	}

	if len(b.waiters) >= l.queueLimit {
		l.mu.Unlock()
		l.reportExceeded(category, "queue full")
		return Lease{}, &ExceededError{Category: category, Reason: "queue full"}
	}

	w := &waiter{permits: permits}
	b.waiters = append(b.waiters, w)
	l.mu.Unlock()

	return l.wait(ctx, category, b, w)
}

// wait blocks until w reaches the head of the queue with enough tokens, the
// context is cancelled, or its deadline expires. Waiters self-wake from the
// projected refill time; only the head may complete, which keeps admissions
// in FIFO order.
func (l *Limiter) wait(ctx context.Context, category Category, b *bucket, w *waiter) (Lease, error) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		l.mu.Lock()
		now := l.now()
		b.refill(now)

		if b.waiters[0] == w && b.tokens >= w.permits {
			b.tokens -= w.permits
			b.waiters = b.waiters[1:]
			l.mu.Unlock()
			return Lease{Category: category, Permits: w.permits, AcquiredAt: now}, nil
		}

		// Sleep until refill should cover everyone queued ahead plus us.
		need := b.queuedAhead(w) + w.permits - b.tokens
		l.mu.Unlock()

		sleep := time.Duration(need / b.refillRate * float64(time.Second))
		if sleep < time.Millisecond {
			sleep = time.Millisecond
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(sleep)

		select {
		case <-ctx.Done():
			l.mu.Lock()
			b.removeWaiter(w)
			l.mu.Unlock()
			l.reportExceeded(category, "deadline exceeded")
			return Lease{}, &ExceededError{Category: category, Reason: ctx.Err().Error()}
		case <-timer.C:
		}
	}
}

func (l *Limiter) reportExceeded(category Category, reason string) {
	l.log.WithComponent("rate_limiter").LogMetric("rate_limiter", "rate_limit_exceeded", int64(1), "counter", logger.Fields{
		"category": string(category),
		"reason":   reason,
	})
}
